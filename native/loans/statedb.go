package loans

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"recfin/core/types"
	"recfin/crypto"
	"recfin/storage"
)

var (
	aggregateKey        = []byte("loans/aggregate")
	loanPrefix          = []byte("loans/loan/")
	paymentPrefix       = []byte("loans/payment/")
	sortedPaymentPrefix = []byte("loans/schedule/")
	loanPaymentPrefix   = []byte("loans/loan-payment/")
	impairmentPrefix    = []byte("loans/impairment/")
	accountPrefix       = []byte("loans/account/")
)

// LedgerState persists the engine's records in a key/value database using RLP
// encoding. It satisfies the storage contract the engine expects; callers own
// transactional boundaries, the state applies writes immediately.
type LedgerState struct {
	db storage.Database
}

// NewLedgerState wraps the given database.
func NewLedgerState(db storage.Database) *LedgerState {
	return &LedgerState{db: db}
}

// RLP has no signed integers or nested nil pointers, so the stored forms use
// unsigned timestamps and bech32 strings for addresses.
type storedAggregate struct {
	LoanCounter                uint64
	PaymentCounter             uint64
	PaymentWithEarliestDueDate uint64
	DomainStart                uint64
	DomainEnd                  uint64
	IssuanceRate               *big.Int
	AccountedInterest          *big.Int
	PrincipalOut               *big.Int
	UnrealizedLosses           *big.Int
}

type storedLoan struct {
	Borrower                string
	CollateralID            uint64
	Principal               *big.Int
	DrawableFunds           *big.Int
	OriginationFee          *big.Int
	IssuanceRate            *big.Int
	InterestRate            uint64
	LateInterestPremiumRate uint64
	StartDate               uint64
	DueDate                 uint64
	OriginalDueDate         uint64
	GracePeriod             uint64
	IsImpaired              bool
}

type storedPayment struct {
	ProtocolFeeRate     uint64
	AdminFeeRate        uint64
	StartDate           uint64
	DueDate             uint64
	IncomingNetInterest *big.Int
	IssuanceRate        *big.Int
}

type storedSortedPayment struct {
	PreviousID uint64
	NextID     uint64
	DueDate    uint64
}

type storedImpairment struct {
	TriggeredByGovernance bool
	Principal             *big.Int
	Interest              *big.Int
	LateInterest          *big.Int
	ProtocolFees          *big.Int
}

func (s *LedgerState) GetAggregate() (*Aggregate, error) {
	var stored storedAggregate
	ok, err := s.load(aggregateKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Aggregate{
		LoanCounter:                stored.LoanCounter,
		PaymentCounter:             stored.PaymentCounter,
		PaymentWithEarliestDueDate: stored.PaymentWithEarliestDueDate,
		DomainStart:                int64(stored.DomainStart),
		DomainEnd:                  int64(stored.DomainEnd),
		IssuanceRate:               cloneBigInt(stored.IssuanceRate),
		AccountedInterest:          cloneBigInt(stored.AccountedInterest),
		PrincipalOut:               cloneBigInt(stored.PrincipalOut),
		UnrealizedLosses:           cloneBigInt(stored.UnrealizedLosses),
	}, nil
}

func (s *LedgerState) PutAggregate(agg *Aggregate) error {
	if agg == nil {
		return errNilState
	}
	return s.store(aggregateKey, &storedAggregate{
		LoanCounter:                agg.LoanCounter,
		PaymentCounter:             agg.PaymentCounter,
		PaymentWithEarliestDueDate: agg.PaymentWithEarliestDueDate,
		DomainStart:                uint64(agg.DomainStart),
		DomainEnd:                  uint64(agg.DomainEnd),
		IssuanceRate:               cloneBigInt(agg.IssuanceRate),
		AccountedInterest:          cloneBigInt(agg.AccountedInterest),
		PrincipalOut:               cloneBigInt(agg.PrincipalOut),
		UnrealizedLosses:           cloneBigInt(agg.UnrealizedLosses),
	})
}

func (s *LedgerState) GetLoan(id uint64) (*Loan, error) {
	var stored storedLoan
	ok, err := s.load(idKey(loanPrefix, id), &stored)
	if err != nil || !ok {
		return nil, err
	}
	loan := &Loan{
		CollateralID:            stored.CollateralID,
		Principal:               cloneBigInt(stored.Principal),
		DrawableFunds:           cloneBigInt(stored.DrawableFunds),
		OriginationFee:          cloneBigInt(stored.OriginationFee),
		IssuanceRate:            cloneBigInt(stored.IssuanceRate),
		InterestRate:            stored.InterestRate,
		LateInterestPremiumRate: stored.LateInterestPremiumRate,
		StartDate:               int64(stored.StartDate),
		DueDate:                 int64(stored.DueDate),
		OriginalDueDate:         int64(stored.OriginalDueDate),
		GracePeriod:             int64(stored.GracePeriod),
		IsImpaired:              stored.IsImpaired,
	}
	if stored.Borrower != "" {
		borrower, err := crypto.DecodeAddress(stored.Borrower)
		if err != nil {
			return nil, err
		}
		loan.Borrower = borrower
	}
	return loan, nil
}

func (s *LedgerState) PutLoan(id uint64, loan *Loan) error {
	if loan == nil {
		return errNilState
	}
	stored := &storedLoan{
		CollateralID:            loan.CollateralID,
		Principal:               cloneBigInt(loan.Principal),
		DrawableFunds:           cloneBigInt(loan.DrawableFunds),
		OriginationFee:          cloneBigInt(loan.OriginationFee),
		IssuanceRate:            cloneBigInt(loan.IssuanceRate),
		InterestRate:            loan.InterestRate,
		LateInterestPremiumRate: loan.LateInterestPremiumRate,
		StartDate:               uint64(loan.StartDate),
		DueDate:                 uint64(loan.DueDate),
		OriginalDueDate:         uint64(loan.OriginalDueDate),
		GracePeriod:             uint64(loan.GracePeriod),
		IsImpaired:              loan.IsImpaired,
	}
	if len(loan.Borrower.Bytes()) > 0 {
		stored.Borrower = loan.Borrower.String()
	}
	return s.store(idKey(loanPrefix, id), stored)
}

func (s *LedgerState) GetPayment(id uint64) (*Payment, error) {
	var stored storedPayment
	ok, err := s.load(idKey(paymentPrefix, id), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Payment{
		ProtocolFeeRate:     stored.ProtocolFeeRate,
		AdminFeeRate:        stored.AdminFeeRate,
		StartDate:           int64(stored.StartDate),
		DueDate:             int64(stored.DueDate),
		IncomingNetInterest: cloneBigInt(stored.IncomingNetInterest),
		IssuanceRate:        cloneBigInt(stored.IssuanceRate),
	}, nil
}

func (s *LedgerState) PutPayment(id uint64, payment *Payment) error {
	if payment == nil {
		return errNilState
	}
	return s.store(idKey(paymentPrefix, id), &storedPayment{
		ProtocolFeeRate:     payment.ProtocolFeeRate,
		AdminFeeRate:        payment.AdminFeeRate,
		StartDate:           uint64(payment.StartDate),
		DueDate:             uint64(payment.DueDate),
		IncomingNetInterest: cloneBigInt(payment.IncomingNetInterest),
		IssuanceRate:        cloneBigInt(payment.IssuanceRate),
	})
}

func (s *LedgerState) DeletePayment(id uint64) error {
	return s.delete(idKey(paymentPrefix, id))
}

func (s *LedgerState) GetSortedPayment(id uint64) (*SortedPayment, error) {
	var stored storedSortedPayment
	ok, err := s.load(idKey(sortedPaymentPrefix, id), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &SortedPayment{
		PreviousID: stored.PreviousID,
		NextID:     stored.NextID,
		DueDate:    int64(stored.DueDate),
	}, nil
}

func (s *LedgerState) PutSortedPayment(id uint64, node *SortedPayment) error {
	if node == nil {
		return errNilState
	}
	return s.store(idKey(sortedPaymentPrefix, id), &storedSortedPayment{
		PreviousID: node.PreviousID,
		NextID:     node.NextID,
		DueDate:    uint64(node.DueDate),
	})
}

func (s *LedgerState) DeleteSortedPayment(id uint64) error {
	return s.delete(idKey(sortedPaymentPrefix, id))
}

func (s *LedgerState) PaymentIDForLoan(loanID uint64) (uint64, error) {
	var paymentID uint64
	ok, err := s.load(idKey(loanPaymentPrefix, loanID), &paymentID)
	if err != nil || !ok {
		return 0, err
	}
	return paymentID, nil
}

func (s *LedgerState) SetPaymentIDForLoan(loanID, paymentID uint64) error {
	if paymentID == 0 {
		return s.delete(idKey(loanPaymentPrefix, loanID))
	}
	return s.store(idKey(loanPaymentPrefix, loanID), paymentID)
}

func (s *LedgerState) GetImpairment(loanID uint64) (*ImpairmentSnapshot, error) {
	var stored storedImpairment
	ok, err := s.load(idKey(impairmentPrefix, loanID), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &ImpairmentSnapshot{
		TriggeredByGovernance: stored.TriggeredByGovernance,
		Principal:             cloneBigInt(stored.Principal),
		Interest:              cloneBigInt(stored.Interest),
		LateInterest:          cloneBigInt(stored.LateInterest),
		ProtocolFees:          cloneBigInt(stored.ProtocolFees),
	}, nil
}

func (s *LedgerState) PutImpairment(loanID uint64, snapshot *ImpairmentSnapshot) error {
	if snapshot == nil {
		return errNilState
	}
	return s.store(idKey(impairmentPrefix, loanID), &storedImpairment{
		TriggeredByGovernance: snapshot.TriggeredByGovernance,
		Principal:             cloneBigInt(snapshot.Principal),
		Interest:              cloneBigInt(snapshot.Interest),
		LateInterest:          cloneBigInt(snapshot.LateInterest),
		ProtocolFees:          cloneBigInt(snapshot.ProtocolFees),
	})
}

func (s *LedgerState) DeleteImpairment(loanID uint64) error {
	return s.delete(idKey(impairmentPrefix, loanID))
}

func (s *LedgerState) GetAccount(addr crypto.Address) (*types.Account, error) {
	account := new(types.Account)
	ok, err := s.load(accountKey(addr), account)
	if err != nil || !ok {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

func (s *LedgerState) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return errNilState
	}
	stored := account.Clone()
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	return s.store(accountKey(addr), stored)
}

func (s *LedgerState) load(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilState
	}
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LedgerState) store(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func (s *LedgerState) delete(key []byte) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	return s.db.Delete(key)
}

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return buf
}

func accountKey(addr crypto.Address) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(addr.Bytes()))
	key = append(key, accountPrefix...)
	return append(key, addr.Bytes()...)
}
