package loans

import (
	"math/big"

	"recfin/crypto"
)

// Loan captures the financing terms for one receivables-backed loan. Amount
// values are denominated in the smallest asset unit and expressed as big
// integers to keep the accounting exact. Annualised rates use 1e6 units where
// 1_000_000 equals 100%.
type Loan struct {
	// Borrower is the account that requested financing against the
	// receivable and may draw down the funded principal.
	Borrower crypto.Address
	// CollateralID references the tokenized receivable backing the loan.
	CollateralID uint64
	// Principal is the financed amount.
	Principal *big.Int
	// DrawableFunds is the portion of the principal the borrower has not yet
	// withdrawn. It is held in the engine's custody account.
	DrawableFunds *big.Int
	// OriginationFee is retained for the pool administrator when the loan is
	// funded.
	OriginationFee *big.Int
	// InterestRate is the annualised base rate.
	InterestRate uint64
	// LateInterestPremiumRate is added to the base rate for time past the
	// due date.
	LateInterestPremiumRate uint64
	// StartDate is the funding timestamp; zero while the loan is proposed.
	StartDate int64
	// DueDate is the current settlement deadline. Impairment pulls it back,
	// removal restores it.
	DueDate int64
	// OriginalDueDate preserves the receivable's due date across impairment.
	OriginalDueDate int64
	// GracePeriod is the number of seconds past the due date before a
	// default may be triggered.
	GracePeriod int64
	// IssuanceRate is the precision-scaled net interest streamed per second
	// while the loan's payment is pending.
	IssuanceRate *big.Int
	// IsImpaired flags that losses for this loan are frozen in an
	// impairment snapshot.
	IsImpaired bool
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneBigInt(l.Principal)
	clone.DrawableFunds = cloneBigInt(l.DrawableFunds)
	clone.OriginationFee = cloneBigInt(l.OriginationFee)
	clone.IssuanceRate = cloneBigInt(l.IssuanceRate)
	return &clone
}

// Funded reports whether the loan has moved past the proposed state.
func (l *Loan) Funded() bool {
	return l != nil && l.StartDate != 0
}

// Payment holds the settlement terms for a loan's current period. Exactly one
// payment exists per funded loan, addressed through the loan-to-payment map.
type Payment struct {
	// ProtocolFeeRate and AdminFeeRate are snapshots (1e6 units) of the fee
	// rates in force when the payment was queued.
	ProtocolFeeRate uint64
	AdminFeeRate    uint64
	// StartDate and DueDate bound the period the payment amortises.
	StartDate int64
	DueDate   int64
	// IncomingNetInterest is the interest expected over the full period net
	// of protocol and admin fees.
	IncomingNetInterest *big.Int
	// IssuanceRate is the precision-scaled per-second stream of the net
	// interest.
	IssuanceRate *big.Int
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	clone.IncomingNetInterest = cloneBigInt(p.IncomingNetInterest)
	clone.IssuanceRate = cloneBigInt(p.IssuanceRate)
	return &clone
}

// SortedPayment is one node of the due-date ordered payment list. Traversing
// from the head via NextID yields non-decreasing due dates. Node ids are
// monotonic counters and never reused.
type SortedPayment struct {
	PreviousID uint64
	NextID     uint64
	DueDate    int64
}

// Clone returns a copy of the schedule node.
func (s *SortedPayment) Clone() *SortedPayment {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// ImpairmentSnapshot freezes a loan's loss exposure at the moment of
// impairment. It is consumed either to reverse the impairment or to finalize
// losses at default.
type ImpairmentSnapshot struct {
	// TriggeredByGovernance records who initiated the impairment; only
	// governance may reverse its own impairments.
	TriggeredByGovernance bool
	Principal             *big.Int
	Interest              *big.Int
	LateInterest          *big.Int
	ProtocolFees          *big.Int
}

// Clone returns a deep copy of the snapshot.
func (s *ImpairmentSnapshot) Clone() *ImpairmentSnapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Principal = cloneBigInt(s.Principal)
	clone.Interest = cloneBigInt(s.Interest)
	clone.LateInterest = cloneBigInt(s.LateInterest)
	clone.ProtocolFees = cloneBigInt(s.ProtocolFees)
	return &clone
}

// Aggregate is the single global accounting record. It is exclusively owned by
// the engine and mutated only through the advance algorithm and the
// issuance-parameter update routine.
type Aggregate struct {
	// LoanCounter and PaymentCounter issue monotonically increasing ids.
	LoanCounter    uint64
	PaymentCounter uint64
	// PaymentWithEarliestDueDate is the head of the sorted payment list;
	// zero when no payments are pending.
	PaymentWithEarliestDueDate uint64
	// DomainStart and DomainEnd bound the window over which IssuanceRate is
	// valid without re-derivation. DomainEnd equals either "now" (no pending
	// payments) or the earliest pending due date.
	DomainStart int64
	DomainEnd   int64
	// IssuanceRate is the precision-scaled net interest streamed per second
	// across all pending payments.
	IssuanceRate *big.Int
	// AccountedInterest is interest already recognized, pending settlement.
	AccountedInterest *big.Int
	// PrincipalOut is the principal outstanding across all funded loans.
	PrincipalOut *big.Int
	// UnrealizedLosses aggregates the frozen exposure of impaired loans.
	UnrealizedLosses *big.Int
}

// Clone returns a deep copy of the aggregate.
func (a *Aggregate) Clone() *Aggregate {
	if a == nil {
		return nil
	}
	clone := *a
	clone.IssuanceRate = cloneBigInt(a.IssuanceRate)
	clone.AccountedInterest = cloneBigInt(a.AccountedInterest)
	clone.PrincipalOut = cloneBigInt(a.PrincipalOut)
	clone.UnrealizedLosses = cloneBigInt(a.UnrealizedLosses)
	return &clone
}

// CollateralInfo describes a minted receivable as reported by the external
// collateral registry.
type CollateralInfo struct {
	// Beneficiary is the party entitled to finance the receivable.
	Beneficiary crypto.Address
	// Counterparty is the obligor on the receivable.
	Counterparty crypto.Address
	// FaceAmount caps the principal that may be financed against it.
	FaceAmount *big.Int
	// DueDate is the receivable's maturity and becomes the loan's due date.
	DueDate int64
}

// PaymentBreakdown is the principal and interest owed on a loan at a point in
// time.
type PaymentBreakdown struct {
	Principal    *big.Int
	Interest     *big.Int
	LateInterest *big.Int
}

// Total returns principal plus both interest components.
func (b *PaymentBreakdown) Total() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	out := addBig(b.Principal, b.Interest)
	return out.Add(out, cloneBigInt(b.LateInterest))
}
