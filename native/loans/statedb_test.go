package loans

import (
	"math/big"
	"testing"

	"recfin/core/types"
	"recfin/storage"
)

func TestLedgerStateMissingRecordsReadAsNil(t *testing.T) {
	state := NewLedgerState(storage.NewMemDB())

	agg, err := state.GetAggregate()
	if err != nil || agg != nil {
		t.Fatalf("empty aggregate: got %+v, %v", agg, err)
	}
	loan, err := state.GetLoan(7)
	if err != nil || loan != nil {
		t.Fatalf("missing loan: got %+v, %v", loan, err)
	}
	paymentID, err := state.PaymentIDForLoan(7)
	if err != nil || paymentID != 0 {
		t.Fatalf("missing mapping: got %d, %v", paymentID, err)
	}
	account, err := state.GetAccount(makeAddress(0x09))
	if err != nil || account != nil {
		t.Fatalf("missing account: got %+v, %v", account, err)
	}
}

func TestLedgerStateRoundTripsRecords(t *testing.T) {
	state := NewLedgerState(storage.NewMemDB())
	borrower := makeAddress(0x06)

	agg := &Aggregate{
		LoanCounter:                3,
		PaymentCounter:             5,
		PaymentWithEarliestDueDate: 4,
		DomainStart:                testBaseTime,
		DomainEnd:                  testBaseTime + 1000,
		IssuanceRate:               big.NewInt(123456789),
		AccountedInterest:          big.NewInt(42),
		PrincipalOut:               big.NewInt(7_000_000),
		UnrealizedLosses:           big.NewInt(11),
	}
	if err := state.PutAggregate(agg); err != nil {
		t.Fatalf("put aggregate: %v", err)
	}
	gotAgg, err := state.GetAggregate()
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if gotAgg.LoanCounter != agg.LoanCounter || gotAgg.DomainEnd != agg.DomainEnd ||
		gotAgg.IssuanceRate.Cmp(agg.IssuanceRate) != 0 || gotAgg.PrincipalOut.Cmp(agg.PrincipalOut) != 0 {
		t.Fatalf("aggregate mismatch: %+v", gotAgg)
	}

	loan := &Loan{
		Borrower:                borrower,
		CollateralID:            9,
		Principal:               big.NewInt(1_000_000),
		DrawableFunds:           big.NewInt(900_000),
		OriginationFee:          big.NewInt(100_000),
		IssuanceRate:            big.NewInt(555),
		InterestRate:            100_000,
		LateInterestPremiumRate: 50_000,
		StartDate:               testBaseTime,
		DueDate:                 testBaseTime + 100,
		OriginalDueDate:         testBaseTime + 200,
		GracePeriod:             86400,
		IsImpaired:              true,
	}
	if err := state.PutLoan(1, loan); err != nil {
		t.Fatalf("put loan: %v", err)
	}
	gotLoan, err := state.GetLoan(1)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if gotLoan.Borrower.String() != borrower.String() {
		t.Fatalf("borrower: got %s, want %s", gotLoan.Borrower.String(), borrower.String())
	}
	if gotLoan.Principal.Cmp(loan.Principal) != 0 || gotLoan.DueDate != loan.DueDate ||
		gotLoan.OriginalDueDate != loan.OriginalDueDate || !gotLoan.IsImpaired {
		t.Fatalf("loan mismatch: %+v", gotLoan)
	}

	payment := &Payment{
		ProtocolFeeRate:     100_000,
		AdminFeeRate:        50_000,
		StartDate:           testBaseTime,
		DueDate:             testBaseTime + 100,
		IncomingNetInterest: big.NewInt(999),
		IssuanceRate:        big.NewInt(888),
	}
	if err := state.PutPayment(4, payment); err != nil {
		t.Fatalf("put payment: %v", err)
	}
	gotPayment, err := state.GetPayment(4)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if gotPayment.IssuanceRate.Cmp(payment.IssuanceRate) != 0 || gotPayment.DueDate != payment.DueDate {
		t.Fatalf("payment mismatch: %+v", gotPayment)
	}

	node := &SortedPayment{PreviousID: 2, NextID: 6, DueDate: testBaseTime + 100}
	if err := state.PutSortedPayment(4, node); err != nil {
		t.Fatalf("put node: %v", err)
	}
	gotNode, err := state.GetSortedPayment(4)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if *gotNode != *node {
		t.Fatalf("node mismatch: %+v", gotNode)
	}

	snapshot := &ImpairmentSnapshot{
		TriggeredByGovernance: true,
		Principal:             big.NewInt(1_000_000),
		Interest:              big.NewInt(2000),
		LateInterest:          big.NewInt(30),
		ProtocolFees:          big.NewInt(200),
	}
	if err := state.PutImpairment(1, snapshot); err != nil {
		t.Fatalf("put impairment: %v", err)
	}
	gotSnapshot, err := state.GetImpairment(1)
	if err != nil {
		t.Fatalf("get impairment: %v", err)
	}
	if !gotSnapshot.TriggeredByGovernance || gotSnapshot.Principal.Cmp(snapshot.Principal) != 0 ||
		gotSnapshot.ProtocolFees.Cmp(snapshot.ProtocolFees) != 0 {
		t.Fatalf("impairment mismatch: %+v", gotSnapshot)
	}

	account := &types.Account{Nonce: 3, Balance: big.NewInt(77)}
	if err := state.PutAccount(borrower, account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	gotAccount, err := state.GetAccount(borrower)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if gotAccount.Nonce != 3 || gotAccount.Balance.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("account mismatch: %+v", gotAccount)
	}
}

func TestLedgerStateDeletesAndMappings(t *testing.T) {
	state := NewLedgerState(storage.NewMemDB())

	if err := state.SetPaymentIDForLoan(1, 9); err != nil {
		t.Fatalf("set mapping: %v", err)
	}
	id, err := state.PaymentIDForLoan(1)
	if err != nil || id != 9 {
		t.Fatalf("mapping: got %d, %v", id, err)
	}
	if err := state.SetPaymentIDForLoan(1, 0); err != nil {
		t.Fatalf("clear mapping: %v", err)
	}
	id, err = state.PaymentIDForLoan(1)
	if err != nil || id != 0 {
		t.Fatalf("cleared mapping: got %d, %v", id, err)
	}

	if err := state.PutPayment(2, &Payment{IncomingNetInterest: big.NewInt(1), IssuanceRate: big.NewInt(1)}); err != nil {
		t.Fatalf("put payment: %v", err)
	}
	if err := state.DeletePayment(2); err != nil {
		t.Fatalf("delete payment: %v", err)
	}
	payment, err := state.GetPayment(2)
	if err != nil || payment != nil {
		t.Fatalf("deleted payment: got %+v, %v", payment, err)
	}

	if err := state.PutSortedPayment(2, &SortedPayment{DueDate: 5}); err != nil {
		t.Fatalf("put node: %v", err)
	}
	if err := state.DeleteSortedPayment(2); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	node, err := state.GetSortedPayment(2)
	if err != nil || node != nil {
		t.Fatalf("deleted node: got %+v, %v", node, err)
	}
}

// The engine runs unchanged against the durable state implementation.
func TestEngineLifecycleOverLedgerState(t *testing.T) {
	env := newTestEnv(t)
	db := storage.NewMemDB()
	defer db.Close()
	persisted := NewLedgerState(db)
	env.engine.SetState(persisted)

	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	env.addCollateral(1, principal, dueDate)
	loanID, err := env.engine.Approve(env.borrower, 1, 1, principal, [2]uint64{100_000, 0}, big.NewInt(0))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := persisted.PutAccount(env.poolAddr, &types.Account{Balance: new(big.Int).Set(principal)}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	if err := env.engine.Fund(env.admin, loanID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	env.clock = dueDate
	breakdown, err := env.engine.PaymentBreakdownOf(loanID, env.clock)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if err := persisted.PutAccount(env.borrower, &types.Account{Balance: breakdown.Total()}); err != nil {
		t.Fatalf("seed borrower: %v", err)
	}
	if err := env.engine.Pay(env.borrower, loanID, breakdown.Total()); err != nil {
		t.Fatalf("pay: %v", err)
	}

	agg, err := persisted.GetAggregate()
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.PrincipalOut.Sign() != 0 {
		t.Fatalf("principal outstanding after settlement: %s", agg.PrincipalOut)
	}
	loan, err := persisted.GetLoan(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Funded() {
		t.Fatalf("loan should be closed: %+v", loan)
	}
}
