package loans

import (
	"errors"
	"math/big"
	"testing"
)

func TestImpairFreezesExposureAndRetiresRate(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 50_000, big.NewInt(0), dueDate)

	impairedAt := env.clock + 10*secondsPerDay
	env.clock = impairedAt
	breakdown, err := env.engine.PaymentBreakdownOf(loanID, impairedAt)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}

	if err := env.engine.Impair(env.borrower, loanID); !errors.Is(err, errUnauthorized) {
		t.Fatalf("expected role error, got %v", err)
	}
	if err := env.engine.Impair(env.admin, loanID); err != nil {
		t.Fatalf("impair: %v", err)
	}
	if err := env.engine.Impair(env.admin, loanID); !errors.Is(err, errAlreadyImpaired) {
		t.Fatalf("expected double-impair rejection, got %v", err)
	}

	agg := env.state.aggregate
	if agg.IssuanceRate.Sign() != 0 {
		t.Fatalf("rate not retired: %s", agg.IssuanceRate)
	}
	wantLosses := breakdown.Total()
	if agg.UnrealizedLosses.Cmp(wantLosses) != 0 {
		t.Fatalf("unrealized losses: got %s, want %s", agg.UnrealizedLosses, wantLosses)
	}
	loan := env.state.loans[loanID]
	if !loan.IsImpaired {
		t.Fatalf("loan not flagged impaired")
	}
	if loan.DueDate != impairedAt || loan.OriginalDueDate != dueDate {
		t.Fatalf("due dates: got %d/%d, want %d/%d", loan.DueDate, loan.OriginalDueDate, impairedAt, dueDate)
	}
	if _, ok := env.state.nodes[env.state.loanPayment[loanID]]; ok {
		t.Fatalf("impaired payment still scheduled")
	}
	snapshot := env.state.impairments[loanID]
	if snapshot == nil || snapshot.TriggeredByGovernance {
		t.Fatalf("expected admin-triggered snapshot, got %+v", snapshot)
	}
}

func TestRemoveImpairmentRoundTripsScheduleParameters(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 50_000, big.NewInt(0), dueDate)

	oldPaymentID := env.state.loanPayment[loanID]
	wantRate := cloneBigInt(env.state.payments[oldPaymentID].IssuanceRate)
	wantAggRate := cloneBigInt(env.state.aggregate.IssuanceRate)

	env.clock += 10 * secondsPerDay
	if err := env.engine.Impair(env.admin, loanID); err != nil {
		t.Fatalf("impair: %v", err)
	}
	env.clock += secondsPerDay
	if err := env.engine.RemoveImpairment(env.admin, loanID); err != nil {
		t.Fatalf("remove impairment: %v", err)
	}

	loan := env.state.loans[loanID]
	if loan.IsImpaired {
		t.Fatalf("loan still impaired")
	}
	if loan.DueDate != dueDate {
		t.Fatalf("due date: got %d, want %d", loan.DueDate, dueDate)
	}
	newPaymentID := env.state.loanPayment[loanID]
	if newPaymentID <= oldPaymentID {
		t.Fatalf("expected fresh payment id after %d, got %d", oldPaymentID, newPaymentID)
	}
	payment := env.state.payments[newPaymentID]
	if payment.IssuanceRate.Cmp(wantRate) != 0 {
		t.Fatalf("issuance rate: got %s, want %s", payment.IssuanceRate, wantRate)
	}
	if payment.DueDate != dueDate {
		t.Fatalf("payment due date: got %d, want %d", payment.DueDate, dueDate)
	}
	agg := env.state.aggregate
	if agg.IssuanceRate.Cmp(wantAggRate) != 0 {
		t.Fatalf("aggregate rate: got %s, want %s", agg.IssuanceRate, wantAggRate)
	}
	if agg.UnrealizedLosses.Sign() != 0 {
		t.Fatalf("losses not reversed: %s", agg.UnrealizedLosses)
	}
	if env.state.impairments[loanID] != nil {
		t.Fatalf("snapshot survived reversal")
	}
	if _, ok := env.state.payments[oldPaymentID]; ok {
		t.Fatalf("stale payment record survived")
	}
}

func TestRemoveImpairmentAuthorizationAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 0, big.NewInt(0), dueDate)

	if err := env.engine.RemoveImpairment(env.admin, loanID); !errors.Is(err, errNotImpaired) {
		t.Fatalf("expected not-impaired error, got %v", err)
	}

	// A governance impairment is out of the administrator's reach.
	if err := env.engine.Impair(env.governor, loanID); err != nil {
		t.Fatalf("impair: %v", err)
	}
	if !env.state.impairments[loanID].TriggeredByGovernance {
		t.Fatalf("expected governance snapshot")
	}
	if err := env.engine.RemoveImpairment(env.admin, loanID); !errors.Is(err, errUnauthorized) {
		t.Fatalf("expected admin rejection, got %v", err)
	}
	if err := env.engine.RemoveImpairment(env.governor, loanID); err != nil {
		t.Fatalf("governor removal: %v", err)
	}

	// Past the original due date the impairment can only resolve through
	// payment or default.
	if err := env.engine.Impair(env.admin, loanID); err != nil {
		t.Fatalf("re-impair: %v", err)
	}
	env.clock = dueDate + 1
	if err := env.engine.RemoveImpairment(env.admin, loanID); !errors.Is(err, errPastDueDate) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestPayImpairedLoanReversesBookkeeping(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 0, big.NewInt(0), dueDate)

	env.clock += 10 * secondsPerDay
	if err := env.engine.Impair(env.admin, loanID); err != nil {
		t.Fatalf("impair: %v", err)
	}

	env.clock += secondsPerDay

	// The impaired loan's breakdown uses the rewritten due date, so settle
	// with a comfortable buffer and rely on the engine refunding the excess.
	funds := new(big.Int).Mul(principal, big.NewInt(2))
	env.state.setBalance(env.borrower, funds)
	if err := env.engine.Pay(env.borrower, loanID, funds); err != nil {
		t.Fatalf("pay impaired: %v", err)
	}

	agg := env.state.aggregate
	if agg.UnrealizedLosses.Sign() != 0 {
		t.Fatalf("losses not reversed on payment: %s", agg.UnrealizedLosses)
	}
	if env.state.impairments[loanID] != nil {
		t.Fatalf("snapshot survived payment")
	}
	loan := env.state.loans[loanID]
	if loan.IsImpaired || loan.Funded() {
		t.Fatalf("loan not closed cleanly: %+v", loan)
	}
}

func TestTriggerDefaultWithoutRecoverableFunds(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 50_000, big.NewInt(0), dueDate)
	destination := makeAddress(0x21)
	if err := env.engine.Drawdown(env.borrower, loanID, principal, destination); err != nil {
		t.Fatalf("drawdown: %v", err)
	}

	env.clock = dueDate
	if _, _, err := env.engine.TriggerDefault(env.admin, loanID); !errors.Is(err, errDefaultTooEarly) {
		t.Fatalf("expected grace error, got %v", err)
	}

	env.clock = dueDate + 5*secondsPerDay
	breakdown, err := env.engine.PaymentBreakdownOf(loanID, env.clock)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	poolBefore := env.state.balance(env.poolAddr)
	vaultBefore := env.state.balance(env.vault)
	borrowerBefore := env.state.balance(env.borrower)

	losses, fees, err := env.engine.TriggerDefault(env.admin, loanID)
	if err != nil {
		t.Fatalf("trigger default: %v", err)
	}
	if losses.Cmp(breakdown.Total()) != 0 {
		t.Fatalf("remaining losses: got %s, want %s", losses, breakdown.Total())
	}
	wantFees := feeShare(addBig(breakdown.Interest, breakdown.LateInterest), env.globals.protocolFeeRate)
	if fees.Cmp(wantFees) != 0 {
		t.Fatalf("unrecovered fees: got %s, want %s", fees, wantFees)
	}

	// Nothing to repossess, nothing moves.
	if env.state.balance(env.poolAddr).Cmp(poolBefore) != 0 ||
		env.state.balance(env.vault).Cmp(vaultBefore) != 0 ||
		env.state.balance(env.borrower).Cmp(borrowerBefore) != 0 {
		t.Fatalf("balances moved on empty repossession")
	}

	if _, ok := env.state.loanPayment[loanID]; ok {
		t.Fatalf("payment mapping survived default")
	}
	loan := env.state.loans[loanID]
	if loan.Funded() || loan.Principal.Sign() != 0 {
		t.Fatalf("loan not closed: %+v", loan)
	}
	if env.state.aggregate.PrincipalOut.Sign() != 0 {
		t.Fatalf("principal outstanding after default: %s", env.state.aggregate.PrincipalOut)
	}
}

func TestTriggerDefaultRunsRecoveryWaterfall(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 50_000, big.NewInt(0), dueDate)

	env.clock = dueDate + 5*secondsPerDay
	breakdown, err := env.engine.PaymentBreakdownOf(loanID, env.clock)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	grossFees := feeShare(addBig(breakdown.Interest, breakdown.LateInterest), env.globals.protocolFeeRate)

	losses, fees, err := env.engine.TriggerDefault(env.admin, loanID)
	if err != nil {
		t.Fatalf("trigger default: %v", err)
	}

	// The full drawable principal was repossessed: protocol fees recover
	// first, the rest flows to the pool against the outstanding losses.
	if fees.Sign() != 0 {
		t.Fatalf("protocol fees should be fully recovered, got %s", fees)
	}
	if env.state.balance(env.vault).Cmp(grossFees) != 0 {
		t.Fatalf("vault: got %s, want %s", env.state.balance(env.vault), grossFees)
	}
	wantPool := new(big.Int).Sub(principal, grossFees)
	if env.state.balance(env.poolAddr).Cmp(wantPool) != 0 {
		t.Fatalf("pool: got %s, want %s", env.state.balance(env.poolAddr), wantPool)
	}
	wantLosses := new(big.Int).Sub(breakdown.Total(), wantPool)
	if losses.Cmp(wantLosses) != 0 {
		t.Fatalf("remaining losses: got %s, want %s", losses, wantLosses)
	}
	if env.state.balance(env.borrower).Sign() != 0 {
		t.Fatalf("borrower should receive nothing while losses remain")
	}
}

func TestTriggerDefaultOnImpairedLoanUsesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000_000_000)
	dueDate := env.clock + 30*secondsPerDay
	loanID := env.approveAndFund(t, 1, principal, 100_000, 50_000, big.NewInt(0), dueDate)
	destination := makeAddress(0x22)
	if err := env.engine.Drawdown(env.borrower, loanID, principal, destination); err != nil {
		t.Fatalf("drawdown: %v", err)
	}

	impairedAt := env.clock + 10*secondsPerDay
	env.clock = impairedAt
	if err := env.engine.Impair(env.admin, loanID); err != nil {
		t.Fatalf("impair: %v", err)
	}
	snapshot := env.state.impairments[loanID].Clone()

	// Impairment pulled the due date back to the impair time, so the grace
	// window runs from there.
	env.clock = impairedAt + 2*secondsPerDay
	losses, fees, err := env.engine.TriggerDefault(env.admin, loanID)
	if err != nil {
		t.Fatalf("trigger default: %v", err)
	}

	wantLosses := addBig(addBig(snapshot.Principal, snapshot.Interest), snapshot.LateInterest)
	if losses.Cmp(wantLosses) != 0 {
		t.Fatalf("losses: got %s, want %s", losses, wantLosses)
	}
	if fees.Cmp(snapshot.ProtocolFees) != 0 {
		t.Fatalf("fees: got %s, want %s", fees, snapshot.ProtocolFees)
	}
	if env.state.aggregate.UnrealizedLosses.Sign() != 0 {
		t.Fatalf("unrealized losses not reversed: %s", env.state.aggregate.UnrealizedLosses)
	}
	if env.state.impairments[loanID] != nil {
		t.Fatalf("snapshot survived default")
	}
}
