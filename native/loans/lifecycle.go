package loans

import (
	"fmt"
	"math/big"
	"time"

	"recfin/crypto"
	nativecommon "recfin/native/common"
)

// Approve validates a financing request against the collateral registry and
// records the proposed loan. The caller must be the receivable's beneficiary,
// both parties must pass the pool whitelist, and the requested principal may
// not exceed the receivable's face amount.
func (e *Engine) Approve(caller crypto.Address, collateralID uint64, gracePeriod int64, principal *big.Int, rates [2]uint64, originationFee *big.Int) (id uint64, err error) {
	start := time.Now()
	defer func() { e.record(opApprove, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return 0, err
	}
	if e.collateral == nil {
		return 0, errNilRegistry
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opApprove); err != nil {
		return 0, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	fee := cloneBigInt(originationFee)
	if fee.Cmp(principal) > 0 {
		return 0, fmt.Errorf("%w: fee %s principal %s", errFeeExceedsPrincipal, fee, principal)
	}
	if err = e.limits.ValidateRates(rates[0], rates[1]); err != nil {
		return 0, err
	}
	if err = e.limits.ValidateOriginationFee(fee); err != nil {
		return 0, err
	}
	if gracePeriod < 0 {
		return 0, errInvalidAmount
	}
	if gracePeriod == 0 {
		gracePeriod = e.limits.DefaultGracePeriodSeconds
	}
	info, err := e.collateral.GetCollateralInfo(collateralID)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("%w: %d", errUnknownCollateral, collateralID)
	}
	if !addressesEqual(caller, info.Beneficiary) {
		return 0, errNotBeneficiary
	}
	if info.FaceAmount == nil || principal.Cmp(info.FaceAmount) > 0 {
		return 0, fmt.Errorf("%w: principal %s face %s", errCollateralExceeded, principal, info.FaceAmount)
	}
	if !e.poolCfg.IsWhitelisted(info.Beneficiary) || !e.poolCfg.IsWhitelisted(info.Counterparty) {
		return 0, errNotWhitelisted
	}

	agg, err := e.ensureAggregate()
	if err != nil {
		return 0, err
	}
	if err = e.advanceGlobalAccounting(agg, e.now()); err != nil {
		return 0, err
	}

	agg.LoanCounter++
	id = agg.LoanCounter
	loan := &Loan{
		Borrower:                info.Beneficiary,
		CollateralID:            collateralID,
		Principal:               cloneBigInt(principal),
		DrawableFunds:           big.NewInt(0),
		OriginationFee:          fee,
		InterestRate:            rates[0],
		LateInterestPremiumRate: rates[1],
		DueDate:                 info.DueDate,
		OriginalDueDate:         info.DueDate,
		GracePeriod:             gracePeriod,
		IssuanceRate:            big.NewInt(0),
	}
	if err = e.state.PutLoan(id, loan); err != nil {
		return 0, err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return 0, err
	}
	e.emit(NewApprovedEvent(id, loan))
	return id, nil
}

// Fund moves the principal from the pool into the engine's custody, retains
// the origination fee for the pool administrator, and queues the loan's
// payment so it starts streaming interest.
func (e *Engine) Fund(caller crypto.Address, loanID uint64) (err error) {
	start := time.Now()
	defer func() { e.record(opFund, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opFund); err != nil {
		return err
	}
	if !e.isPoolAdmin(caller) {
		return errUnauthorized
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Funded() {
		return fmt.Errorf("%w: %d", errLoanAlreadyFunded, loanID)
	}
	if !e.poolCfg.IsWhitelisted(loan.Borrower) {
		return errNotWhitelisted
	}
	now := e.now()
	if loan.DueDate <= now {
		return fmt.Errorf("%w: due %d now %d", errMaturityElapsed, loan.DueDate, now)
	}

	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, now); err != nil {
		return err
	}

	accounts := e.newAccountSet()
	if err = accounts.transfer(e.poolCfg.Pool(), e.moduleAddress, loan.Principal); err != nil {
		return err
	}
	if loan.OriginationFee.Sign() > 0 {
		if err = accounts.transfer(e.moduleAddress, e.poolCfg.PoolAdmin(), loan.OriginationFee); err != nil {
			return err
		}
	}

	interval := loan.DueDate - now
	protocolFeeRate := e.globals.ProtocolFeeRate()
	adminFeeRate := e.poolCfg.AdminFeeRate()
	_, netInterest := netInterestFor(loan.Principal, loan.InterestRate, interval, protocolFeeRate, adminFeeRate)
	issuanceRate := scaledRate(netInterest, interval)

	loan.StartDate = now
	loan.DrawableFunds = clampSub(loan.Principal, loan.OriginationFee)
	loan.IssuanceRate = issuanceRate

	paymentID, err := e.addPaymentToList(agg, loan.DueDate)
	if err != nil {
		return err
	}
	payment := &Payment{
		ProtocolFeeRate:     protocolFeeRate,
		AdminFeeRate:        adminFeeRate,
		StartDate:           now,
		DueDate:             loan.DueDate,
		IncomingNetInterest: netInterest,
		IssuanceRate:        issuanceRate,
	}
	if err = e.state.PutPayment(paymentID, payment); err != nil {
		return err
	}
	if err = e.state.SetPaymentIDForLoan(loanID, paymentID); err != nil {
		return err
	}

	agg.PrincipalOut = addBig(agg.PrincipalOut, loan.Principal)
	if err = e.updateIssuanceParams(agg, addBig(agg.IssuanceRate, issuanceRate), agg.AccountedInterest); err != nil {
		return err
	}

	if err = accounts.persist(); err != nil {
		return err
	}
	if err = e.state.PutLoan(loanID, loan); err != nil {
		return err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return err
	}
	e.emit(NewFundedEvent(loanID, loan, paymentID))
	return nil
}

// Pay settles the loan in full: the caller's funds plus, for the borrower,
// any remaining drawable balance must cover principal and all interest due.
// Settled funds are distributed among pool, administrator and protocol vault
// and the loan closes. Paying an impaired loan reverses the impairment
// bookkeeping first.
func (e *Engine) Pay(caller crypto.Address, loanID uint64, amount *big.Int) (err error) {
	start := time.Now()
	defer func() { e.record(opPay, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opPay); err != nil {
		return err
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if !loan.Funded() {
		return fmt.Errorf("%w: %d", errLoanNotFunded, loanID)
	}
	paymentID, payment, err := e.loadPaymentForLoan(loanID)
	if err != nil {
		return err
	}

	now := e.now()
	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, now); err != nil {
		return err
	}

	breakdown := paymentBreakdown(loan, now)
	total := breakdown.Total()
	available := addBig(loan.DrawableFunds, amount)
	if available.Cmp(total) < 0 {
		return fmt.Errorf("%w: have %s need %s", errInsufficientFunds, available, total)
	}
	fromBorrower := addressesEqual(caller, loan.Borrower)
	shortfall := clampSub(total, amount)
	if shortfall.Sign() > 0 && !fromBorrower {
		// Drawable funds only top up payments the borrower initiates.
		return fmt.Errorf("%w: paid %s need %s", errInsufficientFunds, amount, total)
	}

	accounts := e.newAccountSet()
	if amount.Sign() > 0 {
		if err = accounts.transfer(caller, e.moduleAddress, amount); err != nil {
			return err
		}
	}

	if loan.IsImpaired {
		if err = e.reverseImpairment(agg, loan, loanID); err != nil {
			return err
		}
	}

	// Retire this payment's contribution to the aggregate. The accounted
	// interest correction clamps to the recognised total to tolerate
	// fixed-point drift.
	streamEnd := minInt64(now, payment.DueDate)
	accruedNet := windowAccrual(payment.IssuanceRate, payment.StartDate, streamEnd)
	accounted := new(big.Int).Sub(agg.AccountedInterest, minBig(accruedNet, agg.AccountedInterest))
	newRate := cloneBigInt(agg.IssuanceRate)
	onSchedule, err := e.scheduled(paymentID)
	if err != nil {
		return err
	}
	if onSchedule {
		newRate = clampSub(newRate, payment.IssuanceRate)
		if err = e.removePaymentFromList(agg, paymentID); err != nil {
			return err
		}
	}
	agg.PrincipalOut = clampSub(agg.PrincipalOut, loan.Principal)

	grossInterest := addBig(breakdown.Interest, breakdown.LateInterest)
	if err = e.distributeClaimedFunds(accounts, payment, breakdown.Principal, grossInterest); err != nil {
		return err
	}

	// Whatever custody holds beyond the settlement returns to the borrower:
	// undrawn funds plus any overpayment.
	remainder := clampSub(addBig(loan.DrawableFunds, amount), total)
	if remainder.Sign() > 0 {
		if err = accounts.transfer(e.moduleAddress, loan.Borrower, remainder); err != nil {
			return err
		}
	}

	if err = e.state.DeletePayment(paymentID); err != nil {
		return err
	}
	if err = e.state.SetPaymentIDForLoan(loanID, 0); err != nil {
		return err
	}
	closed := clearLoan(loan)
	if err = e.state.PutLoan(loanID, closed); err != nil {
		return err
	}
	if err = e.updateIssuanceParams(agg, newRate, accounted); err != nil {
		return err
	}
	if err = accounts.persist(); err != nil {
		return err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return err
	}
	e.emit(NewPaidEvent(loanID, amount, breakdown))
	return nil
}

// Drawdown lets the borrower withdraw funded principal to a destination
// account.
func (e *Engine) Drawdown(caller crypto.Address, loanID uint64, amount *big.Int, destination crypto.Address) (err error) {
	start := time.Now()
	defer func() { e.record(opDrawdown, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opDrawdown); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if !loan.Funded() {
		return fmt.Errorf("%w: %d", errLoanNotFunded, loanID)
	}
	if !addressesEqual(caller, loan.Borrower) {
		return errUnauthorized
	}
	if amount.Cmp(loan.DrawableFunds) > 0 {
		return fmt.Errorf("%w: requested %s drawable %s", errDrawableExceeded, amount, loan.DrawableFunds)
	}

	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, e.now()); err != nil {
		return err
	}

	accounts := e.newAccountSet()
	if err = accounts.transfer(e.moduleAddress, destination, amount); err != nil {
		return err
	}
	loan.DrawableFunds = clampSub(loan.DrawableFunds, amount)

	if err = accounts.persist(); err != nil {
		return err
	}
	if err = e.state.PutLoan(loanID, loan); err != nil {
		return err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return err
	}
	e.emit(NewDrawnDownEvent(loanID, amount, destination))
	return nil
}

// Impair freezes the loan's loss exposure ahead of default. The payment stops
// streaming interest, the exposure is snapshotted so it can later be reversed
// or finalized, and the due date is pulled back to now while the original is
// preserved.
func (e *Engine) Impair(caller crypto.Address, loanID uint64) (err error) {
	start := time.Now()
	defer func() { e.record(opImpair, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opImpair); err != nil {
		return err
	}
	byGovernor := e.isGovernor(caller)
	if !byGovernor && !e.isPoolAdmin(caller) {
		return errUnauthorized
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.IsImpaired {
		return fmt.Errorf("%w: %d", errAlreadyImpaired, loanID)
	}
	paymentID, payment, err := e.loadPaymentForLoan(loanID)
	if err != nil {
		return err
	}

	now := e.now()
	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, now); err != nil {
		return err
	}

	newRate := cloneBigInt(agg.IssuanceRate)
	onSchedule, err := e.scheduled(paymentID)
	if err != nil {
		return err
	}
	if onSchedule {
		newRate = clampSub(newRate, payment.IssuanceRate)
		if err = e.removePaymentFromList(agg, paymentID); err != nil {
			return err
		}
	}

	breakdown := paymentBreakdown(loan, now)
	snapshot := &ImpairmentSnapshot{
		TriggeredByGovernance: byGovernor,
		Principal:             cloneBigInt(breakdown.Principal),
		Interest:              cloneBigInt(breakdown.Interest),
		LateInterest:          cloneBigInt(breakdown.LateInterest),
		ProtocolFees:          feeShare(addBig(breakdown.Interest, breakdown.LateInterest), payment.ProtocolFeeRate),
	}
	agg.UnrealizedLosses = addBig(agg.UnrealizedLosses, snapshot.exposure())

	loan.IsImpaired = true
	loan.DueDate = minInt64(now, loan.OriginalDueDate)

	if err = e.state.PutImpairment(loanID, snapshot); err != nil {
		return err
	}
	if err = e.state.PutLoan(loanID, loan); err != nil {
		return err
	}
	if err = e.updateIssuanceParams(agg, newRate, agg.AccountedInterest); err != nil {
		return err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return err
	}
	e.emit(NewImpairedEvent(loanID, snapshot, byGovernor))
	return nil
}

// RemoveImpairment reverses an impairment before the original due date,
// restoring the loan's schedule parameters exactly as they were. Governance
// may always reverse; the pool administrator only when governance did not
// trigger the impairment.
func (e *Engine) RemoveImpairment(caller crypto.Address, loanID uint64) (err error) {
	start := time.Now()
	defer func() { e.record(opRemoveImpairment, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opRemoveImpairment); err != nil {
		return err
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if !loan.IsImpaired {
		return fmt.Errorf("%w: %d", errNotImpaired, loanID)
	}
	snapshot, err := e.state.GetImpairment(loanID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return fmt.Errorf("%w: %d", errNotImpaired, loanID)
	}
	if !e.isGovernor(caller) {
		if snapshot.TriggeredByGovernance || !e.isPoolAdmin(caller) {
			return errUnauthorized
		}
	}
	now := e.now()
	if now > loan.OriginalDueDate {
		return fmt.Errorf("%w: now %d due %d", errPastDueDate, now, loan.OriginalDueDate)
	}
	oldPaymentID, payment, err := e.loadPaymentForLoan(loanID)
	if err != nil {
		return err
	}

	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, now); err != nil {
		return err
	}

	if err = e.reverseImpairmentWith(agg, loan, loanID, snapshot); err != nil {
		return err
	}

	// Re-queue a fresh payment at the original schedule parameters. The new
	// id keeps the monotonic counter honest; the terms are identical, so the
	// issuance rate round-trips bit for bit.
	if err = e.state.DeletePayment(oldPaymentID); err != nil {
		return err
	}
	newPaymentID, err := e.addPaymentToList(agg, payment.DueDate)
	if err != nil {
		return err
	}
	if err = e.state.PutPayment(newPaymentID, payment.Clone()); err != nil {
		return err
	}
	if err = e.state.SetPaymentIDForLoan(loanID, newPaymentID); err != nil {
		return err
	}

	if err = e.state.PutLoan(loanID, loan); err != nil {
		return err
	}
	if err = e.updateIssuanceParams(agg, addBig(agg.IssuanceRate, payment.IssuanceRate), agg.AccountedInterest); err != nil {
		return err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return err
	}
	e.emit(NewImpairmentRemovedEvent(loanID, newPaymentID))
	return nil
}

// TriggerDefault closes a loan that will not be repaid. Undrawn funds are
// repossessed and distributed waterfall style: protocol fees first, then pool
// losses, any remainder back to the borrower. The realized loss and the
// protocol fee shortfall are returned for pool-side bookkeeping.
func (e *Engine) TriggerDefault(caller crypto.Address, loanID uint64) (remainingLosses, unrecoveredFees *big.Int, err error) {
	start := time.Now()
	defer func() { e.record(opTriggerDefault, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return nil, nil, err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opTriggerDefault); err != nil {
		return nil, nil, err
	}
	if !e.isPoolAdmin(caller) {
		return nil, nil, errUnauthorized
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	if !loan.Funded() {
		return nil, nil, fmt.Errorf("%w: %d", errLoanNotFunded, loanID)
	}
	paymentID, payment, err := e.loadPaymentForLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	if now <= loan.DueDate+loan.GracePeriod {
		return nil, nil, fmt.Errorf("%w: due %d grace %d now %d", errDefaultTooEarly, loan.DueDate, loan.GracePeriod, now)
	}

	agg, err := e.ensureAggregate()
	if err != nil {
		return nil, nil, err
	}
	if err = e.advanceGlobalAccounting(agg, now); err != nil {
		return nil, nil, err
	}

	// The loan's impaired flag selects the exposure source: the frozen
	// snapshot, or the live breakdown.
	var principal, interest, lateInterest, protocolFees *big.Int
	streamEnd := minInt64(now, payment.DueDate)
	if loan.IsImpaired {
		snapshot, serr := e.state.GetImpairment(loanID)
		if serr != nil {
			return nil, nil, serr
		}
		if snapshot == nil {
			return nil, nil, fmt.Errorf("%w: %d", errNotImpaired, loanID)
		}
		principal = cloneBigInt(snapshot.Principal)
		interest = cloneBigInt(snapshot.Interest)
		lateInterest = cloneBigInt(snapshot.LateInterest)
		protocolFees = cloneBigInt(snapshot.ProtocolFees)
		agg.UnrealizedLosses = clampSub(agg.UnrealizedLosses, snapshot.exposure())
		if err = e.state.DeleteImpairment(loanID); err != nil {
			return nil, nil, err
		}
		streamEnd = minInt64(loan.DueDate, payment.DueDate)
	} else {
		breakdown := paymentBreakdown(loan, now)
		principal = breakdown.Principal
		interest = breakdown.Interest
		lateInterest = breakdown.LateInterest
		protocolFees = feeShare(addBig(interest, lateInterest), payment.ProtocolFeeRate)
	}

	accruedNet := windowAccrual(payment.IssuanceRate, payment.StartDate, streamEnd)
	accounted := new(big.Int).Sub(agg.AccountedInterest, minBig(accruedNet, agg.AccountedInterest))
	newRate := cloneBigInt(agg.IssuanceRate)
	onSchedule, err := e.scheduled(paymentID)
	if err != nil {
		return nil, nil, err
	}
	if onSchedule {
		newRate = clampSub(newRate, payment.IssuanceRate)
		if err = e.removePaymentFromList(agg, paymentID); err != nil {
			return nil, nil, err
		}
	}
	agg.PrincipalOut = clampSub(agg.PrincipalOut, principal)

	remainingLosses = addBig(principal, interest)
	remainingLosses.Add(remainingLosses, lateInterest)
	recovered := cloneBigInt(loan.DrawableFunds)

	accounts := e.newAccountSet()
	remainingLosses, protocolFees, err = e.distributeLiquidationFunds(accounts, loan.Borrower, recovered, protocolFees, remainingLosses)
	if err != nil {
		return nil, nil, err
	}

	if err = e.state.DeletePayment(paymentID); err != nil {
		return nil, nil, err
	}
	if err = e.state.SetPaymentIDForLoan(loanID, 0); err != nil {
		return nil, nil, err
	}
	if err = e.state.PutLoan(loanID, clearLoan(loan)); err != nil {
		return nil, nil, err
	}
	if err = e.updateIssuanceParams(agg, newRate, accounted); err != nil {
		return nil, nil, err
	}
	if err = accounts.persist(); err != nil {
		return nil, nil, err
	}
	if err = e.state.PutAggregate(agg); err != nil {
		return nil, nil, err
	}
	e.emit(NewDefaultedEvent(loanID, remainingLosses, protocolFees))
	return remainingLosses, protocolFees, nil
}

// reverseImpairment restores the aggregate after an impaired loan resumes
// payment, consuming the snapshot.
func (e *Engine) reverseImpairment(agg *Aggregate, loan *Loan, loanID uint64) error {
	snapshot, err := e.state.GetImpairment(loanID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return fmt.Errorf("%w: %d", errNotImpaired, loanID)
	}
	return e.reverseImpairmentWith(agg, loan, loanID, snapshot)
}

func (e *Engine) reverseImpairmentWith(agg *Aggregate, loan *Loan, loanID uint64, snapshot *ImpairmentSnapshot) error {
	agg.UnrealizedLosses = clampSub(agg.UnrealizedLosses, snapshot.exposure())
	if err := e.state.DeleteImpairment(loanID); err != nil {
		return err
	}
	loan.IsImpaired = false
	loan.DueDate = loan.OriginalDueDate
	return nil
}

// exposure is the loss amount an impairment snapshot contributes to the
// unrealized total.
func (s *ImpairmentSnapshot) exposure() *big.Int {
	out := addBig(s.Principal, s.Interest)
	return out.Add(out, cloneBigInt(s.LateInterest))
}

// clearLoan zeroes the loan's financial fields while keeping the record
// addressable for audit.
func clearLoan(loan *Loan) *Loan {
	return &Loan{
		Borrower:       loan.Borrower,
		CollateralID:   loan.CollateralID,
		Principal:      big.NewInt(0),
		DrawableFunds:  big.NewInt(0),
		OriginationFee: big.NewInt(0),
		IssuanceRate:   big.NewInt(0),
	}
}
