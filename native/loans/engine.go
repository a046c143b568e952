package loans

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"recfin/core/events"
	"recfin/core/types"
	"recfin/crypto"
	nativecommon "recfin/native/common"
)

var (
	errNilState            = errors.New("loans engine: state not configured")
	errNilRegistry         = errors.New("loans engine: registry not configured")
	errInvalidAmount       = errors.New("loans engine: amount must be positive")
	errInvalidRate         = errors.New("loans engine: rate outside configured limits")
	errUnknownLoan         = errors.New("loans engine: unknown loan")
	errUnknownPayment      = errors.New("loans engine: unknown payment")
	errUnknownCollateral   = errors.New("loans engine: unknown collateral")
	errNotBeneficiary      = errors.New("loans engine: caller is not the collateral beneficiary")
	errNotWhitelisted      = errors.New("loans engine: party not whitelisted")
	errCollateralExceeded  = errors.New("loans engine: principal exceeds collateral face amount")
	errUnauthorized        = errors.New("loans engine: caller lacks the required role")
	errLoanNotFunded       = errors.New("loans engine: loan not funded")
	errLoanAlreadyFunded   = errors.New("loans engine: loan already funded")
	errInsufficientFunds   = errors.New("loans engine: insufficient funds to settle")
	errInsufficientBalance = errors.New("loans engine: insufficient balance")
	errDrawableExceeded    = errors.New("loans engine: amount exceeds drawable funds")
	errAlreadyImpaired     = errors.New("loans engine: loan already impaired")
	errNotImpaired         = errors.New("loans engine: loan not impaired")
	errPastDueDate         = errors.New("loans engine: past original due date")
	errDefaultTooEarly     = errors.New("loans engine: grace period still active")
	errOperationInFlight   = errors.New("loans engine: operation already in progress")
	errFeeExceedsPrincipal = errors.New("loans engine: origination fee exceeds principal")
	errMaturityElapsed     = errors.New("loans engine: receivable already matured")
)

const moduleName = "loans"

const (
	opApprove          = "approve"
	opFund             = "fund"
	opPay              = "pay"
	opDrawdown         = "drawdown"
	opImpair           = "impair"
	opRemoveImpairment = "removeImpairment"
	opTriggerDefault   = "triggerDefault"
	opUpdateAccounting = "updateAccounting"
)

type engineState interface {
	GetAggregate() (*Aggregate, error)
	PutAggregate(*Aggregate) error
	GetLoan(id uint64) (*Loan, error)
	PutLoan(id uint64, loan *Loan) error
	GetPayment(id uint64) (*Payment, error)
	PutPayment(id uint64, payment *Payment) error
	DeletePayment(id uint64) error
	GetSortedPayment(id uint64) (*SortedPayment, error)
	PutSortedPayment(id uint64, node *SortedPayment) error
	DeleteSortedPayment(id uint64) error
	PaymentIDForLoan(loanID uint64) (uint64, error)
	SetPaymentIDForLoan(loanID, paymentID uint64) error
	GetImpairment(loanID uint64) (*ImpairmentSnapshot, error)
	PutImpairment(loanID uint64, snapshot *ImpairmentSnapshot) error
	DeleteImpairment(loanID uint64) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

// GlobalsView exposes the protocol-wide governance registry consumed by the
// engine.
type GlobalsView interface {
	Governor() crypto.Address
	ProtocolFeeRate() uint64
	ProtocolVault() crypto.Address
}

// PoolView exposes the pool configuration registry: administrative role,
// custody addresses, fee rate, first-loss cover and participant whitelist.
type PoolView interface {
	PoolAdmin() crypto.Address
	Pool() crypto.Address
	AdminFeeRate() uint64
	HasSufficientCover() bool
	IsWhitelisted(addr crypto.Address) bool
}

// CollateralView resolves tokenized receivables minted by the external
// collateral registry.
type CollateralView interface {
	GetCollateralInfo(id uint64) (*CollateralInfo, error)
}

// OperationRecorder receives the outcome of every facade operation. The
// observability package provides a prometheus-backed implementation.
type OperationRecorder interface {
	RecordOperation(operation string, err error, seconds float64)
}

// Engine owns the global accounting aggregate and the per-loan payment
// schedule, and exposes the loan lifecycle operations. Execution is strictly
// serialized by the caller; the engine itself never runs two operations
// concurrently.
type Engine struct {
	state         engineState
	globals       GlobalsView
	poolCfg       PoolView
	collateral    CollateralView
	pauses        nativecommon.PauseView
	emitter       events.Emitter
	metrics       OperationRecorder
	moduleAddress crypto.Address
	limits        Config
	nowFn         func() int64
	busy          bool
}

// NewEngine constructs a loans engine with the given custody address. Funds
// held against drawable balances live in the custody account until the
// borrower draws them down or the loan settles.
func NewEngine(moduleAddr crypto.Address) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		emitter:       events.NoopEmitter{},
		limits:        DefaultConfig(),
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGlobals configures the governance registry view.
func (e *Engine) SetGlobals(globals GlobalsView) {
	if e == nil {
		return
	}
	e.globals = globals
}

// SetPoolConfig configures the pool registry view.
func (e *Engine) SetPoolConfig(pool PoolView) {
	if e == nil {
		return
	}
	e.poolCfg = pool
}

// SetCollateral configures the receivable registry view.
func (e *Engine) SetCollateral(view CollateralView) {
	if e == nil {
		return
	}
	e.collateral = view
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the operation recorder. Passing nil disables
// recording.
func (e *Engine) SetMetrics(recorder OperationRecorder) {
	if e == nil {
		return
	}
	e.metrics = recorder
}

// SetLimits applies the runtime configuration bounds checked at approval.
func (e *Engine) SetLimits(cfg Config) {
	if e == nil {
		return
	}
	cfg.EnsureDefaults()
	e.limits = cfg
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

func (e *Engine) record(operation string, start time.Time, err error) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.RecordOperation(operation, err, time.Since(start).Seconds())
}

func addressesEqual(a, b crypto.Address) bool {
	if a.Prefix() != b.Prefix() {
		return false
	}
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Role checks are explicit pass/fail predicates consulted at the top of each
// operation.

func (e *Engine) isPoolAdmin(caller crypto.Address) bool {
	if e == nil || e.poolCfg == nil {
		return false
	}
	return addressesEqual(caller, e.poolCfg.PoolAdmin())
}

func (e *Engine) isGovernor(caller crypto.Address) bool {
	if e == nil || e.globals == nil {
		return false
	}
	return addressesEqual(caller, e.globals.Governor())
}

func (e *Engine) registriesConfigured() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.globals == nil || e.poolCfg == nil {
		return errNilRegistry
	}
	return nil
}

// acquire sets the busy flag guarding operations that move external funds
// mid-execution. The returned release must run on every exit path.
func (e *Engine) acquire() (func(), error) {
	if e.busy {
		return nil, errOperationInFlight
	}
	e.busy = true
	return func() { e.busy = false }, nil
}

func (e *Engine) ensureAggregate() (*Aggregate, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agg, err := e.state.GetAggregate()
	if err != nil {
		return nil, err
	}
	if agg == nil {
		agg = &Aggregate{}
	}
	if agg.IssuanceRate == nil {
		agg.IssuanceRate = big.NewInt(0)
	}
	if agg.AccountedInterest == nil {
		agg.AccountedInterest = big.NewInt(0)
	}
	if agg.PrincipalOut == nil {
		agg.PrincipalOut = big.NewInt(0)
	}
	if agg.UnrealizedLosses == nil {
		agg.UnrealizedLosses = big.NewInt(0)
	}
	return agg, nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, fmt.Errorf("%w: %d", errUnknownLoan, id)
	}
	if loan.Principal == nil {
		loan.Principal = big.NewInt(0)
	}
	if loan.DrawableFunds == nil {
		loan.DrawableFunds = big.NewInt(0)
	}
	if loan.OriginationFee == nil {
		loan.OriginationFee = big.NewInt(0)
	}
	if loan.IssuanceRate == nil {
		loan.IssuanceRate = big.NewInt(0)
	}
	return loan, nil
}

func (e *Engine) loadPaymentForLoan(loanID uint64) (uint64, *Payment, error) {
	paymentID, err := e.state.PaymentIDForLoan(loanID)
	if err != nil {
		return 0, nil, err
	}
	if paymentID == 0 {
		return 0, nil, fmt.Errorf("%w: loan %d", errUnknownPayment, loanID)
	}
	payment, err := e.state.GetPayment(paymentID)
	if err != nil {
		return 0, nil, err
	}
	if payment == nil {
		return 0, nil, fmt.Errorf("%w: %d", errUnknownPayment, paymentID)
	}
	return paymentID, payment, nil
}

// advanceGlobalAccounting recognises the interest accrued since the last
// update. When the elapsed time crosses one or more due dates, each window is
// accrued at the issuance rate that was in force during it and the past-due
// payments stop streaming: their rate contribution is retired and their
// schedule node removed. Their final settlement happens when the loan is
// actually paid or defaulted.
//
// Calling with no elapsed time is a no-op, and advancing in several steps
// accounts exactly the same interest as a single advance over the union of
// the windows.
func (e *Engine) advanceGlobalAccounting(agg *Aggregate, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if agg.DomainStart == 0 {
		agg.DomainStart = now
	}
	if agg.DomainEnd == 0 || now <= agg.DomainEnd {
		agg.AccountedInterest = addBig(agg.AccountedInterest, windowAccrual(agg.IssuanceRate, agg.DomainStart, now))
		agg.DomainStart = now
		if agg.DomainEnd == 0 && agg.PaymentWithEarliestDueDate == 0 {
			agg.DomainEnd = now
		}
		return nil
	}

	accounted := cloneBigInt(agg.AccountedInterest)
	rate := cloneBigInt(agg.IssuanceRate)
	start := agg.DomainStart
	end := agg.DomainEnd
	for end < now && agg.PaymentWithEarliestDueDate != 0 {
		headID := agg.PaymentWithEarliestDueDate
		payment, err := e.state.GetPayment(headID)
		if err != nil {
			return err
		}
		if payment == nil {
			return fmt.Errorf("%w: payment %d", errScheduleCorrupt, headID)
		}
		accounted.Add(accounted, windowAccrual(rate, start, end))
		rate = clampSub(rate, payment.IssuanceRate)
		if err := e.removePaymentFromList(agg, headID); err != nil {
			return err
		}
		start = end
		if agg.PaymentWithEarliestDueDate != 0 {
			head, err := e.state.GetSortedPayment(agg.PaymentWithEarliestDueDate)
			if err != nil {
				return err
			}
			if head == nil {
				return fmt.Errorf("%w: missing node %d", errScheduleCorrupt, agg.PaymentWithEarliestDueDate)
			}
			end = head.DueDate
		} else {
			end = now
		}
	}
	accounted.Add(accounted, windowAccrual(rate, start, now))
	if end < now {
		end = now
	}
	agg.AccountedInterest = accounted
	agg.IssuanceRate = rate
	agg.DomainStart = now
	agg.DomainEnd = end
	return nil
}

// updateIssuanceParams installs the new issuance rate and accounted interest
// and re-derives the domain end from the schedule head. It runs after every
// mutation that changes the total issuance rate.
func (e *Engine) updateIssuanceParams(agg *Aggregate, issuanceRate, accountedInterest *big.Int) error {
	agg.IssuanceRate = cloneBigInt(issuanceRate)
	agg.AccountedInterest = cloneBigInt(accountedInterest)
	if agg.PaymentWithEarliestDueDate != 0 {
		head, err := e.state.GetSortedPayment(agg.PaymentWithEarliestDueDate)
		if err != nil {
			return err
		}
		if head == nil {
			return fmt.Errorf("%w: missing node %d", errScheduleCorrupt, agg.PaymentWithEarliestDueDate)
		}
		agg.DomainEnd = head.DueDate
	} else {
		agg.DomainEnd = agg.DomainStart
	}
	return nil
}

// UpdateAccounting advances the global aggregate to the current time. Only
// the pool administrator or the governor may force a refresh.
func (e *Engine) UpdateAccounting(caller crypto.Address) (err error) {
	start := time.Now()
	defer func() { e.record(opUpdateAccounting, start, err) }()
	if err = e.registriesConfigured(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, moduleName, opUpdateAccounting); err != nil {
		return err
	}
	if !e.isPoolAdmin(caller) && !e.isGovernor(caller) {
		return errUnauthorized
	}
	agg, err := e.ensureAggregate()
	if err != nil {
		return err
	}
	if err = e.advanceGlobalAccounting(agg, e.now()); err != nil {
		return err
	}
	if err = e.updateIssuanceParams(agg, agg.IssuanceRate, agg.AccountedInterest); err != nil {
		return err
	}
	return e.state.PutAggregate(agg)
}

// AccruedInterest returns the interest streamed since the last accounting
// update, capped at the domain end.
func (e *Engine) AccruedInterest(now int64) (*big.Int, error) {
	agg, err := e.ensureAggregate()
	if err != nil {
		return nil, err
	}
	to := now
	if agg.DomainEnd != 0 {
		to = minInt64(now, agg.DomainEnd)
	}
	return windowAccrual(agg.IssuanceRate, agg.DomainStart, to), nil
}

// AssetsUnderManagement returns principal outstanding plus all recognised and
// in-flight interest.
func (e *Engine) AssetsUnderManagement(now int64) (*big.Int, error) {
	agg, err := e.ensureAggregate()
	if err != nil {
		return nil, err
	}
	accrued, err := e.AccruedInterest(now)
	if err != nil {
		return nil, err
	}
	out := addBig(agg.PrincipalOut, agg.AccountedInterest)
	return out.Add(out, accrued), nil
}

// AggregateInfo returns a copy of the global accounting record.
func (e *Engine) AggregateInfo() (*Aggregate, error) {
	agg, err := e.ensureAggregate()
	if err != nil {
		return nil, err
	}
	return agg.Clone(), nil
}

// LoanInfo returns a copy of the loan record.
func (e *Engine) LoanInfo(id uint64) (*Loan, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// PaymentBreakdownOf computes the principal and interest owed on a loan at
// the given time.
func (e *Engine) PaymentBreakdownOf(loanID uint64, now int64) (*PaymentBreakdown, error) {
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Funded() {
		return nil, fmt.Errorf("%w: %d", errLoanNotFunded, loanID)
	}
	return paymentBreakdown(loan, now), nil
}
