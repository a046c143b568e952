package loans

import (
	"math/big"
	"strconv"

	"recfin/core/types"
	"recfin/crypto"
)

const (
	EventTypeLoanApproved      = "loans.approved"
	EventTypeLoanFunded        = "loans.funded"
	EventTypeLoanPaid          = "loans.paid"
	EventTypeLoanDrawnDown     = "loans.drawndown"
	EventTypeLoanImpaired      = "loans.impaired"
	EventTypeImpairmentRemoved = "loans.impairment_removed"
	EventTypeLoanDefaulted     = "loans.defaulted"
)

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

// NewApprovedEvent returns the canonical event payload for a newly approved
// loan.
func NewApprovedEvent(id uint64, loan *Loan) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	if loan != nil {
		attrs["borrower"] = loan.Borrower.String()
		attrs["collateralId"] = strconv.FormatUint(loan.CollateralID, 10)
		attrs["principal"] = amountString(loan.Principal)
		attrs["originationFee"] = amountString(loan.OriginationFee)
		attrs["interestRate"] = strconv.FormatUint(loan.InterestRate, 10)
		attrs["latePremiumRate"] = strconv.FormatUint(loan.LateInterestPremiumRate, 10)
		attrs["dueDate"] = strconv.FormatInt(loan.DueDate, 10)
		attrs["gracePeriod"] = strconv.FormatInt(loan.GracePeriod, 10)
	}
	return &types.Event{Type: EventTypeLoanApproved, Attributes: attrs}
}

// NewFundedEvent returns the canonical event payload emitted when principal is
// drawn from the pool and the loan starts accruing.
func NewFundedEvent(id uint64, loan *Loan, paymentID uint64) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["paymentId"] = strconv.FormatUint(paymentID, 10)
	if loan != nil {
		attrs["principal"] = amountString(loan.Principal)
		attrs["drawableFunds"] = amountString(loan.DrawableFunds)
		attrs["issuanceRate"] = amountString(loan.IssuanceRate)
		attrs["startDate"] = strconv.FormatInt(loan.StartDate, 10)
		attrs["dueDate"] = strconv.FormatInt(loan.DueDate, 10)
	}
	return &types.Event{Type: EventTypeLoanFunded, Attributes: attrs}
}

// NewPaidEvent returns the canonical event payload for a full settlement.
func NewPaidEvent(id uint64, amount *big.Int, breakdown *PaymentBreakdown) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["amount"] = amountString(amount)
	if breakdown != nil {
		attrs["principal"] = amountString(breakdown.Principal)
		attrs["interest"] = amountString(breakdown.Interest)
		attrs["lateInterest"] = amountString(breakdown.LateInterest)
	}
	return &types.Event{Type: EventTypeLoanPaid, Attributes: attrs}
}

// NewDrawnDownEvent returns the canonical event payload for a borrower
// withdrawal.
func NewDrawnDownEvent(id uint64, amount *big.Int, destination crypto.Address) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["amount"] = amountString(amount)
	attrs["destination"] = destination.String()
	return &types.Event{Type: EventTypeLoanDrawnDown, Attributes: attrs}
}

// NewImpairedEvent returns the canonical event payload emitted when a loan's
// exposure is frozen.
func NewImpairedEvent(id uint64, snapshot *ImpairmentSnapshot, byGovernor bool) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["byGovernance"] = strconv.FormatBool(byGovernor)
	if snapshot != nil {
		attrs["principal"] = amountString(snapshot.Principal)
		attrs["interest"] = amountString(snapshot.Interest)
		attrs["lateInterest"] = amountString(snapshot.LateInterest)
		attrs["protocolFees"] = amountString(snapshot.ProtocolFees)
	}
	return &types.Event{Type: EventTypeLoanImpaired, Attributes: attrs}
}

// NewImpairmentRemovedEvent returns the canonical event payload emitted when an
// impairment is reversed and the loan rejoins the schedule.
func NewImpairmentRemovedEvent(id, paymentID uint64) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["paymentId"] = strconv.FormatUint(paymentID, 10)
	return &types.Event{Type: EventTypeImpairmentRemoved, Attributes: attrs}
}

// NewDefaultedEvent returns the canonical event payload for a finalized
// default.
func NewDefaultedEvent(id uint64, remainingLosses, unrecoveredFees *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrs["loanId"] = strconv.FormatUint(id, 10)
	attrs["remainingLosses"] = amountString(remainingLosses)
	attrs["unrecoveredFees"] = amountString(unrecoveredFees)
	return &types.Event{Type: EventTypeLoanDefaulted, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
