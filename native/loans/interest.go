package loans

import "math/big"

// paymentBreakdown computes the principal and interest owed on a funded loan
// at the given time. Base interest covers the full period from the start date
// to the due date; past the due date a premium accrues over whole days,
// rounded up, at the base rate plus the late premium.
func paymentBreakdown(loan *Loan, now int64) *PaymentBreakdown {
	if loan == nil || !loan.Funded() {
		return &PaymentBreakdown{
			Principal:    big.NewInt(0),
			Interest:     big.NewInt(0),
			LateInterest: big.NewInt(0),
		}
	}
	principal := cloneBigInt(loan.Principal)
	interest := accruedAmount(principal, periodicRate(loan.InterestRate, loan.DueDate-loan.StartDate))
	late := big.NewInt(0)
	if now > loan.DueDate {
		lateSeconds := daysCeil(now-loan.DueDate) * secondsPerDay
		late = accruedAmount(principal, periodicRate(loan.InterestRate+loan.LateInterestPremiumRate, lateSeconds))
	}
	return &PaymentBreakdown{Principal: principal, Interest: interest, LateInterest: late}
}

// netInterestFor derives the fee-adjusted interest expected over a payment
// period together with the gross amount it was computed from.
func netInterestFor(principal *big.Int, rate uint64, interval int64, protocolFeeRate, adminFeeRate uint64) (gross, net *big.Int) {
	gross = accruedAmount(principal, periodicRate(rate, interval))
	fees := addBig(feeShare(gross, protocolFeeRate), feeShare(gross, adminFeeRate))
	net = clampSub(gross, fees)
	return gross, net
}
