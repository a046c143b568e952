package loans

import "math/big"

// Rates use 1e6 units where 1_000_000 equals 100% annualized.
const hundredPercentE6 uint64 = 1_000_000

var (
	hundredPercent = new(big.Int).SetUint64(hundredPercentE6)
	precision      = mustBigInt("1000000000000000000000000000") // 1e27 fixed-point scale
)

const (
	secondsPerYear = 365 * 24 * 60 * 60
	secondsPerDay  = 24 * 60 * 60
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// periodicRate converts an annualised rate (1e6 units, 1_000_000 = 100%) into
// a precision-scaled rate covering interval seconds.
func periodicRate(rate uint64, interval int64) *big.Int {
	if rate == 0 || interval <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).SetUint64(rate)
	out.Mul(out, precision)
	out.Quo(out, hundredPercent)
	out.Mul(out, big.NewInt(interval))
	out.Quo(out, big.NewInt(secondsPerYear))
	return out
}

// accruedAmount pro-rates principal over a precision-scaled periodic rate.
func accruedAmount(principal, rate *big.Int) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(principal, rate)
	return out.Quo(out, precision)
}

// windowAccrual computes the interest streamed by a precision-scaled issuance
// rate over the interval [from, to).
func windowAccrual(issuanceRate *big.Int, from, to int64) *big.Int {
	if issuanceRate == nil || issuanceRate.Sign() <= 0 || to <= from {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(issuanceRate, big.NewInt(to-from))
	return out.Quo(out, precision)
}

// scaledRate spreads a net interest amount over interval seconds as a
// precision-scaled per-second issuance rate.
func scaledRate(netInterest *big.Int, interval int64) *big.Int {
	if netInterest == nil || netInterest.Sign() <= 0 || interval <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(netInterest, precision)
	return out.Quo(out, big.NewInt(interval))
}

// feeShare applies a 1e6-scaled fee rate to an amount, flooring the result.
func feeShare(amount *big.Int, rate uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || rate == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(rate))
	return out.Quo(out, hundredPercent)
}

// clampSub subtracts b from a without going below zero. Retiring rate and
// interest contributions tolerates fixed-point rounding drift this way rather
// than reconciling exactly.
func clampSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func minBig(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil || a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func addBig(a, b *big.Int) *big.Int {
	out := cloneBigInt(a)
	if b != nil {
		out.Add(out, b)
	}
	return out
}

// daysCeil rounds a second interval up to whole days.
func daysCeil(interval int64) int64 {
	if interval <= 0 {
		return 0
	}
	return (interval + secondsPerDay - 1) / secondsPerDay
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
