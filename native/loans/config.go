package loans

import (
	"fmt"
	"math/big"
)

// Config captures the runtime limits for the native loans module. Rates are
// expressed in millionths, where 1_000_000 equals 100% annualized.
type Config struct {
	MaxInterestRate           uint64   `toml:"MaxInterestRate"`
	MaxLatePremiumRate        uint64   `toml:"MaxLatePremiumRate"`
	MaxOriginationFeeWei      *big.Int `toml:"MaxOriginationFeeWei"`
	DefaultGracePeriodSeconds int64    `toml:"DefaultGracePeriodSeconds"`
}

// DefaultConfig returns the limits applied when the operator does not supply
// any.
func DefaultConfig() Config {
	cfg := Config{
		MaxInterestRate:           hundredPercentE6,
		MaxLatePremiumRate:        hundredPercentE6 / 2,
		DefaultGracePeriodSeconds: 5 * 24 * 3600,
	}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults populates nil big.Int fields so TOML/RLP handling is safe. A
// zero MaxOriginationFeeWei disables the fee cap.
func (c *Config) EnsureDefaults() {
	if c.MaxOriginationFeeWei == nil {
		c.MaxOriginationFeeWei = big.NewInt(0)
	}
	if c.MaxInterestRate == 0 {
		c.MaxInterestRate = hundredPercentE6
	}
}

// ValidateRates rejects interest terms outside the configured caps.
func (c Config) ValidateRates(interestRate, latePremiumRate uint64) error {
	if interestRate == 0 || interestRate > c.MaxInterestRate {
		return fmt.Errorf("%w: interest rate %d", errInvalidRate, interestRate)
	}
	if c.MaxLatePremiumRate > 0 && latePremiumRate > c.MaxLatePremiumRate {
		return fmt.Errorf("%w: late premium %d", errInvalidRate, latePremiumRate)
	}
	return nil
}

// ValidateOriginationFee rejects fees above the configured cap when one is
// set.
func (c Config) ValidateOriginationFee(fee *big.Int) error {
	if c.MaxOriginationFeeWei == nil || c.MaxOriginationFeeWei.Sign() == 0 {
		return nil
	}
	if fee != nil && fee.Cmp(c.MaxOriginationFeeWei) > 0 {
		return fmt.Errorf("%w: origination fee %s", errInvalidRate, fee)
	}
	return nil
}
