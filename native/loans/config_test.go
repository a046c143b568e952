package loans

import (
	"errors"
	"math/big"
	"testing"
)

func TestDefaultConfigCapsRatesAtRateScale(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxInterestRate != hundredPercentE6 {
		t.Fatalf("max interest rate: got %d, want %d", cfg.MaxInterestRate, hundredPercentE6)
	}
	if cfg.MaxLatePremiumRate != hundredPercentE6/2 {
		t.Fatalf("max late premium: got %d, want %d", cfg.MaxLatePremiumRate, hundredPercentE6/2)
	}
	if cfg.MaxOriginationFeeWei == nil || cfg.MaxOriginationFeeWei.Sign() != 0 {
		t.Fatalf("fee cap not defaulted: %v", cfg.MaxOriginationFeeWei)
	}
	if cfg.DefaultGracePeriodSeconds <= 0 {
		t.Fatalf("grace period not defaulted: %d", cfg.DefaultGracePeriodSeconds)
	}
}

func TestEnsureDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.EnsureDefaults()
	if cfg.MaxInterestRate != hundredPercentE6 {
		t.Fatalf("max interest rate: got %d, want %d", cfg.MaxInterestRate, hundredPercentE6)
	}
	if cfg.MaxOriginationFeeWei == nil {
		t.Fatalf("fee cap left nil")
	}
}

func TestValidateRatesEnforcesLimits(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateRates(100_000, 50_000); err != nil {
		t.Fatalf("valid rates rejected: %v", err)
	}
	if err := cfg.ValidateRates(0, 0); !errors.Is(err, errInvalidRate) {
		t.Fatalf("zero interest rate: expected rate error, got %v", err)
	}
	if err := cfg.ValidateRates(hundredPercentE6+1, 0); !errors.Is(err, errInvalidRate) {
		t.Fatalf("interest above cap: expected rate error, got %v", err)
	}
	if err := cfg.ValidateRates(100_000, cfg.MaxLatePremiumRate+1); !errors.Is(err, errInvalidRate) {
		t.Fatalf("premium above cap: expected rate error, got %v", err)
	}
}

func TestValidateOriginationFeeHonorsCap(t *testing.T) {
	cfg := DefaultConfig()
	// A zero cap disables the check.
	if err := cfg.ValidateOriginationFee(big.NewInt(1_000_000)); err != nil {
		t.Fatalf("uncapped fee rejected: %v", err)
	}
	cfg.MaxOriginationFeeWei = big.NewInt(100)
	if err := cfg.ValidateOriginationFee(big.NewInt(100)); err != nil {
		t.Fatalf("fee at cap rejected: %v", err)
	}
	if err := cfg.ValidateOriginationFee(big.NewInt(101)); !errors.Is(err, errInvalidRate) {
		t.Fatalf("fee above cap: expected rate error, got %v", err)
	}
}
