package state

import (
	fpmath "PerpOptions/internal/math"
	"fmt"
)

// ProtocolParams are the protocol-wide constants.
type ProtocolParams struct {
	CollateralAsset string
	// Accounts must hold this many days of rent to open, and are
	// liquidatable below it.
	LiquidationThresholdDays int64
	// Fraction of the remaining balance paid to the liquidator.
	LiquidationPenalty fpmath.Wad
	// Prices older than this many seconds are stale.
	MaxPriceAge    int64
	SecondsPerYear int64
}

var DefaultProtocolParams = ProtocolParams{
	CollateralAsset:          "USDT",
	LiquidationThresholdDays: 1,
	LiquidationPenalty:       fpmath.MustParseWad("0.05"),
	MaxPriceAge:              300,
	SecondsPerYear:           fpmath.SecondsPerYear,
}

// ThresholdSeconds converts the liquidation threshold to seconds.
func (p ProtocolParams) ThresholdSeconds() int64 {
	return p.LiquidationThresholdDays * 86_400
}

// ValidateProtocolParams checks that parameters are within valid ranges.
func ValidateProtocolParams(p ProtocolParams) error {
	if p.CollateralAsset == "" {
		return fmt.Errorf("collateral_asset must be set")
	}
	if p.LiquidationThresholdDays <= 0 {
		return fmt.Errorf("liquidation_threshold_days must be > 0, got %d", p.LiquidationThresholdDays)
	}
	if p.LiquidationPenalty.Sign() < 0 || p.LiquidationPenalty.GT(fpmath.One()) {
		return fmt.Errorf("liquidation_penalty must be within [0, 1], got %s", p.LiquidationPenalty)
	}
	if p.MaxPriceAge <= 0 {
		return fmt.Errorf("max_price_age must be > 0, got %d", p.MaxPriceAge)
	}
	if p.SecondsPerYear <= 0 {
		return fmt.Errorf("seconds_per_year must be > 0, got %d", p.SecondsPerYear)
	}
	return nil
}
