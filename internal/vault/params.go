package vault

import (
	"fmt"

	"github.com/holiman/uint256"

	"StableVault/internal/fixedpoint"
)

// RiskParams is the process-wide risk configuration. Ratios are integer
// percentages (RatioScale = 100); the minimum health factor is 1e18 scale.
//
// BaseCollateralRatio governs origination (mint/withdraw admission) and
// LiquidationThreshold governs liquidation, so base >= threshold gives the
// usual safety band between the two.
type RiskParams struct {
	BaseCollateralRatio   uint64 // percent, >= 100 (e.g. 150)
	LiquidationThreshold  uint64 // percent, >= 100 (e.g. 120)
	LiquidationBonus      uint64 // percent of seized collateral (e.g. 10)
	MinHealthFactor       *uint256.Int
	MinUpdateDelay        int64  // seconds between admitted price updates
	MaxPriceAge           int64  // seconds before the newest observation goes stale
	MaxPriceChangePercent uint64 // per-update bound, integer percent
}

// DefaultRiskParams returns the standard configuration.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		BaseCollateralRatio:   150,
		LiquidationThreshold:  120,
		LiquidationBonus:      10,
		MinHealthFactor:       new(uint256.Int).Set(fixedpoint.HealthScale), // 1.0
		MinUpdateDelay:        300,
		MaxPriceAge:           3600,
		MaxPriceChangePercent: 10,
	}
}

// Validate checks the parameter ranges.
func (p RiskParams) Validate() error {
	if p.LiquidationThreshold < 100 {
		return fmt.Errorf("liquidation threshold must be >= 100%%, got %d", p.LiquidationThreshold)
	}
	if p.BaseCollateralRatio < p.LiquidationThreshold {
		return fmt.Errorf("base collateral ratio (%d) must be >= liquidation threshold (%d)",
			p.BaseCollateralRatio, p.LiquidationThreshold)
	}
	if p.LiquidationBonus >= 100 {
		return fmt.Errorf("liquidation bonus must be < 100%%, got %d", p.LiquidationBonus)
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.IsZero() {
		return fmt.Errorf("minimum health factor must be non-zero")
	}
	if p.MinUpdateDelay < 0 {
		return fmt.Errorf("min update delay must be >= 0, got %d", p.MinUpdateDelay)
	}
	if p.MaxPriceAge <= 0 {
		return fmt.Errorf("max price age must be > 0, got %d", p.MaxPriceAge)
	}
	if p.MaxPriceChangePercent == 0 {
		return fmt.Errorf("max price change percent must be > 0")
	}
	return nil
}
