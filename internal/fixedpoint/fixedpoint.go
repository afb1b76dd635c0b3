package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
)

// All quantities in the engine are unsigned fixed-point integers with an
// explicit scale. Prices use 8 decimals, token amounts and health factors
// use 18. Ratios (collateral ratio, liquidation threshold, bonus) are plain
// integer percentages.
const (
	PriceDecimals  = 8
	AmountDecimals = 18
	HealthDecimals = 18

	// RatioScale is the denominator for percentage-valued risk parameters:
	// a liquidation threshold of 120 means 120%.
	RatioScale = 100
)

var (
	// PriceScale is 10^8, the price fixed-point denominator.
	PriceScale = uint256.NewInt(100_000_000)

	// HealthScale is 10^18. A health factor of exactly HealthScale is 1.0.
	HealthScale = new(uint256.Int).Mul(uint256.NewInt(1_000_000_000), uint256.NewInt(1_000_000_000))

	// MaxHealth is the health factor of a debt-free position.
	MaxHealth = new(uint256.Int).SetAllOne()

	ratioScale = uint256.NewInt(RatioScale)
)

// MulDiv computes x*y/d with a full-width intermediate product, truncating.
// ok is false when the quotient does not fit in 256 bits or d is zero.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, bool) {
	if d.IsZero() {
		return nil, false
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, false
	}
	return z, true
}

// CollateralValue converts a collateral amount (1e18 base units) into
// stable-token units at the given price (1e8 scale).
func CollateralValue(collateral, price *uint256.Int) (*uint256.Int, bool) {
	return MulDiv(collateral, price, PriceScale)
}

// HealthFactor computes the scaled ratio of risk-adjusted collateral value to
// outstanding debt. ratioPct is the required collateralization percentage
// (>= 100): a position holding exactly debt*ratioPct/100 worth of collateral
// has a health factor of exactly HealthScale.
//
// Zero debt is always safe and yields MaxHealth.
func HealthFactor(collateral, debt, price *uint256.Int, ratioPct uint64) (*uint256.Int, bool) {
	if debt.IsZero() {
		return new(uint256.Int).Set(MaxHealth), true
	}
	value, ok := CollateralValue(collateral, price)
	if !ok {
		return nil, false
	}
	// Multiplication before division: value * RatioScale * HealthScale is
	// carried through 512-bit intermediates before dividing by ratio and debt.
	adjusted, ok := MulDiv(value, ratioScale, uint256.NewInt(ratioPct))
	if !ok {
		return nil, false
	}
	return MulDiv(adjusted, HealthScale, debt)
}

// LiquidationPrice returns the price (1e8 scale) at which a position's health
// factor crosses 1.0 under the given collateralization percentage. Zero for
// debt-free or collateral-free positions.
func LiquidationPrice(collateral, debt *uint256.Int, ratioPct uint64) (*uint256.Int, bool) {
	if debt.IsZero() || collateral.IsZero() {
		return new(uint256.Int), true
	}
	// price = debt * ratio/100 * PriceScale / collateral
	required, ok := MulDiv(debt, uint256.NewInt(ratioPct), ratioScale)
	if !ok {
		return nil, false
	}
	return MulDiv(required, PriceScale, collateral)
}

// Percent applies an integer percentage to an amount, truncating.
func Percent(amount *uint256.Int, pct uint64) (*uint256.Int, bool) {
	return MulDiv(amount, uint256.NewInt(pct), ratioScale)
}

// FromDecimal parses a base-10 fixed-point integer string. Thin wrapper so
// callers outside the math layer do not import uint256 parsing directly.
func FromDecimal(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
