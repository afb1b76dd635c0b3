package vault

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Rejection taxonomy. Input-validation and solvency failures are sentinels;
// parameterized rejections carry structs that unwrap to their sentinel.
// Temporal/data-quality failures surface as the oracle package's errors.
// Every failure rejects the whole call; nothing partially applies.
var (
	ErrZeroAmount              = errors.New("amount must be non-zero")
	ErrZeroAddress             = errors.New("account must be non-zero")
	ErrSameToken               = errors.New("collateral and stable token must differ")
	ErrUnauthorized            = errors.New("caller is not authorized")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrInsufficientDebt        = errors.New("insufficient debt")
	ErrHealthFactorTooLow      = errors.New("operation would leave health factor below minimum")
	ErrPositionNotLiquidatable = errors.New("position is not liquidatable")
	ErrInsufficientRepayment   = errors.New("repay amount exceeds outstanding debt")
	ErrCollateralShortfall     = errors.New("computed seizure exceeds recorded collateral")
	ErrArithmeticOverflow      = errors.New("fixed-point arithmetic overflow")
)

// HealthFactorError reports the computed health factor that failed the
// minimum check.
type HealthFactorError struct {
	HealthFactor *uint256.Int
	Minimum      *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("health factor %s below minimum %s", e.HealthFactor.Dec(), e.Minimum.Dec())
}

func (e *HealthFactorError) Unwrap() error { return ErrHealthFactorTooLow }

// ErrInvariantViolated is the sentinel behind every InvariantError.
var ErrInvariantViolated = errors.New("system invariant violated")

// InvariantError reports a divergence between the position ledger's totals
// and the external token ledgers.
type InvariantError struct {
	Name     string
	Ledger   *uint256.Int
	External *uint256.Int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: ledger %s, external %s", e.Name, e.Ledger.Dec(), e.External.Dec())
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolated }
