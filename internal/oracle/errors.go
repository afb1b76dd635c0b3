package oracle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Every rejection is a distinguishable outcome: callers branch with
// errors.Is against the sentinels below. Parameterized rejections carry a
// struct that unwraps to its sentinel.
var (
	ErrZeroPrice                = errors.New("price must be non-zero")
	ErrTimestampOutOfOrder      = errors.New("observation timestamp precedes log head")
	ErrNoObservations           = errors.New("no observations recorded")
	ErrInsufficientObservations = errors.New("need at least two observations")
	ErrStalePrice               = errors.New("price data is stale")
	ErrUpdateTooFrequent        = errors.New("price update too frequent")
	ErrPriceChangeTooLarge      = errors.New("price change exceeds allowed percentage")
)

// UpdateTooFrequentError reports how long the caller must wait.
type UpdateTooFrequentError struct {
	Elapsed  int64 // seconds since the last observation
	Required int64 // configured minimum delay
}

func (e *UpdateTooFrequentError) Error() string {
	return fmt.Sprintf("price update too frequent: %ds since last, need %ds", e.Elapsed, e.Required)
}

func (e *UpdateTooFrequentError) Unwrap() error { return ErrUpdateTooFrequent }

// PriceChangeError reports a rejected jump between consecutive observations.
type PriceChangeError struct {
	Old *uint256.Int
	New *uint256.Int
	Max uint64 // allowed change, integer percent
}

func (e *PriceChangeError) Error() string {
	return fmt.Sprintf("price change too large: %s -> %s exceeds %d%%", e.Old.Dec(), e.New.Dec(), e.Max)
}

func (e *PriceChangeError) Unwrap() error { return ErrPriceChangeTooLarge }

// StalePriceError reports how old the newest observation is.
type StalePriceError struct {
	Age    int64
	MaxAge int64
}

func (e *StalePriceError) Error() string {
	return fmt.Sprintf("price data is stale: newest observation %ds old, max %ds", e.Age, e.MaxAge)
}

func (e *StalePriceError) Unwrap() error { return ErrStalePrice }
