package oracle

import (
	"github.com/holiman/uint256"
)

// TWAPCalculator derives a time-weighted average price from the observation
// log and an injected query time.
//
// Staleness policy: measured from the NEWEST observation and checked on every
// read. A log whose head is older than maxPriceAge cannot price anything,
// regardless of how much history it holds.
type TWAPCalculator struct {
	log         *Log
	maxPriceAge int64 // seconds
}

func NewTWAPCalculator(log *Log, maxPriceAge int64) *TWAPCalculator {
	return &TWAPCalculator{log: log, maxPriceAge: maxPriceAge}
}

// TWAP integrates price over the constant-price intervals between stored
// observations, with the last observation's price extending to now:
//
//	TWAP = Σ price[k]·duration[k] / Σ duration[k]
//
// Integer division, truncating. Because the final interval ends at now, the
// result depends on when it is queried, not only on stored data.
func (c *TWAPCalculator) TWAP(now int64) (*uint256.Int, error) {
	n := c.log.Len()
	switch n {
	case 0:
		return nil, ErrNoObservations
	case 1:
		return nil, ErrInsufficientObservations
	}

	newest, _ := c.log.Latest()
	if age := now - newest.Timestamp; age > c.maxPriceAge {
		return nil, &StalePriceError{Age: age, MaxAge: c.maxPriceAge}
	}

	first, _ := c.log.First()
	total := now - first.Timestamp
	if total <= 0 {
		// All observations and the query collapse onto one instant; the
		// newest price is the only defensible answer.
		return new(uint256.Int).Set(newest.Price), nil
	}

	weighted := new(uint256.Int)
	for i := 1; i < n; i++ {
		prev := c.log.At(i - 1)
		duration := c.log.At(i).Timestamp - prev.Timestamp
		if duration == 0 {
			continue
		}
		term := new(uint256.Int).Mul(prev.Price, uint256.NewInt(uint64(duration)))
		weighted.Add(weighted, term)
	}
	if tail := now - newest.Timestamp; tail > 0 {
		term := new(uint256.Int).Mul(newest.Price, uint256.NewInt(uint64(tail)))
		weighted.Add(weighted, term)
	}

	return weighted.Div(weighted, uint256.NewInt(uint64(total))), nil
}

// LatestPrice returns the most recently stored price.
func (c *TWAPCalculator) LatestPrice() (*uint256.Int, error) {
	obs, ok := c.log.Latest()
	if !ok {
		return nil, ErrNoObservations
	}
	return new(uint256.Int).Set(obs.Price), nil
}

// Count reports the observation log length for the query surface.
func (c *TWAPCalculator) Count() int {
	return c.log.Len()
}
