package oracle

import (
	"github.com/holiman/uint256"
)

// GuardConfig bounds the rate and magnitude of admitted price updates.
type GuardConfig struct {
	// MinUpdateDelay is the minimum spacing between observations, seconds.
	MinUpdateDelay int64
	// MaxPriceChangePercent bounds |new-old|/old in either direction,
	// integer percent. A change of exactly this percentage is admitted.
	MaxPriceChangePercent uint64
}

// UpdateGuard validates and admits new observations. Authorization of the
// caller happens at the engine boundary; the guard only enforces domain
// rules. Staleness is deliberately not re-checked here: a new observation
// refreshes the log, and staleness is a read-side property enforced by the
// TWAP calculator.
type UpdateGuard struct {
	log *Log
	cfg GuardConfig
}

func NewUpdateGuard(log *Log, cfg GuardConfig) *UpdateGuard {
	return &UpdateGuard{log: log, cfg: cfg}
}

// Admit runs the gate checks in order (zero price, update frequency, change
// magnitude) and appends the observation on success.
func (g *UpdateGuard) Admit(now int64, price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return ErrZeroPrice
	}

	if last, ok := g.log.Latest(); ok {
		elapsed := now - last.Timestamp
		if elapsed < g.cfg.MinUpdateDelay {
			return &UpdateTooFrequentError{Elapsed: elapsed, Required: g.cfg.MinUpdateDelay}
		}

		if err := g.checkChange(last.Price, price); err != nil {
			return err
		}
	}

	return g.log.Append(now, price)
}

// checkChange rejects |new-old| > old*maxPct/100. The comparison is done as
// |new-old|*100 vs old*maxPct to avoid truncation at the boundary.
func (g *UpdateGuard) checkChange(old, new_ *uint256.Int) error {
	var delta uint256.Int
	if new_.Gt(old) {
		delta.Sub(new_, old)
	} else {
		delta.Sub(old, new_)
	}

	lhs := new(uint256.Int).Mul(&delta, uint256.NewInt(100))
	rhs := new(uint256.Int).Mul(old, uint256.NewInt(g.cfg.MaxPriceChangePercent))
	if lhs.Gt(rhs) {
		return &PriceChangeError{
			Old: new(uint256.Int).Set(old),
			New: new(uint256.Int).Set(new_),
			Max: g.cfg.MaxPriceChangePercent,
		}
	}
	return nil
}
