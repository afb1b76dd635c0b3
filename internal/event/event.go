package event

import (
	"github.com/google/uuid"
)

// Type discriminates engine event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePriceUpdated
	TypeTWAPRecomputed
	TypeCollateralDeposited
	TypeCollateralWithdrawn
	TypeStableMinted
	TypeStableBurned
	TypePositionLiquidated
)

func (t Type) String() string {
	switch t {
	case TypePriceUpdated:
		return "PriceUpdated"
	case TypeTWAPRecomputed:
		return "TWAPRecomputed"
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeStableMinted:
		return "StableMinted"
	case TypeStableBurned:
		return "StableBurned"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event. Sequence is the engine's monotonic
// counter; Timestamp is the injected logical clock of the operation that
// produced the event, never wall-clock.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	EventID   uuid.UUID `json:"event_id"`
	Type      Type      `json:"-"`
	TypeName  string    `json:"event_type"`
	Account   string    `json:"account,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Amount-bearing payload fields are decimal strings: fixed-point values must
// round-trip persistence and the wire with exact fidelity, and several exceed
// int64.

// PriceUpdated is emitted when the guard admits a new observation.
type PriceUpdated struct {
	Price        string `json:"price"` // 1e8 scale
	Observations int    `json:"observations"`
}

// TWAPRecomputed is emitted alongside PriceUpdated once the log holds enough
// points to price.
type TWAPRecomputed struct {
	TWAP string `json:"twap"` // 1e8 scale
}

// PositionChanged carries the post-state of a position after any collateral
// or debt operation.
type PositionChanged struct {
	Amount           string `json:"amount"`            // operation amount
	Collateral       string `json:"collateral"`        // post-state, 1e18
	Debt             string `json:"debt"`              // post-state, 1e18
	LiquidationPrice string `json:"liquidation_price"` // post-state, 1e8
}

// PositionLiquidated carries the full accounting of a liquidation.
type PositionLiquidated struct {
	Liquidator          string `json:"liquidator"`
	Repaid              string `json:"repaid"`
	CollateralSeized    string `json:"collateral_seized"` // includes bonus
	Bonus               string `json:"bonus"`
	RemainingCollateral string `json:"remaining_collateral"`
	RemainingDebt       string `json:"remaining_debt"`
	LiquidationPrice    string `json:"liquidation_price"`
	FullClose           bool   `json:"full_close"`
}

// Emitter receives engine events. Implementations must not block the engine:
// the daemon bridges into a buffered channel, tests collect into a slice.
type Emitter interface {
	Emit(env Envelope)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(Envelope) {}
