package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// PriceUpdate is a parsed price-feed message ready for the engine.
type PriceUpdate struct {
	Source    string
	Price     *uint256.Int // 1e8 scale
	Timestamp int64        // unix seconds, the feed's event time
}

// priceUpdateJSON is the wire format received from NATS. Field names use
// snake_case to match upstream producers. The price is a decimal string:
// producers quote values that exceed float precision.
type priceUpdateJSON struct {
	Source    string `json:"source"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// ParsePriceUpdate validates and converts raw feed bytes. Parse failures are
// terminal: the message is malformed and redelivery cannot fix it.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	if j.Price == "" {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: missing price")
	}
	price, err := uint256.FromDecimal(j.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price %q: %w", j.Price, err)
	}
	if j.Timestamp <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: invalid timestamp %d", j.Timestamp)
	}

	return PriceUpdate{
		Source:    j.Source,
		Price:     price,
		Timestamp: j.Timestamp,
	}, nil
}
