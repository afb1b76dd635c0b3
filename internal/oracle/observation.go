package oracle

import (
	"github.com/holiman/uint256"
)

// Observation is a single recorded (timestamp, price) sample. Timestamps are
// injected logical seconds, prices are 1e8 fixed-point.
type Observation struct {
	Timestamp int64
	Price     *uint256.Int
}

// Log is the append-only observation history. Entries are never mutated or
// deleted and timestamps are non-decreasing. Growth is unbounded; retention
// is a deployment concern, not the log's.
type Log struct {
	observations []Observation
}

func NewLog() *Log {
	return &Log{}
}

// Append records a new observation. The price is copied; callers may reuse
// the argument.
func (l *Log) Append(timestamp int64, price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return ErrZeroPrice
	}
	if n := len(l.observations); n > 0 && timestamp < l.observations[n-1].Timestamp {
		return ErrTimestampOutOfOrder
	}
	l.observations = append(l.observations, Observation{
		Timestamp: timestamp,
		Price:     new(uint256.Int).Set(price),
	})
	return nil
}

// Len returns the number of stored observations.
func (l *Log) Len() int {
	return len(l.observations)
}

// Latest returns the most recent observation.
func (l *Log) Latest() (Observation, bool) {
	if len(l.observations) == 0 {
		return Observation{}, false
	}
	return l.observations[len(l.observations)-1], true
}

// First returns the oldest observation.
func (l *Log) First() (Observation, bool) {
	if len(l.observations) == 0 {
		return Observation{}, false
	}
	return l.observations[0], true
}

// At returns the observation at index i. Callers must not mutate the price.
func (l *Log) At(i int) Observation {
	return l.observations[i]
}

// Snapshot returns a deep copy of the log for persistence.
func (l *Log) Snapshot() []Observation {
	out := make([]Observation, len(l.observations))
	for i, obs := range l.observations {
		out[i] = Observation{Timestamp: obs.Timestamp, Price: new(uint256.Int).Set(obs.Price)}
	}
	return out
}

// Restore replaces the log contents from persisted state. Used only at
// startup, before any appends.
func (l *Log) Restore(observations []Observation) error {
	restored := make([]Observation, 0, len(observations))
	var lastTS int64
	for i, obs := range observations {
		if obs.Price == nil || obs.Price.IsZero() {
			return ErrZeroPrice
		}
		if i > 0 && obs.Timestamp < lastTS {
			return ErrTimestampOutOfOrder
		}
		lastTS = obs.Timestamp
		restored = append(restored, Observation{
			Timestamp: obs.Timestamp,
			Price:     new(uint256.Int).Set(obs.Price),
		})
	}
	l.observations = restored
	return nil
}
