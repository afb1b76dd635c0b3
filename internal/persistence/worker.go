package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"StableVault/internal/event"
	"StableVault/internal/observability"
)

// EventRow is a row in vault.events.
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	Account   string
	Timestamp int64
	Payload   []byte // JSON-encoded event payload
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the engine loop; the persist channel uses
// BLOCKING sends, so if this worker falls behind the engine stalls rather
// than losing events.
//
// Durable state is derived from the event stream itself: a PriceUpdated
// event inserts an observation row, position events upsert the position's
// post-state. Replaying the same batch is harmless because every write is
// idempotent on its key.
type PersistenceWorker struct {
	store        *StateStore
	inputChan    <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		store:        NewStateStore(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming envelopes and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]event.Envelope, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, env)

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops events: it retries until the write succeeds or the context is
// cancelled, and even then attempts one final flush.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []event.Envelope) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch))
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), batch)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []event.Envelope) error {
	start := time.Now()

	tx, err := pw.store.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	for _, env := range batch {
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("marshal").Inc()
			}
			return fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
		}

		row := EventRow{
			Sequence:  env.Sequence,
			EventID:   env.EventID,
			EventType: env.TypeName,
			Account:   env.Account,
			Timestamp: env.Timestamp,
			Payload:   payload,
		}
		if err := pw.store.insertEvent(ctx, tx, row); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("write_event").Inc()
			}
			return fmt.Errorf("write event seq=%d: %w", env.Sequence, err)
		}

		if err := pw.applyState(ctx, tx, env); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("write_state").Inc()
			}
			return fmt.Errorf("apply state seq=%d: %w", env.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}

// applyState projects an envelope onto the durable state tables.
func (pw *PersistenceWorker) applyState(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	switch p := env.Payload.(type) {
	case event.PriceUpdated:
		return pw.store.insertObservation(ctx, tx, env.Sequence, env.Timestamp, p.Price)
	case event.PositionChanged:
		return pw.store.upsertPosition(ctx, tx, env.Account,
			p.Collateral, p.Debt, p.LiquidationPrice, env.Timestamp)
	case event.PositionLiquidated:
		return pw.store.upsertPosition(ctx, tx, env.Account,
			p.RemainingCollateral, p.RemainingDebt, p.LiquidationPrice, env.Timestamp)
	default:
		// TWAPRecomputed and future informational events carry no state.
		return nil
	}
}

// Store exposes the underlying state store for startup loads.
func (pw *PersistenceWorker) Store() *StateStore {
	return pw.store
}
