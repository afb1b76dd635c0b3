package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/holiman/uint256"

	"StableVault/internal/oracle"
	"StableVault/internal/token"
	"StableVault/internal/vault"
)

// StateStore loads and writes the engine's durable state: the observation
// log, the positions table, and the event log. All fixed-point amounts are
// stored as NUMERIC and moved over the wire as decimal strings, so values
// round-trip without precision loss.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// LoadObservations returns the persisted observation log in admission order.
// Sequence order matters because timestamps may repeat.
func (s *StateStore) LoadObservations(ctx context.Context) ([]oracle.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, price::text FROM vault.observations ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()

	var out []oracle.Observation
	for rows.Next() {
		var (
			ts    int64
			price string
		)
		if err := rows.Scan(&ts, &price); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		p, err := uint256.FromDecimal(price)
		if err != nil {
			return nil, fmt.Errorf("parse stored price %q: %w", price, err)
		}
		out = append(out, oracle.Observation{Timestamp: ts, Price: p})
	}
	return out, rows.Err()
}

// PositionRecord is a persisted position row.
type PositionRecord struct {
	Account  token.Account
	Position vault.Position
}

// LoadPositions returns every persisted position, oldest registration first.
func (s *StateStore) LoadPositions(ctx context.Context) ([]PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, collateral::text, debt::text, liquidation_price::text, last_interaction
		FROM vault.positions ORDER BY registered_at ASC, account ASC`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var (
			account               string
			collateral, debt, liq string
			lastInteraction       int64
		)
		if err := rows.Scan(&account, &collateral, &debt, &liq, &lastInteraction); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		c, err := uint256.FromDecimal(collateral)
		if err != nil {
			return nil, fmt.Errorf("parse stored collateral %q: %w", collateral, err)
		}
		d, err := uint256.FromDecimal(debt)
		if err != nil {
			return nil, fmt.Errorf("parse stored debt %q: %w", debt, err)
		}
		lp, err := uint256.FromDecimal(liq)
		if err != nil {
			return nil, fmt.Errorf("parse stored liquidation price %q: %w", liq, err)
		}
		out = append(out, PositionRecord{
			Account: token.Account(account),
			Position: vault.Position{
				Collateral:       c,
				Debt:             d,
				LiquidationPrice: lp,
				LastInteraction:  lastInteraction,
			},
		})
	}
	return out, rows.Err()
}

// LastSequence returns the highest persisted event sequence, zero when the
// event log is empty.
func (s *StateStore) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM vault.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("load last sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func (s *StateStore) insertObservation(ctx context.Context, tx *sql.Tx, sequence, timestamp int64, price string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.observations (sequence, timestamp, price)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (sequence) DO NOTHING`,
		sequence, timestamp, price)
	return err
}

func (s *StateStore) upsertPosition(ctx context.Context, tx *sql.Tx, account string, collateral, debt, liquidationPrice string, lastInteraction int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.positions (account, collateral, debt, liquidation_price, last_interaction)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5)
		ON CONFLICT (account) DO UPDATE SET
			collateral        = EXCLUDED.collateral,
			debt              = EXCLUDED.debt,
			liquidation_price = EXCLUDED.liquidation_price,
			last_interaction  = EXCLUDED.last_interaction,
			updated_at        = NOW()`,
		account, collateral, debt, liquidationPrice, lastInteraction)
	return err
}

func (s *StateStore) insertEvent(ctx context.Context, tx *sql.Tx, row EventRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.events (sequence, event_id, event_type, account, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING`,
		row.Sequence, row.EventID, row.EventType, row.Account, row.Timestamp, row.Payload)
	return err
}
