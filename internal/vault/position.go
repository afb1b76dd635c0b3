package vault

import (
	"github.com/holiman/uint256"

	"StableVault/internal/token"
)

// Position is an account's collateral/debt record. Amounts are 1e18 base
// units; LiquidationPrice is the 1e8-scale price at which the position's
// health factor crosses 1.0 (zero while debt-free). A fully closed position
// is emptied, never deleted.
type Position struct {
	Collateral       *uint256.Int
	Debt             *uint256.Int
	LiquidationPrice *uint256.Int
	LastInteraction  int64
}

func newPosition() *Position {
	return &Position{
		Collateral:       new(uint256.Int),
		Debt:             new(uint256.Int),
		LiquidationPrice: new(uint256.Int),
	}
}

func (p *Position) clone() *Position {
	return &Position{
		Collateral:       new(uint256.Int).Set(p.Collateral),
		Debt:             new(uint256.Int).Set(p.Debt),
		LiquidationPrice: new(uint256.Int).Set(p.LiquidationPrice),
		LastInteraction:  p.LastInteraction,
	}
}

func (p *Position) restoreFrom(prev *Position) {
	p.Collateral.Set(prev.Collateral)
	p.Debt.Set(prev.Debt)
	p.LiquidationPrice.Set(prev.LiquidationPrice)
	p.LastInteraction = prev.LastInteraction
}

// Ledger holds every position plus the insertion-ordered registry of
// accounts that have ever interacted. The registry is append-only and an
// account appears at most once; it exists for enumeration (system-wide
// invariant checks), not ownership.
type Ledger struct {
	positions map[token.Account]*Position
	registry  []token.Account
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[token.Account]*Position),
	}
}

// Get returns a copy of the account's position. The zero position is
// reported for accounts that never interacted.
func (l *Ledger) Get(account token.Account) (Position, bool) {
	pos, ok := l.positions[account]
	if !ok {
		return *newPosition(), false
	}
	return *pos.clone(), true
}

// getOrCreate returns the mutable record, creating and registering the
// account on first interaction. created reports whether registration
// happened, so a rolled-back first operation can be unwound exactly.
func (l *Ledger) getOrCreate(account token.Account) (pos *Position, created bool) {
	pos, ok := l.positions[account]
	if !ok {
		pos = newPosition()
		l.positions[account] = pos
		l.registry = append(l.registry, account)
		created = true
	}
	return pos, created
}

// forget removes a record created by an operation that was rolled back in
// full. Only valid for the most recently registered account.
func (l *Ledger) forget(account token.Account) {
	if n := len(l.registry); n > 0 && l.registry[n-1] == account {
		l.registry = l.registry[:n-1]
		delete(l.positions, account)
	}
}

// Accounts returns the registry in insertion order.
func (l *Ledger) Accounts() []token.Account {
	out := make([]token.Account, len(l.registry))
	copy(out, l.registry)
	return out
}

// TotalDebt sums outstanding debt across all registered accounts.
func (l *Ledger) TotalDebt() *uint256.Int {
	total := new(uint256.Int)
	for _, acct := range l.registry {
		total.Add(total, l.positions[acct].Debt)
	}
	return total
}

// TotalCollateral sums recorded collateral across all registered accounts.
func (l *Ledger) TotalCollateral() *uint256.Int {
	total := new(uint256.Int)
	for _, acct := range l.registry {
		total.Add(total, l.positions[acct].Collateral)
	}
	return total
}

// Restore installs a persisted position, registering the account. Used only
// at startup.
func (l *Ledger) Restore(account token.Account, pos Position) {
	record, _ := l.getOrCreate(account)
	record.Collateral.Set(pos.Collateral)
	record.Debt.Set(pos.Debt)
	record.LiquidationPrice.Set(pos.LiquidationPrice)
	record.LastInteraction = pos.LastInteraction
}
