package token

import (
	"sync"

	"github.com/holiman/uint256"
)

// Ledger is an in-memory fungible-token ledger with standard
// transfer/approve/allowance bookkeeping. It backs both the collateral and
// stable tokens in embedded deployments and in tests; production deployments
// substitute an adapter to the real token contract. Safe for concurrent use:
// the engine loop and the token API touch it from different goroutines.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	minter     Account // only identity allowed to mint/burn; ZeroAccount disables
	balances   map[Account]*uint256.Int
	allowances map[Account]map[Account]*uint256.Int
	supply     *uint256.Int
}

func NewLedger(symbol string, minter Account) *Ledger {
	return &Ledger{
		symbol:     symbol,
		minter:     minter,
		balances:   make(map[Account]*uint256.Int),
		allowances: make(map[Account]map[Account]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// SetMinter reassigns the authorized minter. Used when the engine identity
// is created after the token.
func (l *Ledger) SetMinter(minter Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minter = minter
}

func (l *Ledger) BalanceOf(account Account) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.supply)
}

func (l *Ledger) Allowance(owner, spender Account) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(uint256.Int).Set(a)
		}
	}
	return new(uint256.Int)
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(owner, spender Account, amount *uint256.Int) error {
	if owner == ZeroAccount || spender == ZeroAccount {
		return ErrZeroAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[Account]*uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = new(uint256.Int).Set(amount)
	return nil
}

func (l *Ledger) Transfer(from, to Account, amount *uint256.Int) error {
	if from == ZeroAccount || to == ZeroAccount {
		return ErrZeroAccount
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom moves owner funds on the spender's allowance. A spender
// moving its own funds bypasses the allowance check, matching standard
// token semantics for self-transfers.
func (l *Ledger) TransferFrom(spender, from, to Account, amount *uint256.Int) error {
	if spender == ZeroAccount || from == ZeroAccount || to == ZeroAccount {
		return ErrZeroAccount
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		allowance := l.allowanceOf(from, spender)
		if allowance.Lt(amount) {
			return ErrInsufficientAllowance
		}
		if err := l.move(from, to, amount); err != nil {
			return err
		}
		l.allowances[from][spender] = new(uint256.Int).Sub(allowance, amount)
		return nil
	}
	return l.move(from, to, amount)
}

func (l *Ledger) Mint(caller, to Account, amount *uint256.Int) error {
	if caller != l.minter || l.minter == ZeroAccount {
		return ErrNotMinter
	}
	if to == ZeroAccount {
		return ErrZeroAccount
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

func (l *Ledger) Burn(caller, from Account, amount *uint256.Int) error {
	if caller != l.minter || l.minter == ZeroAccount {
		return ErrNotMinter
	}
	if from == ZeroAccount {
		return ErrZeroAccount
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balanceRef(from)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	l.supply.Sub(l.supply, amount)
	return nil
}

// allowanceOf returns the stored allowance. Caller holds the lock.
func (l *Ledger) allowanceOf(owner, spender Account) *uint256.Int {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) move(from, to Account, amount *uint256.Int) error {
	balance := l.balanceRef(from)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(account Account, amount *uint256.Int) {
	l.balanceRef(account).Add(l.balanceRef(account), amount)
}

func (l *Ledger) balanceRef(account Account) *uint256.Int {
	b, ok := l.balances[account]
	if !ok {
		b = new(uint256.Int)
		l.balances[account] = b
	}
	return b
}
