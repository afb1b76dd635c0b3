package token

import (
	"errors"

	"github.com/holiman/uint256"
)

// Account identifies a token holder. The engine treats accounts as opaque
// identities supplied by the caller.
type Account string

// ZeroAccount is the invalid empty identity.
const ZeroAccount Account = ""

var (
	ErrZeroAccount           = errors.New("zero account")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
	ErrNotMinter             = errors.New("caller is not the authorized minter")
)

// Collateral is the engine's view of the collateral-token ledger. Any
// transfer failure aborts the calling operation atomically.
type Collateral interface {
	Transfer(from, to Account, amount *uint256.Int) error
	TransferFrom(spender, from, to Account, amount *uint256.Int) error
	BalanceOf(account Account) *uint256.Int
}

// Stable is the engine's view of the pegged synthetic-token ledger. Mint and
// Burn are restricted to the engine identity.
type Stable interface {
	Mint(caller, to Account, amount *uint256.Int) error
	Burn(caller, from Account, amount *uint256.Int) error
	TransferFrom(spender, from, to Account, amount *uint256.Int) error
	BalanceOf(account Account) *uint256.Int
	TotalSupply() *uint256.Int
}
