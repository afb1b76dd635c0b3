package vault

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StableVault/internal/event"
	"StableVault/internal/fixedpoint"
	"StableVault/internal/oracle"
	"StableVault/internal/token"
)

// Engine is the single-threaded core: oracle state, the position ledger, and
// the collateral/debt operations over them. It is not safe for concurrent
// use; the service loop serializes every call. The engine never reads the
// wall clock: every operation takes the caller's logical timestamp.
//
// State-mutation ordering within an operation: validate, mutate internal
// state, then perform the external token interaction last. A failed token
// call restores the pre-operation position byte for byte, so observable
// engine state never disagrees with token balances. Events are emitted only
// after the token call succeeds, so every emitted event describes settled
// state; a rolled-back operation leaves no trace in the event stream.
type Engine struct {
	self    token.Account // custody and mint authority identity
	owner   token.Account
	updater token.Account

	collateral token.Collateral
	stable     token.Stable

	params RiskParams

	observations *oracle.Log
	guard        *oracle.UpdateGuard
	twap         *oracle.TWAPCalculator

	ledger  *Ledger
	emitter event.Emitter
	seq     int64
}

// EngineConfig wires the engine's collaborators and risk parameters.
type EngineConfig struct {
	// Self is the engine's own token identity: collateral custody account
	// and authorized stable minter.
	Self token.Account
	// Owner may tune risk parameters at runtime.
	Owner token.Account
	// PriceUpdater is the sole identity allowed to push price observations.
	PriceUpdater token.Account

	Collateral token.Collateral
	Stable     token.Stable

	Params  RiskParams
	Emitter event.Emitter

	// Sequence seeds the event counter when resuming from a persisted log.
	Sequence int64
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Self == token.ZeroAccount || cfg.Owner == token.ZeroAccount || cfg.PriceUpdater == token.ZeroAccount {
		return nil, ErrZeroAddress
	}
	if cfg.Collateral == nil || cfg.Stable == nil {
		return nil, ErrSameToken
	}
	if any(cfg.Collateral) == any(cfg.Stable) {
		return nil, ErrSameToken
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = event.NopEmitter{}
	}

	log := oracle.NewLog()
	e := &Engine{
		self:         cfg.Self,
		owner:        cfg.Owner,
		updater:      cfg.PriceUpdater,
		collateral:   cfg.Collateral,
		stable:       cfg.Stable,
		params:       cfg.Params,
		observations: log,
		guard: oracle.NewUpdateGuard(log, oracle.GuardConfig{
			MinUpdateDelay:        cfg.Params.MinUpdateDelay,
			MaxPriceChangePercent: cfg.Params.MaxPriceChangePercent,
		}),
		twap:    oracle.NewTWAPCalculator(log, cfg.Params.MaxPriceAge),
		ledger:  NewLedger(),
		emitter: emitter,
		seq:     cfg.Sequence,
	}
	return e, nil
}

// ============================================================
// Oracle surface
// ============================================================

// UpdatePrice admits a new price observation. Only the configured updater
// (or the owner) may call it.
func (e *Engine) UpdatePrice(caller token.Account, now int64, price *uint256.Int) error {
	if caller != e.updater && caller != e.owner {
		return ErrUnauthorized
	}
	if err := e.guard.Admit(now, price); err != nil {
		return err
	}

	e.emit(event.TypePriceUpdated, token.ZeroAccount, now, event.PriceUpdated{
		Price:        price.Dec(),
		Observations: e.observations.Len(),
	})
	if twap, err := e.twap.TWAP(now); err == nil {
		e.emit(event.TypeTWAPRecomputed, token.ZeroAccount, now, event.TWAPRecomputed{
			TWAP: twap.Dec(),
		})
	}
	return nil
}

// TWAP returns the time-weighted average price as of now.
func (e *Engine) TWAP(now int64) (*uint256.Int, error) {
	return e.twap.TWAP(now)
}

// LatestPrice returns the most recent raw observation price.
func (e *Engine) LatestPrice() (*uint256.Int, error) {
	return e.twap.LatestPrice()
}

// ObservationCount reports the observation log length.
func (e *Engine) ObservationCount() int {
	return e.observations.Len()
}

// Observations returns a deep copy of the stored log.
func (e *Engine) Observations() []oracle.Observation {
	return e.observations.Snapshot()
}

// RestoreObservations reloads a persisted observation log. Startup only.
func (e *Engine) RestoreObservations(obs []oracle.Observation) error {
	return e.observations.Restore(obs)
}

// ============================================================
// Position operations
// ============================================================

// Deposit adds collateral to the account's position. Pulls tokens from the
// account into engine custody; never consults the oracle, so deposits keep
// working through stale or empty price data.
func (e *Engine) Deposit(account token.Account, now int64, amount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	pos, created := e.ledger.getOrCreate(account)
	prev := pos.clone()

	pos.Collateral.Add(pos.Collateral, amount)
	pos.LastInteraction = now
	if err := e.reprice(pos); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}

	if err := e.collateral.TransferFrom(e.self, account, e.self, amount); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}

	e.emitPosition(event.TypeCollateralDeposited, account, now, amount, pos)
	return nil
}

// Withdraw releases collateral back to the account. With outstanding debt the
// post-withdrawal health factor, priced at the current TWAP against the base
// collateral ratio, must stay at or above the minimum. Debt-free positions
// withdraw freely without touching the oracle.
func (e *Engine) Withdraw(account token.Account, now int64, amount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	pos, ok := e.ledger.positions[account]
	if !ok || amount.Gt(pos.Collateral) {
		return ErrInsufficientCollateral
	}
	prev := pos.clone()

	pos.Collateral.Sub(pos.Collateral, amount)
	pos.LastInteraction = now

	if !pos.Debt.IsZero() {
		if err := e.requireHealthy(pos, now, ErrHealthFactorTooLow); err != nil {
			pos.restoreFrom(prev)
			return err
		}
	}
	if err := e.reprice(pos); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	if err := e.collateral.Transfer(e.self, account, amount); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	e.emitPosition(event.TypeCollateralWithdrawn, account, now, amount, pos)
	return nil
}

// Mint issues stable tokens against the account's collateral. The position
// after minting must satisfy the base collateral ratio at the current TWAP.
func (e *Engine) Mint(account token.Account, now int64, amount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	pos, created := e.ledger.getOrCreate(account)
	prev := pos.clone()

	pos.Debt.Add(pos.Debt, amount)
	pos.LastInteraction = now

	if err := e.requireHealthy(pos, now, ErrInsufficientCollateral); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}
	if err := e.reprice(pos); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}

	if err := e.stable.Mint(e.self, account, amount); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}

	e.emitPosition(event.TypeStableMinted, account, now, amount, pos)
	return nil
}

// Burn repays debt by destroying stable tokens held by the account. Repaying
// never consults the oracle: reducing debt is always risk-reducing.
func (e *Engine) Burn(account token.Account, now int64, amount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	pos, ok := e.ledger.positions[account]
	if !ok || amount.Gt(pos.Debt) {
		return ErrInsufficientDebt
	}
	prev := pos.clone()

	pos.Debt.Sub(pos.Debt, amount)
	pos.LastInteraction = now
	if err := e.reprice(pos); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	if err := e.stable.Burn(e.self, account, amount); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	e.emitPosition(event.TypeStableBurned, account, now, amount, pos)
	return nil
}

// DepositAndMint performs both legs atomically: either the collateral lands
// and the stable tokens are issued, or nothing changes.
func (e *Engine) DepositAndMint(account token.Account, now int64, depositAmount, mintAmount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if depositAmount == nil || depositAmount.IsZero() || mintAmount == nil || mintAmount.IsZero() {
		return ErrZeroAmount
	}

	pos, created := e.ledger.getOrCreate(account)
	prev := pos.clone()

	pos.Collateral.Add(pos.Collateral, depositAmount)
	pos.Debt.Add(pos.Debt, mintAmount)
	pos.LastInteraction = now

	if err := e.requireHealthy(pos, now, ErrInsufficientCollateral); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}
	if err := e.reprice(pos); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}

	if err := e.collateral.TransferFrom(e.self, account, e.self, depositAmount); err != nil {
		e.rollback(account, pos, prev, created)
		return err
	}
	if err := e.stable.Mint(e.self, account, mintAmount); err != nil {
		// Unwind the first leg before restoring state. The custody account
		// always holds what was just pulled, so this transfer cannot fail.
		_ = e.collateral.Transfer(e.self, account, depositAmount)
		e.rollback(account, pos, prev, created)
		return err
	}

	e.emitPosition(event.TypeCollateralDeposited, account, now, depositAmount, pos)
	e.emitPosition(event.TypeStableMinted, account, now, mintAmount, pos)
	return nil
}

// BurnAndWithdraw repays debt and releases collateral atomically.
func (e *Engine) BurnAndWithdraw(account token.Account, now int64, burnAmount, withdrawAmount *uint256.Int) error {
	if account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if burnAmount == nil || burnAmount.IsZero() || withdrawAmount == nil || withdrawAmount.IsZero() {
		return ErrZeroAmount
	}

	pos, ok := e.ledger.positions[account]
	if !ok || burnAmount.Gt(pos.Debt) {
		return ErrInsufficientDebt
	}
	if withdrawAmount.Gt(pos.Collateral) {
		return ErrInsufficientCollateral
	}
	prev := pos.clone()

	pos.Debt.Sub(pos.Debt, burnAmount)
	pos.Collateral.Sub(pos.Collateral, withdrawAmount)
	pos.LastInteraction = now

	if !pos.Debt.IsZero() {
		if err := e.requireHealthy(pos, now, ErrHealthFactorTooLow); err != nil {
			pos.restoreFrom(prev)
			return err
		}
	}
	if err := e.reprice(pos); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	if err := e.stable.Burn(e.self, account, burnAmount); err != nil {
		pos.restoreFrom(prev)
		return err
	}
	if err := e.collateral.Transfer(e.self, account, withdrawAmount); err != nil {
		_ = e.stable.Mint(e.self, account, burnAmount)
		pos.restoreFrom(prev)
		return err
	}

	e.emitPosition(event.TypeStableBurned, account, now, burnAmount, pos)
	e.emitPosition(event.TypeCollateralWithdrawn, account, now, withdrawAmount, pos)
	return nil
}

// ============================================================
// Liquidation
// ============================================================

// Liquidate lets any caller repay part or all of an unhealthy position's
// debt in exchange for collateral worth the repayment plus a bonus, both
// priced at the current TWAP.
//
// Repaying the entire debt seizes the position's entire remaining collateral:
// whatever the value math says, custody never retains collateral for a
// closed position.
func (e *Engine) Liquidate(liquidator, account token.Account, now int64, repayAmount *uint256.Int) error {
	if liquidator == token.ZeroAccount || account == token.ZeroAccount {
		return ErrZeroAddress
	}
	if repayAmount == nil || repayAmount.IsZero() {
		return ErrZeroAmount
	}

	pos, ok := e.ledger.positions[account]
	if !ok || pos.Debt.IsZero() {
		return ErrPositionNotLiquidatable
	}
	if repayAmount.Gt(pos.Debt) {
		return ErrInsufficientRepayment
	}

	price, err := e.twap.TWAP(now)
	if err != nil {
		return err
	}
	hf, ok2 := fixedpoint.HealthFactor(pos.Collateral, pos.Debt, price, e.params.LiquidationThreshold)
	if !ok2 {
		return ErrArithmeticOverflow
	}
	// A position sitting exactly at the minimum is still healthy.
	if !hf.Lt(e.params.MinHealthFactor) {
		return ErrPositionNotLiquidatable
	}

	// Collateral owed for the repayment, before bonus.
	seized, ok2 := fixedpoint.MulDiv(repayAmount, fixedpoint.PriceScale, price)
	if !ok2 {
		return ErrArithmeticOverflow
	}
	bonus, ok2 := fixedpoint.Percent(seized, e.params.LiquidationBonus)
	if !ok2 {
		return ErrArithmeticOverflow
	}

	prev := pos.clone()
	pos.Debt.Sub(pos.Debt, repayAmount)
	pos.LastInteraction = now

	fullClose := pos.Debt.IsZero()
	payout := new(uint256.Int).Add(seized, bonus)
	if fullClose {
		payout.Set(prev.Collateral)
		pos.Collateral.Clear()
	} else {
		if payout.Gt(pos.Collateral) {
			pos.restoreFrom(prev)
			return ErrCollateralShortfall
		}
		pos.Collateral.Sub(pos.Collateral, payout)
	}
	if err := e.reprice(pos); err != nil {
		pos.restoreFrom(prev)
		return err
	}

	if err := e.stable.Burn(e.self, liquidator, repayAmount); err != nil {
		pos.restoreFrom(prev)
		return err
	}
	if !payout.IsZero() {
		if err := e.collateral.Transfer(e.self, liquidator, payout); err != nil {
			_ = e.stable.Mint(e.self, liquidator, repayAmount)
			pos.restoreFrom(prev)
			return err
		}
	}

	e.emit(event.TypePositionLiquidated, account, now, event.PositionLiquidated{
		Liquidator:          string(liquidator),
		Repaid:              repayAmount.Dec(),
		CollateralSeized:    payout.Dec(),
		Bonus:               bonus.Dec(),
		RemainingCollateral: pos.Collateral.Dec(),
		RemainingDebt:       pos.Debt.Dec(),
		LiquidationPrice:    pos.LiquidationPrice.Dec(),
		FullClose:           fullClose,
	})
	return nil
}

// IsLiquidatable reports whether the account's position can currently be
// liquidated: outstanding debt and a health factor strictly below the
// minimum at the liquidation threshold.
func (e *Engine) IsLiquidatable(account token.Account, now int64) (bool, error) {
	pos, ok := e.ledger.positions[account]
	if !ok || pos.Debt.IsZero() {
		return false, nil
	}
	price, err := e.twap.TWAP(now)
	if err != nil {
		return false, err
	}
	hf, ok2 := fixedpoint.HealthFactor(pos.Collateral, pos.Debt, price, e.params.LiquidationThreshold)
	if !ok2 {
		return false, ErrArithmeticOverflow
	}
	return hf.Lt(e.params.MinHealthFactor), nil
}

// ============================================================
// Queries
// ============================================================

// Position returns a copy of the account's position.
func (e *Engine) Position(account token.Account) (Position, bool) {
	return e.ledger.Get(account)
}

// HealthFactor computes the account's current health factor against the
// liquidation threshold at the TWAP as of now.
func (e *Engine) HealthFactor(account token.Account, now int64) (*uint256.Int, error) {
	pos, ok := e.ledger.positions[account]
	if !ok || pos.Debt.IsZero() {
		return new(uint256.Int).Set(fixedpoint.MaxHealth), nil
	}
	price, err := e.twap.TWAP(now)
	if err != nil {
		return nil, err
	}
	hf, ok2 := fixedpoint.HealthFactor(pos.Collateral, pos.Debt, price, e.params.LiquidationThreshold)
	if !ok2 {
		return nil, ErrArithmeticOverflow
	}
	return hf, nil
}

// Accounts returns every account that has ever interacted, oldest first.
func (e *Engine) Accounts() []token.Account {
	return e.ledger.Accounts()
}

// Params returns the active risk parameters.
func (e *Engine) Params() RiskParams {
	p := e.params
	p.MinHealthFactor = new(uint256.Int).Set(e.params.MinHealthFactor)
	return p
}

// Sequence returns the last emitted event sequence number.
func (e *Engine) Sequence() int64 {
	return e.seq
}

// SetRiskParams replaces the risk parameters. Owner only. Existing positions
// are not revalidated; the new parameters apply from the next operation.
func (e *Engine) SetRiskParams(caller token.Account, params RiskParams) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if err := params.Validate(); err != nil {
		return err
	}
	e.params = params
	e.guard = oracle.NewUpdateGuard(e.observations, oracle.GuardConfig{
		MinUpdateDelay:        params.MinUpdateDelay,
		MaxPriceChangePercent: params.MaxPriceChangePercent,
	})
	e.twap = oracle.NewTWAPCalculator(e.observations, params.MaxPriceAge)
	return nil
}

// RestorePosition reloads a persisted position. Startup only.
func (e *Engine) RestorePosition(account token.Account, pos Position) {
	e.ledger.Restore(account, pos)
}

// CheckInvariants verifies the system-wide accounting identities: total
// recorded debt equals the stable token supply, and total recorded collateral
// equals custody's collateral balance.
func (e *Engine) CheckInvariants(now int64) error {
	if supply := e.stable.TotalSupply(); !e.ledger.TotalDebt().Eq(supply) {
		return &InvariantError{
			Name: "debt-supply", Ledger: e.ledger.TotalDebt(), External: supply,
		}
	}
	if held := e.collateral.BalanceOf(e.self); !e.ledger.TotalCollateral().Eq(held) {
		return &InvariantError{
			Name: "collateral-custody", Ledger: e.ledger.TotalCollateral(), External: held,
		}
	}
	return nil
}

// ============================================================
// Internals
// ============================================================

// requireHealthy checks the position against the base collateral ratio at
// the current TWAP, returning reject wrapped in a HealthFactorError when the
// minimum is not met.
func (e *Engine) requireHealthy(pos *Position, now int64, reject error) error {
	price, err := e.twap.TWAP(now)
	if err != nil {
		return err
	}
	hf, ok := fixedpoint.HealthFactor(pos.Collateral, pos.Debt, price, e.params.BaseCollateralRatio)
	if !ok {
		return ErrArithmeticOverflow
	}
	if hf.Lt(e.params.MinHealthFactor) {
		if reject == ErrInsufficientCollateral {
			return ErrInsufficientCollateral
		}
		return &HealthFactorError{
			HealthFactor: hf,
			Minimum:      new(uint256.Int).Set(e.params.MinHealthFactor),
		}
	}
	return nil
}

// reprice recomputes the position's liquidation price marker. The marker
// depends only on position state and the threshold, never on the oracle.
func (e *Engine) reprice(pos *Position) error {
	lp, ok := fixedpoint.LiquidationPrice(pos.Collateral, pos.Debt, e.params.LiquidationThreshold)
	if !ok {
		return ErrArithmeticOverflow
	}
	pos.LiquidationPrice.Set(lp)
	return nil
}

func (e *Engine) rollback(account token.Account, pos, prev *Position, created bool) {
	pos.restoreFrom(prev)
	if created {
		e.ledger.forget(account)
	}
}

func (e *Engine) emit(t event.Type, account token.Account, now int64, payload any) {
	e.seq++
	e.emitter.Emit(event.Envelope{
		Sequence:  e.seq,
		EventID:   uuid.New(),
		Type:      t,
		TypeName:  t.String(),
		Account:   string(account),
		Timestamp: now,
		Payload:   payload,
	})
}

func (e *Engine) emitPosition(t event.Type, account token.Account, now int64, amount *uint256.Int, pos *Position) {
	e.emit(t, account, now, event.PositionChanged{
		Amount:           amount.Dec(),
		Collateral:       pos.Collateral.Dec(),
		Debt:             pos.Debt.Dec(),
		LiquidationPrice: pos.LiquidationPrice.Dec(),
	})
}
