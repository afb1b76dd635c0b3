package vault_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"StableVault/internal/event"
	"StableVault/internal/fixedpoint"
	"StableVault/internal/oracle"
	"StableVault/internal/token"
	"StableVault/internal/vault"
)

const (
	engineAcct = token.Account("vault-engine")
	ownerAcct  = token.Account("vault-owner")
	updater    = token.Account("price-updater")
	alice      = token.Account("alice")
	bob        = token.Account("bob")
	liquidator = token.Account("liquidator")
)

// amt builds a 1e18-scale amount from whole units.
func amt(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), fixedpoint.HealthScale)
}

// dollars builds a 1e8-scale price.
func dollars(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), fixedpoint.PriceScale)
}

// collector gathers emitted events for assertions.
type collector struct {
	events []event.Envelope
}

func (c *collector) Emit(env event.Envelope) { c.events = append(c.events, env) }

func (c *collector) ofType(t event.Type) []event.Envelope {
	var out []event.Envelope
	for _, env := range c.events {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	engine     *vault.Engine
	collateral *token.Ledger
	stable     *token.Ledger
	events     *collector
}

// newFixture builds an engine with embedded ledgers. The guard's rate and
// change limits are relaxed so tests can shape price history freely; guard
// behavior has its own tests in the oracle package.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	collateral := token.NewLedger("WETH", ownerAcct)
	stable := token.NewLedger("SVUSD", engineAcct)
	events := &collector{}

	params := vault.DefaultRiskParams()
	params.MinUpdateDelay = 0
	params.MaxPriceChangePercent = 100_000

	engine, err := vault.NewEngine(vault.EngineConfig{
		Self:         engineAcct,
		Owner:        ownerAcct,
		PriceUpdater: updater,
		Collateral:   collateral,
		Stable:       stable,
		Params:       params,
		Emitter:      events,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for _, acct := range []token.Account{alice, bob, liquidator} {
		if err := collateral.Mint(ownerAcct, acct, amt(1000)); err != nil {
			t.Fatalf("fund %s: %v", acct, err)
		}
		if err := collateral.Approve(acct, engineAcct, new(uint256.Int).SetAllOne()); err != nil {
			t.Fatalf("approve %s: %v", acct, err)
		}
	}

	return &fixture{engine: engine, collateral: collateral, stable: stable, events: events}
}

func (f *fixture) pushPrice(t *testing.T, now int64, price *uint256.Int) {
	t.Helper()
	if err := f.engine.UpdatePrice(updater, now, price); err != nil {
		t.Fatalf("push price at %d: %v", now, err)
	}
}

// flatPrice seeds two observations so the TWAP at t=10 equals price exactly.
func (f *fixture) flatPrice(t *testing.T, price *uint256.Int) {
	t.Helper()
	f.pushPrice(t, 0, price)
	f.pushPrice(t, 10, price)
}

// ============================================================
// Construction
// ============================================================

func TestNewEngine_RejectsZeroAccounts(t *testing.T) {
	collateral := token.NewLedger("WETH", ownerAcct)
	stable := token.NewLedger("SVUSD", engineAcct)

	_, err := vault.NewEngine(vault.EngineConfig{
		Self:         token.ZeroAccount,
		Owner:        ownerAcct,
		PriceUpdater: updater,
		Collateral:   collateral,
		Stable:       stable,
		Params:       vault.DefaultRiskParams(),
	})
	if !errors.Is(err, vault.ErrZeroAddress) {
		t.Errorf("got %v, want ErrZeroAddress", err)
	}
}

func TestNewEngine_RejectsSameTokenBothRoles(t *testing.T) {
	shared := token.NewLedger("WETH", engineAcct)

	_, err := vault.NewEngine(vault.EngineConfig{
		Self:         engineAcct,
		Owner:        ownerAcct,
		PriceUpdater: updater,
		Collateral:   shared,
		Stable:       shared,
		Params:       vault.DefaultRiskParams(),
	})
	if !errors.Is(err, vault.ErrSameToken) {
		t.Errorf("got %v, want ErrSameToken", err)
	}
}

// ============================================================
// Price updates
// ============================================================

func TestUpdatePrice_RequiresUpdater(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.UpdatePrice(alice, 0, dollars(50)); !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	// The owner may also push prices.
	if err := f.engine.UpdatePrice(ownerAcct, 0, dollars(50)); err != nil {
		t.Errorf("owner push: %v", err)
	}
}

func TestUpdatePrice_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	updates := f.events.ofType(event.TypePriceUpdated)
	if len(updates) != 2 {
		t.Fatalf("PriceUpdated events: got %d, want 2", len(updates))
	}
	// The second admit makes the log deep enough to price, so a TWAP
	// recompute rides along.
	if got := len(f.events.ofType(event.TypeTWAPRecomputed)); got != 1 {
		t.Errorf("TWAPRecomputed events: got %d, want 1", got)
	}

	// Sequence numbers are strictly increasing across all events.
	for i := 1; i < len(f.events.events); i++ {
		if f.events.events[i].Sequence != f.events.events[i-1].Sequence+1 {
			t.Fatalf("sequence gap between %d and %d",
				f.events.events[i-1].Sequence, f.events.events[i].Sequence)
		}
	}
}

// ============================================================
// Deposit / Withdraw
// ============================================================

func TestDeposit_NoOracleNeeded(t *testing.T) {
	f := newFixture(t)

	// No observations at all: deposits still work.
	if err := f.engine.Deposit(alice, 5, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pos, ok := f.engine.Position(alice)
	if !ok {
		t.Fatal("position not registered")
	}
	if !pos.Collateral.Eq(amt(3)) {
		t.Errorf("collateral: got %s, want %s", pos.Collateral.Dec(), amt(3).Dec())
	}
	if pos.LastInteraction != 5 {
		t.Errorf("last interaction: got %d, want 5", pos.LastInteraction)
	}
	if got := f.collateral.BalanceOf(engineAcct); !got.Eq(amt(3)) {
		t.Errorf("custody: got %s, want %s", got.Dec(), amt(3).Dec())
	}
	if got := f.collateral.BalanceOf(alice); !got.Eq(amt(997)) {
		t.Errorf("alice balance: got %s, want %s", got.Dec(), amt(997).Dec())
	}
	if got := len(f.events.ofType(event.TypeCollateralDeposited)); got != 1 {
		t.Errorf("deposit events: got %d, want 1", got)
	}
}

func TestDeposit_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Deposit(alice, 0, new(uint256.Int)); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("zero amount: got %v, want ErrZeroAmount", err)
	}
	if err := f.engine.Deposit(token.ZeroAccount, 0, amt(1)); !errors.Is(err, vault.ErrZeroAddress) {
		t.Errorf("zero account: got %v, want ErrZeroAddress", err)
	}
}

func TestDeposit_RollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t)

	// More than alice holds: the token transfer fails after the position
	// was provisionally updated.
	err := f.engine.Deposit(alice, 0, amt(5000))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	if _, ok := f.engine.Position(alice); ok {
		t.Error("failed first deposit must not register the account")
	}
	if got := len(f.engine.Accounts()); got != 0 {
		t.Errorf("registry: got %d accounts, want 0", got)
	}
	if got := len(f.events.events); got != 0 {
		t.Errorf("no events expected, got %d", got)
	}
}

func TestWithdraw_DebtFreeSkipsOracle(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Deposit(alice, 0, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// No price data exists; a debt-free withdrawal must still succeed.
	if err := f.engine.Withdraw(alice, 1, amt(3)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Collateral.IsZero() {
		t.Errorf("collateral: got %s, want 0", pos.Collateral.Dec())
	}
	if got := f.collateral.BalanceOf(alice); !got.Eq(amt(1000)) {
		t.Errorf("alice balance: got %s, want %s", got.Dec(), amt(1000).Dec())
	}
}

func TestWithdraw_RejectsOverdraw(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Deposit(alice, 0, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Withdraw(alice, 1, amt(4)); !errors.Is(err, vault.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}
	if err := f.engine.Withdraw(bob, 1, amt(1)); !errors.Is(err, vault.ErrInsufficientCollateral) {
		t.Errorf("unknown account: got %v, want ErrInsufficientCollateral", err)
	}
}

func TestWithdraw_EnforcesHealthWithDebt(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.Deposit(alice, 10, amt(6)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, 10, amt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// 6 units at $50 against 100 debt and a 150% base ratio is health 2.0;
	// withdrawing 3 lands exactly on 1.0 and is allowed.
	if err := f.engine.Withdraw(alice, 10, amt(3)); err != nil {
		t.Fatalf("withdraw to boundary: %v", err)
	}

	// Anything further breaks the minimum.
	err := f.engine.Withdraw(alice, 10, amt(1))
	if !errors.Is(err, vault.ErrHealthFactorTooLow) {
		t.Fatalf("got %v, want ErrHealthFactorTooLow", err)
	}
	var hfErr *vault.HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatal("expected *HealthFactorError")
	}

	// The failed withdrawal must not have moved anything.
	pos, _ := f.engine.Position(alice)
	if !pos.Collateral.Eq(amt(3)) {
		t.Errorf("collateral after rejected withdraw: got %s, want %s", pos.Collateral.Dec(), amt(3).Dec())
	}
}

// ============================================================
// Mint / Burn
// ============================================================

func TestMint_IssuesAgainstCollateral(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.Deposit(alice, 10, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 3 units at $50 = $150 of collateral; at a 150% base ratio the most
	// that can back is exactly 100 stable.
	if err := f.engine.Mint(alice, 10, amt(100)); err != nil {
		t.Fatalf("mint at capacity: %v", err)
	}

	if got := f.stable.BalanceOf(alice); !got.Eq(amt(100)) {
		t.Errorf("stable balance: got %s, want %s", got.Dec(), amt(100).Dec())
	}
	if got := f.stable.TotalSupply(); !got.Eq(amt(100)) {
		t.Errorf("supply: got %s, want %s", got.Dec(), amt(100).Dec())
	}

	// Liquidation price marker: 100 debt at the 120% threshold over 3
	// units is exactly $40.
	pos, _ := f.engine.Position(alice)
	if !pos.LiquidationPrice.Eq(dollars(40)) {
		t.Errorf("liquidation price: got %s, want %s", pos.LiquidationPrice.Dec(), dollars(40).Dec())
	}
}

func TestMint_RejectsOverCapacity(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.Deposit(alice, 10, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, 10, amt(101)); !errors.Is(err, vault.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Debt.IsZero() {
		t.Errorf("debt after rejected mint: got %s, want 0", pos.Debt.Dec())
	}
	if !f.stable.TotalSupply().IsZero() {
		t.Error("rejected mint must not issue tokens")
	}
}

func TestMint_RequiresPriceData(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Deposit(alice, 0, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, 0, amt(1)); !errors.Is(err, oracle.ErrNoObservations) {
		t.Errorf("got %v, want ErrNoObservations", err)
	}
}

func TestBurn_RepaysWithoutOracle(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.Deposit(alice, 10, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, 10, amt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Burn works at a much later time with a long-stale oracle: repaying
	// debt never needs a price.
	if err := f.engine.Burn(alice, 1_000_000, amt(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Debt.Eq(amt(60)) {
		t.Errorf("debt: got %s, want %s", pos.Debt.Dec(), amt(60).Dec())
	}
	if got := f.stable.TotalSupply(); !got.Eq(amt(60)) {
		t.Errorf("supply: got %s, want %s", got.Dec(), amt(60).Dec())
	}
}

func TestBurn_RejectsOverRepay(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.Deposit(alice, 10, amt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, 10, amt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.Burn(alice, 10, amt(51)); !errors.Is(err, vault.ErrInsufficientDebt) {
		t.Errorf("got %v, want ErrInsufficientDebt", err)
	}
}

// ============================================================
// Composites
// ============================================================

func TestDepositAndMint_Atomic(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(3), amt(100)); err != nil {
		t.Fatalf("deposit-and-mint: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Collateral.Eq(amt(3)) || !pos.Debt.Eq(amt(100)) {
		t.Errorf("position: got %s/%s, want 3/100 units", pos.Collateral.Dec(), pos.Debt.Dec())
	}
}

func TestDepositAndMint_RejectsUndercollateralized(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	err := f.engine.DepositAndMint(alice, 10, amt(3), amt(101))
	if !errors.Is(err, vault.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}

	// Nothing changed anywhere: no registration, no token movement.
	if _, ok := f.engine.Position(alice); ok {
		t.Error("rejected composite must not register the account")
	}
	if got := f.collateral.BalanceOf(alice); !got.Eq(amt(1000)) {
		t.Errorf("alice collateral: got %s, want untouched", got.Dec())
	}
	if !f.stable.TotalSupply().IsZero() {
		t.Error("stable supply must stay zero")
	}
}

func TestBurnAndWithdraw_Atomic(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(6), amt(100)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Repay half and pull half the collateral: 3 units at $50 against 50
	// debt is health 2.0, comfortably above the minimum.
	if err := f.engine.BurnAndWithdraw(alice, 10, amt(50), amt(3)); err != nil {
		t.Fatalf("burn-and-withdraw: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Collateral.Eq(amt(3)) || !pos.Debt.Eq(amt(50)) {
		t.Errorf("position: got %s/%s, want 3/50 units", pos.Collateral.Dec(), pos.Debt.Dec())
	}

	// Full close: repay the rest, withdraw the rest, no oracle needed for
	// the final health check because debt hits zero.
	if err := f.engine.BurnAndWithdraw(alice, 11, amt(50), amt(3)); err != nil {
		t.Fatalf("full close: %v", err)
	}
	pos, _ = f.engine.Position(alice)
	if !pos.Collateral.IsZero() || !pos.Debt.IsZero() {
		t.Errorf("closed position: got %s/%s, want 0/0", pos.Collateral.Dec(), pos.Debt.Dec())
	}
	if !pos.LiquidationPrice.IsZero() {
		t.Errorf("closed position marker: got %s, want 0", pos.LiquidationPrice.Dec())
	}
}

// ============================================================
// Liquidation
// ============================================================

// crashSetup opens a 3-collateral/100-debt position at $50, then drives the
// TWAP just below the position's $40 liquidation boundary with a long run of
// $39 observations. The liquidator is funded with freshly minted stable.
func crashSetup(t *testing.T, f *fixture) int64 {
	t.Helper()
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(3), amt(100)); err != nil {
		t.Fatalf("open position: %v", err)
	}

	const now = int64(100_020)
	f.pushPrice(t, 20, dollars(39))
	f.pushPrice(t, now, dollars(39))

	if err := f.stable.Mint(engineAcct, liquidator, amt(100)); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	return now
}

func TestLiquidate_Partial(t *testing.T) {
	f := newFixture(t)
	now := crashSetup(t, f)

	liq, err := f.engine.IsLiquidatable(alice, now)
	if err != nil {
		t.Fatalf("IsLiquidatable: %v", err)
	}
	if !liq {
		t.Fatal("position should be liquidatable after the crash")
	}

	twap, err := f.engine.TWAP(now)
	if err != nil {
		t.Fatalf("TWAP: %v", err)
	}
	repay := amt(50)
	seized, ok := fixedpoint.MulDiv(repay, fixedpoint.PriceScale, twap)
	if !ok {
		t.Fatal("seized overflow")
	}
	bonus, ok := fixedpoint.Percent(seized, 10)
	if !ok {
		t.Fatal("bonus overflow")
	}
	payout := new(uint256.Int).Add(seized, bonus)

	custodyBefore := f.collateral.BalanceOf(engineAcct)

	if err := f.engine.Liquidate(liquidator, alice, now, repay); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Debt.Eq(amt(50)) {
		t.Errorf("debt: got %s, want %s", pos.Debt.Dec(), amt(50).Dec())
	}
	wantCollateral := new(uint256.Int).Sub(amt(3), payout)
	if !pos.Collateral.Eq(wantCollateral) {
		t.Errorf("collateral: got %s, want %s", pos.Collateral.Dec(), wantCollateral.Dec())
	}

	// The liquidator's stable was burned and the collateral moved out of
	// custody into their account.
	if got := f.stable.BalanceOf(liquidator); !got.Eq(amt(50)) {
		t.Errorf("liquidator stable: got %s, want %s", got.Dec(), amt(50).Dec())
	}
	wantCustody := new(uint256.Int).Sub(custodyBefore, payout)
	if got := f.collateral.BalanceOf(engineAcct); !got.Eq(wantCustody) {
		t.Errorf("custody: got %s, want %s", got.Dec(), wantCustody.Dec())
	}

	if err := f.engine.CheckInvariants(now); err != nil {
		t.Errorf("invariants after partial liquidation: %v", err)
	}

	events := f.events.ofType(event.TypePositionLiquidated)
	if len(events) != 1 {
		t.Fatalf("liquidation events: got %d, want 1", len(events))
	}
	payload := events[0].Payload.(event.PositionLiquidated)
	if payload.FullClose {
		t.Error("partial liquidation flagged as full close")
	}
	if payload.Repaid != repay.Dec() {
		t.Errorf("event repaid: got %s, want %s", payload.Repaid, repay.Dec())
	}
}

func TestLiquidate_FullCloseSeizesAllCollateral(t *testing.T) {
	f := newFixture(t)
	now := crashSetup(t, f)

	if err := f.engine.Liquidate(liquidator, alice, now, amt(100)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Debt.IsZero() || !pos.Collateral.IsZero() {
		t.Errorf("closed position: got %s/%s, want 0/0", pos.Collateral.Dec(), pos.Debt.Dec())
	}

	// Custody keeps nothing for a closed position: the liquidator receives
	// the entire remaining collateral.
	if got := f.collateral.BalanceOf(engineAcct); !got.IsZero() {
		t.Errorf("custody: got %s, want 0", got.Dec())
	}
	if got := f.stable.TotalSupply(); !got.IsZero() {
		t.Errorf("supply: got %s, want 0", got.Dec())
	}
	if err := f.engine.CheckInvariants(now); err != nil {
		t.Errorf("invariants after full close: %v", err)
	}
}

// A crash deep enough that the debt's value exceeds the collateral: partial
// liquidations cannot be paid out, but repaying the whole debt still closes
// the position and hands over everything custody holds.
func TestLiquidate_UnderwaterFullCloseSeizesEverything(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(3), amt(100)); err != nil {
		t.Fatalf("open position: %v", err)
	}

	const now = int64(100_020)
	f.pushPrice(t, 20, dollars(30))
	f.pushPrice(t, now, dollars(30))
	if err := f.stable.Mint(engineAcct, liquidator, amt(100)); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}

	twap, err := f.engine.TWAP(now)
	if err != nil {
		t.Fatalf("TWAP: %v", err)
	}
	owed, ok := fixedpoint.MulDiv(amt(100), fixedpoint.PriceScale, twap)
	if !ok || !owed.Gt(amt(3)) {
		t.Fatalf("setup: repayment worth %s collateral, need more than %s", owed.Dec(), amt(3).Dec())
	}

	if err := f.engine.Liquidate(liquidator, alice, now, amt(99)); !errors.Is(err, vault.ErrCollateralShortfall) {
		t.Errorf("partial repay: got %v, want ErrCollateralShortfall", err)
	}
	// The rejected attempt must leave the position untouched.
	pos, _ := f.engine.Position(alice)
	if !pos.Collateral.Eq(amt(3)) || !pos.Debt.Eq(amt(100)) {
		t.Fatalf("after rejection: got %s/%s, want 3/100 units", pos.Collateral.Dec(), pos.Debt.Dec())
	}

	before := f.collateral.BalanceOf(liquidator).Clone()
	if err := f.engine.Liquidate(liquidator, alice, now, amt(100)); err != nil {
		t.Fatalf("full close: %v", err)
	}

	gained := new(uint256.Int).Sub(f.collateral.BalanceOf(liquidator), before)
	if !gained.Eq(amt(3)) {
		t.Errorf("liquidator gain: got %s, want entire 3 units", gained.Dec())
	}
	pos, _ = f.engine.Position(alice)
	if !pos.Collateral.IsZero() || !pos.Debt.IsZero() {
		t.Errorf("closed position: got %s/%s, want 0/0", pos.Collateral.Dec(), pos.Debt.Dec())
	}
	if got := f.collateral.BalanceOf(engineAcct); !got.IsZero() {
		t.Errorf("custody: got %s, want 0", got.Dec())
	}

	liqEvents := f.events.ofType(event.TypePositionLiquidated)
	if len(liqEvents) != 1 {
		t.Fatalf("liquidation events: got %d, want 1", len(liqEvents))
	}
	payload := liqEvents[0].Payload.(event.PositionLiquidated)
	if !payload.FullClose {
		t.Error("event should record a full close")
	}
	if payload.CollateralSeized != amt(3).Dec() {
		t.Errorf("seized: got %s, want %s", payload.CollateralSeized, amt(3).Dec())
	}
	if err := f.engine.CheckInvariants(now); err != nil {
		t.Errorf("invariants after full close: %v", err)
	}
}

func TestLiquidate_RejectsHealthyPosition(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(3), amt(100)); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if err := f.stable.Mint(engineAcct, liquidator, amt(100)); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}

	err := f.engine.Liquidate(liquidator, alice, 10, amt(50))
	if !errors.Is(err, vault.ErrPositionNotLiquidatable) {
		t.Errorf("got %v, want ErrPositionNotLiquidatable", err)
	}
}

// A health factor of exactly 1.0 at the liquidation threshold is healthy.
func TestLiquidate_BoundaryIsNotLiquidatable(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(40))

	f.engine.RestorePosition(alice, vault.Position{
		Collateral:       amt(3),
		Debt:             amt(100),
		LiquidationPrice: dollars(40),
	})

	liq, err := f.engine.IsLiquidatable(alice, 10)
	if err != nil {
		t.Fatalf("IsLiquidatable: %v", err)
	}
	if liq {
		t.Error("boundary position must not be liquidatable")
	}
	if err := f.engine.Liquidate(liquidator, alice, 10, amt(1)); !errors.Is(err, vault.ErrPositionNotLiquidatable) {
		t.Errorf("got %v, want ErrPositionNotLiquidatable", err)
	}
}

func TestLiquidate_RejectsOverRepay(t *testing.T) {
	f := newFixture(t)
	now := crashSetup(t, f)

	if err := f.engine.Liquidate(liquidator, alice, now, amt(101)); !errors.Is(err, vault.ErrInsufficientRepayment) {
		t.Errorf("got %v, want ErrInsufficientRepayment", err)
	}
}

func TestLiquidate_RollsBackWhenBurnFails(t *testing.T) {
	f := newFixture(t)
	now := crashSetup(t, f)

	// A liquidator with no stable tokens: the burn fails after state was
	// provisionally mutated, so everything must restore.
	broke := token.Account("broke")
	err := f.engine.Liquidate(broke, alice, now, amt(50))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	pos, _ := f.engine.Position(alice)
	if !pos.Debt.Eq(amt(100)) || !pos.Collateral.Eq(amt(3)) {
		t.Errorf("position after failed liquidation: got %s/%s, want 3/100", pos.Collateral.Dec(), pos.Debt.Dec())
	}
	if err := f.engine.CheckInvariants(now); err != nil {
		t.Errorf("invariants after rollback: %v", err)
	}
}

// ============================================================
// Queries and registry
// ============================================================

func TestAccounts_InsertionOrder(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.Deposit(bob, 0, amt(1)); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}
	if err := f.engine.Deposit(alice, 1, amt(1)); err != nil {
		t.Fatalf("deposit alice: %v", err)
	}
	// Re-interaction must not re-register.
	if err := f.engine.Deposit(bob, 2, amt(1)); err != nil {
		t.Fatalf("deposit bob again: %v", err)
	}

	got := f.engine.Accounts()
	if len(got) != 2 || got[0] != bob || got[1] != alice {
		t.Errorf("registry: got %v, want [bob alice]", got)
	}
}

func TestHealthFactor_UnknownAccountIsMax(t *testing.T) {
	f := newFixture(t)
	hf, err := f.engine.HealthFactor(token.Account("stranger"), 0)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if !hf.Eq(fixedpoint.MaxHealth) {
		t.Errorf("got %s, want MaxHealth", hf.Dec())
	}
}

func TestCheckInvariants_DetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.flatPrice(t, dollars(50))

	if err := f.engine.DepositAndMint(alice, 10, amt(3), amt(100)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := f.engine.CheckInvariants(10); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// Stable minted outside the engine breaks the debt-supply identity.
	if err := f.stable.Mint(engineAcct, bob, amt(1)); err != nil {
		t.Fatalf("out-of-band mint: %v", err)
	}
	err := f.engine.CheckInvariants(10)
	if !errors.Is(err, vault.ErrInvariantViolated) {
		t.Errorf("got %v, want ErrInvariantViolated", err)
	}
}

// ============================================================
// Risk parameters
// ============================================================

func TestSetRiskParams_OwnerOnly(t *testing.T) {
	f := newFixture(t)

	params := vault.DefaultRiskParams()
	params.LiquidationBonus = 5

	if err := f.engine.SetRiskParams(alice, params); !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if err := f.engine.SetRiskParams(ownerAcct, params); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if got := f.engine.Params().LiquidationBonus; got != 5 {
		t.Errorf("bonus: got %d, want 5", got)
	}
}

func TestRiskParams_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*vault.RiskParams)
	}{
		{"threshold below 100", func(p *vault.RiskParams) { p.LiquidationThreshold = 99 }},
		{"base below threshold", func(p *vault.RiskParams) { p.BaseCollateralRatio = 110 }},
		{"bonus at 100", func(p *vault.RiskParams) { p.LiquidationBonus = 100 }},
		{"zero max age", func(p *vault.RiskParams) { p.MaxPriceAge = 0 }},
		{"zero change bound", func(p *vault.RiskParams) { p.MaxPriceChangePercent = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := vault.DefaultRiskParams()
			tc.mutate(&params)
			if err := params.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := vault.DefaultRiskParams().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}
