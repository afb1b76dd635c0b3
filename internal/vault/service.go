package vault

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"StableVault/internal/observability"
	"StableVault/internal/oracle"
	"StableVault/internal/token"
)

// Clock supplies the logical timestamp stamped onto position operations.
// The daemon injects wall-clock seconds; tests inject a counter.
type Clock func() int64

// ErrServiceStopped is returned for calls made after the run loop exits.
var ErrServiceStopped = errors.New("vault service stopped")

// Service serializes all engine access through a single goroutine. Every
// operation and query, whatever transport it arrived on, is a closure sent
// to the run loop; the engine itself never sees two calls at once.
type Service struct {
	engine   *Engine
	clock    Clock
	requests chan func()
	stopped  chan struct{}
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewService(engine *Engine, clock Clock, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Service{
		engine:   engine,
		clock:    clock,
		requests: make(chan func(), queueSize),
		stopped:  make(chan struct{}),
		metrics:  metrics,
		logger:   logger.With().Str("component", "vault-service").Logger(),
	}
}

// Run drains the request queue until ctx is cancelled. It must be running
// before any Service method is called.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.logger.Info().Msg("vault service loop started")
	for {
		select {
		case <-ctx.Done():
			// Drain what was already queued so accepted requests are not
			// silently lost.
			for {
				select {
				case fn := <-s.requests:
					fn()
				default:
					s.logger.Info().Msg("vault service loop stopped")
					return ctx.Err()
				}
			}
		case fn := <-s.requests:
			fn()
		}
	}
}

// do runs fn on the service goroutine and waits for completion.
func (s *Service) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.requests <- wrapped:
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================
// Oracle surface
// ============================================================

// UpdatePrice admits a price observation. timestamp is the feed's event
// time; zero means stamp with the service clock.
func (s *Service) UpdatePrice(ctx context.Context, caller token.Account, timestamp int64, price *uint256.Int) error {
	var opErr error
	err := s.do(ctx, func() {
		now := timestamp
		if now == 0 {
			now = s.clock()
		}
		opErr = s.engine.UpdatePrice(caller, now, price)
		if opErr != nil {
			s.logger.Warn().Err(opErr).Int64("timestamp", now).Msg("price update rejected")
		} else if s.metrics != nil {
			s.metrics.ObservationCount.Set(float64(s.engine.ObservationCount()))
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Service) TWAP(ctx context.Context) (*uint256.Int, error) {
	var (
		twap  *uint256.Int
		opErr error
	)
	err := s.do(ctx, func() {
		start := time.Now()
		twap, opErr = s.engine.TWAP(s.clock())
		if s.metrics != nil {
			s.metrics.TWAPDuration.Observe(time.Since(start).Seconds())
			s.metrics.TWAPQueries.WithLabelValues(twapStatus(opErr)).Inc()
			if errors.Is(opErr, oracle.ErrStalePrice) {
				s.metrics.StalePriceRejections.Inc()
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return twap, opErr
}

func twapStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale"
	case errors.Is(err, oracle.ErrNoObservations):
		return "no_data"
	default:
		return "error"
	}
}

func (s *Service) LatestPrice(ctx context.Context) (*uint256.Int, error) {
	var (
		price *uint256.Int
		opErr error
	)
	err := s.do(ctx, func() {
		price, opErr = s.engine.LatestPrice()
	})
	if err != nil {
		return nil, err
	}
	return price, opErr
}

func (s *Service) Observations(ctx context.Context) ([]oracle.Observation, error) {
	var obs []oracle.Observation
	if err := s.do(ctx, func() { obs = s.engine.Observations() }); err != nil {
		return nil, err
	}
	return obs, nil
}

// ============================================================
// Position operations
// ============================================================

func (s *Service) Deposit(ctx context.Context, account token.Account, amount *uint256.Int) error {
	return s.op(ctx, "deposit", account, func(now int64) error {
		return s.engine.Deposit(account, now, amount)
	})
}

func (s *Service) Withdraw(ctx context.Context, account token.Account, amount *uint256.Int) error {
	return s.op(ctx, "withdraw", account, func(now int64) error {
		return s.engine.Withdraw(account, now, amount)
	})
}

func (s *Service) Mint(ctx context.Context, account token.Account, amount *uint256.Int) error {
	return s.op(ctx, "mint", account, func(now int64) error {
		return s.engine.Mint(account, now, amount)
	})
}

func (s *Service) Burn(ctx context.Context, account token.Account, amount *uint256.Int) error {
	return s.op(ctx, "burn", account, func(now int64) error {
		return s.engine.Burn(account, now, amount)
	})
}

func (s *Service) DepositAndMint(ctx context.Context, account token.Account, depositAmount, mintAmount *uint256.Int) error {
	return s.op(ctx, "deposit_and_mint", account, func(now int64) error {
		return s.engine.DepositAndMint(account, now, depositAmount, mintAmount)
	})
}

func (s *Service) BurnAndWithdraw(ctx context.Context, account token.Account, burnAmount, withdrawAmount *uint256.Int) error {
	return s.op(ctx, "burn_and_withdraw", account, func(now int64) error {
		return s.engine.BurnAndWithdraw(account, now, burnAmount, withdrawAmount)
	})
}

func (s *Service) Liquidate(ctx context.Context, liquidator, account token.Account, repayAmount *uint256.Int) error {
	return s.op(ctx, "liquidate", account, func(now int64) error {
		err := s.engine.Liquidate(liquidator, account, now, repayAmount)
		if s.metrics != nil {
			switch {
			case err == nil:
				outcome := "partial"
				if pos, ok := s.engine.Position(account); !ok || pos.Debt.IsZero() {
					outcome = "full"
				}
				s.metrics.LiquidationsExecuted.WithLabelValues(outcome).Inc()
			case errors.Is(err, ErrCollateralShortfall):
				s.metrics.LiquidationShortfall.Inc()
			}
		}
		return err
	})
}

func (s *Service) op(ctx context.Context, name string, account token.Account, fn func(now int64) error) error {
	var opErr error
	err := s.do(ctx, func() {
		start := time.Now()
		now := s.clock()
		opErr = fn(now)
		if s.metrics != nil {
			s.metrics.OperationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if opErr == nil {
				s.metrics.OperationsApplied.WithLabelValues(name).Inc()
			} else {
				s.metrics.OperationsRejected.WithLabelValues(name, rejectReason(opErr)).Inc()
			}
		}
		ev := s.logger.Debug()
		if opErr != nil {
			ev = s.logger.Warn().Err(opErr)
		}
		ev.Str("op", name).Str("account", string(account)).Int64("timestamp", now).Msg("operation processed")
	})
	if err != nil {
		return err
	}
	return opErr
}

// rejectReason maps an operation error onto a bounded metric label set.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrZeroAddress):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientCollateral), errors.Is(err, ErrInsufficientDebt):
		return "insufficient_funds"
	case errors.Is(err, ErrHealthFactorTooLow):
		return "health_factor"
	case errors.Is(err, ErrPositionNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrInsufficientRepayment):
		return "over_repay"
	case errors.Is(err, ErrCollateralShortfall):
		return "collateral_shortfall"
	case errors.Is(err, oracle.ErrNoObservations),
		errors.Is(err, oracle.ErrInsufficientObservations),
		errors.Is(err, oracle.ErrStalePrice):
		return "oracle"
	default:
		return "other"
	}
}

// ============================================================
// Queries
// ============================================================

func (s *Service) Position(ctx context.Context, account token.Account) (Position, bool, error) {
	var (
		pos Position
		ok  bool
	)
	err := s.do(ctx, func() { pos, ok = s.engine.Position(account) })
	return pos, ok, err
}

func (s *Service) HealthFactor(ctx context.Context, account token.Account) (*uint256.Int, error) {
	var (
		hf    *uint256.Int
		opErr error
	)
	err := s.do(ctx, func() { hf, opErr = s.engine.HealthFactor(account, s.clock()) })
	if err != nil {
		return nil, err
	}
	return hf, opErr
}

func (s *Service) IsLiquidatable(ctx context.Context, account token.Account) (bool, error) {
	var (
		liq   bool
		opErr error
	)
	err := s.do(ctx, func() { liq, opErr = s.engine.IsLiquidatable(account, s.clock()) })
	if err != nil {
		return false, err
	}
	return liq, opErr
}

func (s *Service) Accounts(ctx context.Context) ([]token.Account, error) {
	var accounts []token.Account
	err := s.do(ctx, func() { accounts = s.engine.Accounts() })
	return accounts, err
}

// Liquidatable scans the registry and returns every account currently open
// to liquidation. Oracle errors abort the scan.
func (s *Service) Liquidatable(ctx context.Context) ([]token.Account, error) {
	var (
		out   []token.Account
		opErr error
	)
	err := s.do(ctx, func() {
		now := s.clock()
		for _, acct := range s.engine.Accounts() {
			liq, lerr := s.engine.IsLiquidatable(acct, now)
			if lerr != nil {
				opErr = lerr
				return
			}
			if liq {
				out = append(out, acct)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Status is a point-in-time view of engine totals for the system endpoint.
type Status struct {
	Observations    int
	Sequence        int64
	Accounts        int
	TotalCollateral *uint256.Int
	TotalDebt       *uint256.Int
	Params          RiskParams
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st = Status{
			Observations:    s.engine.ObservationCount(),
			Sequence:        s.engine.Sequence(),
			Accounts:        len(s.engine.Accounts()),
			TotalCollateral: s.engine.ledger.TotalCollateral(),
			TotalDebt:       s.engine.ledger.TotalDebt(),
			Params:          s.engine.Params(),
		}
	})
	return st, err
}

func (s *Service) SetRiskParams(ctx context.Context, caller token.Account, params RiskParams) error {
	var opErr error
	err := s.do(ctx, func() {
		opErr = s.engine.SetRiskParams(caller, params)
		if opErr == nil {
			s.logger.Info().
				Uint64("base_collateral_ratio", params.BaseCollateralRatio).
				Uint64("liquidation_threshold", params.LiquidationThreshold).
				Uint64("liquidation_bonus", params.LiquidationBonus).
				Msg("risk parameters updated")
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Service) CheckInvariants(ctx context.Context) error {
	var opErr error
	err := s.do(ctx, func() { opErr = s.engine.CheckInvariants(s.clock()) })
	if err != nil {
		return err
	}
	return opErr
}
