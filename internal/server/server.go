package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"StableVault/internal/observability"
	"StableVault/internal/oracle"
	"StableVault/internal/token"
	"StableVault/internal/vault"
)

// Server exposes the vault over HTTP/JSON. Every handler funnels into the
// vault service, which serializes access to the engine; the HTTP layer does
// parsing, error mapping and metrics only.
type Server struct {
	addr    string
	svc     *vault.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	tokens  map[string]*token.Ledger
}

func New(addr string, svc *vault.Service, health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		svc:     svc,
		health:  health,
		metrics: metrics,
		logger:  logger.With().Str("component", "http-server").Logger(),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/price", func(r chi.Router) {
			r.Get("/twap", s.handleTWAP)
			r.Get("/latest", s.handleLatestPrice)
			r.Get("/observations", s.handleObservations)
			r.Post("/", s.handleUpdatePrice)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Get("/liquidatable", s.handleLiquidatable)
			r.Get("/{account}", s.handleGetPosition)
			r.Get("/{account}/health", s.handleHealthFactor)
			r.Get("/{account}/liquidatable", s.handleIsLiquidatable)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/mint", s.handleMint)
			r.Post("/burn", s.handleBurn)
			r.Post("/deposit-and-mint", s.handleDepositAndMint)
			r.Post("/burn-and-withdraw", s.handleBurnAndWithdraw)
		})

		r.Post("/liquidate", s.handleLiquidate)

		if len(s.tokens) > 0 {
			s.mountTokenRoutes(r)
		}

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/params", s.handleSetParams)
		})
	})

	return r
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records per-route request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
// Validation failures are 400, authorization 403, solvency and guard
// rejections 409, and oracle data-quality failures 503: the request was
// well-formed but the system cannot price right now.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrZeroAddress),
		errors.Is(err, oracle.ErrZeroPrice),
		errors.Is(err, oracle.ErrTimestampOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrInsufficientCollateral),
		errors.Is(err, vault.ErrInsufficientDebt),
		errors.Is(err, vault.ErrHealthFactorTooLow),
		errors.Is(err, vault.ErrPositionNotLiquidatable),
		errors.Is(err, vault.ErrInsufficientRepayment),
		errors.Is(err, vault.ErrCollateralShortfall),
		errors.Is(err, oracle.ErrUpdateTooFrequent),
		errors.Is(err, oracle.ErrPriceChangeTooLarge):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrNoObservations),
		errors.Is(err, oracle.ErrInsufficientObservations),
		errors.Is(err, oracle.ErrStalePrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
