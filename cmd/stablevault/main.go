package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"StableVault/internal/config"
	"StableVault/internal/event"
	"StableVault/internal/ingestion"
	"StableVault/internal/observability"
	"StableVault/internal/persistence"
	"StableVault/internal/server"
	"StableVault/internal/token"
	"StableVault/internal/vault"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: StableVault starting...")

	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Recovery: durable state ---
	store := persistence.NewStateStore(db)

	lastSeq, err := store.LastSequence(ctx)
	if err != nil {
		log.Fatalf("FATAL: load last sequence: %v", err)
	}
	observations, err := store.LoadObservations(ctx)
	if err != nil {
		log.Fatalf("FATAL: load observations: %v", err)
	}
	positions, err := store.LoadPositions(ctx)
	if err != nil {
		log.Fatalf("FATAL: load positions: %v", err)
	}
	log.Printf("INFO: recovered state (sequence=%d, observations=%d, positions=%d)",
		lastSeq, len(observations), len(positions))

	// --- Tokens ---
	// Embedded in-memory ledgers. The owner mints collateral (dev faucet);
	// only the engine identity mints and burns the stable token.
	engineAccount := token.Account(cfg.EngineAccount)
	ownerAccount := token.Account(cfg.OwnerAccount)
	updaterAccount := token.Account(cfg.UpdaterAccount)

	collateral := token.NewLedger(cfg.CollateralSymbol, ownerAccount)
	stable := token.NewLedger(cfg.StableSymbol, engineAccount)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	persistChan := make(chan event.Envelope, cfg.PersistChanSize)
	publishChan := make(chan event.Envelope, cfg.PublishChanSize)

	// --- Engine ---
	engine, err := vault.NewEngine(vault.EngineConfig{
		Self:         engineAccount,
		Owner:        ownerAccount,
		PriceUpdater: updaterAccount,
		Collateral:   collateral,
		Stable:       stable,
		Params: vault.RiskParams{
			BaseCollateralRatio:   cfg.BaseCollateralRatio,
			LiquidationThreshold:  cfg.LiquidationThreshold,
			LiquidationBonus:      cfg.LiquidationBonus,
			MinHealthFactor:       vault.DefaultRiskParams().MinHealthFactor,
			MinUpdateDelay:        cfg.MinUpdateDelay,
			MaxPriceAge:           cfg.MaxPriceAge,
			MaxPriceChangePercent: cfg.MaxPriceChangePercent,
		},
		Emitter:  &fanoutEmitter{persist: persistChan, publish: publishChan, metrics: metrics},
		Sequence: lastSeq,
	})
	if err != nil {
		log.Fatalf("FATAL: build engine: %v", err)
	}

	if err := engine.RestoreObservations(observations); err != nil {
		log.Fatalf("FATAL: restore observations: %v", err)
	}
	for _, rec := range positions {
		engine.RestorePosition(rec.Account, rec.Position)
		// Rebuild the embedded ledgers so token balances agree with the
		// recovered positions: custody holds the collateral, debtors hold
		// the minted stable.
		if !rec.Position.Collateral.IsZero() {
			if err := collateral.Mint(ownerAccount, engineAccount, rec.Position.Collateral); err != nil {
				log.Fatalf("FATAL: rebuild collateral custody for %s: %v", rec.Account, err)
			}
		}
		if !rec.Position.Debt.IsZero() {
			if err := stable.Mint(engineAccount, rec.Account, rec.Position.Debt); err != nil {
				log.Fatalf("FATAL: rebuild stable supply for %s: %v", rec.Account, err)
			}
		}
	}

	// --- Service loop ---
	svcLogger := observability.NewLogger("vault")
	svc := vault.NewService(engine, func() int64 { return time.Now().Unix() }, cfg.RequestQueueSize, metrics, svcLogger)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, cfg.PriceSubject, cfg.EventSubject); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	rawChan := make(chan ingestion.RawMessage, 4096)
	subscriber := ingestion.NewPriceSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, cfg.PriceSubject); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, cfg.EventSubject, publishChan)

	// --- HTTP server ---
	httpServer := server.New(cfg.HTTPAddr, svc, healthChecker, metrics, observability.NewLogger("http"))
	httpServer.RegisterToken(collateral)
	httpServer.RegisterToken(stable)

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Service loop (all engine access goes through it)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	// 2. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Price ingestion loop
	go func() {
		runPriceIngestion(ctx, rawChan, svc, updaterAccount, metrics)
	}()

	// 5. Periodic invariant sweep
	if cfg.InvariantInterval > 0 {
		go func() {
			runInvariantSweep(ctx, svc, metrics, cfg.InvariantInterval)
		}()
	}

	// 6. HTTP server
	go func() {
		errChan <- httpServer.Run(ctx)
	}()

	// 7. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	log.Printf("INFO: StableVault ready (sequence=%d, http=%s, metrics=%s)",
		lastSeq, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	cancel()
	subscriber.Stop()

	// Give workers time to flush the remaining batches.
	time.Sleep(2 * cfg.PersistFlushTimeout)

	log.Println("INFO: StableVault shutdown complete")
}

// fanoutEmitter bridges engine events into the persistence and publish
// channels. The persist send BLOCKS (backpressure: the engine stalls rather
// than losing its event log); the publish send drops when full because
// downstream consumers can always re-read the event log.
type fanoutEmitter struct {
	persist chan<- event.Envelope
	publish chan<- event.Envelope
	metrics *observability.Metrics
}

func (f *fanoutEmitter) Emit(env event.Envelope) {
	f.persist <- env

	select {
	case f.publish <- env:
	default:
		if f.metrics != nil {
			f.metrics.PublishDrops.Inc()
		}
	}

	if f.metrics != nil {
		f.metrics.EventSequence.Set(float64(env.Sequence))
		f.metrics.SetChannelMetrics("persist", len(f.persist), cap(f.persist))
		f.metrics.SetChannelMetrics("publish", len(f.publish), cap(f.publish))
	}
}

// runPriceIngestion drains the raw NATS channel, parses each feed message
// and submits it to the engine. Malformed messages and engine rejections
// are terminal (ACKed and counted); only a stopped service NAKs for
// redelivery.
func runPriceIngestion(ctx context.Context, rawChan <-chan ingestion.RawMessage, svc *vault.Service, updater token.Account, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			update, err := ingestion.ParsePriceUpdate(raw.Data)
			if err != nil {
				log.Printf("WARN: drop malformed price message on %s: %v", raw.Subject, err)
				metrics.PriceUpdatesRejected.WithLabelValues("malformed").Inc()
				raw.AckFunc()
				continue
			}

			err = svc.UpdatePrice(ctx, updater, update.Timestamp, update.Price)
			switch {
			case err == nil:
				metrics.PriceUpdatesAdmitted.Inc()
				raw.AckFunc()
			case ctx.Err() != nil:
				raw.NakFunc()
				return
			default:
				// Guard rejections are terminal: redelivering the same
				// observation cannot change the outcome.
				metrics.PriceUpdatesRejected.WithLabelValues("rejected").Inc()
				raw.AckFunc()
			}
		}
	}
}

// runInvariantSweep periodically verifies the system-wide accounting
// identities. A violation is a serious bug, logged loudly and counted, but
// the daemon keeps serving: operators decide whether to halt.
func runInvariantSweep(ctx context.Context, svc *vault.Service, metrics *observability.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.InvariantChecks.Inc()
			if err := svc.CheckInvariants(ctx); err != nil {
				log.Printf("ERROR: invariant violation: %v", err)
				metrics.InvariantViolations.WithLabelValues("accounting").Inc()
			}
		}
	}
}
