package main

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// warmLimit caps how many logged request ids are loaded into the LRU on start.
const warmLimit = 100_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := observability.NewLogger("lendledger")
		logger.Fatal().Err(err).Msg("load config")
	}

	logger := observability.NewLoggerWithLevel("lendledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Str("store", cfg.Store).Bool("nats", cfg.NATSEnabled).Msg("LendLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("LendLedger stopped with error")
	}
	logger.Info().Msg("LendLedger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	var db *sql.DB
	if cfg.UsesPostgres() {
		var err error
		db, err = openPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
	}

	// --- Position store ---
	store, closeStore, err := openStore(ctx, cfg, db, metrics, logger, healthChecker)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Idempotency ---
	var dbChecker core.DBIdempotencyChecker
	if db != nil {
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	}
	dedup := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbChecker, metrics)
	if db != nil {
		ids, err := persistence.NewOperationLogWriter(db).RecentRequestIDs(ctx, min(cfg.IdempotencyLRUCapacity, warmLimit))
		if err != nil {
			logger.Warn().Err(err).Msg("idempotency warm-up skipped")
		} else {
			dedup.Warm(ids)
			logger.Info().Int("keys", len(ids)).Msg("idempotency LRU warmed")
		}
	}

	// --- Channels ---
	// persist blocks (backpressure); publish and projection drop when full.
	// The Postgres store logs operations in its own transaction, so only
	// the Redis store needs the async log writer.
	var persistChan, projectionChan, publishChan chan *event.OperationCommitted
	if db != nil {
		projectionChan = make(chan *event.OperationCommitted, cfg.ProjectionChanSize)
	}
	if db != nil && cfg.Store != config.StorePostgres {
		persistChan = make(chan *event.OperationCommitted, cfg.PersistChanSize)
	}
	if cfg.NATSEnabled {
		publishChan = make(chan *event.OperationCommitted, cfg.PublishChanSize)
	}

	// --- Core ---
	verifier := auth.NewTokenVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	engine := ledger.NewEngine(store, auth.NewDefaultGuard())
	processor := core.NewProcessor(engine, dedup, core.Outputs{
		Persist:    persistChan,
		Publish:    publishChan,
		Projection: projectionChan,
	}, metrics, logger.With().Str("component", "processor").Logger())

	// Workers outlive the producers so buffered operations still drain.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workers, workerCtx := errgroup.WithContext(workerCtx)

	if persistChan != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
			metrics, logger.With().Str("component", "persistence").Logger())
		workers.Go(func() error { return persistWorker.Run(workerCtx) })
	}
	if projectionChan != nil {
		activityWorker := projection.NewActivityWorker(db, projectionChan,
			metrics, logger.With().Str("component", "projection").Logger())
		workers.Go(func() error { return activityWorker.Run(workerCtx) })
	}

	producers, gctx := errgroup.WithContext(ctx)

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSEnabled {
		natsLogger := logger.With().Str("component", "nats").Logger()
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, natsLogger)
		workers.Go(func() error { return publisher.Run(workerCtx) })

		rawChan := make(chan ingestion.RawMessage, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}

		dispatcher := ingestion.NewDispatcher(processor, verifier, rawChan, cfg.IngestWorkers, metrics, natsLogger)
		producers.Go(func() error {
			if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// --- gRPC + HTTP ---
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Processor:     processor,
		QueryService:  query.NewQueryService(store, db, metrics),
		Verifier:      verifier,
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "server").Logger(),
	})
	producers.Go(func() error { return srv.StartGRPC(gctx) })
	producers.Go(func() error { return srv.StartHTTPGateway(gctx) })
	producers.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LendLedger ready")

	// --- Graceful shutdown ---
	<-gctx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")

	if subscriber != nil {
		subscriber.Stop()
	}
	runErr := producers.Wait()

	// No producer is left; close the outputs so workers flush and exit.
	if persistChan != nil {
		close(persistChan)
	}
	if projectionChan != nil {
		close(projectionChan)
	}
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan error, 1)
	go func() { drained <- workers.Wait() }()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker failed during drain")
		}
	case <-time.After(30 * time.Second):
		logger.Error().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	return runErr
}

func openPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")
	return db, nil
}

func openStore(
	ctx context.Context,
	cfg config.Config,
	db *sql.DB,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	healthChecker *observability.HealthChecker,
) (ledger.PositionStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		return persistence.NewPostgresStore(db), func() {}, nil

	case config.StoreRedis:
		opts := persistence.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxRetries: cfg.RedisMaxRetries,
		}
		client, err := persistence.NewRedisClient(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		store := persistence.NewRedisStore(client, opts, metrics)
		healthChecker.AddCheck("redis", store.Ping)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
		return store, func() { client.Close() }, nil

	case config.StoreMemory:
		logger.Warn().Msg("memory store: positions are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
