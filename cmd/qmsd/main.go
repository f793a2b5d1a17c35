// Package main is the entry point for the record control server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/capability"
	"github.com/pitabwire/labqms/internal/config"
	"github.com/pitabwire/labqms/internal/document"
	"github.com/pitabwire/labqms/internal/idempotency"
	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/internal/signature"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/internal/transport"
	entityversion "github.com/pitabwire/labqms/internal/version"
	"github.com/pitabwire/labqms/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores bundles the persistence chosen by database.driver.
type stores struct {
	tx         storage.Transactor
	versions   entityversion.Store
	signatures signature.Store
	workflows  workflow.Store
	db         *storage.PgDB
	close      func()
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "labqms", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	st, err := buildStores(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	counters, countersReady, countersClose, err := buildCounterStore(cfg.Sequence, st.db, logger)
	if err != nil {
		logger.Error("sequence store initialization failed", zap.Error(err))
		return 1
	}
	defer countersClose()

	if b := cfg.Sequence.Breaker; b.FailureThreshold > 0 {
		breaker := sequence.NewBreakerCounterStore(counters, b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout)
		counters, countersReady = breaker, breaker
		logger.Info("sequence circuit breaker enabled",
			zap.Int("failure_threshold", b.FailureThreshold),
			zap.Duration("open_timeout", b.OpenTimeout),
		)
	}

	idem, idemReady, idemClose, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer idemClose()

	capabilities, err := buildCapabilities(cfg.Authorization, logger)
	if err != nil {
		logger.Error("authorization policy initialization failed", zap.Error(err))
		return 1
	}

	numbers, err := sequence.NewGenerator(counters, buildSchemes(cfg),
		sequence.WithLogger(logger.Named("sequence")),
		sequence.WithMetrics(metrics),
		sequence.WithLimits(sequence.Limits{
			MinYear:   cfg.Sequence.YearMin,
			MaxYear:   cfg.Sequence.YearMax,
			MinDigits: config.MinDigits,
			MaxDigits: cfg.Sequence.MaxDigits,
		}),
	)
	if err != nil {
		logger.Error("sequence generator initialization failed", zap.Error(err))
		return 1
	}

	signatures := signature.NewLedger(st.signatures,
		signature.WithLogger(logger.Named("signature")),
		signature.WithMetrics(metrics),
	)
	versions := entityversion.NewLedger(st.tx, st.versions,
		entityversion.WithLogger(logger.Named("version")),
		entityversion.WithMetrics(metrics),
	)
	documents := document.NewService(st.tx, numbers, versions, signatures,
		document.WithLogger(logger.Named("document")),
		document.WithMetrics(metrics),
	)
	engine := workflow.NewEngine(st.tx, st.workflows, signatures,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(metrics),
	)

	keys, err := transport.LoadKeySet(cfg.Identity)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{}
	if st.db != nil {
		readiness["database"] = st.db
	}
	if countersReady != nil {
		readiness["sequence_store"] = countersReady
	}
	if idemReady != nil {
		readiness["idempotency_store"] = idemReady
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Documents:    documents,
		Workflows:    engine,
		Numbers:      numbers,

		Capabilities:   capabilities,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Idempotency.TTL,

		Metrics:   metrics,
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("database", cfg.Database.Driver),
		zap.String("sequence_backend", cfg.Sequence.Backend),
		zap.Strings("schemes", cfg.SchemeKinds()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Drain in-flight requests before the stores close.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates entity, signature and workflow persistence based on
// config.
func buildStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return stores{
			tx:         storage.NewMemoryTransactor(),
			versions:   entityversion.NewMemoryStore(cfg.LockTimeout),
			signatures: signature.NewMemoryStore(),
			workflows:  workflow.NewMemoryStore(),
			close:      func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, fmt.Errorf("database: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("database: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MinIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MinIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("database: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("database: ping: %w", err)
		}

		db := storage.NewPgDB(pool, cfg.LockTimeout)
		if cfg.Migrate {
			if err := storage.Migrate(ctx, db); err != nil {
				pool.Close()
				return stores{}, fmt.Errorf("database: %w", err)
			}
		}

		logger.Info("using postgres stores", zap.Bool("migrated", cfg.Migrate))
		return stores{
			tx:         db,
			versions:   entityversion.NewPgStore(db),
			signatures: signature.NewPgStore(db),
			workflows:  workflow.NewPgStore(db),
			db:         db,
			close:      pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// buildCounterStore creates the sequence counter backend. The database
// backend shares the entity database, so a number issued inside a create
// rolls back with it.
func buildCounterStore(cfg config.SequenceConfig, db *storage.PgDB, logger *zap.Logger) (sequence.CounterStore, observability.HealthChecker, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "database", "":
		if db == nil {
			logger.Info("using in-memory sequence counters")
			return sequence.NewMemoryCounterStore(), nil, noop, nil
		}
		return sequence.NewPgCounterStore(db), nil, noop, nil
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("sequence: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		store := sequence.NewRedisCounterStore(client, cfg.Redis.KeyPrefix)
		logger.Info("using redis sequence counters", zap.String("addr", addr))
		return store, store, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported sequence backend: %q", cfg.Backend)
	}
}

func buildSchemes(cfg *config.Config) []sequence.Scheme {
	kinds := cfg.SchemeKinds()
	schemes := make([]sequence.Scheme, 0, len(kinds))
	for _, kind := range kinds {
		s := cfg.Sequence.Schemes[kind]
		schemes = append(schemes, sequence.Scheme{Kind: kind, Prefix: s.Prefix, Digits: s.Digits})
	}
	return schemes
}

// buildIdempotencyStore creates the Idempotency-Key store. A disabled
// config yields a nil store and the router skips replay.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, nil, noop, nil
	}
	switch cfg.Backend {
	case "memory", "":
		return idempotency.NewMemoryStore(), nil, noop, nil
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		store := idempotency.NewRedisStore(client, cfg.Redis.KeyPrefix)
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, store, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency backend: %q", cfg.Backend)
	}
}

// buildCapabilities loads the role policy. Without a policy file every
// authenticated caller passes the route gate.
func buildCapabilities(cfg config.AuthorizationConfig, logger *zap.Logger) (*capability.Resolver, error) {
	if cfg.PolicyFile == "" {
		logger.Warn("no authorization policy file configured; route capability checks disabled")
		return nil, nil
	}
	policy, err := capability.NewStaticPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	logger.Info("authorization policy loaded",
		zap.String("file", cfg.PolicyFile),
		zap.Int("roles", policy.Roles()),
	)
	return capability.NewResolver(policy, cfg.CacheTTL), nil
}
