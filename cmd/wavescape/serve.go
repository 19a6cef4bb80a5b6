package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nellyag1/wavescape-portal222/activity"
	"github.com/nellyag1/wavescape-portal222/api"
	"github.com/nellyag1/wavescape-portal222/api/handlers"
	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/config"
	"github.com/nellyag1/wavescape-portal222/entity"
	"github.com/nellyag1/wavescape-portal222/internal/database"
	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/internal/migration"
	"github.com/nellyag1/wavescape-portal222/internal/server"
	"github.com/nellyag1/wavescape-portal222/internal/telemetry"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/storage"
	"github.com/nellyag1/wavescape-portal222/waitloop"
)

func newServeCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal API and the wait-loop poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	flags.register(cmd)
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting WaveScape portal",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry disabled after init failure", zap.Error(err))
		otelProviders = nil
	}

	collector := metrics.NewCollector("wavescape", logger)
	p, err := buildPortal(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	apiServer := server.NewManager(p.handler, server.Config{
		Name:            "api",
		Addr:            ":" + strconv.Itoa(cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
		CertFile:        cfg.Server.TLSCertFile,
		KeyFile:         cfg.Server.TLSKeyFile,
	}, logger)
	if err := apiServer.Start(); err != nil {
		return err
	}

	var metricsServer *server.Manager
	if cfg.Server.MetricsPort > 0 {
		metricsServer = server.NewManager(newOpsHandler(promhttp.Handler(), p.runner, logger), server.Config{
			Name:            "metrics",
			Addr:            ":" + strconv.Itoa(cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		if err := metricsServer.Start(); err != nil {
			_ = apiServer.Shutdown(context.Background())
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("wait-loop runner: %w", err)
		}
		return nil
	})
	if p.pool != nil {
		g.Go(func() error {
			reportPoolStats(gctx, p.pool, collector, cfg.Database.Driver, cfg.Database.HealthCheckInterval)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-apiServer.Errors():
			return err
		}
	})

	logger.Info("portal ready", zap.Int("http_port", cfg.Server.HTTPPort), zap.Int("metrics_port", cfg.Server.MetricsPort))
	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx := context.Background()
	var errs []error
	errs = append(errs, apiServer.Shutdown(shutdownCtx))
	if metricsServer != nil {
		errs = append(errs, metricsServer.Shutdown(shutdownCtx))
	}
	errs = append(errs, g.Wait())
	if otelProviders != nil {
		errs = append(errs, otelProviders.Shutdown(shutdownCtx))
	}
	logger.Info("portal stopped")
	return errors.Join(errs...)
}

// newOpsHandler serves the operator endpoints of the metrics listener:
// Prometheus metrics and the list of unfinished wait loops.
func newOpsHandler(metricsHandler http.Handler, runner *waitloop.Runner, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /debug/wait-loops", func(w http.ResponseWriter, r *http.Request) {
		loops, err := runner.Active(r.Context())
		if err != nil {
			handlers.WriteError(w, r, err, logger)
			return
		}
		handlers.WriteSuccess(w, r, loops)
	})
	return Chain(mux, Recovery(logger))
}

// =============================================================================
// Wiring
// =============================================================================

// portal holds the assembled components of a running portal.
type portal struct {
	handler  http.Handler
	service  *activity.Service
	sessions *entity.Store
	runner   *waitloop.Runner
	pool     *database.PoolManager

	closers []func() error
	logger  *zap.Logger
}

// Close releases the components in reverse order of construction.
func (p *portal) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("errors while closing portal", zap.Error(err))
		return err
	}
	return nil
}

func (p *portal) onClose(fn func() error) {
	p.closers = append(p.closers, fn)
}

// buildPortal connects the stores and assembles the service and its HTTP
// handler. The returned portal must be closed even when the caller never
// starts serving.
func buildPortal(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*portal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &portal{logger: logger}
	built := false
	defer func() {
		if !built {
			_ = p.Close()
		}
	}()

	deps, err := p.connectStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sessionBackend, err := persistence.NewSessionStore(ctx, cfg.Store, deps)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	loopStore, err := persistence.NewLoopStore(ctx, cfg.Store, deps)
	if err != nil {
		_ = sessionBackend.Close()
		return nil, fmt.Errorf("loop store: %w", err)
	}
	p.onClose(loopStore.Close)

	p.sessions = entity.NewStore(sessionBackend, logger, entity.WithMetrics(collector))
	p.onClose(p.sessions.Close)

	batchClient, err := batch.NewHTTPClient(cfg.Batch, logger, batch.WithMetrics(collector))
	if err != nil {
		return nil, fmt.Errorf("batch client: %w", err)
	}

	p.runner = waitloop.NewRunner(cfg.WaitLoop, loopStore, p.sessions, batchClient, logger, waitloop.WithMetrics(collector))
	p.onClose(func() error { p.runner.Close(); return nil })

	blobs, err := storage.NewFileBlobs(cfg.Storage.BlobDir, logger)
	if err != nil {
		return nil, err
	}
	linker, err := storage.NewTokenLinker(cfg.Storage.LinkBaseURL, cfg.Storage.LinkIssuer, []byte(cfg.Storage.LinkSecret))
	if err != nil {
		return nil, err
	}

	var configurator activity.Configurator
	if cfg.Storage.ConfigurationSchema != "" {
		sc, err := activity.LoadSchemaConfigurator(cfg.Storage.ConfigurationSchema)
		if err != nil {
			return nil, err
		}
		configurator = sc
	}

	p.service, err = activity.NewService(cfg.Activity, activity.Dependencies{
		Sessions:     p.sessions,
		Batch:        batchClient,
		Loops:        p.runner,
		Blobs:        blobs,
		Linker:       linker,
		Configurator: configurator,
	}, logger, activity.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	health := handlers.NewHealthHandler(logger)
	health.RegisterCheck(handlers.NewCheck("session_store", p.sessions.Ping))
	health.RegisterCheck(handlers.NewCheck("loop_store", loopStore.Ping))
	if p.pool != nil {
		health.RegisterCheck(handlers.NewCheck("database", p.pool.Ping))
	}

	p.handler = api.NewRouter(api.RouterConfig{
		Sessions: handlers.NewSessionHandler(p.service, logger,
			handlers.WithWatchInterval(cfg.Server.WatchInterval),
			handlers.WithWatchOrigins(cfg.Server.CORSAllowedOrigins),
		),
		Files:  handlers.NewFileHandler(blobs, linker, logger),
		Health: health,
		Build:  api.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
		Global: []api.Middleware{
			Recovery(logger),
			RequestID(),
			SecurityHeaders(),
			OTelTracing(),
			MetricsMiddleware(collector),
			RequestLogger(logger),
			CORS(cfg.Server.CORSAllowedOrigins),
			RateLimiter(ctx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, logger),
		},
		API: []api.Middleware{
			APIKeyAuth(cfg.Server.APIKeys, cfg.Server.AllowQueryAPIKey, logger),
		},
	})
	built = true
	return p, nil
}

// connectStores opens the database, Redis and MongoDB connections the
// configured store types need.
func (p *portal) connectStores(ctx context.Context, cfg *config.Config) (persistence.Dependencies, error) {
	var deps persistence.Dependencies
	uses := func(t persistence.StoreType) bool {
		return cfg.Store.Type == t || cfg.Store.EffectiveLoopType() == t
	}

	if cfg.UsesDatabase() {
		if cfg.Database.AutoMigrate {
			if err := applyMigrations(ctx, cfg.Database, p.logger); err != nil {
				return deps, err
			}
		}
		pool, err := database.Open(cfg.Database, p.logger)
		if err != nil {
			return deps, fmt.Errorf("open database: %w", err)
		}
		p.pool = pool
		p.onClose(pool.Close)
		if !cfg.Database.AutoMigrate {
			if err := persistence.AutoMigrate(pool.DB()); err != nil {
				return deps, fmt.Errorf("auto-migrate store tables: %w", err)
			}
		}
		deps.DB = pool.DB()
	}

	if uses(persistence.StoreTypeRedis) {
		client, err := persistence.NewRedisClient(cfg.Store.Redis)
		if err != nil {
			return deps, err
		}
		p.onClose(client.Close)
		deps.Redis = client
	}

	if uses(persistence.StoreTypeMongo) {
		client, err := persistence.NewMongoClient(ctx, cfg.Store.Mongo)
		if err != nil {
			return deps, err
		}
		p.onClose(func() error { return disconnectMongo(client) })
		deps.Mongo = client
	}
	return deps, nil
}

func applyMigrations(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version(ctx)
	if err == nil {
		logger.Info("database schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

func disconnectMongo(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Disconnect(ctx)
}

// reportPoolStats publishes connection pool gauges until ctx ends.
func reportPoolStats(ctx context.Context, pool *database.PoolManager, collector *metrics.Collector, driver string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := pool.Stats()
		collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
