package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/instrument"
	"github.com/lims/lims/internal/domain/orders"
	"github.com/lims/lims/internal/domain/reconcile"
	"github.com/lims/lims/internal/domain/sequence"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/hl7v2"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/platform/websocket"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/internal/store/memory"
	"github.com/lims/lims/internal/store/postgres"
	"github.com/lims/lims/internal/store/sqlite"
)

// notifiable are the events forwarded to Kafka for downstream notification.
var notifiable = []string{
	events.RequestReleased, events.RequestCancelled, events.ResultCritical,
	events.ResultHeld, events.AssignmentStale, events.DispatchFailed,
}

// app is the fully wired server. Close releases everything it opened.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	echo    *echo.Echo
	store   store.Store
	pool    *pgxpool.Pool
	bus     *events.Bus
	seq     *sequence.Generator
	instr   *instrument.Service
	poller  *instrument.Poller
	sweeper *instrument.Sweeper
	bridge  *instrument.HL7Bridge
	live    *websocket.Hub
	closers []func(context.Context) error
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore opens the configured backend. The pool is nil unless the
// driver is postgres.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool, cfg.StoreRetryAttempts, logger), pool, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.DriverMemory:
		return memory.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openArchive(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.ArchiveDriver != config.ArchiveS3 {
		return blobstore.NewInMemory(), nil
	}
	return blobstore.NewS3(ctx, blobstore.S3Config{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3Endpoint != "",

		AccessKeyID:     cfg.ArchiveS3KeyID,
		SecretAccessKey: cfg.ArchiveS3Secret,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	s, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store, a.pool = s, pool
	a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store opened")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a.live = websocket.NewHub(logger)
	sinks := []events.Publisher{events.NewLogPublisher(logger), a.live}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.closers = append(a.closers, kp.Close)
		sinks = append(sinks, events.Filtered(kp, notifiable...))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaEventsTopic).Msg("kafka publisher enabled")
	}
	a.bus = events.NewBus(logger, sinks...)

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	cat, err := catalog.Load(cfg.ReferenceRangesFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	releaseMode, err := workflow.ParseReleaseMode(cfg.ReleaseMode)
	if err != nil {
		return nil, err
	}

	var seqOpts []sequence.Option
	seqOpts = append(seqOpts, sequence.WithMetrics(m))
	if !cfg.GlobalBarcodes {
		seqOpts = append(seqOpts, sequence.WithTenantBarcodes())
	}
	a.seq = sequence.NewGenerator(s.Counter(), seqOpts...)

	rec := audit.NewRecorder()
	catalogSvc := catalog.NewService(s, cat, rec)
	ordersSvc := orders.NewService(s, a.seq, catalogSvc, rec, a.bus)
	machine := workflow.NewMachine(rec, m)
	workflowSvc := workflow.NewService(s, machine, a.bus, workflow.Policy{
		MakerChecker: cfg.MakerChecker,
		ReleaseMode:  releaseMode,
	})
	gateway := reconcile.NewGateway(s, machine, catalog.NewRangePolicy(cat), rec, a.bus,
		reconcile.WithArchive(archive),
		reconcile.WithMetrics(m),
		reconcile.WithLogger(logger),
	)

	instrOpts := []instrument.Option{instrument.WithMetrics(m), instrument.WithLogger(logger)}
	checks := map[string]db.Checker{}
	if cfg.RedisURL != "" {
		cache, err := instrument.NewRedisStatusCache(ctx, cfg.RedisURL, cfg.StatusCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("redis status cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return cache.Close() })
		instrOpts = append(instrOpts, instrument.WithStatusCache(cache))
		checks["redis"] = cache
	}
	a.instr = instrument.NewService(s, machine, gateway, instrument.RESTClientFactory(cfg.InstrumentTimeout), rec, a.bus, instrOpts...)
	a.poller = instrument.NewPoller(a.instr, s, cfg.PollConcurrency, logger)
	a.sweeper = instrument.NewSweeper(a.instr, s, a.bus, cfg.DispatchMaxAttempts, cfg.StaleAssignmentAfter, logger)
	a.bridge = instrument.NewHL7Bridge(gateway, s.Tenants(), logger)

	if pool != nil {
		checks["database"] = db.CheckFunc(pool.Ping)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(m.Middleware())
	e.Use(middleware.BodyLimit("1M", cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics", "/api/v1/worklist.xlsx", "/api/v1/live"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-User-ID"},
	}))

	e.GET("/health", db.HealthHandler(pool, checks))
	e.GET("/metrics", m.Handler())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development auth is active: unauthenticated requests get admin access")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	api := e.Group("/api/v1", authMW, tenant.Middleware(s.Tenants()), middleware.RateLimit(rateLimitCfg))
	catalog.NewHandler(catalogSvc).RegisterRoutes(api)
	orders.NewHandler(ordersSvc).RegisterRoutes(api)
	workflow.NewHandler(workflowSvc).RegisterRoutes(api)
	reconcileHandler := reconcile.NewHandler(gateway)
	reconcileHandler.RegisterRoutes(api)
	instrument.NewHandler(a.instr).RegisterRoutes(api)
	audit.NewHandler(audit.NewService(s)).RegisterRoutes(api)
	blobstore.NewHandler(archive).RegisterRoutes(api)
	websocket.NewHandler(a.live).RegisterRoutes(api)

	callbacks := e.Group("/callbacks",
		auth.InstrumentTokenMiddleware(cfg.InstrumentToken),
		tenant.Middleware(s.Tenants()),
		middleware.RateLimit(rateLimitCfg),
	)
	reconcileHandler.RegisterCallback(callbacks)

	a.echo = e
	ok = true
	return a, nil
}

// runWorkers starts the poller, the sweeper, and the MLLP listener. They
// stop when ctx is cancelled.
func (a *app) runWorkers(ctx context.Context) error {
	if a.cfg.PollInterval > 0 {
		go a.poller.Run(ctx, a.cfg.PollInterval)
	}
	if a.cfg.SweepInterval > 0 {
		go a.sweeper.Run(ctx, a.cfg.SweepInterval)
	}
	if a.cfg.MLLPAddr != "" {
		srv := hl7v2.NewMLLPServer(a.cfg.MLLPAddr, a.bridge.Handle, a.logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start MLLP server: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return srv.Stop() })
		a.logger.Info().Str("addr", srv.Addr()).Msg("MLLP server started")
	}
	return nil
}

// Close runs the closers in reverse order of registration.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.runWorkers(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-shutdownSignal():
	}

	a.logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
