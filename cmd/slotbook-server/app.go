package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/config"
	"github.com/slotbook/slotbook/internal/domain/consulting"
	"github.com/slotbook/slotbook/internal/platform/auth"
	"github.com/slotbook/slotbook/internal/platform/db"
	"github.com/slotbook/slotbook/internal/platform/events"
	"github.com/slotbook/slotbook/internal/platform/meeting"
	"github.com/slotbook/slotbook/internal/platform/metrics"
	"github.com/slotbook/slotbook/internal/platform/middleware"
	"github.com/slotbook/slotbook/internal/platform/notification"
	"github.com/slotbook/slotbook/internal/platform/webhook"
	"github.com/slotbook/slotbook/migrations"
)

// app holds the wired components of one server process.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	pool      *pgxpool.Pool
	rdb       *redis.Client
	registry  *prometheus.Registry
	bus       *events.Bus
	store     *consulting.Store
	generator *consulting.Generator
	engine    *consulting.Engine
	notifier  *notification.Notifier
}

// newApp connects to the configured backends and wires the booking core.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		slots     consulting.SlotRepository
		templates consulting.TemplateRepository
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		slots, templates = consulting.NewSlotRepoPG(pool), consulting.NewTemplateRepoPG(pool)
		logger.Info().Msg("connected to database")
	default:
		repo := consulting.NewMemoryRepository()
		slots, templates = repo, repo
		logger.Warn().Msg("using in-memory slot store; data is lost on restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Msg("connected to redis")
	}

	m := metrics.NewBookingMetrics(a.registry)
	a.bus = events.NewBus(cfg.AsyncEvents, 0, logger)
	publisher := events.Fanout{a.bus}
	if a.rdb != nil {
		publisher = append(publisher, events.NewRedisPublisher(a.rdb, cfg.RedisChannel))
	}

	a.store = consulting.NewStore(slots, templates, consulting.StoreConfig{DefaultCapacity: cfg.DefaultSlotCapacity}, logger)
	a.generator = consulting.NewGenerator(a.store, cfg.MaxGenerationDays, m, logger)
	a.engine = consulting.NewEngine(slots, publisher, m, consulting.EngineConfig{
		OperationTimeout:     cfg.BookingOpTimeout,
		CancellationLeadTime: cfg.CancellationLeadTime,
	}, logger)

	var sender notification.EmailSender = notification.NewLogSender(logger)
	if sg := notification.NewSendGridSender(notification.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger); sg != nil {
		sender = sg
	}
	a.notifier = notification.NewNotifier(sender, nil, logger)
	a.notifier.Subscribe(a.bus)

	if cfg.MeetingBaseURL != "" {
		prov, err := meeting.NewLinkProvisioner(cfg.MeetingBaseURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		meeting.NewService(prov, a.engine, logger).Subscribe(a.bus)
	}

	if len(cfg.WebhookURLs) > 0 {
		endpoints, err := webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			a.Close()
			return nil, err
		}
		webhook.NewDispatcher(endpoints, logger).Subscribe(a.bus)
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook delivery enabled")
	}
	return a, nil
}

// migrator returns nil when the store is not Postgres.
func (a *app) migrator() *db.Migrator {
	if a.pool == nil {
		return nil
	}
	return db.NewMigrator(a.pool, migrations.FS, a.log)
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(a.jwtConfig())
}

func (a *app) jwtConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	}
}

func (a *app) limiter() middleware.Limiter {
	rl := middleware.RateLimitConfig{RequestsPerSecond: a.cfg.RateLimitRPS, BurstSize: a.cfg.RateLimitBurst}
	if a.rdb != nil {
		return middleware.NewRedisLimiter(a.rdb, rl)
	}
	return middleware.NewMemoryLimiter(rl)
}

// router builds the HTTP surface.
func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.log)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/metrics", "/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	checks := []db.Check{}
	if a.pool != nil {
		checks = append(checks, db.PostgresCheck(a.pool))
	}
	if a.rdb != nil {
		checks = append(checks, db.RedisCheck(a.rdb))
	}
	e.GET("/health", db.HealthHandler(0, checks...))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.registry)))

	api := e.Group("/api/v1", a.authMiddleware(), middleware.RateLimit(a.limiter(), a.log))
	consulting.NewHandler(a.store, a.generator, a.engine, a.log).RegisterRoutes(api)
	notification.NewHandler(a.notifier).RegisterRoutes(api)
	return e
}

// Close waits for in-flight event handlers and releases connections.
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Wait()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
