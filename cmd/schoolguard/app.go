package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/announcements"
	"github.com/platinummonkey/schoolguard/pkg/assignments"
	"github.com/platinummonkey/schoolguard/pkg/async"
	"github.com/platinummonkey/schoolguard/pkg/attendance"
	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/config"
	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/impersonation"
	"github.com/platinummonkey/schoolguard/pkg/middleware"
	"github.com/platinummonkey/schoolguard/pkg/observability"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/records"
	"github.com/platinummonkey/schoolguard/pkg/scope"
	"github.com/platinummonkey/schoolguard/pkg/session"
	"github.com/platinummonkey/schoolguard/pkg/settings"
	"github.com/platinummonkey/schoolguard/pkg/tenancy"
)

const (
	settingsL2TTL   = 10 * time.Minute
	dbStatsSchedule = "@every 15s"
	tokenSweep      = "@hourly"
)

// app owns every long-lived dependency of the API process
type app struct {
	db       *database.DB
	redis    *redis.Client
	registry *prometheus.Registry
	router   *mux.Router
	cron     *cron.Cron
	otel     *observability.OTelProviders
	logger   *logrus.Logger
}

// cacheObservers fans settings cache outcomes out to both metric backends
type cacheObservers []settings.Observer

func (o cacheObservers) RecordCache(cache, layer string) {
	for _, obs := range o {
		obs.RecordCache(cache, layer)
	}
}

func newApp(ctx context.Context, cfg *config.Config, obsLogger *observability.Logger) (*app, error) {
	logger := obsLogger.Logrus()
	a := &app{
		registry: prometheus.NewRegistry(),
		router:   mux.NewRouter(),
		cron:     cron.New(),
		logger:   logger,
	}

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), obsLogger)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otel = providers

	metrics := observability.NewMetrics(a.registry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return nil, fmt.Errorf("init otel metrics: %w", err)
	}

	// Storage
	a.db, err = database.Open(ctx, cfg.Database.Options())
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, a.db); err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled() {
		if a.redis, err = openRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}
	prefix := cfg.Redis.KeyPrefix

	// Activity log
	dbLogger, err := audit.NewDBLogger(a.db)
	if err != nil {
		return nil, err
	}
	var sink audit.Logger = dbLogger
	if cfg.Audit.Mirror {
		sink = audit.NewMultiLogger(sink, audit.NewMirrorLogger(logger))
	}
	recorder := audit.NewRecorder(sink, logger)
	recorder.OnFailure(metrics.AuditWriteFailuresTotal.Inc)

	// Settings
	settingsStore := settings.NewStore(a.db)
	if err := settingsStore.SeedDefaults(ctx); err != nil {
		return nil, err
	}
	var l2 *settings.RedisLayer
	if a.redis != nil {
		l2 = settings.NewRedisLayer(a.redis, prefix+":settings", settingsL2TTL)
	}
	cache := settings.NewCache(settingsStore, l2, cacheObservers{metrics, otelMetrics}, logger, settings.DefaultCacheConfig())

	// Roles and permissions
	roles := rbac.NewDefaultRegistry()
	if cfg.RBAC.SeedFile != "" {
		if cfg.RBAC.Watch {
			watcher, err := rbac.NewWatcher(cfg.RBAC.SeedFile, roles, logger)
			if err != nil {
				return nil, err
			}
			async.SafeGo(ctx, logger, 0, "role seed watcher", watcher.Run)
		} else {
			seed, err := rbac.LoadSeedFile(cfg.RBAC.SeedFile)
			if err != nil {
				return nil, err
			}
			roles.Replace(seed)
		}
	}

	// Identity
	var revocations auth.RevocationList
	if a.redis != nil {
		revocations = auth.NewRedisRevocationList(a.redis, prefix+":revoked")
	}
	users := auth.NewUserStore(a.db)
	tokens := auth.NewTokenManager(a.db, revocations, cfg.Auth.TokenCacheTTL)

	schools := tenancy.NewStore(a.db)
	links := assignments.NewStore(a.db)
	resolver := scope.NewResolver(links)
	access := auth.NewAccessChecker(links)

	signer, err := impersonation.NewSigner(cfg.Impersonation.Secret)
	if err != nil {
		return nil, err
	}
	impService := impersonation.NewService(impersonation.NewStore(a.db), users, signer, recorder, logger,
		impersonation.WithMetrics(metrics),
		impersonation.WithTTL(func(ctx context.Context) time.Duration {
			return cache.Duration(ctx, settings.KeyImpersonationTTLMinutes, time.Minute, cfg.Impersonation.TokenTTL)
		}),
	)

	chain := middleware.NewChain(
		middleware.NewAuthGuard(tokens, users, logger).WithImpersonation(impService),
		middleware.NewTenantGuard(schools, logger),
		roles, recorder, logger,
		middleware.WithMetrics(metrics),
		middleware.WithOTelMetrics(otelMetrics),
		middleware.WithTracer(observability.Tracer("schoolguard/middleware")),
		middleware.WithMaintenance(func(ctx context.Context) bool {
			return cache.Bool(ctx, settings.KeyMaintenanceMode, false)
		}),
	)

	limitCfg := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.Auth.LoginAttempts,
		WindowDuration:    cfg.Auth.LoginWindow,
		Limit: func(ctx context.Context) int {
			return cache.Int(ctx, settings.KeyLoginMaxAttempts, cfg.Auth.LoginAttempts)
		},
	}
	var limiter middleware.Limiter
	if a.redis != nil {
		limiter = middleware.NewDistributedRateLimiter(a.redis, limitCfg, prefix+":ratelimit")
	} else {
		memory := middleware.NewMemoryLimiter(limitCfg)
		memory.StartCleanup(ctx)
		limiter = memory
	}
	loginLimit := middleware.RateLimit(limiter, middleware.LoginKey, logger, func(r *http.Request) {
		metrics.RecordLogin("rate_limited")
	})

	// Background jobs
	retentionOpts := []audit.RetentionOption{
		audit.WithRetentionDays(func(ctx context.Context) int {
			return cache.Int(ctx, settings.KeyAuditRetentionDays, cfg.Audit.RetentionDays)
		}),
		audit.WithBatch(cfg.Audit.CleanupBatch, cfg.Audit.CleanupMaxRun),
		audit.OnCleaned(metrics.RecordLogsCleaned),
	}
	if cfg.S3.Enabled() {
		archiver, err := audit.NewS3Archiver(ctx, cfg.S3.Archive())
		if err != nil {
			return nil, err
		}
		retentionOpts = append(retentionOpts, audit.WithArchiver(archiver))
	}
	retention := audit.NewRetention(dbLogger, recorder, logger, retentionOpts...)

	if _, err := retention.Schedule(a.cron, cfg.Audit.RetentionSchedule); err != nil {
		return nil, fmt.Errorf("schedule retention: %w", err)
	}
	if _, err := impService.Schedule(a.cron, cfg.Impersonation.SweepSchedule); err != nil {
		return nil, fmt.Errorf("schedule impersonation sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(tokenSweep, func() {
		n, err := tokens.CleanupExpiredTokens(ctx)
		if err != nil {
			logger.WithError(err).Warn("Expired token cleanup failed")
			return
		}
		if n > 0 {
			logger.WithField("deleted", n).Info("Expired tokens removed")
		}
	}); err != nil {
		return nil, err
	}
	if _, err := a.cron.AddFunc(dbStatsSchedule, func() {
		metrics.ObserveDBStats(a.db.Stats())
	}); err != nil {
		return nil, err
	}

	// Routes
	a.router.Use(observability.HTTPMetricsMiddleware(metrics), observability.OTelHTTPMetricsMiddleware(otelMetrics))
	api := a.router.PathPrefix("/api/v1").Subrouter()

	session.NewHandlers(users, tokens, roles, recorder, metrics, logger, cfg.Auth.TokenTTL).
		RegisterRoutes(api, loginLimit, chain.Require(middleware.Guards{SkipTenant: true}))

	attStore := attendance.NewStore(a.db)
	assignments.NewHandlers(links, recorder, logger).RegisterRoutes(api, chain)
	attendance.NewHandlers(attStore, resolver, roles, access, logger).RegisterRoutes(api, chain)
	records.NewHandlers(records.NewStore(a.db), attStore, resolver, roles, access, logger).RegisterRoutes(api, chain)
	announcements.NewHandlers(announcements.NewStore(a.db), resolver, roles, logger).RegisterRoutes(api, chain)

	auditHandlers := audit.NewHandlers(dbLogger, recorder, retention)
	schoolAdmin := api.NewRoute().Subrouter()
	schoolAdmin.Use(chain.Roles(auth.RoleSchoolAdmin))
	auditHandlers.RegisterSchoolRoutes(schoolAdmin)

	platform := api.PathPrefix("/super-admin").Subrouter()
	platform.Use(chain.SuperAdmin())
	tenancy.NewHandlers(schools, recorder).WithUsers(users).RegisterRoutes(platform)
	impersonation.NewHandlers(impService, logger).RegisterRoutes(platform)
	auditHandlers.RegisterSuperAdminRoutes(platform)
	settings.NewHandlers(cache, recorder, logger).RegisterRoutes(platform)
	rbac.NewHandlers(roles).RegisterRoutes(platform)

	return a, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// close stops background work before the stores it writes to
func (a *app) close(ctx context.Context) error {
	var errs []error
	select {
	case <-a.cron.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("cron: %w", ctx.Err()))
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
