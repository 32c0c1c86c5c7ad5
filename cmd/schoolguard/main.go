package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/platinummonkey/schoolguard/pkg/config"
	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides SCHOOLGUARD_CONFIG_FILE)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Parse()

	// A missing dotenv file is normal outside local development
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}
	if *configFile != "" {
		os.Setenv("SCHOOLGUARD_CONFIG_FILE", *configFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Observability.OTelServiceVersion == "" {
		cfg.Observability.OTelServiceVersion = version
	}

	obsLogger := newLogger(cfg.Observability)
	logger := obsLogger.Logrus()

	if *migrateOnly {
		if err := migrate(cfg); err != nil {
			logger.WithError(err).Fatal("Migration failed")
		}
		logger.Info("Migrations applied")
		return
	}

	if err := run(cfg, obsLogger); err != nil {
		logger.WithError(err).Fatal("schoolguard stopped")
	}
}

func newLogger(cfg config.ObservabilityConfig) *observability.Logger {
	if cfg.LogFormat == "text" {
		return observability.NewTextLogger(cfg.Level(), os.Stdout)
	}
	return observability.NewLogger(cfg.Level(), os.Stdout)
}

func migrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.Options())
	if err != nil {
		return err
	}
	defer db.Close()
	return database.Migrate(ctx, db)
}

func run(cfg *config.Config, obsLogger *observability.Logger) error {
	logger := obsLogger.Logrus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, obsLogger)
	if err != nil {
		return err
	}

	var handler http.Handler = app.router
	if cfg.Observability.OTelEnabled {
		handler = observability.HTTPTracingMiddleware(cfg.Observability.OTelServiceName)(handler)
	}
	handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)(handler)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(app.db, app.redis, version))
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(app.registry))
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(obsLogger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("background", func(ctx context.Context) error {
		cancel()
		return app.close(ctx)
	})

	app.cron.Start()

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Health server failed")
		}
	}()
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"version": version,
			"driver":  cfg.Database.Driver,
			"redis":   cfg.Redis.Enabled(),
		}).Info("Starting schoolguard API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}
