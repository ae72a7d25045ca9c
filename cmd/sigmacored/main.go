package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sigmacore/config"
	"sigmacore/engine"
	"sigmacore/observability/logging"
	otelobs "sigmacore/observability/otel"
	"sigmacore/server"
	"sigmacore/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the service configuration file.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("sigmacored", "", logging.Options{}).Error("config error", "error", err.Error())
		os.Exit(1)
	}

	log := logging.Setup("sigmacored", cfg.Environment, logging.Options{
		FilePath:  cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
		MaxAgeDay: cfg.LogMaxAge,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdown, err := otelobs.Init(ctx, otelobs.Config{
			ServiceName: "sigmacored",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			log.Error("telemetry init error", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Error("storage error", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()
	if err := store.AutoMigrate(); err != nil {
		log.Error("migration error", "error", err.Error())
		os.Exit(1)
	}

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		log.Error("plan catalog error", "error", err.Error())
		os.Exit(1)
	}

	eng, err := engine.New(store, plans, engine.WithLogger(log))
	if err != nil {
		log.Error("engine init error", "error", err.Error())
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Engine:             eng,
		Store:              store,
		Log:                log,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err.Error())
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	if cfg.DatabaseURL != "" {
		return storage.OpenPostgres(cfg.DatabaseURL)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	dsn, err := storage.FileDSN(filepath.Join(cfg.DataDir, "sigmacore.db"))
	if err != nil {
		return nil, err
	}
	return storage.OpenSQLite(dsn)
}
