package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "hydro-costing/internal/adapters/web"
	"hydro-costing/internal/app"
	"hydro-costing/internal/config"
	"hydro-costing/internal/db"
	"hydro-costing/internal/logger"
	"hydro-costing/internal/metrics"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("HYDRO_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	if err := db.Migrate(cfg.Postgres.DSN); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := app.NewAppService(app.NewServices(pool, settings, nil, log), settings)

	opts := webAdapter.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         log,
		Ready:          pool.Ping,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           webAdapter.NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Metrics.VerifyInterval > 0 {
		g.Go(func() error {
			verifyLoop(gctx, svc, cfg.Metrics.VerifyInterval, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// verifyLoop replays the movement ledger every interval and publishes the
// number of mismatched materials.
func verifyLoop(ctx context.Context, svc app.ApplicationService, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := svc.VerifyLedger(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("ledger verification failed", "error", err)
		case err == nil:
			metrics.LedgerMismatches.Set(float64(len(result.Inconsistent)))
			if !result.OK() {
				log.Warn("ledger mismatch", "materials", len(result.Inconsistent), "checked", result.Checked)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
