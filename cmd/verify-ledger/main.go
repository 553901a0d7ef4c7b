// verify-ledger replays every material's movement log and compares the result
// with the stored stock. It exits non-zero on any mismatch.
//
// Usage: go run ./cmd/verify-ledger
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"hydro-costing/internal/app"
	"hydro-costing/internal/config"
	"hydro-costing/internal/db"
	"hydro-costing/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HYDRO_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	ok, err := verify(cfg, log)
	if err != nil {
		log.Error("verify failed", "error", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

func verify(cfg config.Config, log *slog.Logger) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	version, err := db.MigrationVersion(cfg.Postgres.DSN)
	if err != nil {
		return false, err
	}
	log.Info("schema", "version", version)

	settings, err := cfg.Settings()
	if err != nil {
		return false, err
	}
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return false, err
	}
	defer pool.Close()

	svc := app.NewAppService(app.NewServices(pool, settings, nil, log), settings)
	result, err := svc.VerifyLedger(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range result.Inconsistent {
		fmt.Printf("[MISMATCH] material %d: stored %d, replayed %d over %d movements\n",
			r.MaterialID, r.StoredStock, r.ReplayedStock, r.Movements)
	}
	fmt.Printf("[DONE] %d materials checked, %d inconsistent\n", result.Checked, len(result.Inconsistent))
	return result.OK(), nil
}
