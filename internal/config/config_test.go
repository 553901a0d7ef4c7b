package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hydro-costing/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://fallback/db" {
		t.Errorf("DSN = %q, want DATABASE_URL fallback", cfg.Postgres.DSN)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Jobs.Buffer != 64 {
		t.Errorf("jobs.buffer = %d, want 64", cfg.Jobs.Buffer)
	}
	if cfg.Metrics.VerifyInterval != 15*time.Minute {
		t.Errorf("metrics.verify_interval = %s, want 15m", cfg.Metrics.VerifyInterval)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.DefaultMargin.String() != "0.3" {
		t.Errorf("default margin = %s, want 0.3", s.DefaultMargin)
	}
	if s.CurrencyPlaces != 2 || !s.LegacyFallback || s.MaxConflictRetries != 3 {
		t.Errorf("unexpected settings: %+v", s)
	}
	if s.TxTimeout != 5*time.Second {
		t.Errorf("tx timeout = %s, want 5s", s.TxTimeout)
	}
	if s.CascadeParallelism != 4 {
		t.Errorf("cascade parallelism = %d, want 4", s.CascadeParallelism)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
app:
  env: dev
postgres:
  dsn: postgres://file/db
costing:
  default_margin: "0.25"
  legacy_fallback: false
  tx_timeout: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HYDRO_COSTING_CASCADE_PARALLELISM", "9")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Env != "dev" {
		t.Errorf("app.env = %q, want dev", cfg.App.Env)
	}
	if cfg.Postgres.DSN != "postgres://file/db" {
		t.Errorf("DSN = %q, want file value", cfg.Postgres.DSN)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.DefaultMargin.String() != "0.25" {
		t.Errorf("default margin = %s, want 0.25", s.DefaultMargin)
	}
	if s.LegacyFallback {
		t.Error("legacy fallback should be disabled by the file")
	}
	if s.TxTimeout != 2*time.Second {
		t.Errorf("tx timeout = %s, want 2s", s.TxTimeout)
	}
	if s.CascadeParallelism != 9 {
		t.Errorf("cascade parallelism = %d, want 9 from env", s.CascadeParallelism)
	}
}

func TestLoad_RejectsBadMargin(t *testing.T) {
	t.Setenv("HYDRO_COSTING_DEFAULT_MARGIN", "-1")
	if _, err := config.Load(""); err == nil {
		t.Fatal("expected error for margin of -1")
	}
}
