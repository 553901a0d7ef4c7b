package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr            string
		AllowedOrigins  string        `mapstructure:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	Metrics struct {
		Enabled        bool
		VerifyInterval time.Duration `mapstructure:"verify_interval"`
	} `mapstructure:"metrics"`

	Costing struct {
		DefaultMargin      string        `mapstructure:"default_margin"`
		CurrencyPlaces     int32         `mapstructure:"currency_places"`
		LegacyFallback     bool          `mapstructure:"legacy_fallback"`
		MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
		TxTimeout          time.Duration `mapstructure:"tx_timeout"`
		CascadeParallelism int           `mapstructure:"cascade_parallelism"`
	} `mapstructure:"costing"`

	Jobs struct {
		Buffer int
	} `mapstructure:"jobs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", "")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.verify_interval", "15m")
	v.SetDefault("costing.default_margin", "0.30")
	v.SetDefault("costing.currency_places", 2)
	v.SetDefault("costing.legacy_fallback", true)
	v.SetDefault("costing.max_conflict_retries", 3)
	v.SetDefault("costing.tx_timeout", "5s")
	v.SetDefault("costing.cascade_parallelism", 4)
	v.SetDefault("jobs.buffer", 64)
}

// Load reads path (optional, YAML) and HYDRO_* environment overrides, e.g.
// HYDRO_POSTGRES_DSN or HYDRO_COSTING_DEFAULT_MARGIN. An empty path means
// defaults plus environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HYDRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return c, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
	if _, err := c.Settings(); err != nil {
		return c, err
	}
	return c, nil
}

// Settings converts the costing section into core.Settings.
func (c Config) Settings() (core.Settings, error) {
	s := core.DefaultSettings()
	margin, err := decimal.NewFromString(c.Costing.DefaultMargin)
	if err != nil {
		return s, fmt.Errorf("costing.default_margin %q: %w", c.Costing.DefaultMargin, err)
	}
	if margin.LessThanOrEqual(decimal.NewFromInt(-1)) {
		return s, fmt.Errorf("costing.default_margin must be greater than -1, got %s", margin)
	}
	if c.Costing.CurrencyPlaces < 0 {
		return s, fmt.Errorf("costing.currency_places cannot be negative, got %d", c.Costing.CurrencyPlaces)
	}
	if c.Costing.MaxConflictRetries < 0 {
		return s, fmt.Errorf("costing.max_conflict_retries cannot be negative, got %d", c.Costing.MaxConflictRetries)
	}
	s.DefaultMargin = margin
	s.CurrencyPlaces = c.Costing.CurrencyPlaces
	s.LegacyFallback = c.Costing.LegacyFallback
	s.MaxConflictRetries = c.Costing.MaxConflictRetries
	s.TxTimeout = c.Costing.TxTimeout
	if c.Costing.CascadeParallelism > 0 {
		s.CascadeParallelism = c.Costing.CascadeParallelism
	}
	return s, nil
}
