package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped", fmt.Errorf("reprice: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"numeric overflow", &pgconn.PgError{Code: "22003"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConflict(tt.err); got != tt.want {
				t.Errorf("isConflict(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test to protect live database")
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestTxRunner_Retries(t *testing.T) {
	pool := testPool(t)
	settings := DefaultSettings()
	settings.MaxConflictRetries = 2
	runner := txRunner{pool: pool, settings: settings}
	ctx := context.Background()

	calls := 0
	err := runner.run(ctx, "test", func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("persistent conflict: err = %v, want ErrConcurrencyConflict", err)
	}
	if calls != 3 {
		t.Errorf("persistent conflict: %d attempts, want 3", calls)
	}

	calls = 0
	err = runner.run(ctx, "test", func(pgx.Tx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("transient conflict: err = %v after %d attempts, want success on the second", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = runner.run(ctx, "test", func(pgx.Tx) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || errors.Is(err, ErrConcurrencyConflict) || calls != 1 {
		t.Errorf("plain error: err = %v after %d attempts, want boom once", err, calls)
	}
}
