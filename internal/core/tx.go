package core

import (
	"context"
	"errors"
	"fmt"

	"hydro-costing/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so read paths can run
// standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres SQLSTATEs that mean "lost a race, try again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
		return true
	}
	return false
}

// txRunner runs one unit of work per transaction: begin, fn, commit, with the
// configured timeout and a bounded retry on conflicts. fn must be safe to run
// again from the start.
type txRunner struct {
	pool     *pgxpool.Pool
	settings Settings
}

func (r txRunner) run(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.settings.MaxConflictRetries; attempt++ {
		err := r.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
		metrics.ConflictRetries.WithLabelValues(op).Inc()
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v",
		ErrConcurrencyConflict, r.settings.MaxConflictRetries+1, lastErr)
}

func (r txRunner) once(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if r.settings.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.TxTimeout)
		defer cancel()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
