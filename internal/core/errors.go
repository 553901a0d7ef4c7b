package core

import (
	"errors"
	"fmt"
)

// Error taxonomy of the costing core. Callers match with errors.Is; every
// error returned by a service wraps exactly one of these.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrPartialCascadeFailure = errors.New("partial cascade failure")
)

// OpError carries the attempted operation and the entity it targeted.
type OpError struct {
	Op     string
	Entity string
	ID     int64
	Err    error
}

func (e *OpError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %d: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op, entity string, id int64, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op {
		return err
	}
	return &OpError{Op: op, Entity: entity, ID: id, Err: err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s %d %w", entity, id, ErrNotFound)
}
