package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hydro-costing/internal/metrics"

	"github.com/google/uuid"
)

// JobKind names a unit of deferred, best-effort work.
type JobKind string

const (
	// JobComponentMovements appends component-level reporting movements for
	// the materials of a committed purchase.
	JobComponentMovements JobKind = "component_movements"
)

type Job struct {
	ID         string  `json:"id"`
	Kind       JobKind `json:"kind"`
	PurchaseID int64   `json:"purchase_id"`
	// MaterialIDs limits the job to these materials of the purchase; empty
	// means every material.
	MaterialIDs []int64   `json:"material_ids,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// JobHandler processes one job. Its error is logged and counted, never
// returned to whoever enqueued the job.
type JobHandler func(ctx context.Context, job Job) error

// Queue is a bounded in-process hand-off between request paths and the worker.
type Queue struct {
	mu     sync.RWMutex
	jobs   chan Job
	closed bool
	logger *slog.Logger
}

func NewQueue(buffer int, logger *slog.Logger) *Queue {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{jobs: make(chan Job, buffer), logger: logger}
}

// Enqueue never blocks. A full or closed queue drops the job with a warning and
// reports ok=false.
func (q *Queue) Enqueue(job Job) (id string, ok bool) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.JobsDropped.Inc()
		q.logger.Warn("job dropped, queue closed", "job_id", job.ID, "kind", job.Kind)
		return job.ID, false
	}
	select {
	case q.jobs <- job:
		return job.ID, true
	default:
		metrics.JobsDropped.Inc()
		q.logger.Warn("job dropped, queue full", "job_id", job.ID, "kind", job.Kind, "capacity", cap(q.jobs))
		return job.ID, false
	}
}

// Close stops accepting jobs. Jobs already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Len is the number of jobs waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Worker drains a Queue, dispatching by job kind.
type Worker struct {
	queue    *Queue
	handlers map[JobKind]JobHandler
	logger   *slog.Logger
}

func NewWorker(queue *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, handlers: make(map[JobKind]JobHandler), logger: logger}
}

// Handle registers h for kind. Call before Run.
func (w *Worker) Handle(kind JobKind, h JobHandler) {
	w.handlers[kind] = h
}

// Run processes jobs until ctx is done or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-w.queue.jobs:
			if !ok {
				return nil
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	start := time.Now()
	err := w.dispatch(ctx, job)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "error").Inc()
		w.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "ok").Inc()
	w.logger.Debug("job done", "job_id", job.ID, "kind", job.Kind, "duration", time.Since(start))
}

func (w *Worker) dispatch(ctx context.Context, job Job) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("panic: %v", rv)
		}
	}()
	h, ok := w.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	return h(ctx, job)
}
