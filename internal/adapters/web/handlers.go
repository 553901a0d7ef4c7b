package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Options configures the HTTP adapter. Zero values are valid.
type Options struct {
	AllowedOrigins string
	Logger         *slog.Logger
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Handler serves the operational endpoints of the costing service. The core is
// driven through the CLI and REPL; HTTP carries only health and metrics.
type Handler struct {
	ready  func(ctx context.Context) error
	logger *slog.Logger
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{ready: opts.Ready, logger: logger}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))
	r.Use(CORS(opts.AllowedOrigins))

	r.Get("/api/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, codeRouteNotFound, "no route for %s", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "%s not allowed on %s", r.Method, r.URL.Path)
	})

	return r
}

// health reports whether the costing store is reachable.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeProblem(w, r, http.StatusServiceUnavailable, codeStoreUnavailable, "costing store unavailable: %v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
