// Package handlers exposes the ingest pipeline over HTTP.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Runner admits and dispatches work
type Runner interface {
	Submit(ctx context.Context, req workflows.SubmitRequest) (*workflows.Submission, error)
	Reprocess(ctx context.Context, id string, force bool) (*workflows.Submission, error)
	Sweep(ctx context.Context, concurrency int) (*pipeline.SweepResponse, error)
}

// Lister answers read-only queries
type Lister interface {
	ListSource(ctx context.Context, since string) ([]pipeline.FileView, error)
	ListProcessed(ctx context.Context, since string) ([]pipeline.FileView, error)
	StatusMap(ctx context.Context) (*pipeline.StatusMapResponse, error)
	Status(ctx context.Context, identifier string, kind resolver.Kind) (*pipeline.RecordView, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler
type Config struct {
	Runner           Runner
	Lister           Lister
	Health           Pinger // optional
	Gatherer         prometheus.Gatherer
	SweepConcurrency int
	Logger           *slog.Logger
}

// Handler serves the ingest API
type Handler struct {
	runner           Runner
	lister           Lister
	health           Pinger
	gatherer         prometheus.Gatherer
	sweepConcurrency int
	logger           *slog.Logger
}

// New creates a Handler
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		runner:           cfg.Runner,
		lister:           cfg.Lister,
		health:           cfg.Health,
		gatherer:         cfg.Gatherer,
		sweepConcurrency: cfg.SweepConcurrency,
		logger:           cfg.Logger,
	}
}

// Register mounts every route on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/files", h.HandleList)
	mux.HandleFunc("GET /api/files/status", h.HandleStatusMap)
	mux.HandleFunc("GET /api/files/{identifier...}", h.HandleStatus)
	mux.HandleFunc("POST /api/files/process", h.HandleProcess)
	mux.HandleFunc("POST /api/files/{id}/reprocess", h.HandleReprocess)
	mux.HandleFunc("POST /api/process", h.HandleSweep)
}

// Routes returns a mux with every route mounted
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
