package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/maltedev/stock-prober/internal/database"
	"github.com/maltedev/stock-prober/internal/feed"
	"github.com/maltedev/stock-prober/internal/jobs"
	"github.com/maltedev/stock-prober/internal/storage"
)

// Outbox health thresholds.
const (
	pendingWarning   = 1000
	deadLetterError  = 100
	healthCheckLimit = 5 * time.Second
)

type JobManager interface {
	Trigger(ctx context.Context) (*jobs.Job, error)
	Get(jobID string) (*jobs.Job, error)
	List() []*jobs.Job
}

// OutboxCounter reports outbox backlog for the health check.
type OutboxCounter interface {
	CountByStatus(ctx context.Context, statuses ...string) (int64, error)
}

type Handlers struct {
	jobs       JobManager
	outbox     OutboxCounter
	record     *storage.FileStore
	feedPath   string
	feedFormat string
	// runCtx outlives requests so a triggered run is not cancelled with them
	runCtx context.Context
	logger *slog.Logger
}

type Options struct {
	Record     *storage.FileStore
	FeedPath   string
	FeedFormat string
	// Outbox is optional; without it health reports no outbox section.
	Outbox OutboxCounter
}

func NewHandlers(runCtx context.Context, jobManager JobManager, opts Options, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:       jobManager,
		outbox:     opts.Outbox,
		record:     opts.Record,
		feedPath:   opts.FeedPath,
		feedFormat: opts.FeedFormat,
		runCtx:     runCtx,
		logger:     logger.With("component", "api"),
	}
}

// Routes wires the handlers into a chi router.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/feed", h.GetFeed)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stocks", h.GetStocks)

		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runID}", h.GetRun)
	})

	return r
}

// Health reports ok unless the outbox is backing up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckLimit)
		defer cancel()

		pending, err := h.outbox.CountByStatus(ctx, database.OutboxStatusPending, database.OutboxStatusFailed)
		if err != nil {
			h.logger.Error("failed to count pending events", "error", err)
			h.respondError(w, http.StatusServiceUnavailable, "outbox unavailable")
			return
		}
		deadLetter, err := h.outbox.CountByStatus(ctx, database.OutboxStatusDeadLetter)
		if err != nil {
			h.logger.Error("failed to count dead letter events", "error", err)
			h.respondError(w, http.StatusServiceUnavailable, "outbox unavailable")
			return
		}

		health["outbox"] = map[string]interface{}{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > pendingWarning {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > deadLetterError {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// GetStocks serves the current JSON record.
func (h *Handlers) GetStocks(w http.ResponseWriter, r *http.Request) {
	entries, err := h.record.Load(r.Context())
	if err != nil {
		h.logger.Error("failed to load record", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load stocks")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := feed.WriteRecords(w, entries); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// GetFeed serves the feed artifact written by the last run.
func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.feedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.respondError(w, http.StatusNotFound, "feed not generated yet")
			return
		}
		h.logger.Error("failed to read feed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read feed")
		return
	}

	w.Header().Set("Content-Type", feed.ContentType(h.feedFormat))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write feed", "error", err)
	}
}

// CreateRun triggers a crawl.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Trigger(h.runCtx)
	if err != nil {
		if errors.Is(err, jobs.ErrRunInProgress) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to trigger run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to trigger run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.respondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	job, err := h.jobs.Get(runID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.List())
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
