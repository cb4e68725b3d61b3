// Package api exposes the HTTP status and control surface of the crawl
// engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/db"
	"github.com/EconGraph/econ-graph-sub004/internal/metrics"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/ratelimit"
	"github.com/EconGraph/econ-graph-sub004/internal/scheduler"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// SchedulerControl is the scheduler surface the control endpoints drive.
type SchedulerControl interface {
	TriggerCrawl(ctx context.Context, sourceKey string) error
	PauseSource(key string) error
	ResumeSource(key string) error
	StopAll()
}

// Handler holds dependencies for API handlers
type Handler struct {
	Metrics   *metrics.Aggregator
	Scheduler SchedulerControl
	Registry  *sources.Registry
	Limiter   *ratelimit.SourceLimiter
	Config    *config.Store
	Queue     *queue.CrawlQueue
	DB        *db.DB // nil when running memory-only
}

// NewHandler creates a new API handler with dependencies
func NewHandler(agg *metrics.Aggregator, sched SchedulerControl, reg *sources.Registry, limiter *ratelimit.SourceLimiter, cfg *config.Store, q *queue.CrawlQueue, database *db.DB) *Handler {
	return &Handler{
		Metrics:   agg,
		Scheduler: sched,
		Registry:  reg,
		Limiter:   limiter,
		Config:    cfg,
		Queue:     q,
		DB:        database,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("/v1/crawler/status", h.CrawlerStatus)
	mux.HandleFunc("/v1/crawler/queue", h.QueueStatistics)
	mux.HandleFunc("/v1/crawler/performance", h.PerformanceSnapshot)

	mux.HandleFunc("/v1/crawler/trigger", h.TriggerCrawl)
	mux.HandleFunc("/v1/crawler/pause", h.PauseSource)
	mux.HandleFunc("/v1/crawler/resume", h.ResumeSource)
	mux.HandleFunc("/v1/crawler/stop", h.StopAll)

	mux.HandleFunc("/v1/sources", h.ListSources)
	mux.HandleFunc("/v1/sources/", h.UpdateSource) // /v1/sources/:key

	mux.HandleFunc("/v1/config", h.ConfigHandler)

	mux.Handle("/metrics", metrics.Handler())
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "econ-graph-crawler", Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB == nil {
		WriteUnhealthy(w, r, "postgresql", fmt.Errorf("database connection not configured"))
		return
	}

	if err := h.DB.Client().Ping(); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", "")
}

// CrawlerStatus returns the aggregated engine status.
func (h *Handler) CrawlerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteSuccess(w, r, h.Metrics.CrawlerStatus(), "")
}

// QueueStatistics returns per-state queue counts and derived rates.
func (h *Handler) QueueStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteSuccess(w, r, h.Metrics.QueueStatistics(), "")
}

// PerformanceSnapshot returns process resource usage.
func (h *Handler) PerformanceSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteSuccess(w, r, h.Metrics.PerformanceSnapshot(), "")
}

type controlRequest struct {
	SourceKey string `json:"source_key"`
}

func decodeControl(r *http.Request) (controlRequest, error) {
	var req controlRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

// TriggerCrawl forces an immediate enqueue pass for one or all sources.
func (h *Handler) TriggerCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, err := decodeControl(r)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	if err := h.Scheduler.TriggerCrawl(r.Context(), req.SourceKey); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrMaintenanceMode):
			Conflict(w, r, err.Error())
		case errors.Is(err, sources.ErrSourceNotFound):
			NotFound(w, r, err.Error())
		default:
			InternalError(w, r, err)
		}
		return
	}

	WriteAccepted(w, r, "crawl triggered")
}

// PauseSource disables one source.
func (h *Handler) PauseSource(w http.ResponseWriter, r *http.Request) {
	h.toggleSource(w, r, false)
}

// ResumeSource re-enables one source.
func (h *Handler) ResumeSource(w http.ResponseWriter, r *http.Request) {
	h.toggleSource(w, r, true)
}

func (h *Handler) toggleSource(w http.ResponseWriter, r *http.Request, enable bool) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, err := decodeControl(r)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	if req.SourceKey == "" {
		BadRequest(w, r, "source_key is required")
		return
	}

	var action func(string) error
	verb := "paused"
	if enable {
		action = h.Scheduler.ResumeSource
		verb = "resumed"
	} else {
		action = h.Scheduler.PauseSource
	}

	if err := action(req.SourceKey); err != nil {
		if errors.Is(err, sources.ErrSourceNotFound) {
			NotFound(w, r, err.Error())
			return
		}
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, nil, fmt.Sprintf("source %s %s", req.SourceKey, verb))
}

// StopAll gracefully disables the crawler. In-flight attempts drain.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	h.Scheduler.StopAll()
	WriteAccepted(w, r, "crawler stopping, in-flight attempts will drain")
}

// ListSources returns every registered source with its config and health.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteSuccess(w, r, h.Registry.List(), "")
}

// sourceUpdate carries the operator-editable source fields. Pointer fields
// distinguish "not sent" from zero values.
type sourceUpdate struct {
	Name               *string `json:"name"`
	Enabled            *bool   `json:"enabled"`
	Priority           *int    `json:"priority"`
	RateLimitPerMinute *int    `json:"rate_limit_per_minute"`
	TimeoutSeconds     *int    `json:"timeout_seconds"`
	RetryAttempts      *int    `json:"retry_attempts"`
	CrawlFrequencyHrs  *int    `json:"crawl_frequency_hours"`
}

// UpdateSource applies a partial configuration update to one source. Invalid
// values are rejected synchronously with a validation error.
func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/sources/")
	if key == "" || strings.Contains(key, "/") {
		NotFound(w, r, "unknown source path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		src, err := h.Registry.Get(key)
		if err != nil {
			NotFound(w, r, err.Error())
			return
		}
		WriteSuccess(w, r, src, "")
	case http.MethodPut, http.MethodPatch:
		src, err := h.Registry.Get(key)
		if err != nil {
			NotFound(w, r, err.Error())
			return
		}

		var upd sourceUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			BadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		if upd.Name != nil {
			src.Name = *upd.Name
		}
		if upd.Enabled != nil {
			src.Enabled = *upd.Enabled
		}
		if upd.Priority != nil {
			src.Priority = *upd.Priority
		}
		if upd.RateLimitPerMinute != nil {
			src.RateLimitPerMinute = *upd.RateLimitPerMinute
		}
		if upd.TimeoutSeconds != nil {
			src.Timeout = time.Duration(*upd.TimeoutSeconds) * time.Second
		}
		if upd.RetryAttempts != nil {
			src.RetryAttempts = *upd.RetryAttempts
		}
		if upd.CrawlFrequencyHrs != nil {
			src.CrawlFrequency = time.Duration(*upd.CrawlFrequencyHrs) * time.Hour
		}

		if err := h.Registry.Register(src); err != nil {
			ValidationError(w, r, err)
			return
		}
		h.Limiter.SetRate(src.Key, src.RateLimitPerMinute)

		updated, _ := h.Registry.Get(key)
		WriteSuccess(w, r, updated, "source updated")
	default:
		MethodNotAllowed(w, r)
	}
}

// ConfigHandler reads and replaces the global engine configuration.
func (h *Handler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteSuccess(w, r, h.Config.Get(), "")
	case http.MethodPut:
		var g config.Global
		if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
			BadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := h.Config.Update(g); err != nil {
			ValidationError(w, r, err)
			return
		}
		WriteSuccess(w, r, h.Config.Get(), "configuration updated")
	default:
		MethodNotAllowed(w, r)
	}
}
