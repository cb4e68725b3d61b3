//go:build unit || !integration

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/ingest"
	"github.com/EconGraph/econ-graph-sub004/internal/metrics"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/ratelimit"
	"github.com/EconGraph/econ-graph-sub004/internal/scheduler"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type noopNotifier struct{}

func (noopNotifier) Notify() {}

type stubPool struct{}

func (stubPool) ActiveWorkers() int  { return 1 }
func (stubPool) CurrentWorkers() int { return 5 }

type listAdapter struct {
	key   string
	items []string
}

func (l *listAdapter) SourceKey() string { return l.key }

func (l *listAdapter) ListDueWork(context.Context) ([]string, error) { return l.items, nil }

func (l *listAdapter) FetchAndIngest(context.Context, string) ingest.Result {
	return ingest.Result{Status: ingest.StatusSucceeded}
}

type fixture struct {
	mux   *http.ServeMux
	cfg   *config.Store
	reg   *sources.Registry
	queue *queue.CrawlQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.NewStore(config.Global{
		CrawlerEnabled:       true,
		MaxWorkers:           5,
		QueueSizeLimit:       100,
		DefaultTimeout:       30 * time.Second,
		DefaultRetryAttempts: 3,
		ScheduleFrequency:    config.FrequencyDaily,
	})
	require.NoError(t, err)

	reg := sources.NewRegistry()
	require.NoError(t, reg.Register(sources.DataSource{
		Key:                "fred",
		Name:               "Federal Reserve Economic Data",
		Enabled:            true,
		Priority:           1,
		RateLimitPerMinute: 120,
		Timeout:            30 * time.Second,
		RetryAttempts:      3,
	}))

	adapters := ingest.NewRegistry()
	adapters.Register(&listAdapter{key: "fred", items: []string{"GDP"}})

	limiter := ratelimit.NewSourceLimiter()
	limiter.SetRate("fred", 120)

	q := queue.NewCrawlQueue(func() int { return cfg.Get().QueueSizeLimit })
	sched := scheduler.New(q, reg, adapters, cfg, noopNotifier{}, nil)
	agg := metrics.NewAggregator(q, reg, cfg, stubPool{}, sched)

	mux := http.NewServeMux()
	NewHandler(agg, sched, reg, limiter, cfg, q, nil).SetupRoutes(mux)
	return &fixture{mux: mux, cfg: cfg, reg: reg, queue: q}
}

type envelope struct {
	// status is a string ("success"/"accepted") on success responses and a
	// numeric HTTP status on error responses, so decode it type-agnostically.
	Status    any             `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id"`
}

func (fx *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthCheck(t *testing.T) {
	fx := newFixture(t)

	rec, _ := fx.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "econ-graph-crawler", health.Service)
}

func TestDatabaseHealthCheckWithoutDB(t *testing.T) {
	fx := newFixture(t)

	rec, _ := fx.do(t, http.MethodGet, "/health/db", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestCrawlerStatusEndpoint(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/crawler/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)

	var status metrics.CrawlerStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Running)
	assert.Equal(t, 5, status.MaxWorkers)
	assert.Equal(t, 1, status.ActiveWorkers)
}

func TestQueueStatisticsEndpoint(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.queue.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)

	rec, env := fx.do(t, http.MethodGet, "/v1/crawler/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats metrics.QueueStatistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Total)
}

func TestPerformanceEndpoint(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/crawler/performance", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var perf metrics.PerformanceSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &perf))
	assert.Positive(t, perf.Goroutines)
	assert.Equal(t, 1, perf.SourceHealthy)
}

func TestTriggerCrawl(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/trigger", `{"source_key":"fred"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", env.Status)
	assert.Equal(t, 1, fx.queue.Stats().Pending)
}

func TestTriggerCrawlUnknownSource(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/trigger", `{"source_key":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(ErrCodeNotFound), env.Code)
}

func TestTriggerCrawlMaintenanceMode(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.SetMaintenanceMode(true)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/trigger", `{"source_key":"fred"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(ErrCodeConflict), env.Code)
	assert.Equal(t, 0, fx.queue.Stats().Pending)
}

func TestTriggerCrawlWrongMethod(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/crawler/trigger", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, string(ErrCodeMethodNotAllowed), env.Code)
}

func TestPauseAndResumeSource(t *testing.T) {
	fx := newFixture(t)

	rec, _ := fx.do(t, http.MethodPost, "/v1/crawler/pause", `{"source_key":"fred"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	src, err := fx.reg.Get("fred")
	require.NoError(t, err)
	assert.False(t, src.Enabled)

	rec, _ = fx.do(t, http.MethodPost, "/v1/crawler/resume", `{"source_key":"fred"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	src, err = fx.reg.Get("fred")
	require.NoError(t, err)
	assert.True(t, src.Enabled)
}

func TestPauseRequiresSourceKey(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/pause", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "source_key is required")
}

func TestPauseUnknownSource(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/pause", `{"source_key":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(ErrCodeNotFound), env.Code)
}

func TestStopAll(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPost, "/v1/crawler/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", env.Status)
	assert.False(t, fx.cfg.Get().CrawlerEnabled)
}

func TestListSources(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []sources.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "fred", list[0].Key)
}

func TestGetSource(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/sources/fred", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var src sources.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &src))
	assert.Equal(t, "fred", src.Key)

	rec, _ = fx.do(t, http.MethodGet, "/v1/sources/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSource(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPatch, "/v1/sources/fred", `{"rate_limit_per_minute":60,"crawl_frequency_hours":6}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var src sources.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &src))
	assert.Equal(t, 60, src.RateLimitPerMinute)

	stored, err := fx.reg.Get("fred")
	require.NoError(t, err)
	assert.Equal(t, 60, stored.RateLimitPerMinute)
	assert.Equal(t, 6*time.Hour, stored.CrawlFrequency)
	// Untouched fields keep their values
	assert.Equal(t, "Federal Reserve Economic Data", stored.Name)
}

func TestUpdateSourceRejectsInvalid(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPatch, "/v1/sources/fred", `{"rate_limit_per_minute":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(ErrCodeValidation), env.Code)

	// The rejected write left the source unchanged
	stored, err := fx.reg.Get("fred")
	require.NoError(t, err)
	assert.Equal(t, 120, stored.RateLimitPerMinute)
}

func TestConfigEndpoint(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var g config.Global
	require.NoError(t, json.Unmarshal(env.Data, &g))
	assert.Equal(t, 5, g.MaxWorkers)

	body := `{"crawler_enabled":true,"max_workers":10,"queue_size_limit":500,"default_timeout":30000000000,"default_retry_attempts":3,"schedule_frequency":"hourly"}`
	rec, _ = fx.do(t, http.MethodPut, "/v1/config", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, fx.cfg.Get().MaxWorkers)
	assert.Equal(t, config.FrequencyHourly, fx.cfg.Get().ScheduleFrequency)
}

func TestConfigEndpointRejectsInvalid(t *testing.T) {
	fx := newFixture(t)

	rec, env := fx.do(t, http.MethodPut, "/v1/config", `{"max_workers":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(ErrCodeValidation), env.Code)
	assert.Equal(t, 5, fx.cfg.Get().MaxWorkers)
}
