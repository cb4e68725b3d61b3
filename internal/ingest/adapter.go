// Package ingest defines the per-source fetch-and-ingest contract. Adapters
// are the only source-specific code in the engine; everything else reacts to
// their three-way outcome.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the adapter's verdict for one work item.
type Status string

const (
	// StatusSucceeded means the item was fetched and persisted. A non-empty
	// Detail marks a partial success (some data points were skipped).
	StatusSucceeded Status = "succeeded"
	// StatusRetryable covers transient faults: network errors, timeouts,
	// 5xx responses and remote rate limiting.
	StatusRetryable Status = "retryable"
	// StatusPermanent covers faults that retrying cannot fix: malformed or
	// unsupported documents, and 4xx responses other than rate limits.
	StatusPermanent Status = "permanent"
)

// Result reports one FetchAndIngest execution.
type Result struct {
	Status         Status
	Detail         string
	PointsIngested int
	PointsExpected int
	RateLimited    bool // remote signalled 429; distinguished for metrics
	TimedOut       bool
}

// Adapter is implemented once per data source.
type Adapter interface {
	// SourceKey returns the stable registry key this adapter serves.
	SourceKey() string
	// ListDueWork returns the work items currently due for (re)fetch.
	ListDueWork(ctx context.Context) ([]string, error)
	// FetchAndIngest fetches one work item and persists the results. The
	// context carries the source's configured timeout.
	FetchAndIngest(ctx context.Context, workItem string) Result
}

// Registry maps source keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceKey()] = a
}

func (r *Registry) Get(sourceKey string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceKey]
	return a, ok
}

// Keys returns the registered source keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// ClassifyStatusCode maps an HTTP response code onto an outcome status.
// 429 and 5xx are retryable; other non-2xx codes are permanent.
func ClassifyStatusCode(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSucceeded
	case code == http.StatusTooManyRequests || code >= 500:
		return StatusRetryable
	default:
		return StatusPermanent
	}
}

// ClassifyError maps a transport-level error onto a Result. Deadline expiry
// is reported with the distinguished timeout kind.
func ClassifyError(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Status: StatusRetryable, Detail: "timeout", TimedOut: true}
	case errors.As(err, &netErr) && netErr.Timeout():
		return Result{Status: StatusRetryable, Detail: "timeout", TimedOut: true}
	default:
		return Result{Status: StatusRetryable, Detail: fmt.Sprintf("network error: %v", err)}
	}
}

// NewHTTPClient builds the client adapters share: pooled transport, bounded
// handshake, no client-level timeout (the per-attempt context carries it).
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
