// Package sources holds the configuration and mutable health state of every
// known external data provider.
package sources

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Health classifies a source from its recent attempt outcomes. It is derived
// and non-authoritative; the engine never auto-disables a source on error.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthWarning Health = "warning"
	HealthError   Health = "error"
)

// errorStreakThreshold is how many consecutive failures demote a source from
// warning to error.
const errorStreakThreshold = 3

var ErrSourceNotFound = errors.New("data source not found")

// DataSource is the per-provider configuration plus engine-maintained state.
type DataSource struct {
	Key                string        `json:"key"`
	Name               string        `json:"name"`
	Enabled            bool          `json:"enabled"`
	Priority           int           `json:"priority"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	Timeout            time.Duration `json:"timeout"`
	RetryAttempts      int           `json:"retry_attempts"`
	CrawlFrequency     time.Duration `json:"crawl_frequency"` // 0 = follow the global schedule

	Health          Health    `json:"health"`
	LastSuccessAt   time.Time `json:"last_success_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastScheduledAt time.Time `json:"last_scheduled_at,omitempty"`

	failureStreak int
}

// Validate rejects configuration invariant violations synchronously, before
// the source is visible to the scheduler.
func (ds *DataSource) Validate() error {
	if ds.Key == "" {
		return errors.New("source key is required")
	}
	if ds.RateLimitPerMinute <= 0 {
		return fmt.Errorf("source %s: rate_limit must be greater than 0", ds.Key)
	}
	if ds.Timeout <= 0 {
		return fmt.Errorf("source %s: timeout must be greater than 0", ds.Key)
	}
	if ds.RetryAttempts < 0 {
		return fmt.Errorf("source %s: retry_attempts cannot be negative", ds.Key)
	}
	return nil
}

// Registry is the shared store of data sources. Configuration writes and
// engine health updates are serialised behind one RWMutex; reads get copies.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*DataSource
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*DataSource)}
}

// Register adds or replaces a source after validation. New sources start
// healthy.
func (r *Registry) Register(ds DataSource) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if ds.Health == "" {
		ds.Health = HealthHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sources[ds.Key]; ok {
		// Preserve engine-owned state across configuration edits.
		ds.Health = existing.Health
		ds.LastSuccessAt = existing.LastSuccessAt
		ds.LastError = existing.LastError
		ds.LastScheduledAt = existing.LastScheduledAt
		ds.failureStreak = existing.failureStreak
	}
	r.sources[ds.Key] = &ds
	return nil
}

// Restore replaces a source including its engine-owned state. Used on
// startup to rehydrate persisted health and schedule markers.
func (r *Registry) Restore(ds DataSource) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if ds.Health == "" {
		ds.Health = HealthHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ds.Key] = &ds
	return nil
}

// Get returns a copy of the source.
func (r *Registry) Get(key string) (DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.sources[key]
	if !ok {
		return DataSource{}, ErrSourceNotFound
	}
	return *ds, nil
}

// List returns copies of all sources ordered by priority then key.
func (r *Registry) List() []DataSource {
	r.mu.RLock()
	out := make([]DataSource, 0, len(r.sources))
	for _, ds := range r.sources {
		out = append(out, *ds)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Enabled returns copies of enabled sources, priority order.
func (r *Registry) Enabled() []DataSource {
	all := r.List()
	out := all[:0]
	for _, ds := range all {
		if ds.Enabled {
			out = append(out, ds)
		}
	}
	return out
}

// SetEnabled pauses or resumes a source. Disabling stops new attempts; work
// already in flight runs to completion.
func (r *Registry) SetEnabled(key string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[key]
	if !ok {
		return ErrSourceNotFound
	}
	if ds.Enabled != enabled {
		ds.Enabled = enabled
		log.Info().Str("source", key).Bool("enabled", enabled).Msg("Source enablement changed")
	}
	return nil
}

// MarkScheduled records that the scheduler ran an enqueue pass for the source.
func (r *Registry) MarkScheduled(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds, ok := r.sources[key]; ok {
		ds.LastScheduledAt = at
	}
}

// RecordOutcome folds one terminal-or-retrying attempt outcome into the
// source's derived health. A clean success restores healthy, a partial
// success (non-empty detail) yields warning, and failures escalate from
// warning to error after a streak.
func (r *Registry) RecordOutcome(key string, ok bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, found := r.sources[key]
	if !found {
		return
	}

	if ok {
		ds.failureStreak = 0
		ds.LastSuccessAt = time.Now().UTC()
		ds.LastError = ""
		if detail != "" {
			ds.Health = HealthWarning
			ds.LastError = detail
		} else {
			ds.Health = HealthHealthy
		}
		return
	}

	ds.failureStreak++
	ds.LastError = detail
	if ds.failureStreak >= errorStreakThreshold {
		if ds.Health != HealthError {
			log.Warn().
				Str("source", key).
				Int("failure_streak", ds.failureStreak).
				Str("last_error", detail).
				Msg("Source health degraded to error")
		}
		ds.Health = HealthError
	} else {
		ds.Health = HealthWarning
	}
}
