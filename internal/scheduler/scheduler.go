// Package scheduler drives the timer loop that turns source schedules into
// queued crawl attempts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/ingest"
	"github.com/EconGraph/econ-graph-sub004/internal/metrics"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// terminalRetention is how long completed and failed attempts stay visible
// in the queue for status queries before the purge pass drops them.
const terminalRetention = 24 * time.Hour

var ErrMaintenanceMode = errors.New("crawler is in maintenance mode")

// Notifier wakes the worker pool after new work is enqueued.
type Notifier interface {
	Notify()
}

// Store is the optional persistence hook. A nil store runs the engine
// memory-only.
type Store interface {
	SaveQueueSnapshot(ctx context.Context, attempts []queue.Attempt) error
	SaveSources(ctx context.Context, list []sources.DataSource) error
}

// Scheduler ticks once a minute, enqueues due work per source, requeues
// elapsed retries, and periodically persists queue and source state.
type Scheduler struct {
	queue    *queue.CrawlQueue
	registry *sources.Registry
	adapters *ingest.Registry
	cfg      *config.Store
	notifier Notifier
	store    Store

	tick     time.Duration
	stopCh   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	lastRunAt time.Time
	nextRunAt time.Time

	now func() time.Time
}

// New builds a scheduler with the standard 1-minute tick.
func New(q *queue.CrawlQueue, reg *sources.Registry, adapters *ingest.Registry, cfg *config.Store, notifier Notifier, store Store) *Scheduler {
	return &Scheduler{
		queue:    q,
		registry: reg,
		adapters: adapters,
		cfg:      cfg,
		notifier: notifier,
		store:    store,
		tick:     time.Minute,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.nextRunAt = s.now().Add(s.tick)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	log.Info().Dur("tick", s.tick).Msg("Scheduler started")
}

// Stop halts the tick loop and waits for an in-progress pass to finish.
func (s *Scheduler) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx, false, "")
		}
	}
}

// runPass executes one scheduling cycle. Retry requeue and queue purge run
// unconditionally; new enqueues are gated on the global flags and, unless
// forced, on each source's schedule frequency.
func (s *Scheduler) runPass(ctx context.Context, force bool, onlySource string) {
	span := sentry.StartSpan(ctx, "scheduler.pass")
	defer span.Finish()

	now := s.now()
	s.mu.Lock()
	s.lastRunAt = now
	s.nextRunAt = now.Add(s.tick)
	s.mu.Unlock()

	// Retries of already-admitted work are not new scheduling decisions.
	if moved := s.queue.RequeueDueRetries(); moved > 0 {
		log.Debug().Int("count", moved).Msg("Requeued attempts past their retry backoff")
		s.notifier.Notify()
	}
	if purged := s.queue.PurgeTerminal(terminalRetention); purged > 0 {
		log.Debug().Int("count", purged).Msg("Purged old terminal attempts")
	}

	cfg := s.cfg.Get()
	switch {
	case cfg.MaintenanceMode:
		metrics.ObserveScheduleSkipped("maintenance_mode")
	case !cfg.CrawlerEnabled && !force:
		metrics.ObserveScheduleSkipped("crawler_disabled")
	default:
		s.enqueueDue(span.Context(), cfg, force, onlySource, now)
		metrics.ObserveScheduleRun()
	}

	s.publishQueueDepth()
	s.persist(ctx)
}

func (s *Scheduler) enqueueDue(ctx context.Context, cfg config.Global, force bool, onlySource string, now time.Time) {
	for _, src := range s.registry.Enabled() {
		if onlySource != "" && src.Key != onlySource {
			continue
		}
		if !force && !s.frequencyElapsed(src, cfg, now) {
			continue
		}

		adapter, ok := s.adapters.Get(src.Key)
		if !ok {
			log.Warn().Str("source", src.Key).Msg("Source enabled but no ingestion adapter registered")
			continue
		}

		items, err := adapter.ListDueWork(ctx)
		if err != nil {
			log.Error().Err(err).Str("source", src.Key).Msg("Failed to list due work")
			sentry.CaptureException(err)
			continue
		}

		enqueued, dropped := 0, 0
		for _, item := range items {
			if _, err := s.queue.Enqueue(src.Key, item, src.Priority); err != nil {
				if errors.Is(err, queue.ErrQueueFull) {
					// Back-pressure, not an engine fault; the source is
					// retried next tick.
					dropped++
					metrics.ObserveQueueDrop(src.Key)
					continue
				}
				log.Error().Err(err).Str("source", src.Key).Str("work_item", item).Msg("Failed to enqueue work item")
				continue
			}
			enqueued++
		}

		s.registry.MarkScheduled(src.Key, now)
		if enqueued > 0 {
			s.notifier.Notify()
		}
		if enqueued > 0 || dropped > 0 {
			log.Info().
				Str("source", src.Key).
				Int("enqueued", enqueued).
				Int("dropped", dropped).
				Msg("Scheduled crawl work")
		}
	}
}

// frequencyElapsed reports whether the source is due for a new enqueue pass.
// A per-source crawl frequency overrides the global schedule.
func (s *Scheduler) frequencyElapsed(src sources.DataSource, cfg config.Global, now time.Time) bool {
	if src.LastScheduledAt.IsZero() {
		return true
	}
	interval := cfg.ScheduleFrequency.Interval()
	if src.CrawlFrequency > 0 {
		interval = src.CrawlFrequency
	}
	return now.Sub(src.LastScheduledAt) >= interval
}

// TriggerCrawl forces an immediate enqueue pass for one source, or all when
// sourceKey is empty. It bypasses the schedule-frequency gate but not
// maintenance mode or queue back-pressure.
func (s *Scheduler) TriggerCrawl(ctx context.Context, sourceKey string) error {
	cfg := s.cfg.Get()
	if cfg.MaintenanceMode {
		return ErrMaintenanceMode
	}
	if sourceKey != "" {
		if _, err := s.registry.Get(sourceKey); err != nil {
			return fmt.Errorf("cannot trigger crawl: %w", err)
		}
	}
	log.Info().Str("source", sourceKey).Msg("Manual crawl triggered")
	s.runPass(ctx, true, sourceKey)
	return nil
}

// PauseSource disables one source; queued work for it stays but is no longer
// eligible for dequeue.
func (s *Scheduler) PauseSource(key string) error {
	return s.registry.SetEnabled(key, false)
}

// ResumeSource re-enables a paused source.
func (s *Scheduler) ResumeSource(key string) error {
	return s.registry.SetEnabled(key, true)
}

// StopAll gracefully halts new work admission. In-flight attempts drain.
func (s *Scheduler) StopAll() {
	s.cfg.SetCrawlerEnabled(false)
	log.Info().Msg("Crawler disabled, in-flight attempts will drain")
}

// LastRunAt and NextRunAt expose tick timing for status reporting.
func (s *Scheduler) LastRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt
}

func (s *Scheduler) NextRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunAt
}

func (s *Scheduler) publishQueueDepth() {
	stats := s.queue.Stats()
	metrics.SetQueueDepth("pending", stats.Pending)
	metrics.SetQueueDepth("processing", stats.Processing)
	metrics.SetQueueDepth("retrying", stats.Retrying)
	metrics.SetQueueDepth("completed", stats.Completed)
	metrics.SetQueueDepth("failed", stats.Failed)
}

// persist writes the queue snapshot and source state when a store is wired.
func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.store.SaveQueueSnapshot(persistCtx, s.queue.Snapshot()); err != nil {
		log.Error().Err(err).Msg("Failed to persist queue snapshot")
	}
	if err := s.store.SaveSources(persistCtx, s.registry.List()); err != nil {
		log.Error().Err(err).Msg("Failed to persist source state")
	}
}
