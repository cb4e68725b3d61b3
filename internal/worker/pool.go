// Package worker runs the pool of goroutines that drain the crawl queue
// through the registered ingestion adapters.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/ingest"
	"github.com/EconGraph/econ-graph-sub004/internal/metrics"
	"github.com/EconGraph/econ-graph-sub004/internal/observability"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/ratelimit"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// errNoWork tells the worker loop that nothing was eligible this pass, so it
// should back off instead of spinning.
var errNoWork = errors.New("no eligible work")

// Pool manages a dynamically sized set of workers that pull attempts from the
// queue, honour per-source rate limits and timeouts, and feed outcomes back
// into the queue state machine and source health.
type Pool struct {
	queue    *queue.CrawlQueue
	registry *sources.Registry
	limiter  *ratelimit.SourceLimiter
	adapters *ingest.Registry
	cfg      *config.Store

	stopCh   chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool

	// currentWorkers is the configured target; liveWorkers counts the
	// goroutines actually running. They diverge during a scale-down while
	// excess workers drain their in-flight attempt, and a scale-up only
	// spawns the difference so the pool never exceeds the target.
	workersMutex   sync.RWMutex
	currentWorkers int
	liveWorkers    int
	nextWorkerID   int

	busyWorkers atomic.Int64

	now func() time.Time
}

// NewPool wires a worker pool. Workers are not started until Start.
func NewPool(q *queue.CrawlQueue, reg *sources.Registry, limiter *ratelimit.SourceLimiter, adapters *ingest.Registry, cfg *config.Store) *Pool {
	return &Pool{
		queue:    q,
		registry: reg,
		limiter:  limiter,
		adapters: adapters,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1), // Buffer of 1 to prevent blocking
		now:      time.Now,
	}
}

// Start launches max_workers workers and the resize monitor.
func (p *Pool) Start(ctx context.Context) {
	target := p.cfg.Get().MaxWorkers
	p.workersMutex.Lock()
	p.currentWorkers = target
	p.liveWorkers = target
	p.nextWorkerID = target
	p.workersMutex.Unlock()

	log.Info().Int("workers", target).Msg("Starting worker pool")
	for i := 0; i < target; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.resizeMonitor(ctx)
}

// Stop signals all workers to finish their current attempt and exit, then
// waits for them.
func (p *Pool) Stop() {
	if p.stopping.Swap(true) {
		return
	}
	log.Info().Msg("Stopping worker pool")
	close(p.stopCh)
	p.wg.Wait()
}

// Notify wakes an idle worker after new work lands in the queue.
func (p *Pool) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// ActiveWorkers reports how many workers are processing an attempt right now.
func (p *Pool) ActiveWorkers() int {
	return int(p.busyWorkers.Load())
}

// CurrentWorkers reports the configured pool size.
func (p *Pool) CurrentWorkers() int {
	p.workersMutex.RLock()
	defer p.workersMutex.RUnlock()
	return p.currentWorkers
}

// resizeMonitor watches the configured max_workers and grows or shrinks the
// pool to match. Growth spawns workers; shrink lets excess workers observe
// the new target and exit between attempts, so nothing in flight is cut off.
func (p *Pool) resizeMonitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scaleWorkers(ctx, p.cfg.Get().MaxWorkers)
		}
	}
}

func (p *Pool) scaleWorkers(ctx context.Context, target int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in scaleWorkers")
		}
	}()

	if target < 1 {
		return
	}

	p.workersMutex.Lock()
	defer p.workersMutex.Unlock()

	// No spawning once shutdown has started; Stop is already waiting on wg.
	if p.stopping.Load() {
		return
	}

	if target == p.currentWorkers && target == p.liveWorkers {
		return
	}

	p.currentWorkers = target

	if p.liveWorkers > target {
		log.Info().
			Int("live_workers", p.liveWorkers).
			Int("target_workers", target).
			Msg("Scaling down worker pool")
		// Excess workers observe the lower target and exit between attempts.
		return
	}

	if p.liveWorkers < target {
		log.Info().
			Int("live_workers", p.liveWorkers).
			Int("target_workers", target).
			Msg("Scaling up worker pool")
		// Spawn only the shortfall. Workers from an earlier scale-down that
		// are still draining an attempt keep counting against the target,
		// so in-flight attempts never exceed it.
		for p.liveWorkers < target {
			p.wg.Add(1)
			go p.worker(ctx, p.nextWorkerID)
			p.nextWorkerID++
			p.liveWorkers++
		}
	}
}

// claimExit reports whether the calling worker must exit to satisfy a
// scale-down. The check and the live-count decrement are one critical
// section, so exactly the excess exits and the freed slot is visible to the
// next scale-up.
func (p *Pool) claimExit() bool {
	p.workersMutex.Lock()
	defer p.workersMutex.Unlock()
	if p.liveWorkers <= p.currentWorkers {
		return false
	}
	p.liveWorkers--
	return true
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	claimed := false
	defer func() {
		if claimed {
			// claimExit already removed us from the live count.
			return
		}
		p.workersMutex.Lock()
		p.liveWorkers--
		p.workersMutex.Unlock()
	}()

	log.Debug().Int("worker_id", workerID).Msg("Starting worker")

	// Track consecutive no-work passes for backoff
	consecutiveNoWork := 0
	maxSleep := 30 * time.Second
	baseSleep := 200 * time.Millisecond

	for {
		select {
		case <-p.stopCh:
			log.Debug().Int("worker_id", workerID).Msg("Worker received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Int("worker_id", workerID).Msg("Worker context cancelled")
			return
		case <-p.notifyCh:
			consecutiveNoWork = 0
		default:
			if p.claimExit() {
				claimed = true
				log.Debug().Int("worker_id", workerID).Msg("Worker exiting after scale down")
				return
			}

			if err := p.processNextAttempt(ctx); err != nil {
				if errors.Is(err, errNoWork) {
					consecutiveNoWork++
					if consecutiveNoWork == 1 || consecutiveNoWork%10 == 0 {
						log.Debug().Msg("Waiting for new work")
					}
					sleepTime := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(min(consecutiveNoWork, 10))))
					if sleepTime > maxSleep {
						sleepTime = maxSleep
					}

					select {
					case <-time.After(sleepTime):
					case <-p.notifyCh:
						consecutiveNoWork = 0
					case <-p.stopCh:
						return
					case <-ctx.Done():
						return
					}
				} else {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to process attempt")
					time.Sleep(baseSleep)
				}
			} else {
				consecutiveNoWork = 0
			}
		}
	}
}

// processNextAttempt runs one dequeue-execute-complete cycle. Eligibility is
// checked against a non-consuming token read first; the token is only spent
// after the dequeue succeeds, and a lost race puts the attempt straight back.
func (p *Pool) processNextAttempt(ctx context.Context) error {
	eligible := p.eligibleSources()
	if len(eligible) == 0 {
		return errNoWork
	}

	att := p.queue.DequeueNext(eligible)
	if att == nil {
		return errNoWork
	}

	if !p.limiter.TryAcquire(att.SourceKey) {
		// Another worker drained the bucket between HasToken and here.
		metrics.ObserveRateLimitHit(att.SourceKey)
		if err := p.queue.Release(att.ID); err != nil {
			return fmt.Errorf("failed to release attempt %s: %w", att.ID, err)
		}
		return nil
	}

	src, err := p.registry.Get(att.SourceKey)
	if err != nil {
		// Source removed while its work was queued.
		p.finish(ctx, att, queue.Outcome{Kind: queue.OutcomePermanent, Detail: err.Error()}, 0, 0)
		return nil
	}

	p.busyWorkers.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		p.busyWorkers.Add(-1)
		metrics.DecActiveWorkers()
	}()

	started := p.now()
	result := p.runAttempt(ctx, att, src.Timeout)
	elapsed := p.now().Sub(started)

	outcome := mapResult(result)
	p.finish(ctx, att, outcome, src.RetryAttempts, elapsed)

	if result.RateLimited {
		metrics.ObserveRateLimitHit(att.SourceKey)
	}
	metrics.ObserveItemsCollected(att.SourceKey, result.PointsIngested)

	return nil
}

// eligibleSources lists enabled sources that currently have a rate token.
func (p *Pool) eligibleSources() []queue.Eligible {
	enabled := p.registry.Enabled()
	eligible := make([]queue.Eligible, 0, len(enabled))
	for _, src := range enabled {
		if p.limiter.HasToken(src.Key) {
			eligible = append(eligible, queue.Eligible{Key: src.Key, Priority: src.Priority})
		}
	}
	return eligible
}

// runAttempt executes the adapter under the source timeout with panic
// isolation. A panicking adapter is treated as a retryable failure so one bad
// work item cannot take a worker down.
func (p *Pool) runAttempt(ctx context.Context, att *queue.Attempt, timeout time.Duration) (result ingest.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("source", att.SourceKey).
				Str("work_item", att.WorkItem).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in adapter")
			sentry.CurrentHub().Recover(r)
			metrics.ObserveError(att.SourceKey, "panic")
			result = ingest.Result{
				Status: ingest.StatusRetryable,
				Detail: fmt.Sprintf("adapter panic: %v", r),
			}
		}
	}()

	adapter, ok := p.adapters.Get(att.SourceKey)
	if !ok {
		return ingest.Result{
			Status: ingest.StatusPermanent,
			Detail: fmt.Sprintf("no ingestion adapter registered for source %s", att.SourceKey),
		}
	}

	spanCtx, otelSpan := observability.StartAttemptSpan(ctx, observability.AttemptSpanInfo{
		AttemptID: att.ID,
		SourceKey: att.SourceKey,
		WorkItem:  att.WorkItem,
	})
	defer otelSpan.End()

	span := sentry.StartSpan(spanCtx, "worker.fetch_and_ingest")
	span.SetTag("source", att.SourceKey)
	defer span.Finish()

	attemptCtx, cancel := context.WithTimeout(span.Context(), timeout)
	defer cancel()

	return adapter.FetchAndIngest(attemptCtx, att.WorkItem)
}

// finish applies the outcome to the queue and source health, and emits
// metrics and logs for the cycle.
func (p *Pool) finish(ctx context.Context, att *queue.Attempt, outcome queue.Outcome, retryAttempts int, elapsed time.Duration) {
	final, err := p.queue.Complete(att.ID, outcome, retryAttempts)
	if err != nil {
		log.Error().Err(err).Str("attempt_id", att.ID).Msg("Failed to complete attempt")
		return
	}

	metrics.ObserveAttempt(att.SourceKey, string(final.State), elapsed)
	observability.RecordAttempt(ctx, observability.AttemptMetrics{
		SourceKey: att.SourceKey,
		State:     string(final.State),
		Duration:  elapsed,
	})

	switch final.State {
	case queue.StateCompleted:
		p.registry.RecordOutcome(att.SourceKey, true, outcome.Detail)
		log.Info().
			Str("source", att.SourceKey).
			Str("work_item", att.WorkItem).
			Dur("duration", elapsed).
			Msg("Attempt completed")
	case queue.StateRetrying:
		p.registry.RecordOutcome(att.SourceKey, false, outcome.Detail)
		metrics.ObserveRetry(att.SourceKey)
		metrics.ObserveError(att.SourceKey, string(outcome.Kind))
		log.Warn().
			Str("source", att.SourceKey).
			Str("work_item", att.WorkItem).
			Int("attempt", final.AttemptCount).
			Time("next_retry_at", final.NextRetryAt).
			Str("error", final.LastError).
			Msg("Attempt failed, retry scheduled")
	case queue.StateFailed:
		p.registry.RecordOutcome(att.SourceKey, false, outcome.Detail)
		metrics.ObserveError(att.SourceKey, string(outcome.Kind))
		log.Error().
			Str("source", att.SourceKey).
			Str("work_item", att.WorkItem).
			Int("attempt", final.AttemptCount).
			Str("error", final.LastError).
			Msg("Attempt failed permanently")
	}
}

// mapResult translates an adapter result into a queue outcome.
func mapResult(r ingest.Result) queue.Outcome {
	switch r.Status {
	case ingest.StatusSucceeded:
		return queue.Outcome{Kind: queue.OutcomeSuccess, Detail: r.Detail}
	case ingest.StatusPermanent:
		return queue.Outcome{Kind: queue.OutcomePermanent, Detail: r.Detail}
	default:
		return queue.Outcome{Kind: queue.OutcomeRetryable, Detail: r.Detail}
	}
}
