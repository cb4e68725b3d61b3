package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/cache"
	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// errorRateWindow is the trailing window used for the queue error rate.
const errorRateWindow = time.Hour

// snapshotTTL bounds how often the aggregator recomputes views, keeping
// sub-second dashboard polling cheap.
const snapshotTTL = time.Second

// PoolInfo is the worker pool surface the aggregator reads.
type PoolInfo interface {
	ActiveWorkers() int
	CurrentWorkers() int
}

// ScheduleInfo is the scheduler surface the aggregator reads.
type ScheduleInfo interface {
	LastRunAt() time.Time
	NextRunAt() time.Time
}

// CrawlerStatus is the operator-facing engine status view.
type CrawlerStatus struct {
	Running         bool      `json:"running"`
	MaintenanceMode bool      `json:"maintenance_mode"`
	ActiveWorkers   int       `json:"active_workers"`
	MaxWorkers      int       `json:"max_workers"`
	LastCrawlAt     time.Time `json:"last_crawl_at,omitempty"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

// QueueStatistics is the per-state queue view plus derived rates.
type QueueStatistics struct {
	queue.Statistics
	Total           int     `json:"total"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorRate       float64 `json:"error_rate"`
}

// PerformanceSnapshot reports process resource usage.
type PerformanceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	Goroutines    int       `json:"goroutines"`
	ObservedAt    time.Time `json:"observed_at"`
	SourceHealthy int       `json:"sources_healthy"`
	SourceWarning int       `json:"sources_warning"`
	SourceError   int       `json:"sources_error"`
}

// Aggregator provides read-only aggregated views over the engine. All views
// are memoised briefly so they stay cheap under polling.
type Aggregator struct {
	queue    *queue.CrawlQueue
	registry *sources.Registry
	cfg      *config.Store
	pool     PoolInfo
	sched    ScheduleInfo
	views    *cache.InMemoryCache

	mu          sync.Mutex
	proc        procfs.Proc
	hasProc     bool
	lastCPUTime float64
	lastCPUAt   time.Time

	startedAt time.Time
	now       func() time.Time
}

// NewAggregator wires the aggregator. procfs is optional; on platforms
// without /proc the CPU figure degrades to zero and memory comes from the
// Go runtime.
func NewAggregator(q *queue.CrawlQueue, reg *sources.Registry, cfg *config.Store, pool PoolInfo, sched ScheduleInfo) *Aggregator {
	a := &Aggregator{
		queue:     q,
		registry:  reg,
		cfg:       cfg,
		pool:      pool,
		sched:     sched,
		views:     cache.NewInMemoryCache(),
		startedAt: time.Now(),
		now:       time.Now,
	}
	proc, err := procfs.Self()
	if err != nil {
		log.Warn().Err(err).Msg("procfs unavailable, CPU usage reporting disabled")
	} else {
		a.proc = proc
		a.hasProc = true
	}
	return a
}

// CrawlerStatus returns the current engine status.
func (a *Aggregator) CrawlerStatus() CrawlerStatus {
	if v, ok := a.views.Get("crawler_status"); ok {
		return v.(CrawlerStatus)
	}

	cfg := a.cfg.Get()
	st := CrawlerStatus{
		Running:         cfg.CrawlerEnabled && !cfg.MaintenanceMode,
		MaintenanceMode: cfg.MaintenanceMode,
		ActiveWorkers:   a.pool.ActiveWorkers(),
		MaxWorkers:      a.pool.CurrentWorkers(),
		LastCrawlAt:     a.sched.LastRunAt(),
		NextScheduledAt: a.sched.NextRunAt(),
		UptimeSeconds:   int64(a.now().Sub(a.startedAt).Seconds()),
	}
	a.views.SetWithTTL("crawler_status", st, snapshotTTL)
	return st
}

// QueueStatistics returns per-state counts, overall progress, and the error
// rate over the trailing window.
func (a *Aggregator) QueueStatistics() QueueStatistics {
	if v, ok := a.views.Get("queue_statistics"); ok {
		return v.(QueueStatistics)
	}

	stats := a.queue.Stats()
	qs := QueueStatistics{
		Statistics: stats,
		Total:      stats.Total(),
	}
	if qs.Total > 0 {
		qs.ProgressPercent = 100 * float64(stats.Completed+stats.Failed) / float64(qs.Total)
	}
	completed, failed := a.queue.WindowStats(errorRateWindow)
	if completed+failed > 0 {
		qs.ErrorRate = float64(failed) / float64(completed+failed)
	}
	a.views.SetWithTTL("queue_statistics", qs, snapshotTTL)
	return qs
}

// PerformanceSnapshot returns process CPU, memory, and goroutine figures
// plus a source health tally.
func (a *Aggregator) PerformanceSnapshot() PerformanceSnapshot {
	if v, ok := a.views.Get("performance_snapshot"); ok {
		return v.(PerformanceSnapshot)
	}

	snap := PerformanceSnapshot{
		Goroutines: runtime.NumGoroutine(),
		ObservedAt: a.now(),
	}
	snap.CPUPercent, snap.MemoryBytes = a.resourceUsage()

	for _, src := range a.registry.List() {
		switch src.Health {
		case sources.HealthHealthy:
			snap.SourceHealthy++
		case sources.HealthWarning:
			snap.SourceWarning++
		case sources.HealthError:
			snap.SourceError++
		}
	}

	a.views.SetWithTTL("performance_snapshot", snap, snapshotTTL)
	return snap
}

// resourceUsage reads CPU seconds and RSS from /proc, computing CPU% from
// the delta since the previous call.
func (a *Aggregator) resourceUsage() (cpuPercent float64, memoryBytes uint64) {
	if !a.hasProc {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return 0, ms.Sys
	}

	stat, err := a.proc.Stat()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read process stat")
		return 0, 0
	}
	memoryBytes = uint64(stat.ResidentMemory())

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cpuTime := stat.CPUTime()
	if !a.lastCPUAt.IsZero() {
		wall := now.Sub(a.lastCPUAt).Seconds()
		if wall > 0 {
			cpuPercent = 100 * (cpuTime - a.lastCPUTime) / wall
			if cpuPercent < 0 {
				cpuPercent = 0
			}
		}
	}
	a.lastCPUTime = cpuTime
	a.lastCPUAt = now
	return cpuPercent, memoryBytes
}
