package queue

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull signals back-pressure: pending+processing is at the
	// configured limit. Callers drop the enqueue and retry next tick.
	ErrQueueFull = errors.New("crawl queue is full")

	// ErrNotFound is returned for operations on unknown attempt IDs.
	ErrNotFound = errors.New("attempt not found")

	// ErrNotProcessing is returned when completing or releasing an attempt
	// that is not currently checked out.
	ErrNotProcessing = errors.New("attempt is not processing")
)

// CrawlQueue is the authoritative, thread-safe store of all non-purged crawl
// attempts. All mutation happens behind one mutex; readers get copies.
type CrawlQueue struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
	inflight map[string]string // source+item key -> attempt ID, non-terminal only
	counts   Statistics
	seq      uint64
	order    map[string]uint64 // attempt ID -> insertion sequence, FIFO tie-break

	sizeLimit func() int
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
}

// NewCrawlQueue creates a queue whose size limit is re-read on every enqueue,
// so configuration edits take effect without restart.
func NewCrawlQueue(sizeLimit func() int) *CrawlQueue {
	if sizeLimit == nil {
		panic("size limit provider is required")
	}
	return &CrawlQueue{
		attempts:  make(map[string]*Attempt),
		inflight:  make(map[string]string),
		order:     make(map[string]uint64),
		sizeLimit: sizeLimit,
		now:       time.Now,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)/10 + 1))
		},
	}
}

func workKey(sourceKey, workItem string) string {
	return sourceKey + "\x00" + workItem
}

// Enqueue admits a new pending attempt. Enqueueing a (source, work item) pair
// that already has a non-terminal attempt is an idempotent no-op returning the
// existing ID. Returns ErrQueueFull when pending+processing is at the limit.
func (q *CrawlQueue) Enqueue(sourceKey, workItem string, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.inflight[workKey(sourceKey, workItem)]; ok {
		return id, nil
	}

	if limit := q.sizeLimit(); q.counts.Pending+q.counts.Processing >= limit {
		return "", ErrQueueFull
	}

	att := &Attempt{
		ID:        uuid.New().String(),
		SourceKey: sourceKey,
		WorkItem:  workItem,
		State:     StatePending,
		Priority:  priority,
		CreatedAt: q.now().UTC(),
	}
	q.insertLocked(att)
	return att.ID, nil
}

// insertLocked registers an attempt and updates indices. Caller holds q.mu.
func (q *CrawlQueue) insertLocked(att *Attempt) {
	q.attempts[att.ID] = att
	q.seq++
	q.order[att.ID] = q.seq
	if !att.State.Terminal() {
		q.inflight[workKey(att.SourceKey, att.WorkItem)] = att.ID
	}
	q.bump(att.State, 1)
}

func (q *CrawlQueue) bump(state AttemptState, delta int) {
	switch state {
	case StatePending:
		q.counts.Pending += delta
	case StateProcessing:
		q.counts.Processing += delta
	case StateRetrying:
		q.counts.Retrying += delta
	case StateCompleted:
		q.counts.Completed += delta
	case StateFailed:
		q.counts.Failed += delta
	}
}

func (q *CrawlQueue) setState(att *Attempt, state AttemptState) {
	q.bump(att.State, -1)
	att.State = state
	q.bump(state, 1)
	if state.Terminal() {
		delete(q.inflight, workKey(att.SourceKey, att.WorkItem))
	}
}

// DequeueNext selects the pending attempt with the lowest source priority,
// oldest first within a priority band, restricted to the given eligible
// sources. The attempt transitions to Processing and a copy is returned; nil
// when nothing is eligible.
func (q *CrawlQueue) DequeueNext(eligible []Eligible) *Attempt {
	if len(eligible) == 0 {
		return nil
	}
	prio := make(map[string]int, len(eligible))
	for _, e := range eligible {
		prio[e.Key] = e.Priority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Attempt
	var bestPrio int
	for _, att := range q.attempts {
		if att.State != StatePending {
			continue
		}
		p, ok := prio[att.SourceKey]
		if !ok {
			continue
		}
		if best == nil || p < bestPrio ||
			(p == bestPrio && q.order[att.ID] < q.order[best.ID]) {
			best = att
			bestPrio = p
		}
	}
	if best == nil {
		return nil
	}

	q.setState(best, StateProcessing)
	best.AttemptCount++
	best.StartedAt = q.now().UTC()
	out := *best
	return &out
}

// Complete records the outcome of a processing attempt and applies the state
// machine: success completes, permanent failures terminate, retryable
// failures either schedule a retry with backoff or exhaust into Failed.
// retryAttempts is the source's current retry budget, read by the caller on
// each cycle.
func (q *CrawlQueue) Complete(id string, outcome Outcome, retryAttempts int) (Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	att, ok := q.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	if att.State != StateProcessing {
		return Attempt{}, ErrNotProcessing
	}

	now := q.now().UTC()
	tr := NextState(outcome, att.AttemptCount, retryAttempts, now)
	q.setState(att, tr.State)

	if outcome.Kind != OutcomeSuccess {
		att.LastError = outcome.Detail
	}
	switch tr.State {
	case StateRetrying:
		att.NextRetryAt = tr.NextRetryAt.Add(q.jitter(tr.NextRetryAt.Sub(now)))
	default:
		att.CompletedAt = now
		att.NextRetryAt = time.Time{}
	}

	return *att, nil
}

// Release returns a checked-out attempt to Pending without charging an
// execution against its retry budget. Used when a worker loses the
// rate-limiter race after dequeueing.
func (q *CrawlQueue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	att, ok := q.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if att.State != StateProcessing {
		return ErrNotProcessing
	}
	q.setState(att, StatePending)
	att.AttemptCount--
	att.StartedAt = time.Time{}
	return nil
}

// RequeueDueRetries moves retrying attempts whose backoff has elapsed back to
// Pending. Returns the number of attempts moved.
func (q *CrawlQueue) RequeueDueRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	moved := 0
	for _, att := range q.attempts {
		if att.State == StateRetrying && !att.NextRetryAt.After(now) {
			q.setState(att, StatePending)
			att.NextRetryAt = time.Time{}
			moved++
		}
	}
	return moved
}

// PurgeTerminal garbage-collects completed and failed attempts older than the
// retention window, bounding memory. Returns the number removed.
func (q *CrawlQueue) PurgeTerminal(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-olderThan)
	removed := 0
	for id, att := range q.attempts {
		if att.State.Terminal() && att.CompletedAt.Before(cutoff) {
			q.bump(att.State, -1)
			delete(q.attempts, id)
			delete(q.order, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of an attempt by ID.
func (q *CrawlQueue) Get(id string) (Attempt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	att, ok := q.attempts[id]
	if !ok {
		return Attempt{}, false
	}
	return *att, true
}

// Stats returns current per-state counts.
func (q *CrawlQueue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts
}

// WindowStats counts terminal outcomes within the trailing window, for
// error-rate derivation.
func (q *CrawlQueue) WindowStats(window time.Duration) (completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-window)
	for _, att := range q.attempts {
		if !att.State.Terminal() || att.CompletedAt.Before(cutoff) {
			continue
		}
		if att.State == StateCompleted {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// Snapshot returns copies of every non-purged attempt, ordered by insertion,
// for persistence across restarts.
func (q *CrawlQueue) Snapshot() []Attempt {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Attempt, 0, len(q.attempts))
	for _, att := range q.attempts {
		out = append(out, *att)
	}
	sort.Slice(out, func(i, j int) bool {
		return q.order[out[i].ID] < q.order[out[j].ID]
	})
	return out
}

// Restore loads a persisted snapshot into an empty queue. Attempts persisted
// as Processing are reset to Pending: after a crash no worker holds them, and
// resurrecting them as Processing would deadlock the per-work-item
// exclusivity invariant.
func (q *CrawlQueue) Restore(attempts []Attempt) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range attempts {
		att := attempts[i]
		if _, ok := q.attempts[att.ID]; ok {
			continue
		}
		if att.State == StateProcessing {
			att.State = StatePending
			att.StartedAt = time.Time{}
			if att.AttemptCount > 0 {
				att.AttemptCount--
			}
		}
		q.insertLocked(&att)
	}
}
