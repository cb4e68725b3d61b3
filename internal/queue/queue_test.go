//go:build unit || !integration

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(limit int) *CrawlQueue {
	q := NewCrawlQueue(func() int { return limit })
	// Deterministic retry scheduling in tests
	q.jitter = func(time.Duration) time.Duration { return 0 }
	return q
}

func TestEnqueueDuplicateInFlight(t *testing.T) {
	q := newTestQueue(100)

	id1, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)

	// Same (source, work item) while non-terminal is an idempotent no-op
	id2, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, q.Stats().Pending)

	// Same work item for a different source is distinct work
	id3, err := q.Enqueue("bls", "GDP", 2)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	// After the attempt completes, the pair may be enqueued again
	att := q.DequeueNext([]Eligible{{Key: "fred", Priority: 1}})
	require.NotNil(t, att)
	_, err = q.Complete(att.ID, Outcome{Kind: OutcomeSuccess}, 3)
	require.NoError(t, err)

	id4, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4)
}

func TestEnqueueQueueFull(t *testing.T) {
	limit := 2
	q := NewCrawlQueue(func() int { return limit })

	_, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	_, err = q.Enqueue("fred", "UNRATE", 1)
	require.NoError(t, err)

	_, err = q.Enqueue("fred", "CPIAUCSL", 1)
	assert.ErrorIs(t, err, ErrQueueFull)

	// Re-enqueueing an in-flight duplicate is still a no-op, not a full error
	_, err = q.Enqueue("fred", "GDP", 1)
	assert.NoError(t, err)

	// Raising the limit takes effect without restart
	limit = 3
	_, err = q.Enqueue("fred", "CPIAUCSL", 1)
	assert.NoError(t, err)
}

func TestDequeueOrdering(t *testing.T) {
	q := newTestQueue(100)

	// Insertion order: low-priority source first
	_, err := q.Enqueue("sec_edgar", "0000320193", 4)
	require.NoError(t, err)
	idFred1, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	idFred2, err := q.Enqueue("fred", "UNRATE", 1)
	require.NoError(t, err)

	eligible := []Eligible{
		{Key: "fred", Priority: 1},
		{Key: "sec_edgar", Priority: 4},
	}

	// Higher-priority (lower number) source wins, FIFO within the band
	att := q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, idFred1, att.ID)
	assert.Equal(t, StateProcessing, att.State)
	assert.Equal(t, 1, att.AttemptCount)

	att = q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, idFred2, att.ID)

	att = q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, "sec_edgar", att.SourceKey)

	assert.Nil(t, q.DequeueNext(eligible))
}

func TestDequeueRespectsEligibility(t *testing.T) {
	q := newTestQueue(100)

	_, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)

	// A source not in the eligible set is invisible
	assert.Nil(t, q.DequeueNext([]Eligible{{Key: "bls", Priority: 2}}))
	assert.Nil(t, q.DequeueNext(nil))

	att := q.DequeueNext([]Eligible{{Key: "fred", Priority: 1}})
	assert.NotNil(t, att)
}

func TestDequeueMutualExclusion(t *testing.T) {
	q := newTestQueue(1000)
	const items = 50

	for i := 0; i < items; i++ {
		_, err := q.Enqueue("fred", string(rune('A'+i%26))+string(rune('0'+i/26)), 1)
		require.NoError(t, err)
	}

	eligible := []Eligible{{Key: "fred", Priority: 1}}
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				att := q.DequeueNext(eligible)
				if att == nil {
					return
				}
				mu.Lock()
				seen[att.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "attempt %s dequeued more than once", id)
	}
}

func TestCompleteSuccess(t *testing.T) {
	q := newTestQueue(100)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }

	id, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	att := q.DequeueNext([]Eligible{{Key: "fred", Priority: 1}})
	require.NotNil(t, att)

	final, err := q.Complete(att.ID, Outcome{Kind: OutcomeSuccess}, 3)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, current, final.CompletedAt)
	assert.Empty(t, final.LastError)

	// Completing twice is rejected
	_, err = q.Complete(id, Outcome{Kind: OutcomeSuccess}, 3)
	assert.ErrorIs(t, err, ErrNotProcessing)

	_, err = q.Complete("no-such-id", Outcome{Kind: OutcomeSuccess}, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRetryableSchedulesBackoff(t *testing.T) {
	q := newTestQueue(100)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }

	_, err := q.Enqueue("bls", "CUUR0000SA0", 2)
	require.NoError(t, err)
	eligible := []Eligible{{Key: "bls", Priority: 2}}

	att := q.DequeueNext(eligible)
	require.NotNil(t, att)

	final, err := q.Complete(att.ID, Outcome{Kind: OutcomeRetryable, Detail: "503 from provider"}, 3)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, final.State)
	assert.Equal(t, "503 from provider", final.LastError)
	assert.Equal(t, current.Add(BackoffDelay(1)), final.NextRetryAt)

	// Not yet due: requeue moves nothing
	assert.Equal(t, 0, q.RequeueDueRetries())
	assert.Nil(t, q.DequeueNext(eligible))

	// Past the backoff the attempt is pending again
	current = current.Add(BackoffDelay(1) + time.Second)
	assert.Equal(t, 1, q.RequeueDueRetries())

	att = q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, 2, att.AttemptCount)
}

func TestCompleteRetryExhaustion(t *testing.T) {
	q := newTestQueue(100)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }

	_, err := q.Enqueue("census", "B01001", 3)
	require.NoError(t, err)
	eligible := []Eligible{{Key: "census", Priority: 3}}
	retryAttempts := 2

	// Three executions in total: the original plus two retries
	for i := 1; i <= 2; i++ {
		att := q.DequeueNext(eligible)
		require.NotNil(t, att, "execution %d", i)
		final, err := q.Complete(att.ID, Outcome{Kind: OutcomeRetryable, Detail: "timeout"}, retryAttempts)
		require.NoError(t, err)
		require.Equal(t, StateRetrying, final.State, "execution %d", i)

		current = current.Add(RetryMaxDelay)
		require.Equal(t, 1, q.RequeueDueRetries())
	}

	att := q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, 3, att.AttemptCount)
	final, err := q.Complete(att.ID, Outcome{Kind: OutcomeRetryable, Detail: "timeout"}, retryAttempts)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "timeout", final.LastError)
}

func TestRelease(t *testing.T) {
	q := newTestQueue(100)

	id, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	eligible := []Eligible{{Key: "fred", Priority: 1}}

	att := q.DequeueNext(eligible)
	require.NotNil(t, att)
	require.Equal(t, 1, att.AttemptCount)

	// Release puts the attempt back without charging the retry budget
	require.NoError(t, q.Release(att.ID))
	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.AttemptCount)

	assert.ErrorIs(t, q.Release(id), ErrNotProcessing)
	assert.ErrorIs(t, q.Release("missing"), ErrNotFound)

	att = q.DequeueNext(eligible)
	require.NotNil(t, att)
	assert.Equal(t, 1, att.AttemptCount)
}

func TestPurgeTerminal(t *testing.T) {
	q := newTestQueue(100)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }
	eligible := []Eligible{{Key: "fred", Priority: 1}}

	_, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	att := q.DequeueNext(eligible)
	require.NotNil(t, att)
	_, err = q.Complete(att.ID, Outcome{Kind: OutcomeSuccess}, 3)
	require.NoError(t, err)

	_, err = q.Enqueue("fred", "UNRATE", 1)
	require.NoError(t, err)

	// Too young to purge
	assert.Equal(t, 0, q.PurgeTerminal(time.Hour))

	current = current.Add(2 * time.Hour)
	assert.Equal(t, 1, q.PurgeTerminal(time.Hour))

	stats := q.Stats()
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
}

func TestWindowStats(t *testing.T) {
	q := newTestQueue(100)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }
	eligible := []Eligible{{Key: "fred", Priority: 1}}

	finish := func(item string, kind OutcomeKind) {
		_, err := q.Enqueue("fred", item, 1)
		require.NoError(t, err)
		att := q.DequeueNext(eligible)
		require.NotNil(t, att)
		_, err = q.Complete(att.ID, Outcome{Kind: kind}, 0)
		require.NoError(t, err)
	}

	finish("A", OutcomeSuccess)
	finish("B", OutcomePermanent)

	current = current.Add(2 * time.Hour)
	finish("C", OutcomeSuccess)

	completed, failed := q.WindowStats(time.Hour)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)

	completed, failed = q.WindowStats(3 * time.Hour)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
}

func TestSnapshotRestore(t *testing.T) {
	q := newTestQueue(100)
	eligible := []Eligible{{Key: "fred", Priority: 1}}

	idGDP, err := q.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	_, err = q.Enqueue("fred", "UNRATE", 1)
	require.NoError(t, err)

	// GDP is oldest so it is the one checked out
	att := q.DequeueNext(eligible)
	require.NotNil(t, att)
	processingID := att.ID
	require.Equal(t, idGDP, processingID)

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, idGDP, snapshot[0].ID) // insertion order preserved

	// Simulate restart
	restored := newTestQueue(100)
	restored.Restore(snapshot)

	// Processing attempts come back as pending with the execution refunded
	got, ok := restored.Get(processingID)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.AttemptCount)
	assert.True(t, got.StartedAt.IsZero())

	stats := restored.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Processing)

	// Dedupe index survives the round trip
	dup, err := restored.Enqueue("fred", "GDP", 1)
	require.NoError(t, err)
	assert.Equal(t, idGDP, dup)
}
