package queue

import (
	"time"
)

// AttemptState represents the current state of a crawl attempt
type AttemptState string

const (
	StatePending    AttemptState = "pending"
	StateProcessing AttemptState = "processing"
	StateRetrying   AttemptState = "retrying"
	StateCompleted  AttemptState = "completed"
	StateFailed     AttemptState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s AttemptState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// OutcomeKind classifies the result of one fetch-and-ingest execution.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable"
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is the worker's report for a completed execution. Detail carries
// the failure reason (or partial-success note) for the attempt record.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
}

// Attempt represents one execution of "fetch work_item from source" and its
// retry history. The queue exclusively owns attempt records; callers only
// ever see copies.
type Attempt struct {
	ID           string       `json:"id"`
	SourceKey    string       `json:"source_key"`
	WorkItem     string       `json:"work_item"`
	State        AttemptState `json:"state"`
	Priority     int          `json:"priority"`
	AttemptCount int          `json:"attempt_count"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	NextRetryAt  time.Time    `json:"next_retry_at,omitempty"`
}

// Eligible names a source a worker may dequeue from right now, with the
// priority used for ordering (lower is served first).
type Eligible struct {
	Key      string
	Priority int
}

// Statistics holds per-state counts derived from the live queue.
type Statistics struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of non-purged attempts.
func (s Statistics) Total() int {
	return s.Pending + s.Processing + s.Retrying + s.Completed + s.Failed
}
