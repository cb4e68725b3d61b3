package queue

import (
	"math"
	"time"
)

// Backoff bounds for failed attempts. The delay doubles with each failure
// until it hits RetryMaxDelay.
const (
	RetryBaseDelay = 30 * time.Second
	RetryMaxDelay  = 30 * time.Minute
)

// Transition is the result of applying an outcome to a processing attempt.
type Transition struct {
	State       AttemptState
	NextRetryAt time.Time
}

// NextState is the pure transition function of the attempt state machine.
// attemptCount is the number of executions including the one that just
// finished; retryAttempts is the source's configured retry budget.
//
//	Processing --success--> Completed
//	Processing --retryable, attempts remaining--> Retrying
//	Processing --retryable, attempts exhausted--> Failed
//	Processing --permanent--> Failed
func NextState(outcome Outcome, attemptCount, retryAttempts int, now time.Time) Transition {
	switch outcome.Kind {
	case OutcomeSuccess:
		return Transition{State: StateCompleted}
	case OutcomePermanent:
		return Transition{State: StateFailed}
	default:
		if attemptCount > retryAttempts {
			return Transition{State: StateFailed}
		}
		return Transition{
			State:       StateRetrying,
			NextRetryAt: now.Add(BackoffDelay(attemptCount)),
		}
	}
}

// BackoffDelay returns base * 2^attemptCount capped at RetryMaxDelay.
// Jitter is layered on by the queue so this stays deterministic for tests.
func BackoffDelay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	d := float64(RetryBaseDelay) * math.Pow(2, float64(attemptCount))
	if d > float64(RetryMaxDelay) {
		return RetryMaxDelay
	}
	return time.Duration(d)
}
