// Package ratelimit enforces per-source request ceilings with token buckets.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// SourceLimiter holds one token bucket per data source. Capacity equals the
// configured requests-per-minute, refilled continuously. Acquisition is
// non-blocking: a source without tokens is skipped for the tick so it can
// never stall workers serving other sources.
type SourceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rates   map[string]int
}

// NewSourceLimiter creates an empty limiter. Sources are registered via
// SetRate; an unregistered source is not limited.
func NewSourceLimiter() *SourceLimiter {
	return &SourceLimiter{
		buckets: make(map[string]*rate.Limiter),
		rates:   make(map[string]int),
	}
}

// SetRate configures a source's ceiling in requests per minute. Changing the
// rate replaces the bucket, so edits take effect immediately.
func (sl *SourceLimiter) SetRate(sourceKey string, perMinute int) {
	if perMinute <= 0 {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if current, ok := sl.rates[sourceKey]; ok && current == perMinute {
		return
	}
	sl.rates[sourceKey] = perMinute
	sl.buckets[sourceKey] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// HasToken reports whether a whole token is currently available without
// consuming it. Used to build the eligible-source set before dequeueing.
func (sl *SourceLimiter) HasToken(sourceKey string) bool {
	sl.mu.Lock()
	bucket, ok := sl.buckets[sourceKey]
	sl.mu.Unlock()
	if !ok {
		return true
	}
	return bucket.Tokens() >= 1
}

// TryAcquire consumes one token if available. Non-blocking.
func (sl *SourceLimiter) TryAcquire(sourceKey string) bool {
	sl.mu.Lock()
	bucket, ok := sl.buckets[sourceKey]
	sl.mu.Unlock()
	if !ok {
		return true
	}
	return bucket.Allow()
}
