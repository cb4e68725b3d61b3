//go:build unit || !integration

package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSource() DataSource {
	return DataSource{
		Key:                "fred",
		Name:               "Federal Reserve Economic Data",
		Enabled:            true,
		Priority:           1,
		RateLimitPerMinute: 120,
		Timeout:            30 * time.Second,
		RetryAttempts:      3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DataSource)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*DataSource) {},
		},
		{
			name:    "missing_key",
			mutate:  func(ds *DataSource) { ds.Key = "" },
			wantErr: "source key is required",
		},
		{
			name:    "zero_rate_limit",
			mutate:  func(ds *DataSource) { ds.RateLimitPerMinute = 0 },
			wantErr: "rate_limit must be greater than 0",
		},
		{
			name:    "negative_rate_limit",
			mutate:  func(ds *DataSource) { ds.RateLimitPerMinute = -5 },
			wantErr: "rate_limit must be greater than 0",
		},
		{
			name:    "zero_timeout",
			mutate:  func(ds *DataSource) { ds.Timeout = 0 },
			wantErr: "timeout must be greater than 0",
		},
		{
			name:    "negative_retries",
			mutate:  func(ds *DataSource) { ds.RetryAttempts = -1 },
			wantErr: "retry_attempts cannot be negative",
		},
		{
			name:   "zero_retries_is_valid",
			mutate: func(ds *DataSource) { ds.RetryAttempts = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := validSource()
			tt.mutate(&ds)
			err := ds.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	ds := validSource()
	ds.RateLimitPerMinute = 0
	assert.Error(t, r.Register(ds))

	// The invalid write left no trace
	_, err := r.Get(ds.Key)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestRegisterPreservesEngineState(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSource()))

	// Engine records a partial success
	r.RecordOutcome("fred", true, "skipped 3 of 100 observations")
	before, err := r.Get("fred")
	require.NoError(t, err)
	require.Equal(t, HealthWarning, before.Health)
	require.False(t, before.LastSuccessAt.IsZero())

	// Operator edits the rate limit; health and timestamps survive
	edited := validSource()
	edited.RateLimitPerMinute = 60
	require.NoError(t, r.Register(edited))

	after, err := r.Get("fred")
	require.NoError(t, err)
	assert.Equal(t, 60, after.RateLimitPerMinute)
	assert.Equal(t, HealthWarning, after.Health)
	assert.Equal(t, before.LastSuccessAt, after.LastSuccessAt)
}

func TestRestoreOverwritesEngineState(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSource()))

	persisted := validSource()
	persisted.Health = HealthError
	persisted.LastError = "provider unreachable"
	persisted.LastScheduledAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Restore(persisted))

	got, err := r.Get("fred")
	require.NoError(t, err)
	assert.Equal(t, HealthError, got.Health)
	assert.Equal(t, "provider unreachable", got.LastError)
	assert.Equal(t, persisted.LastScheduledAt, got.LastScheduledAt)
}

func TestHealthStreak(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSource()))

	// First failures demote to warning
	r.RecordOutcome("fred", false, "503")
	got, _ := r.Get("fred")
	assert.Equal(t, HealthWarning, got.Health)
	assert.Equal(t, "503", got.LastError)

	r.RecordOutcome("fred", false, "503")
	got, _ = r.Get("fred")
	assert.Equal(t, HealthWarning, got.Health)

	// Third consecutive failure escalates to error
	r.RecordOutcome("fred", false, "503")
	got, _ = r.Get("fred")
	assert.Equal(t, HealthError, got.Health)

	// One clean success restores healthy and clears the error
	r.RecordOutcome("fred", true, "")
	got, _ = r.Get("fred")
	assert.Equal(t, HealthHealthy, got.Health)
	assert.Empty(t, got.LastError)
	assert.False(t, got.LastSuccessAt.IsZero())

	// The streak was reset: two more failures stay at warning
	r.RecordOutcome("fred", false, "timeout")
	r.RecordOutcome("fred", false, "timeout")
	got, _ = r.Get("fred")
	assert.Equal(t, HealthWarning, got.Health)
}

func TestRecordOutcomePartialSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSource()))

	r.RecordOutcome("fred", true, "skipped 5 of 200 observations")
	got, _ := r.Get("fred")
	assert.Equal(t, HealthWarning, got.Health)
	assert.Equal(t, "skipped 5 of 200 observations", got.LastError)
	assert.False(t, got.LastSuccessAt.IsZero())
}

func TestSetEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSource()))

	require.NoError(t, r.SetEnabled("fred", false))
	assert.Empty(t, r.Enabled())

	require.NoError(t, r.SetEnabled("fred", true))
	assert.Len(t, r.Enabled(), 1)

	assert.ErrorIs(t, r.SetEnabled("nope", true), ErrSourceNotFound)
}

func TestListOrder(t *testing.T) {
	r := NewRegistry()
	for _, ds := range Defaults(30*time.Second, 3) {
		require.NoError(t, r.Register(ds))
	}

	list := r.List()
	require.Len(t, list, 5)
	assert.Equal(t, KeyFred, list[0].Key)
	assert.Equal(t, KeyBls, list[1].Key)
	// census and world_bank share a priority band, ordered by key
	assert.Equal(t, KeyCensus, list[2].Key)
	assert.Equal(t, KeyWorldBank, list[3].Key)
	assert.Equal(t, KeySecEdgar, list[4].Key)
}

func TestDefaultsInheritEngineDefaults(t *testing.T) {
	list := Defaults(20*time.Second, 5)

	byKey := make(map[string]DataSource, len(list))
	for _, ds := range list {
		require.NoError(t, ds.Validate())
		byKey[ds.Key] = ds
	}

	// General-purpose APIs pick up the engine defaults.
	assert.Equal(t, 20*time.Second, byKey[KeyFred].Timeout)
	assert.Equal(t, 5, byKey[KeyFred].RetryAttempts)
	assert.Equal(t, 20*time.Second, byKey[KeyBls].Timeout)
	assert.Equal(t, 5, byKey[KeyBls].RetryAttempts)

	// Providers with bespoke ceilings keep their own values.
	assert.Equal(t, 45*time.Second, byKey[KeyCensus].Timeout)
	assert.Equal(t, 60*time.Second, byKey[KeySecEdgar].Timeout)
}
