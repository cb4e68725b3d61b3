//go:build unit || !integration

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGlobal() Global {
	return Global{
		CrawlerEnabled:       true,
		MaxWorkers:           5,
		QueueSizeLimit:       1000,
		DefaultTimeout:       30 * time.Second,
		DefaultRetryAttempts: 3,
		ScheduleFrequency:    FrequencyDaily,
	}
}

func TestGlobalValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Global)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Global) {},
		},
		{
			name:    "zero_workers",
			mutate:  func(g *Global) { g.MaxWorkers = 0 },
			wantErr: "max_workers",
		},
		{
			name:    "zero_queue_limit",
			mutate:  func(g *Global) { g.QueueSizeLimit = 0 },
			wantErr: "queue_size_limit",
		},
		{
			name:    "zero_timeout",
			mutate:  func(g *Global) { g.DefaultTimeout = 0 },
			wantErr: "default_timeout",
		},
		{
			name:    "negative_retries",
			mutate:  func(g *Global) { g.DefaultRetryAttempts = -1 },
			wantErr: "default_retry_attempts",
		},
		{
			name:    "unknown_frequency",
			mutate:  func(g *Global) { g.ScheduleFrequency = "fortnightly" },
			wantErr: "schedule_frequency",
		},
		{
			name:   "zero_retries_is_valid",
			mutate: func(g *Global) { g.DefaultRetryAttempts = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGlobal()
			tt.mutate(&g)
			err := g.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestStoreRejectsInvalidUpdate(t *testing.T) {
	s, err := NewStore(validGlobal())
	require.NoError(t, err)

	bad := validGlobal()
	bad.MaxWorkers = 0
	assert.Error(t, s.Update(bad))

	// Prior value stays in effect
	assert.Equal(t, 5, s.Get().MaxWorkers)
}

func TestStoreGates(t *testing.T) {
	s, err := NewStore(validGlobal())
	require.NoError(t, err)

	s.SetCrawlerEnabled(false)
	assert.False(t, s.Get().CrawlerEnabled)
	s.SetCrawlerEnabled(true)
	assert.True(t, s.Get().CrawlerEnabled)

	s.SetMaintenanceMode(true)
	assert.True(t, s.Get().MaintenanceMode)
	s.SetMaintenanceMode(false)
	assert.False(t, s.Get().MaintenanceMode)
}

func TestNewStoreRejectsInvalid(t *testing.T) {
	g := validGlobal()
	g.QueueSizeLimit = -1
	_, err := NewStore(g)
	assert.Error(t, err)
}

func TestScheduleFrequencyInterval(t *testing.T) {
	assert.Equal(t, time.Hour, FrequencyHourly.Interval())
	assert.Equal(t, 24*time.Hour, FrequencyDaily.Interval())
	assert.Equal(t, 7*24*time.Hour, FrequencyWeekly.Interval())
	// Unknown values fall back to daily instead of stalling the schedule
	assert.Equal(t, 24*time.Hour, ScheduleFrequency("fortnightly").Interval())
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"CRAWLER_ENABLED", "MAINTENANCE_MODE", "MAX_WORKERS",
		"QUEUE_SIZE_LIMIT", "DEFAULT_TIMEOUT_SECONDS",
		"DEFAULT_RETRY_ATTEMPTS", "SCHEDULE_FREQUENCY",
	} {
		t.Setenv(key, "")
	}

	g := FromEnv()
	assert.True(t, g.CrawlerEnabled)
	assert.False(t, g.MaintenanceMode)
	assert.Equal(t, 5, g.MaxWorkers)
	assert.Equal(t, 1000, g.QueueSizeLimit)
	assert.Equal(t, 30*time.Second, g.DefaultTimeout)
	assert.Equal(t, 3, g.DefaultRetryAttempts)
	assert.Equal(t, FrequencyDaily, g.ScheduleFrequency)
	assert.NoError(t, g.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_ENABLED", "false")
	t.Setenv("MAX_WORKERS", "12")
	t.Setenv("QUEUE_SIZE_LIMIT", "50")
	t.Setenv("DEFAULT_TIMEOUT_SECONDS", "10")
	t.Setenv("SCHEDULE_FREQUENCY", "hourly")

	g := FromEnv()
	assert.False(t, g.CrawlerEnabled)
	assert.Equal(t, 12, g.MaxWorkers)
	assert.Equal(t, 50, g.QueueSizeLimit)
	assert.Equal(t, 10*time.Second, g.DefaultTimeout)
	assert.Equal(t, FrequencyHourly, g.ScheduleFrequency)
}
