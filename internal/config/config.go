// Package config holds the engine-wide configuration and its live store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ScheduleFrequency is the default cadence at which sources are re-crawled.
type ScheduleFrequency string

const (
	FrequencyHourly ScheduleFrequency = "hourly"
	FrequencyDaily  ScheduleFrequency = "daily"
	FrequencyWeekly ScheduleFrequency = "weekly"
)

// Interval converts the frequency to a duration. Unknown values fall back to
// daily rather than failing a scheduler tick.
func (f ScheduleFrequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Global is the operator-facing engine configuration. It is mutated as a
// whole and re-read by the scheduler and worker pool on each cycle, so edits
// take effect without restart.
type Global struct {
	CrawlerEnabled       bool              `json:"crawler_enabled"`
	MaintenanceMode      bool              `json:"maintenance_mode"`
	MaxWorkers           int               `json:"max_workers"`
	QueueSizeLimit       int               `json:"queue_size_limit"`
	DefaultTimeout       time.Duration     `json:"default_timeout"`
	DefaultRetryAttempts int               `json:"default_retry_attempts"`
	ScheduleFrequency    ScheduleFrequency `json:"schedule_frequency"`
}

// Validate rejects invariant violations synchronously to the writer.
func (g Global) Validate() error {
	if g.MaxWorkers <= 0 {
		return errors.New("max_workers must be greater than 0")
	}
	if g.QueueSizeLimit <= 0 {
		return errors.New("queue_size_limit must be greater than 0")
	}
	if g.DefaultTimeout <= 0 {
		return errors.New("default_timeout must be greater than 0")
	}
	if g.DefaultRetryAttempts < 0 {
		return errors.New("default_retry_attempts cannot be negative")
	}
	switch g.ScheduleFrequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("schedule_frequency must be hourly, daily or weekly, got %q", g.ScheduleFrequency)
	}
	return nil
}

// Store serialises configuration reads and whole-value updates.
type Store struct {
	mu sync.RWMutex
	g  Global
}

// NewStore validates and wraps an initial configuration.
func NewStore(g Global) (*Store, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Store{g: g}, nil
}

// Get returns the current configuration by value.
func (s *Store) Get() Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g
}

// Update replaces the configuration after validation.
func (s *Store) Update(g Global) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.g = g
	s.mu.Unlock()
	return nil
}

// SetCrawlerEnabled flips the global admission gate. In-flight attempts still
// drain when disabled.
func (s *Store) SetCrawlerEnabled(enabled bool) {
	s.mu.Lock()
	s.g.CrawlerEnabled = enabled
	s.mu.Unlock()
}

// SetMaintenanceMode flips the maintenance gate.
func (s *Store) SetMaintenanceMode(on bool) {
	s.mu.Lock()
	s.g.MaintenanceMode = on
	s.mu.Unlock()
}

// FromEnv builds the initial configuration from environment variables with
// defaults suitable for development.
func FromEnv() Global {
	return Global{
		CrawlerEnabled:       getEnvWithDefault("CRAWLER_ENABLED", "true") == "true",
		MaintenanceMode:      getEnvWithDefault("MAINTENANCE_MODE", "false") == "true",
		MaxWorkers:           getEnvInt("MAX_WORKERS", 5),
		QueueSizeLimit:       getEnvInt("QUEUE_SIZE_LIMIT", 1000),
		DefaultTimeout:       time.Duration(getEnvInt("DEFAULT_TIMEOUT_SECONDS", 30)) * time.Second,
		DefaultRetryAttempts: getEnvInt("DEFAULT_RETRY_ATTEMPTS", 3),
		ScheduleFrequency:    ScheduleFrequency(getEnvWithDefault("SCHEDULE_FREQUENCY", string(FrequencyDaily))),
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
