package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// RetryConfig controls connection retry behaviour during startup.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig suits container orchestration, where Postgres may come up
// seconds after the crawler.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// InitFromEnvWithRetry connects like InitFromEnv but retries transient
// failures with exponential backoff. Configuration and authentication errors
// fail fast.
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	cfg := DefaultRetryConfig()
	backoff := cfg.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		db, err := InitFromEnv()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("Database connection established after retries")
			}
			return db, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// isRetryableError separates infrastructure faults, worth retrying, from
// configuration and data faults, which are not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "58": // connection, resources, intervention, system
			return true
		case "22", "23", "28": // data, constraints, authentication
			return false
		default:
			return true
		}
	}

	switch {
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}

	msg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
