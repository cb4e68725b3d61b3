package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/ingest"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/rs/zerolog/log"
)

// ListDueSeries returns the external series IDs for a source that have never
// been crawled, or whose last crawl predates the source's crawl frequency.
// Sources with no frequency configured fall back to 24 hours.
func (d *DB) ListDueSeries(ctx context.Context, sourceKey string) ([]string, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT es.external_id
		FROM economic_series es
		JOIN data_sources ds ON ds.key = es.source_key
		WHERE es.source_key = $1
		  AND (es.last_crawled_at IS NULL
		       OR es.last_crawled_at < NOW() - (COALESCE(NULLIF(ds.crawl_frequency_hours, 0), 24) * INTERVAL '1 hour'))
		ORDER BY es.last_crawled_at ASC NULLS FIRST
	`, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list due series for %s: %w", sourceKey, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due series: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertDataPoints stores observations for one series, creating the series
// row on first sight. Re-crawls overwrite values in place so revised history
// from the provider wins. Returns the number of points written.
func (d *DB) UpsertDataPoints(ctx context.Context, sourceKey, seriesID string, points []ingest.DataPoint) (int, error) {
	written := 0
	err := d.Execute(ctx, func(tx *sql.Tx) error {
		var id int
		err := tx.QueryRowContext(ctx, `
			INSERT INTO economic_series (source_key, external_id, last_crawled_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (source_key, external_id)
			DO UPDATE SET last_crawled_at = NOW()
			RETURNING id
		`, sourceKey, seriesID).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert series %s/%s: %w", sourceKey, seriesID, err)
		}

		for _, p := range points {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO data_points (series_id, date, value, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (series_id, date)
				DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
			`, id, p.Date, p.Value); err != nil {
				return fmt.Errorf("failed to upsert data point %s@%s: %w", seriesID, p.Date.Format("2006-01-02"), err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// UpsertCompanyFacts records the fact inventory for one EDGAR filer.
func (d *DB) UpsertCompanyFacts(ctx context.Context, cik, entityName string, factCount int) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO company_facts (cik, entity_name, fact_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cik)
		DO UPDATE SET entity_name = EXCLUDED.entity_name, fact_count = EXCLUDED.fact_count, updated_at = NOW()
	`, cik, entityName, factCount)
	if err != nil {
		return fmt.Errorf("failed to upsert company facts for %s: %w", cik, err)
	}
	return nil
}

// SaveQueueSnapshot replaces the persisted queue image with the current
// in-memory state. The snapshot is advisory; the in-memory queue stays
// authoritative while the process runs.
func (d *DB) SaveQueueSnapshot(ctx context.Context, attempts []queue.Attempt) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM crawl_queue_snapshot`); err != nil {
			return fmt.Errorf("failed to clear queue snapshot: %w", err)
		}
		for _, a := range attempts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO crawl_queue_snapshot
					(id, source_key, work_item, state, priority, attempt_count,
					 created_at, started_at, completed_at, last_error, next_retry_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, a.ID, a.SourceKey, a.WorkItem, string(a.State), a.Priority, a.AttemptCount,
				a.CreatedAt, nullTime(a.StartedAt), nullTime(a.CompletedAt),
				nullString(a.LastError), nullTime(a.NextRetryAt))
			if err != nil {
				return fmt.Errorf("failed to insert snapshot row %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// LoadQueueSnapshot reads back the persisted queue image in insertion order.
func (d *DB) LoadQueueSnapshot(ctx context.Context) ([]queue.Attempt, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, source_key, work_item, state, priority, attempt_count,
		       created_at, started_at, completed_at, last_error, next_retry_at
		FROM crawl_queue_snapshot
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue snapshot: %w", err)
	}
	defer rows.Close()

	var attempts []queue.Attempt
	for rows.Next() {
		var (
			a         queue.Attempt
			state     string
			started   sql.NullTime
			completed sql.NullTime
			lastErr   sql.NullString
			nextRetry sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.SourceKey, &a.WorkItem, &state, &a.Priority, &a.AttemptCount,
			&a.CreatedAt, &started, &completed, &lastErr, &nextRetry); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		a.State = queue.AttemptState(state)
		a.StartedAt = started.Time
		a.CompletedAt = completed.Time
		a.LastError = lastErr.String
		a.NextRetryAt = nextRetry.Time
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SaveSources persists the configuration and derived health of every source.
func (d *DB) SaveSources(ctx context.Context, list []sources.DataSource) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		for _, src := range list {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO data_sources
					(key, name, enabled, priority, rate_limit_per_minute, timeout_seconds,
					 retry_attempts, crawl_frequency_hours, health, last_success_at,
					 last_error, last_scheduled_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
				ON CONFLICT (key) DO UPDATE SET
					name = EXCLUDED.name,
					enabled = EXCLUDED.enabled,
					priority = EXCLUDED.priority,
					rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
					timeout_seconds = EXCLUDED.timeout_seconds,
					retry_attempts = EXCLUDED.retry_attempts,
					crawl_frequency_hours = EXCLUDED.crawl_frequency_hours,
					health = EXCLUDED.health,
					last_success_at = EXCLUDED.last_success_at,
					last_error = EXCLUDED.last_error,
					last_scheduled_at = EXCLUDED.last_scheduled_at,
					updated_at = NOW()
			`, src.Key, src.Name, src.Enabled, src.Priority, src.RateLimitPerMinute,
				int(src.Timeout/time.Second), src.RetryAttempts, int(src.CrawlFrequency/time.Hour),
				string(src.Health), nullTime(src.LastSuccessAt), nullString(src.LastError),
				nullTime(src.LastScheduledAt))
			if err != nil {
				return fmt.Errorf("failed to upsert source %s: %w", src.Key, err)
			}
		}
		return nil
	})
}

// LoadSources reads back the persisted source rows. Callers merge these over
// the compiled-in defaults so operator edits and health survive restarts.
func (d *DB) LoadSources(ctx context.Context) ([]sources.DataSource, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT key, name, enabled, priority, rate_limit_per_minute, timeout_seconds,
		       retry_attempts, crawl_frequency_hours, health, last_success_at,
		       last_error, last_scheduled_at
		FROM data_sources
		ORDER BY priority ASC, key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load data sources: %w", err)
	}
	defer rows.Close()

	var list []sources.DataSource
	for rows.Next() {
		var (
			src           sources.DataSource
			timeoutSec    int
			freqHours     int
			health        string
			lastSuccess   sql.NullTime
			lastErr       sql.NullString
			lastScheduled sql.NullTime
		)
		if err := rows.Scan(&src.Key, &src.Name, &src.Enabled, &src.Priority,
			&src.RateLimitPerMinute, &timeoutSec, &src.RetryAttempts, &freqHours,
			&health, &lastSuccess, &lastErr, &lastScheduled); err != nil {
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}
		src.Timeout = time.Duration(timeoutSec) * time.Second
		src.CrawlFrequency = time.Duration(freqHours) * time.Hour
		src.Health = sources.Health(health)
		src.LastSuccessAt = lastSuccess.Time
		src.LastError = lastErr.String
		src.LastScheduledAt = lastScheduled.Time
		list = append(list, src)
	}
	return list, rows.Err()
}

// SeedWork inserts series IDs for a source so the next schedule pass picks
// them up. Existing rows are left untouched.
func (d *DB) SeedWork(ctx context.Context, sourceKey string, seriesIDs []string) error {
	err := d.Execute(ctx, func(tx *sql.Tx) error {
		for _, id := range seriesIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO economic_series (source_key, external_id)
				VALUES ($1, $2)
				ON CONFLICT (source_key, external_id) DO NOTHING
			`, sourceKey, id); err != nil {
				return fmt.Errorf("failed to seed series %s/%s: %w", sourceKey, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().Str("source", sourceKey).Int("count", len(seriesIDs)).Msg("Seeded series work items")
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
