package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/cache"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
	Cache  *cache.InMemoryCache
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Client exposes the underlying connection pool for health checks.
func (d *DB) Client() *sql.DB {
	return d.client
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.client.Close()
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// AugmentDSNWithTimeout appends statement_timeout to a DSN unless one is
// already set. Handles both URL and key=value forms.
func AugmentDSNWithTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}
	value := fmt.Sprintf("statement_timeout=%d", timeoutMs)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + value
	}
	return dsn + " " + value
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", AugmentDSNWithTimeout(config.ConnectionString(), statementTimeoutMs()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config, Cache: cache.NewInMemoryCache()}, nil
}

// statementTimeoutMs reads the server-side statement timeout from the
// environment, defaulting to one minute.
func statementTimeoutMs() int {
	if value := os.Getenv("STATEMENT_TIMEOUT_MS"); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return 60000
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// DATABASE_URL wins when set; otherwise the individual POSTGRES_* variables
// are used with local defaults.
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "econ_graph"
	}

	return New(config)
}

// Execute runs a database operation in a transaction
func (d *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Data source configuration and derived health, one row per provider
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS data_sources (
			key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 3,
			rate_limit_per_minute INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			retry_attempts INTEGER NOT NULL,
			crawl_frequency_hours INTEGER NOT NULL DEFAULT 0,
			health TEXT NOT NULL DEFAULT 'healthy',
			last_success_at TIMESTAMPTZ,
			last_error TEXT,
			last_scheduled_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create data_sources table: %w", err)
	}

	// Series registry, filled lazily as work items are ingested
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS economic_series (
			id SERIAL PRIMARY KEY,
			source_key TEXT NOT NULL REFERENCES data_sources(key),
			external_id TEXT NOT NULL,
			title TEXT,
			last_crawled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(source_key, external_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create economic_series table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS data_points (
			id SERIAL PRIMARY KEY,
			series_id INTEGER NOT NULL REFERENCES economic_series(id),
			date DATE NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(series_id, date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create data_points table: %w", err)
	}

	// EDGAR companyfacts inventory
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS company_facts (
			cik TEXT PRIMARY KEY,
			entity_name TEXT,
			fact_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create company_facts table: %w", err)
	}

	// Periodic snapshot of the in-memory crawl queue, used for restart recovery
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_queue_snapshot (
			id TEXT PRIMARY KEY,
			source_key TEXT NOT NULL,
			work_item TEXT NOT NULL,
			state TEXT NOT NULL,
			priority INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			last_error TEXT,
			next_retry_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_queue_snapshot table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_data_points_series_date
		ON data_points(series_id, date)
	`)
	if err != nil {
		return fmt.Errorf("failed to create data_points index: %w", err)
	}

	return nil
}
