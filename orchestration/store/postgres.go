package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	positional: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(255) PRIMARY KEY,
			plan_execution_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			parent_id VARCHAR(255) NOT NULL DEFAULT '',
			notify_id VARCHAR(255) NOT NULL DEFAULT '',
			original_node_execution_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			mode VARCHAR(32) NOT NULL DEFAULT '',
			ambiance TEXT NOT NULL,
			retry_ids TEXT NOT NULL DEFAULT '',
			old_retry INTEGER NOT NULL DEFAULT 0,
			failure TEXT,
			start_ts BIGINT NOT NULL DEFAULT 0,
			end_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_parent ON node_executions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_plan_execution ON node_executions(plan_execution_id)`,
		`CREATE TABLE IF NOT EXISTS node_execution_responses (
			seq BIGSERIAL PRIMARY KEY,
			node_execution_id VARCHAR(255) NOT NULL REFERENCES node_executions(id),
			response_type VARCHAR(32) NOT NULL,
			response TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_execution_responses_execution ON node_execution_responses(node_execution_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key VARCHAR(255) PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_nodes (
			plan_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (plan_id, node_id)
		)`,
	},
	insertIgnore: `INSERT INTO`,
	ignoreSuffix: ` ON CONFLICT DO NOTHING`,
	upsertPlanNode: `INSERT INTO plan_nodes (plan_id, node_id, body) VALUES (?, ?, ?)
		ON CONFLICT (plan_id, node_id) DO UPDATE SET body = EXCLUDED.body`,
}

// PostgresConfig configures the PostgreSQL connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single engine process.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be between 0 and max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("postgres connection lifetimes must be >= 0")
	}
	return nil
}

// NewPostgresStore connects through the pgx stdlib driver and creates the
// schema if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
