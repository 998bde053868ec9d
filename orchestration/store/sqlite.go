package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
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
			start_ts INTEGER NOT NULL DEFAULT 0,
			end_ts INTEGER NOT NULL DEFAULT 0,
			updated_ts INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_parent ON node_executions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_plan_execution ON node_executions(plan_execution_id)`,
		`CREATE TABLE IF NOT EXISTS node_execution_responses (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			node_execution_id VARCHAR(255) NOT NULL,
			response_type VARCHAR(32) NOT NULL,
			response TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (node_execution_id) REFERENCES node_executions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_execution_responses_execution ON node_execution_responses(node_execution_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key VARCHAR(255) PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_nodes (
			plan_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (plan_id, node_id)
		)`,
	},
	insertIgnore:   `INSERT OR IGNORE INTO`,
	upsertPlanNode: `INSERT OR REPLACE INTO plan_nodes (plan_id, node_id, body) VALUES (?, ?, ?)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at path.
//
// Use ":memory:" for a throwaway database in tests. The store uses a single
// connection with WAL journaling, so every statement is serialized and the
// optimistic update loop never contends within one process.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
