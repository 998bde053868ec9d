package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			plan_execution_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			parent_id VARCHAR(255) NOT NULL DEFAULT '',
			notify_id VARCHAR(255) NOT NULL DEFAULT '',
			original_node_execution_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			mode VARCHAR(32) NOT NULL DEFAULT '',
			ambiance MEDIUMTEXT NOT NULL,
			retry_ids TEXT NOT NULL,
			old_retry INT NOT NULL DEFAULT 0,
			failure TEXT NULL,
			start_ts BIGINT NOT NULL DEFAULT 0,
			end_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			INDEX idx_node_executions_parent (parent_id),
			INDEX idx_node_executions_plan_execution (plan_execution_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_execution_responses (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			node_execution_id VARCHAR(255) NOT NULL,
			response_type VARCHAR(32) NOT NULL,
			response MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_node_execution_responses_execution (node_execution_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key VARCHAR(255) NOT NULL PRIMARY KEY,
			created_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS plan_nodes (
			plan_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			body MEDIUMTEXT NOT NULL,
			PRIMARY KEY (plan_id, node_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	insertIgnore: `INSERT IGNORE INTO`,
	upsertPlanNode: `INSERT INTO plan_nodes (plan_id, node_id, body) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE body = VALUES(body)`,
}

// NewMySQLStore connects to MySQL/MariaDB and creates the schema if needed.
//
// The DSN uses the go-sql-driver format, e.g.
//
//	user:password@tcp(localhost:3306)/orchestration
//
// Never hardcode credentials; read the DSN from the environment.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
