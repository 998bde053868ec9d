package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

// maxCASAttempts bounds the optimistic retry loop of field-scoped updates.
const maxCASAttempts = 16

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name string

	// positional rewrites "?" placeholders to "$1", "$2", ...
	positional bool

	schema []string

	// insertIgnore and ignoreSuffix build an insert that silently skips
	// primary key conflicts.
	insertIgnore string
	ignoreSuffix string

	upsertPlanNode string
}

// SQLStore is a database/sql implementation of Store shared by the SQLite,
// MySQL and PostgreSQL backends.
//
// Schema:
//   - node_executions: one row per execution, with a version column used for
//     optimistic field-scoped updates
//   - node_execution_responses: the append-only executable response log
//   - idempotency_keys: processed event keys
//   - plan_nodes: compiled plan nodes as JSON
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// Close closes the connection pool. Further calls return ErrClosed.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// q rewrites placeholders for the dialect.
func (s *SQLStore) q(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const executionColumns = `id, plan_execution_id, node_id, parent_id, notify_id, original_node_execution_id,
	status, mode, ambiance, retry_ids, old_retry, failure, start_ts, end_ts, updated_ts, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.NodeExecution, int64, error) {
	var (
		ne                        model.NodeExecution
		status, mode              string
		ambiance, retryIDs        string
		failure                   sql.NullString
		oldRetry                  int
		startTs, endTs, updatedTs int64
		version                   int64
	)
	err := row.Scan(&ne.ID, &ne.Ambiance.PlanExecutionID, &ne.NodeID, &ne.ParentID, &ne.NotifyID,
		&ne.OriginalNodeExecutionID, &status, &mode, &ambiance, &retryIDs, &oldRetry, &failure,
		&startTs, &endTs, &updatedTs, &version)
	if err != nil {
		return nil, 0, err
	}

	ne.Status = model.Status(status)
	ne.Mode = model.ExecutionMode(mode)
	ne.OldRetry = oldRetry != 0
	ne.StartTs = fromNanos(startTs)
	ne.EndTs = fromNanos(endTs)
	ne.UpdatedTs = fromNanos(updatedTs)

	if err := json.Unmarshal([]byte(ambiance), &ne.Ambiance); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal ambiance: %w", err)
	}
	if retryIDs != "" {
		if err := json.Unmarshal([]byte(retryIDs), &ne.RetryIDs); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal retry ids: %w", err)
		}
	}
	if failure.Valid && failure.String != "" {
		ne.Failure = &model.FailureInfo{}
		if err := json.Unmarshal([]byte(failure.String), ne.Failure); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal failure: %w", err)
		}
	}
	return &ne, version, nil
}

func (s *SQLStore) Save(ctx context.Context, ne *model.NodeExecution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ne == nil || ne.ID == "" {
		return fmt.Errorf("node execution id is required")
	}

	ambiance, err := json.Marshal(ne.Ambiance)
	if err != nil {
		return fmt.Errorf("failed to marshal ambiance: %w", err)
	}
	retryIDs, err := marshalRetryIDs(ne.RetryIDs)
	if err != nil {
		return err
	}
	failure, err := marshalFailure(ne.Failure)
	if err != nil {
		return err
	}
	updated := ne.UpdatedTs
	if updated.IsZero() {
		updated = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.insertIgnore + ` node_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)` + s.dialect.ignoreSuffix
	res, err := tx.ExecContext(ctx, s.q(query),
		ne.ID, ne.Ambiance.PlanExecutionID, ne.NodeID, ne.ParentID, ne.NotifyID, ne.OriginalNodeExecutionID,
		string(ne.Status), string(ne.Mode), string(ambiance), retryIDs, boolToInt(ne.OldRetry), failure,
		toNanos(ne.StartTs), toNanos(ne.EndTs), toNanos(updated))
	if err != nil {
		return fmt.Errorf("failed to insert node execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("node execution %s: %w", ne.ID, ErrAlreadyExists)
	}

	for _, resp := range ne.ExecutableResponses {
		if err := s.insertResponse(ctx, tx, ne.ID, resp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ne, _, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if ne.ExecutableResponses, err = s.loadResponses(ctx, id); err != nil {
		return nil, err
	}
	return ne, nil
}

func (s *SQLStore) getRow(ctx context.Context, id string) (*model.NodeExecution, int64, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+` FROM node_executions WHERE id = ?`), id)
	ne, version, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load node execution: %w", err)
	}
	return ne, version, nil
}

func (s *SQLStore) loadResponses(ctx context.Context, id string) ([]model.ExecutableResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT response FROM node_execution_responses WHERE node_execution_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query executable responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ExecutableResponse
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan executable response: %w", err)
		}
		var resp model.ExecutableResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal executable response: %w", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, id string, upd Update) (*model.NodeExecution, error) {
	return s.mutate(ctx, id, func(ne *model.NodeExecution) error {
		upd.Apply(ne)
		return nil
	})
}

func (s *SQLStore) UpdateStatusIfAllowed(ctx context.Context, id string, to model.Status, allowed []model.Status, upd Update) (*model.NodeExecution, error) {
	priors := priorsFor(to, allowed)
	return s.mutate(ctx, id, func(ne *model.NodeExecution) error {
		if !model.ContainsStatus(priors, ne.Status) {
			return fmt.Errorf("node execution %s: %s -> %s: %w", id, ne.Status, to, ErrStatusPrecondition)
		}
		ne.Status = to
		upd.Apply(ne)
		return nil
	})
}

// mutate reads the row, applies fn and writes the scalar columns back only if
// no other writer bumped the version in between, retrying on conflict.
func (s *SQLStore) mutate(ctx context.Context, id string, fn func(*model.NodeExecution) error) (*model.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		ne, version, err := s.getRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(ne); err != nil {
			return nil, err
		}
		ne.UpdatedTs = s.now()

		retryIDs, err := marshalRetryIDs(ne.RetryIDs)
		if err != nil {
			return nil, err
		}
		failure, err := marshalFailure(ne.Failure)
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, s.q(`UPDATE node_executions
			SET status = ?, mode = ?, retry_ids = ?, old_retry = ?, failure = ?, end_ts = ?, updated_ts = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			string(ne.Status), string(ne.Mode), retryIDs, boolToInt(ne.OldRetry), failure,
			toNanos(ne.EndTs), toNanos(ne.UpdatedTs), id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to update node execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check update: %w", err)
		}
		if n == 1 {
			if ne.ExecutableResponses, err = s.loadResponses(ctx, id); err != nil {
				return nil, err
			}
			return ne, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return nil, fmt.Errorf("node execution %s: gave up after %d concurrent modifications", id, maxCASAttempts)
}

func (s *SQLStore) AppendExecutableResponse(ctx context.Context, id string, resp model.ExecutableResponse) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM node_executions WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check node execution: %w", err)
	}

	if err := s.insertResponse(ctx, tx, id, resp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insertResponse(ctx context.Context, tx *sql.Tx, id string, resp model.ExecutableResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal executable response: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO node_execution_responses (node_execution_id, response_type, response, created_at) VALUES (?, ?, ?, ?)`),
		id, string(resp.Type), string(raw), toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("failed to append executable response: %w", err)
	}
	return nil
}

func (s *SQLStore) ListChildren(ctx context.Context, parentID string) ([]*model.NodeExecution, error) {
	return s.list(ctx, `parent_id = ?`, parentID)
}

func (s *SQLStore) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*model.NodeExecution, error) {
	return s.list(ctx, `plan_execution_id = ?`, planExecutionID)
}

func (s *SQLStore) list(ctx context.Context, where string, arg string) ([]*model.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+executionColumns+` FROM node_executions WHERE `+where+` ORDER BY start_ts ASC, id ASC`), arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	var out []*model.NodeExecution
	for rows.Next() {
		ne, _, err := scanExecution(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		out = append(out, ne)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, ne := range out {
		if ne.ExecutableResponses, err = s.loadResponses(ctx, ne.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		s.q(s.dialect.insertIgnore+` idempotency_keys (idem_key, created_at) VALUES (?, ?)`+s.dialect.ignoreSuffix),
		key, toNanos(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) UnmarkProcessed(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM idempotency_keys WHERE idem_key = ?`), key); err != nil {
		return fmt.Errorf("failed to forget idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchNode(ctx context.Context, planID, nodeID string) (*model.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT body FROM plan_nodes WHERE plan_id = ? AND node_id = ?`), planID, nodeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s/%s: %w", planID, nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	var n model.Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &n, nil
}

func (s *SQLStore) SavePlan(ctx context.Context, plan *Plan) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range plan.Nodes {
		n.PlanID = plan.ID
		raw, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(s.dialect.upsertPlanNode), plan.ID, n.ID, string(raw)); err != nil {
			return fmt.Errorf("failed to save node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func marshalRetryIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to marshal retry ids: %w", err)
	}
	return string(raw), nil
}

func marshalFailure(f *model.FailureInfo) (any, error) {
	if f == nil {
		return nil, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal failure: %w", err)
	}
	return string(raw), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
