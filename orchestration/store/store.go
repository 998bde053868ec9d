// Package store persists node executions, plan nodes and processed event keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

var (
	// ErrNotFound is returned when a node execution, plan or node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Save when the execution ID is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStatusPrecondition is returned by UpdateStatusIfAllowed when the
	// current status is not one of the allowed priors.
	ErrStatusPrecondition = errors.New("status precondition failed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Update is a declarative set of field operations applied atomically to one
// NodeExecution. Nil fields are left untouched.
type Update struct {
	Failure  *model.FailureInfo
	EndTs    *time.Time
	Mode     *model.ExecutionMode
	OldRetry *bool
}

// IsZero reports whether the update changes nothing.
func (u Update) IsZero() bool {
	return u.Failure == nil && u.EndTs == nil && u.Mode == nil && u.OldRetry == nil
}

// Apply applies the field operations to ne. Stores call it while holding
// whatever lock or transaction makes the update atomic.
func (u Update) Apply(ne *model.NodeExecution) {
	if u.Failure != nil {
		ne.Failure = u.Failure
	}
	if u.EndTs != nil {
		ne.EndTs = *u.EndTs
	}
	if u.Mode != nil {
		ne.Mode = *u.Mode
	}
	if u.OldRetry != nil {
		ne.OldRetry = *u.OldRetry
	}
}

// NodeExecutionStore persists NodeExecutions.
//
// All mutations are field-scoped: concurrent writers to different fields of
// the same execution never lose each other's updates, and terminal statuses
// can never be left once entered.
type NodeExecutionStore interface {
	// Save inserts a new execution. Returns ErrAlreadyExists if the ID is taken.
	Save(ctx context.Context, ne *model.NodeExecution) error

	// Get returns a snapshot of the execution, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.NodeExecution, error)

	// Update applies upd atomically and returns the updated snapshot.
	// It never changes status.
	Update(ctx context.Context, id string, upd Update) (*model.NodeExecution, error)

	// UpdateStatusIfAllowed moves the execution to status "to" only if its
	// current status is in allowed, applying upd in the same atomic step.
	// A nil allowed means model.AllowedPriors(to). Terminal statuses are never
	// accepted as priors regardless of allowed. On mismatch it returns an error
	// wrapping ErrStatusPrecondition.
	UpdateStatusIfAllowed(ctx context.Context, id string, to model.Status, allowed []model.Status, upd Update) (*model.NodeExecution, error)

	// AppendExecutableResponse appends resp to the execution's response log.
	AppendExecutableResponse(ctx context.Context, id string, resp model.ExecutableResponse) error

	// ListChildren returns the executions whose ParentID is parentID, oldest first.
	ListChildren(ctx context.Context, parentID string) ([]*model.NodeExecution, error)

	// ListByPlanExecution returns every execution of a plan execution, oldest first.
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*model.NodeExecution, error)

	// MarkProcessed records an idempotency key. It returns true the first
	// time a key is seen and false for every later call.
	MarkProcessed(ctx context.Context, key string) (bool, error)

	// UnmarkProcessed forgets an idempotency key, so the event it guards can
	// be applied again. Unknown keys are not an error.
	UnmarkProcessed(ctx context.Context, key string) error
}

// PlanStore serves the static nodes of compiled plans.
type PlanStore interface {
	// FetchNode returns the node, or ErrNotFound.
	FetchNode(ctx context.Context, planID, nodeID string) (*model.Node, error)

	// SavePlan stores (or replaces) every node of a plan.
	SavePlan(ctx context.Context, plan *Plan) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	NodeExecutionStore
	PlanStore
	Close() error
}

// priorsFor resolves the effective allowed set for a status CAS.
func priorsFor(to model.Status, allowed []model.Status) []model.Status {
	if allowed == nil {
		allowed = model.AllowedPriors(to)
	}
	out := make([]model.Status, 0, len(allowed))
	for _, s := range allowed {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
