package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps node executions, plan nodes and idempotency keys in maps guarded
// by a single RWMutex. Designed for:
//   - Tests and local development
//   - Single-process demos
//
// Every read returns a deep copy, so callers can never mutate stored state.
// Data is lost when the process exits; use the SQL stores for persistence.
type MemStore struct {
	mu         sync.RWMutex
	executions map[string]*model.NodeExecution // id -> execution
	order      []string                        // insertion order of ids
	processed  map[string]struct{}             // idempotency keys
	plans      map[string]map[string]model.Node
	now        func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions: make(map[string]*model.NodeExecution),
		processed:  make(map[string]struct{}),
		plans:      make(map[string]map[string]model.Node),
		now:        time.Now,
	}
}

func (m *MemStore) Save(_ context.Context, ne *model.NodeExecution) error {
	if ne == nil || ne.ID == "" {
		return fmt.Errorf("node execution id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[ne.ID]; ok {
		return fmt.Errorf("node execution %s: %w", ne.ID, ErrAlreadyExists)
	}
	stored := ne.Clone()
	if stored.UpdatedTs.IsZero() {
		stored.UpdatedTs = m.now()
	}
	m.executions[ne.ID] = stored
	m.order = append(m.order, ne.ID)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*model.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ne, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	return ne.Clone(), nil
}

func (m *MemStore) Update(_ context.Context, id string, upd Update) (*model.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ne, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	upd.Apply(ne)
	ne.UpdatedTs = m.now()
	return ne.Clone(), nil
}

func (m *MemStore) UpdateStatusIfAllowed(_ context.Context, id string, to model.Status, allowed []model.Status, upd Update) (*model.NodeExecution, error) {
	priors := priorsFor(to, allowed)

	m.mu.Lock()
	defer m.mu.Unlock()

	ne, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	if !model.ContainsStatus(priors, ne.Status) {
		return nil, fmt.Errorf("node execution %s: %s -> %s: %w", id, ne.Status, to, ErrStatusPrecondition)
	}
	ne.Status = to
	upd.Apply(ne)
	ne.UpdatedTs = m.now()
	return ne.Clone(), nil
}

func (m *MemStore) AppendExecutableResponse(_ context.Context, id string, resp model.ExecutableResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ne, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	ne.ExecutableResponses = append(ne.ExecutableResponses, resp)
	ne.UpdatedTs = m.now()
	return nil
}

func (m *MemStore) ListChildren(_ context.Context, parentID string) ([]*model.NodeExecution, error) {
	return m.list(func(ne *model.NodeExecution) bool { return ne.ParentID == parentID }), nil
}

func (m *MemStore) ListByPlanExecution(_ context.Context, planExecutionID string) ([]*model.NodeExecution, error) {
	return m.list(func(ne *model.NodeExecution) bool {
		return ne.Ambiance.PlanExecutionID == planExecutionID
	}), nil
}

func (m *MemStore) list(match func(*model.NodeExecution) bool) []*model.NodeExecution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.NodeExecution
	for _, id := range m.order {
		if ne := m.executions[id]; match(ne) {
			out = append(out, ne.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTs.Before(out[j].StartTs) })
	return out
}

func (m *MemStore) MarkProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.processed[key]; seen {
		return false, nil
	}
	m.processed[key] = struct{}{}
	return true, nil
}

func (m *MemStore) UnmarkProcessed(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, key)
	return nil
}

func (m *MemStore) FetchNode(_ context.Context, planID, nodeID string) (*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes, ok := m.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	n, ok := nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s/%s: %w", planID, nodeID, ErrNotFound)
	}
	return &n, nil
}

func (m *MemStore) SavePlan(_ context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	nodes := make(map[string]model.Node, len(plan.Nodes))
	for _, n := range plan.Nodes {
		n.PlanID = plan.ID
		nodes[n.ID] = n
	}

	m.mu.Lock()
	m.plans[plan.ID] = nodes
	m.mu.Unlock()
	return nil
}

// Close is a no-op for MemStore.
func (m *MemStore) Close() error {
	return nil
}
