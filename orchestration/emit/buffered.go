package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by plan execution.
//
// It backs tests and the development server's history view. Events are never
// evicted; call Clear when a plan execution is no longer interesting.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // plan execution id -> events
}

// HistoryFilter selects events. Empty fields match everything; set fields
// are combined with AND.
type HistoryFilter struct {
	NodeExecutionID string
	NodeID          string
	Msg             string
}

func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.PlanExecutionID] = append(b.events[event.PlanExecutionID], event)
}

// GetHistory returns a copy of the plan execution's events in emission order.
func (b *BufferedEmitter) GetHistory(planExecutionID string) []Event {
	return b.GetHistoryWithFilter(planExecutionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the plan execution's events matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(planExecutionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[planExecutionID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Statuses returns the statuses a node execution entered, in order.
func (b *BufferedEmitter) Statuses(planExecutionID, nodeExecutionID string) []string {
	var out []string
	for _, e := range b.GetHistoryWithFilter(planExecutionID, HistoryFilter{NodeExecutionID: nodeExecutionID, Msg: MsgStatus}) {
		if s, ok := e.Meta["status"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeExecutionID != "" && event.NodeExecutionID != f.NodeExecutionID {
		return false
	}
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	return true
}

// Clear drops the events of one plan execution, or of all of them when
// planExecutionID is empty.
func (b *BufferedEmitter) Clear(planExecutionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if planExecutionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, planExecutionID)
}
