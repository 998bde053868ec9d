// Package emit carries lifecycle events of plan executions to observability
// backends.
package emit

// Event is one lifecycle event of a plan execution.
type Event struct {
	// PlanExecutionID identifies the plan execution.
	PlanExecutionID string

	// NodeExecutionID identifies the node execution, empty for plan-level events.
	NodeExecutionID string

	// NodeID is the plan node of the execution.
	NodeID string

	// Msg names the event, see the Msg constants.
	Msg string

	// Meta holds event-specific data. Common keys:
	//   - "status": the status entered (MsgStatus)
	//   - "mode": the execution mode (MsgFacilitated)
	//   - "task_id", "category": dispatched task (MsgTaskQueued)
	//   - "error": failure message
	Meta map[string]any
}

// Event names.
const (
	MsgPlanStarted   = "plan_started"
	MsgPlanCompleted = "plan_completed"
	MsgStatus        = "status"
	MsgFacilitated   = "facilitated"
	MsgTaskQueued    = "task_queued"
	MsgChildSpawned  = "child_spawned"
	MsgAdvised       = "advised"
	MsgResumed       = "resumed"
	MsgIntervention  = "intervention"
	MsgError         = "error"
)
