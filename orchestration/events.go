package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
)

// EventKind names the payload of a response event.
type EventKind string

const (
	KindAddExecutableResponse EventKind = "ADD_EXECUTABLE_RESPONSE"
	KindHandleStepResponse    EventKind = "HANDLE_STEP_RESPONSE"
	KindAdviserResponse       EventKind = "ADVISER_RESPONSE"
	KindFacilitatorResponse   EventKind = "FACILITATOR_RESPONSE"
	KindQueueTask             EventKind = "QUEUE_TASK"
	KindSpawnChild            EventKind = "SPAWN_CHILD"
	KindSpawnChildren         EventKind = "SPAWN_CHILDREN"
	KindResumeNodeExecution   EventKind = "RESUME_NODE_EXECUTION"
	KindSuspendChain          EventKind = "SUSPEND_CHAIN"
	KindError                 EventKind = "ERROR"
)

// Event is a response event addressed to one node execution.
//
// Events are consumed once; only their effects are persisted. The node
// execution is NodeExecutionID, or the runtime id of the innermost ambiance
// level when that is empty.
type Event struct {
	ID              string
	Ambiance        model.Ambiance
	NodeExecutionID string

	// IdempotencyKey guards QueueTask, SpawnChild and SpawnChildren against
	// redelivery. Empty means ID.
	IdempotencyKey string

	CreatedAt time.Time
	Payload   Payload
}

// Kind returns the kind of the event's payload, or "" when it has none.
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventKind()
}

func (e Event) target() string {
	if e.NodeExecutionID != "" {
		return e.NodeExecutionID
	}
	return e.Ambiance.RuntimeID()
}

func (e Event) idempotencyKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return e.ID
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	eventKind() EventKind
}

// AddExecutableResponse appends a response to the execution's log without
// changing its status.
type AddExecutableResponse struct {
	Response model.ExecutableResponse `json:"response"`
}

// HandleStepResponse reports the step's outcome for the execution.
type HandleStepResponse struct {
	Status  model.Status       `json:"status"`
	Failure *model.FailureInfo `json:"failure,omitempty"`
	Outputs map[string]any     `json:"outputs,omitempty"`
}

// AdviserResponse answers an advice request.
type AdviserResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Advice        Advice             `json:"advice"`
	Failure       *model.FailureInfo `json:"failure,omitempty"`
}

// FacilitatorResponse answers a facilitation request. Failure means the
// node fails without running; Skip means it is skipped.
type FacilitatorResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Mode          model.ExecutionMode `json:"mode,omitempty"`
	Skip          bool                `json:"skip,omitempty"`
	Failure       *model.FailureInfo  `json:"failure,omitempty"`
}

// QueueTask asks for a task to be dispatched for the execution. Chain
// marks a task-chain link; ChainEnd and PassThrough are recorded with it.
type QueueTask struct {
	Category     string         `json:"category"`
	Routing      task.Routing   `json:"routing"`
	Spec         task.Spec      `json:"spec"`
	InitialDelay time.Duration  `json:"initial_delay,omitempty"`
	Chain        bool           `json:"chain,omitempty"`
	ChainEnd     bool           `json:"chain_end,omitempty"`
	PassThrough  map[string]any `json:"pass_through,omitempty"`
}

// SpawnChild starts one child node under the execution.
type SpawnChild struct {
	NodeID string `json:"node_id"`
}

// SpawnChildren starts several child nodes that run concurrently and are
// joined when all of them conclude.
type SpawnChildren struct {
	NodeIDs []string `json:"node_ids"`
}

// ResumeNodeExecution resumes a waiting execution with the responses its
// correlation ids were fulfilled with. AsError fails the execution with the
// first failure among the responses instead of resuming the step.
type ResumeNodeExecution struct {
	Responses map[string]CorrelationResult `json:"responses"`
	AsError   bool                         `json:"as_error,omitempty"`
}

// SuspendChain pauses a task chain until PauseToken is fulfilled, or resumes
// it immediately when Responses is not empty.
type SuspendChain struct {
	PauseToken  string                       `json:"pause_token"`
	PassThrough map[string]any               `json:"pass_through,omitempty"`
	Responses   map[string]CorrelationResult `json:"responses,omitempty"`
}

// Error reports a failure. With a CorrelationID the correlation is fulfilled
// with the failure; without one the addressed execution fails.
type Error struct {
	CorrelationID string             `json:"correlation_id,omitempty"`
	Failure       *model.FailureInfo `json:"failure"`
}

// CorrelationResult is what a correlation id was fulfilled with.
type CorrelationResult struct {
	Data    map[string]any     `json:"data,omitempty"`
	Failure *model.FailureInfo `json:"failure,omitempty"`
}

func (AddExecutableResponse) eventKind() EventKind { return KindAddExecutableResponse }
func (HandleStepResponse) eventKind() EventKind    { return KindHandleStepResponse }
func (AdviserResponse) eventKind() EventKind       { return KindAdviserResponse }
func (FacilitatorResponse) eventKind() EventKind   { return KindFacilitatorResponse }
func (QueueTask) eventKind() EventKind             { return KindQueueTask }
func (SpawnChild) eventKind() EventKind            { return KindSpawnChild }
func (SpawnChildren) eventKind() EventKind         { return KindSpawnChildren }
func (ResumeNodeExecution) eventKind() EventKind   { return KindResumeNodeExecution }
func (SuspendChain) eventKind() EventKind          { return KindSuspendChain }
func (Error) eventKind() EventKind                 { return KindError }

// envelope is the wire form of an Event:
//
//	{"kind":"QUEUE_TASK","id":"...","ambiance":{...},"payload":{...}}
type envelope struct {
	Kind            EventKind       `json:"kind"`
	ID              string          `json:"id"`
	Ambiance        model.Ambiance  `json:"ambiance"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Payload         json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s: %w: no payload", e.ID, ErrUnknownEvent)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{
		Kind:            e.Kind(),
		ID:              e.ID,
		Ambiance:        e.Ambiance,
		NodeExecutionID: e.NodeExecutionID,
		IdempotencyKey:  e.IdempotencyKey,
		CreatedAt:       e.CreatedAt,
		Payload:         payload,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
		return jsonErr
	}

	var (
		payload Payload
		err     error
	)
	switch env.Kind {
	case KindAddExecutableResponse:
		payload = decodePayload[AddExecutableResponse](env.Payload, &err)
	case KindHandleStepResponse:
		payload = decodePayload[HandleStepResponse](env.Payload, &err)
	case KindAdviserResponse:
		payload = decodePayload[AdviserResponse](env.Payload, &err)
	case KindFacilitatorResponse:
		payload = decodePayload[FacilitatorResponse](env.Payload, &err)
	case KindQueueTask:
		payload = decodePayload[QueueTask](env.Payload, &err)
	case KindSpawnChild:
		payload = decodePayload[SpawnChild](env.Payload, &err)
	case KindSpawnChildren:
		payload = decodePayload[SpawnChildren](env.Payload, &err)
	case KindResumeNodeExecution:
		payload = decodePayload[ResumeNodeExecution](env.Payload, &err)
	case KindSuspendChain:
		payload = decodePayload[SuspendChain](env.Payload, &err)
	case KindError:
		payload = decodePayload[Error](env.Payload, &err)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}

	*e = Event{
		ID:              env.ID,
		Ambiance:        env.Ambiance,
		NodeExecutionID: env.NodeExecutionID,
		IdempotencyKey:  env.IdempotencyKey,
		CreatedAt:       env.CreatedAt,
		Payload:         payload,
	}
	return nil
}

func decodePayload[P Payload](raw json.RawMessage, errp *error) Payload {
	var p P
	if len(raw) > 0 {
		*errp = json.Unmarshal(raw, &p)
	}
	return p
}
