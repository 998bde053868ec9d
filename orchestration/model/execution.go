package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidExecutableResponse is returned by ExecutableResponse.Validate.
var ErrInvalidExecutableResponse = errors.New("invalid executable response")

// NodeExecution is the runtime instance of a Node within a plan execution.
//
// Mutations go through field-scoped store operations only; a NodeExecution
// value read from a store is a snapshot.
type NodeExecution struct {
	ID       string   `json:"id"`
	Ambiance Ambiance `json:"ambiance"`
	NodeID   string   `json:"node_id"`
	Status   Status   `json:"status"`

	// ParentID is the enclosing NodeExecution, empty for the root.
	ParentID string `json:"parent_id,omitempty"`

	// NotifyID is the correlation id fulfilled when this execution concludes.
	// For spawned children it equals the child's own ID.
	NotifyID string `json:"notify_id,omitempty"`

	// OriginalNodeExecutionID points at the execution this one retries.
	OriginalNodeExecutionID string   `json:"original_node_execution_id,omitempty"`
	RetryIDs                []string `json:"retry_ids,omitempty"`
	OldRetry                bool     `json:"old_retry,omitempty"`

	// ExecutableResponses is append-only, in causal order. The last entry
	// describes what the execution is currently waiting on.
	ExecutableResponses []ExecutableResponse `json:"executable_responses,omitempty"`

	Mode    ExecutionMode `json:"mode,omitempty"`
	Failure *FailureInfo  `json:"failure,omitempty"`

	StartTs   time.Time `json:"start_ts"`
	EndTs     time.Time `json:"end_ts,omitempty"`
	UpdatedTs time.Time `json:"updated_ts"`
}

// LastExecutableResponse returns the tail of the executable response log.
func (ne *NodeExecution) LastExecutableResponse() (ExecutableResponse, bool) {
	if len(ne.ExecutableResponses) == 0 {
		return ExecutableResponse{}, false
	}
	return ne.ExecutableResponses[len(ne.ExecutableResponses)-1], true
}

// Clone returns a copy that shares no slices with ne. Response bodies are
// shared; they are never mutated after being appended.
func (ne *NodeExecution) Clone() *NodeExecution {
	if ne == nil {
		return nil
	}
	out := *ne
	out.Ambiance = ne.Ambiance.clone()
	if ne.RetryIDs != nil {
		out.RetryIDs = append([]string(nil), ne.RetryIDs...)
	}
	if ne.ExecutableResponses != nil {
		out.ExecutableResponses = append([]ExecutableResponse(nil), ne.ExecutableResponses...)
	}
	if ne.Failure != nil {
		f := *ne.Failure
		f.Types = append([]FailureType(nil), ne.Failure.Types...)
		out.Failure = &f
	}
	return &out
}

// IsRoot reports whether the execution has no parent.
func (ne *NodeExecution) IsRoot() bool {
	return ne.ParentID == ""
}

// ResponseType tags the body of an ExecutableResponse.
type ResponseType string

const (
	ResponseTask         ResponseType = "TASK"
	ResponseTaskChain    ResponseType = "TASK_CHAIN"
	ResponseChild        ResponseType = "CHILD"
	ResponseChildren     ResponseType = "CHILDREN"
	ResponseAsync        ResponseType = "ASYNC"
	ResponseSuspendChain ResponseType = "SUSPEND_CHAIN"
)

// ExecutableResponse records what a NodeExecution has spawned or is waiting on.
// Exactly one body matching Type is set.
type ExecutableResponse struct {
	Type         ResponseType          `json:"type"`
	Task         *TaskResponse         `json:"task,omitempty"`
	TaskChain    *TaskChainResponse    `json:"task_chain,omitempty"`
	Child        *ChildResponse        `json:"child,omitempty"`
	Children     *ChildrenResponse     `json:"children,omitempty"`
	Async        *AsyncResponse        `json:"async,omitempty"`
	SuspendChain *SuspendChainResponse `json:"suspend_chain,omitempty"`
}

type TaskResponse struct {
	TaskID       string `json:"task_id"`
	TaskCategory string `json:"task_category"`
}

type TaskChainResponse struct {
	TaskID       string         `json:"task_id"`
	TaskCategory string         `json:"task_category"`
	ChainEnd     bool           `json:"chain_end"`
	PassThrough  map[string]any `json:"pass_through,omitempty"`
}

type ChildResponse struct {
	ChildNodeID      string `json:"child_node_id"`
	ChildExecutionID string `json:"child_execution_id"`
}

type ChildRef struct {
	NodeID      string `json:"node_id"`
	ExecutionID string `json:"execution_id"`
}

type ChildrenResponse struct {
	Children []ChildRef `json:"children"`
}

type AsyncResponse struct {
	CallbackIDs []string `json:"callback_ids"`
}

type SuspendChainResponse struct {
	PauseToken  string         `json:"pause_token"`
	PassThrough map[string]any `json:"pass_through,omitempty"`
}

// Validate checks that exactly the body named by Type is populated.
func (r ExecutableResponse) Validate() error {
	set := 0
	for _, present := range []bool{
		r.Task != nil, r.TaskChain != nil, r.Child != nil,
		r.Children != nil, r.Async != nil, r.SuspendChain != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d bodies set for %q", ErrInvalidExecutableResponse, set, r.Type)
	}

	var ok bool
	switch r.Type {
	case ResponseTask:
		ok = r.Task != nil && r.Task.TaskID != ""
	case ResponseTaskChain:
		ok = r.TaskChain != nil && r.TaskChain.TaskID != ""
	case ResponseChild:
		ok = r.Child != nil && r.Child.ChildExecutionID != ""
	case ResponseChildren:
		ok = r.Children != nil && len(r.Children.Children) > 0
	case ResponseAsync:
		ok = r.Async != nil && len(r.Async.CallbackIDs) > 0
	case ResponseSuspendChain:
		ok = r.SuspendChain != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidExecutableResponse, r.Type)
	}
	if !ok {
		return fmt.Errorf("%w: empty %s body", ErrInvalidExecutableResponse, r.Type)
	}
	return nil
}

func NewTaskResponse(taskID, category string) ExecutableResponse {
	return ExecutableResponse{Type: ResponseTask, Task: &TaskResponse{TaskID: taskID, TaskCategory: category}}
}

func NewTaskChainResponse(taskID, category string, chainEnd bool, passThrough map[string]any) ExecutableResponse {
	return ExecutableResponse{Type: ResponseTaskChain, TaskChain: &TaskChainResponse{
		TaskID:       taskID,
		TaskCategory: category,
		ChainEnd:     chainEnd,
		PassThrough:  passThrough,
	}}
}

func NewChildResponse(nodeID, executionID string) ExecutableResponse {
	return ExecutableResponse{Type: ResponseChild, Child: &ChildResponse{ChildNodeID: nodeID, ChildExecutionID: executionID}}
}

func NewChildrenResponse(children []ChildRef) ExecutableResponse {
	return ExecutableResponse{Type: ResponseChildren, Children: &ChildrenResponse{Children: children}}
}

func NewAsyncResponse(callbackIDs []string) ExecutableResponse {
	return ExecutableResponse{Type: ResponseAsync, Async: &AsyncResponse{CallbackIDs: callbackIDs}}
}

func NewSuspendChainResponse(pauseToken string, passThrough map[string]any) ExecutableResponse {
	return ExecutableResponse{Type: ResponseSuspendChain, SuspendChain: &SuspendChainResponse{
		PauseToken:  pauseToken,
		PassThrough: passThrough,
	}}
}
