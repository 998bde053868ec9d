package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
)

// Built-in step types.
const (
	TypeSection  = "SECTION"
	TypeFork     = "FORK"
	TypeNoop     = "NOOP"
	TypeApproval = "APPROVAL"
)

// SuspendLink is the chain link name that pauses the chain until its pause
// token is fulfilled.
const SuspendLink = "suspend"

// Section runs its node's single Child and takes on the child's outcome.
type Section struct{}

func (Section) StepType() string { return TypeSection }

func (Section) ObtainChild(_ context.Context, in Input) (string, error) {
	if in.Node.Child == "" {
		return "", fmt.Errorf("section %s has no child", in.Node.ID)
	}
	return in.Node.Child, nil
}

func (Section) HandleChildResponse(_ context.Context, _ Input, child ChildOutcome) (Response, error) {
	return AndJoin([]ChildOutcome{child}), nil
}

// Fork runs every node in Children concurrently and joins with AndJoin.
type Fork struct{}

func (Fork) StepType() string { return TypeFork }

func (Fork) ObtainChildren(_ context.Context, in Input) ([]string, error) {
	if len(in.Node.Children) == 0 {
		return nil, fmt.Errorf("fork %s has no children", in.Node.ID)
	}
	return in.Node.Children, nil
}

func (Fork) HandleChildrenResponse(_ context.Context, _ Input, children []ChildOutcome) (Response, error) {
	return AndJoin(children), nil
}

// Noop succeeds immediately.
type Noop struct{}

func (Noop) StepType() string { return TypeNoop }

func (Noop) ExecuteSync(context.Context, Input) (Response, error) {
	return Succeeded(nil), nil
}

// Task queues a single task on the node's TaskCategory.
//
// Parameters:
//   - task_type: task type sent to the worker (default: the node's step type)
//   - task_parameters: map forwarded as the task's parameters
//   - selectors: list of worker selectors
//   - timeout: task timeout as a Go duration string
//   - delay: initial delay as a Go duration string
type Task struct {
	Type string
}

func (t Task) StepType() string { return t.Type }

func (t Task) ObtainTask(_ context.Context, in Input) (TaskRequest, error) {
	taskType, _ := in.Param("task_type", in.Node.StepType).(string)
	return buildTaskRequest(in, taskType)
}

func (t Task) HandleTaskResult(_ context.Context, _ Input, result Result) (Response, error) {
	if result.Failed() {
		return Failed(result.Failure), nil
	}
	return Succeeded(result.Data), nil
}

// Chain runs the task types listed in the "links" parameter one after
// another. A link named "suspend" pauses the chain until its pause token is
// fulfilled. A failed link stops the chain.
type Chain struct {
	Type string
}

func (c Chain) StepType() string { return c.Type }

func (c Chain) StartChainLink(_ context.Context, in Input) (ChainLink, error) {
	links, err := chainLinks(in)
	if err != nil {
		return ChainLink{}, err
	}
	return linkAt(in, links, 0)
}

func (c Chain) NextLink(_ context.Context, in Input, passThrough map[string]any, result Result) (ChainLink, error) {
	if result.Failed() {
		return ChainLink{}, result.Failure
	}
	links, err := chainLinks(in)
	if err != nil {
		return ChainLink{}, err
	}
	idx, err := chainIndex(passThrough)
	if err != nil {
		return ChainLink{}, err
	}
	return linkAt(in, links, idx+1)
}

func (c Chain) Finalize(_ context.Context, in Input, passThrough map[string]any, result Result) (Response, error) {
	if result.Failed() {
		return Failed(result.Failure), nil
	}
	idx, err := chainIndex(passThrough)
	if err != nil {
		return Response{}, err
	}
	out := map[string]any{"links_completed": idx + 1}
	for k, v := range result.Data {
		out[k] = v
	}
	return Succeeded(out), nil
}

func chainLinks(in Input) ([]string, error) {
	raw, ok := in.Node.Parameters["links"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("chain %s has no links", in.Node.ID)
	}
	links := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("chain %s: link %v is not a task type", in.Node.ID, v)
		}
		links = append(links, s)
	}
	return links, nil
}

func linkAt(in Input, links []string, idx int) (ChainLink, error) {
	if idx >= len(links) {
		return ChainLink{}, fmt.Errorf("chain %s: link %d out of range", in.Node.ID, idx)
	}
	link := ChainLink{
		ChainEnd:    idx == len(links)-1,
		PassThrough: map[string]any{"index": idx},
	}
	if links[idx] == SuspendLink {
		if link.ChainEnd {
			return ChainLink{}, fmt.Errorf("chain %s cannot end with a suspend link", in.Node.ID)
		}
		link.Suspend = true
		return link, nil
	}
	req, err := buildTaskRequest(in, links[idx])
	if err != nil {
		return ChainLink{}, err
	}
	link.Task = &req
	return link, nil
}

// chainIndex reads the link index back. Pass-through data may have been
// through JSON, so numbers can arrive as float64 or json.Number.
func chainIndex(passThrough map[string]any) (int, error) {
	switch v := passThrough["index"].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("chain pass-through has no index: %v", passThrough)
	}
}

func buildTaskRequest(in Input, taskType string) (TaskRequest, error) {
	params, _ := in.Param("task_parameters", nil).(map[string]any)

	req := TaskRequest{
		Category: in.Node.TaskCategory,
		Routing: task.Routing{
			AccountID: in.Ambiance.AccountID,
			Metadata: map[string]string{
				"plan_execution_id": in.Ambiance.PlanExecutionID,
				"node_execution_id": in.NodeExecutionID,
			},
		},
		Spec: task.Spec{Type: taskType, Parameters: params},
	}
	if sel, ok := in.Param("selectors", nil).([]any); ok {
		for _, s := range sel {
			if str, ok := s.(string); ok {
				req.Routing.Selectors = append(req.Routing.Selectors, str)
			}
		}
	}
	var err error
	if req.Spec.Timeout, err = durationParam(in, "timeout"); err != nil {
		return TaskRequest{}, err
	}
	if req.InitialDelay, err = durationParam(in, "delay"); err != nil {
		return TaskRequest{}, err
	}
	return req, nil
}

func durationParam(in Input, key string) (time.Duration, error) {
	s, ok := in.Param(key, "").(string)
	if !ok || s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("node %s: parameter %s: %w", in.Node.ID, key, err)
	}
	return d, nil
}

// Approval waits for an operator to fulfil a callback id. Data
// {"approved": false} rejects.
type Approval struct{}

func (Approval) StepType() string { return TypeApproval }

func (Approval) ExecuteAsync(context.Context, Input) ([]string, error) {
	return []string{model.NewCorrelationID()}, nil
}

func (Approval) HandleAsyncResponse(_ context.Context, _ Input, results map[string]Result) (Response, error) {
	for _, r := range results {
		if r.Failed() {
			return Failed(r.Failure), nil
		}
		if approved, ok := r.Data["approved"].(bool); ok && !approved {
			return Failed(model.NewFailure("rejected by operator", model.FailureVerification)), nil
		}
	}
	return Succeeded(nil), nil
}
