// Package step defines the contract between the orchestration engine and
// step business logic.
//
// A step implements Step plus one or more execution interfaces. The mode a
// node runs in decides which interface the engine calls:
//
//	SYNC        SyncExecutable
//	ASYNC       AsyncExecutable
//	TASK        TaskExecutable
//	TASK_CHAIN  TaskChainExecutable
//	CHILD       ChildExecutable
//	CHILDREN    ChildrenExecutable
//
// Steps never touch stores or correlations; they return values and the
// engine turns those into events.
package step

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
)

var (
	// ErrUnknownStepType is returned by Registry.Lookup.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrModeNotSupported is returned when a step does not implement the
	// interface its execution mode requires.
	ErrModeNotSupported = errors.New("step does not support execution mode")
)

// Step is implemented by every step.
type Step interface {
	StepType() string
}

// Input is what a step sees of the node being executed.
type Input struct {
	Ambiance        model.Ambiance
	Node            model.Node
	NodeExecutionID string
}

// Param returns a node parameter, or def when absent.
func (in Input) Param(key string, def any) any {
	if v, ok := in.Node.Parameters[key]; ok {
		return v
	}
	return def
}

// Response is the outcome a step reports for its node.
type Response struct {
	Status  model.Status
	Failure *model.FailureInfo
	Outputs map[string]any
}

// Succeeded builds a SUCCEEDED response.
func Succeeded(outputs map[string]any) Response {
	return Response{Status: model.StatusSucceeded, Outputs: outputs}
}

// Failed builds a failure response whose status follows the failure
// classification.
func Failed(failure *model.FailureInfo) Response {
	return Response{Status: failure.ErroredStatus(), Failure: failure}
}

// Result is the payload a correlation id was fulfilled with.
type Result struct {
	CorrelationID string
	Data          map[string]any
	Failure       *model.FailureInfo
}

// Failed reports whether the result carries a failure.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// TaskRequest asks the engine to queue one task.
type TaskRequest struct {
	Category     string
	Routing      task.Routing
	Spec         task.Spec
	InitialDelay time.Duration
}

// ChainLink is one link of a task chain.
//
// Exactly one of Task or Suspend drives the next wait. ChainEnd marks the
// last link: its result goes to Finalize instead of NextLink.
type ChainLink struct {
	Task        *TaskRequest
	Suspend     bool
	ChainEnd    bool
	PassThrough map[string]any
}

// ChildOutcome is how a spawned child concluded.
type ChildOutcome struct {
	NodeID      string
	ExecutionID string
	Status      model.Status
	Failure     *model.FailureInfo
}

// Failed reports whether the child did not end positively.
func (o ChildOutcome) Failed() bool {
	return !o.Status.IsPositive()
}

type SyncExecutable interface {
	Step
	ExecuteSync(ctx context.Context, in Input) (Response, error)
}

type AsyncExecutable interface {
	Step
	// ExecuteAsync starts work elsewhere and returns the correlation ids
	// that will be fulfilled when it completes.
	ExecuteAsync(ctx context.Context, in Input) ([]string, error)
	HandleAsyncResponse(ctx context.Context, in Input, results map[string]Result) (Response, error)
}

type TaskExecutable interface {
	Step
	ObtainTask(ctx context.Context, in Input) (TaskRequest, error)
	HandleTaskResult(ctx context.Context, in Input, result Result) (Response, error)
}

type TaskChainExecutable interface {
	Step
	StartChainLink(ctx context.Context, in Input) (ChainLink, error)
	NextLink(ctx context.Context, in Input, passThrough map[string]any, result Result) (ChainLink, error)
	Finalize(ctx context.Context, in Input, passThrough map[string]any, result Result) (Response, error)
}

type ChildExecutable interface {
	Step
	ObtainChild(ctx context.Context, in Input) (string, error)
	HandleChildResponse(ctx context.Context, in Input, child ChildOutcome) (Response, error)
}

type ChildrenExecutable interface {
	Step
	ObtainChildren(ctx context.Context, in Input) ([]string, error)
	HandleChildrenResponse(ctx context.Context, in Input, children []ChildOutcome) (Response, error)
}

// Supports reports whether s implements the interface mode requires.
func Supports(s Step, mode model.ExecutionMode) bool {
	switch mode {
	case model.ModeSync:
		_, ok := s.(SyncExecutable)
		return ok
	case model.ModeAsync:
		_, ok := s.(AsyncExecutable)
		return ok
	case model.ModeTask:
		_, ok := s.(TaskExecutable)
		return ok
	case model.ModeTaskChain:
		_, ok := s.(TaskChainExecutable)
		return ok
	case model.ModeChild:
		_, ok := s.(ChildExecutable)
		return ok
	case model.ModeChildren:
		_, ok := s.(ChildrenExecutable)
		return ok
	}
	return false
}

// preferredModes is the order in which a step's capabilities are tried when
// the node declares no mode.
var preferredModes = []model.ExecutionMode{
	model.ModeChildren,
	model.ModeChild,
	model.ModeTaskChain,
	model.ModeTask,
	model.ModeAsync,
	model.ModeSync,
}

// ModeOf returns the first mode s supports, in structural-first order.
func ModeOf(s Step) (model.ExecutionMode, bool) {
	for _, m := range preferredModes {
		if Supports(s, m) {
			return m, true
		}
	}
	return "", false
}

// AndJoin is the default join: any child that did not end positively fails
// the parent, with the children's failure messages merged.
func AndJoin(children []ChildOutcome) Response {
	var (
		msgs  []string
		types []model.FailureType
	)
	for _, c := range children {
		if !c.Failed() {
			continue
		}
		msg := fmt.Sprintf("%s %s", c.NodeID, c.Status)
		if c.Failure != nil && c.Failure.Message != "" {
			msg += ": " + c.Failure.Message
			types = append(types, c.Failure.Types...)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return Succeeded(nil)
	}
	sort.Strings(msgs)
	return Response{
		Status:  model.StatusFailed,
		Failure: &model.FailureInfo{Message: "child failed: " + strings.Join(msgs, "; "), Types: dedupe(types)},
	}
}

func dedupe(types []model.FailureType) []model.FailureType {
	seen := make(map[model.FailureType]bool, len(types))
	var out []model.FailureType
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = []model.FailureType{model.FailureApplication}
	}
	return out
}

// Registry maps step types to steps. It is built at startup.
type Registry struct {
	steps map[string]Step
}

// NewRegistry registers steps by their StepType.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s. A step must support at least one mode and its type must
// be unique.
func (r *Registry) Register(s Step) error {
	t := s.StepType()
	if t == "" {
		return errors.New("step type must not be empty")
	}
	if _, ok := ModeOf(s); !ok {
		return fmt.Errorf("step %s: %w: implements no execution interface", t, ErrModeNotSupported)
	}
	if _, dup := r.steps[t]; dup {
		return fmt.Errorf("step %s registered twice", t)
	}
	r.steps[t] = s
	return nil
}

// Lookup returns the step registered for stepType.
func (r *Registry) Lookup(stepType string) (Step, error) {
	s, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return s, nil
}
