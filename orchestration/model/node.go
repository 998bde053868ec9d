package model

import (
	"errors"
	"time"
)

// ErrInvalidRetryPolicy is returned when a RetryPolicy violates its constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ExecutionMode tells the engine how a node's step logic runs.
type ExecutionMode string

const (
	ModeSync      ExecutionMode = "SYNC"
	ModeAsync     ExecutionMode = "ASYNC"
	ModeTask      ExecutionMode = "TASK"
	ModeTaskChain ExecutionMode = "TASK_CHAIN"
	ModeChild     ExecutionMode = "CHILD"
	ModeChildren  ExecutionMode = "CHILDREN"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeTask, ModeTaskChain, ModeChild, ModeChildren:
		return true
	default:
		return false
	}
}

// Node is the static, plan-compiled definition of one step.
//
// Nodes are created once when a plan is compiled and never mutated.
// They are looked up by (PlanID, ID).
type Node struct {
	ID         string `json:"id" yaml:"id"`
	PlanID     string `json:"plan_id" yaml:"plan_id"`
	Identifier string `json:"identifier" yaml:"identifier"`
	Name       string `json:"name" yaml:"name"`
	StepType   string `json:"step_type" yaml:"step_type"`
	Group      string `json:"group,omitempty" yaml:"group,omitempty"`

	// Skip marks the node as declared-skipped: it is facilitated straight to SKIPPED.
	Skip bool `json:"skip,omitempty" yaml:"skip,omitempty"`

	// Facilitator is the declared execution mode hint consumed by the facilitator.
	// Empty means "ask the step".
	Facilitator ExecutionMode `json:"facilitator,omitempty" yaml:"facilitator,omitempty"`

	// TaskCategory selects the task executor for TASK and TASK_CHAIN nodes.
	TaskCategory string `json:"task_category,omitempty" yaml:"task_category,omitempty"`

	// Next is the sibling node the default adviser advances to on success.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`

	// Child and Children are the structural children of section and fork nodes.
	Child    string   `json:"child,omitempty" yaml:"child,omitempty"`
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// InterventionOnFailure makes the default adviser halt for manual
	// intervention instead of ending the branch when the node fails.
	InterventionOnFailure bool `json:"intervention_on_failure,omitempty" yaml:"intervention_on_failure,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Level builds the ambiance level for a runtime instance of the node.
func (n Node) Level(runtimeID string, startTs time.Time) Level {
	return Level{
		SetupID:    n.ID,
		RuntimeID:  runtimeID,
		Identifier: n.Identifier,
		StepType:   n.StepType,
		Group:      n.Group,
		StartTs:    startTs,
	}
}

// RetryPolicy configures adviser-driven retries of a failed node.
//
// The engine never retries on its own; the default adviser reads this
// policy and answers RETRY while attempts remain.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions including the first one.
	// A value of 1 means no retries.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the base of the exponential backoff between attempts.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// RetryOn limits retries to failures with one of these types.
	// Empty retries every failure.
	RetryOn []FailureType `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Validate checks the policy constraints:
//   - MaxAttempts must be >= 1
//   - MaxDelay, when set together with BaseDelay, must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Retries reports whether a failure classified as failure may be retried.
func (rp *RetryPolicy) Retries(failure *FailureInfo) bool {
	if len(rp.RetryOn) == 0 {
		return true
	}
	if failure == nil {
		return false
	}
	for _, t := range failure.Types {
		for _, want := range rp.RetryOn {
			if t == want {
				return true
			}
		}
	}
	return false
}
