// Package model defines the data model shared by the orchestration engine and its stores.
package model

import (
	"time"
)

// Level identifies one nesting scope inside a plan execution.
//
// A Level pairs the static node it belongs to (SetupID) with the runtime
// instance executing it (RuntimeID). The last Level of an Ambiance always
// addresses the NodeExecution the Ambiance belongs to.
type Level struct {
	// SetupID is the Node ID from the plan.
	SetupID string `json:"setup_id" yaml:"setup_id"`

	// RuntimeID is the NodeExecution ID for this scope.
	RuntimeID string `json:"runtime_id" yaml:"runtime_id"`

	// Identifier is the human-facing node identifier (e.g. "deploy_step").
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`

	// StepType is the step type of the node at this scope.
	StepType string `json:"step_type,omitempty" yaml:"step_type,omitempty"`

	// Group is the declared grouping (stage, step group, ...) of the node.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// StartTs records when the scope was entered.
	StartTs time.Time `json:"start_ts" yaml:"start_ts"`
}

// Ambiance is the addressing context of a NodeExecution.
//
// An Ambiance is immutable once created: every method that derives a new
// Ambiance copies the level slice, so the parent's levels are always a strict
// prefix of every descendant's levels and are never shared by reference.
//
// The exported fields exist for persistence only; callers must treat a value
// as read-only and use CloneForChild to derive new addressing.
type Ambiance struct {
	PlanExecutionID string  `json:"plan_execution_id"`
	PlanID          string  `json:"plan_id"`
	AccountID       string  `json:"account_id,omitempty"`
	OrgID           string  `json:"org_id,omitempty"`
	ProjectID       string  `json:"project_id,omitempty"`
	Levels          []Level `json:"levels"`
}

// ExecutionMeta is the top-level metadata of a plan execution.
type ExecutionMeta struct {
	PlanExecutionID string
	PlanID          string
	AccountID       string
	OrgID           string
	ProjectID       string
}

// NewAmbiance creates the root Ambiance of a plan execution.
func NewAmbiance(meta ExecutionMeta, root Level) Ambiance {
	return Ambiance{
		PlanExecutionID: meta.PlanExecutionID,
		PlanID:          meta.PlanID,
		AccountID:       meta.AccountID,
		OrgID:           meta.OrgID,
		ProjectID:       meta.ProjectID,
		Levels:          []Level{root},
	}
}

// Meta returns the top-level metadata of the Ambiance.
func (a Ambiance) Meta() ExecutionMeta {
	return ExecutionMeta{
		PlanExecutionID: a.PlanExecutionID,
		PlanID:          a.PlanID,
		AccountID:       a.AccountID,
		OrgID:           a.OrgID,
		ProjectID:       a.ProjectID,
	}
}

// CloneForChild returns a new Ambiance with level appended.
// The receiver is left untouched.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	out := a.clone()
	out.Levels = append(out.Levels, level)
	return out
}

// CloneForSibling returns a new Ambiance whose last level is replaced by
// level. It is used when the engine advances to the next node, or retries a
// node, under the same parent scope.
func (a Ambiance) CloneForSibling(level Level) Ambiance {
	out := a.clone()
	if len(out.Levels) == 0 {
		out.Levels = []Level{level}
		return out
	}
	out.Levels[len(out.Levels)-1] = level
	return out
}

func (a Ambiance) clone() Ambiance {
	out := a
	out.Levels = make([]Level, len(a.Levels), len(a.Levels)+1)
	copy(out.Levels, a.Levels)
	return out
}

// CurrentLevel returns the innermost level, or false for an empty Ambiance.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// RuntimeID returns the NodeExecution ID addressed by this Ambiance.
func (a Ambiance) RuntimeID() string {
	lvl, ok := a.CurrentLevel()
	if !ok {
		return ""
	}
	return lvl.RuntimeID
}

// SetupID returns the Node ID addressed by this Ambiance.
func (a Ambiance) SetupID() string {
	lvl, ok := a.CurrentLevel()
	if !ok {
		return ""
	}
	return lvl.SetupID
}

// Depth returns the number of levels.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// IsPrefixOf reports whether a's levels are a strict prefix of other's levels
// within the same plan execution.
func (a Ambiance) IsPrefixOf(other Ambiance) bool {
	if a.PlanExecutionID != other.PlanExecutionID {
		return false
	}
	if len(a.Levels) >= len(other.Levels) {
		return false
	}
	for i := range a.Levels {
		if a.Levels[i].RuntimeID != other.Levels[i].RuntimeID ||
			a.Levels[i].SetupID != other.Levels[i].SetupID {
			return false
		}
	}
	return true
}
