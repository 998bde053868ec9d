package model

import "strings"

// Status is the lifecycle state of a NodeExecution.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusSuspended           Status = "SUSPENDED"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusAborted             Status = "ABORTED"
	StatusSkipped             Status = "SKIPPED"
)

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusAborted, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is a terminal failure state.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusErrored, StatusAborted:
		return true
	default:
		return false
	}
}

// IsPositive reports whether s is a terminal state that lets a branch proceed.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// ParseStatus maps free-form input to a canonical Status. It returns "" for
// unknown values.
func ParseStatus(value string) Status {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range allStatuses {
		if s == known {
			return s
		}
	}
	return ""
}

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusTaskWaiting,
	StatusAsyncWaiting,
	StatusSuspended,
	StatusInterventionWaiting,
	StatusDiscontinuing,
	StatusSucceeded,
	StatusFailed,
	StatusErrored,
	StatusAborted,
	StatusSkipped,
}

// NonTerminalStatuses returns every status a NodeExecution may still leave.
func NonTerminalStatuses() []Status {
	out := make([]Status, 0, len(allStatuses))
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// transitions lists, for every target status, the statuses it may be entered
// from. QUEUED has no priors: it is only ever the initial status.
var transitions = map[Status][]Status{
	StatusQueued:              nil,
	StatusRunning:             {StatusQueued, StatusTaskWaiting, StatusAsyncWaiting, StatusSuspended},
	StatusTaskWaiting:         {StatusRunning, StatusTaskWaiting},
	StatusAsyncWaiting:        {StatusRunning, StatusAsyncWaiting},
	StatusSuspended:           {StatusRunning, StatusTaskWaiting, StatusSuspended},
	StatusInterventionWaiting: {StatusRunning, StatusTaskWaiting, StatusAsyncWaiting, StatusSuspended},
	StatusDiscontinuing:       nonTerminalExcept(StatusDiscontinuing),
	StatusSucceeded:           NonTerminalStatuses(),
	StatusFailed:              NonTerminalStatuses(),
	StatusErrored:             NonTerminalStatuses(),
	StatusAborted:             NonTerminalStatuses(),
	StatusSkipped:             NonTerminalStatuses(),
}

func nonTerminalExcept(skip Status) []Status {
	var out []Status
	for _, s := range NonTerminalStatuses() {
		if s != skip {
			out = append(out, s)
		}
	}
	return out
}

// AllowedPriors returns the statuses from which to may be entered.
// The returned slice is a copy.
func AllowedPriors(to Status) []Status {
	priors := transitions[to]
	out := make([]Status, len(priors))
	copy(out, priors)
	return out
}

// CanTransition reports whether a NodeExecution may move from one status to
// another. Terminal statuses never transition.
func CanTransition(from, to Status) bool {
	if from == "" || to == "" || from.IsTerminal() {
		return false
	}
	for _, prior := range transitions[to] {
		if prior == from {
			return true
		}
	}
	return false
}

// ContainsStatus reports whether s is in set.
func ContainsStatus(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
