package orchestration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/step"
)

// Publisher accepts response events for asynchronous handling. The Engine
// implements it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// FacilitationRequest asks how a queued node execution should run.
type FacilitationRequest struct {
	CorrelationID   string
	Ambiance        model.Ambiance
	Node            model.Node
	NodeExecutionID string
}

// Facilitator decides a node's execution mode. It answers by publishing a
// FacilitatorResponse carrying the request's CorrelationID, either before
// returning or later from elsewhere.
type Facilitator interface {
	Facilitate(ctx context.Context, req FacilitationRequest, pub Publisher) error
}

// AdviceRequest asks what should follow a node execution that reached a
// terminal status.
type AdviceRequest struct {
	CorrelationID string
	Node          model.Node
	Execution     *model.NodeExecution
}

// Adviser decides what follows a terminal node execution. It answers by
// publishing an AdviserResponse carrying the request's CorrelationID.
type Adviser interface {
	Advise(ctx context.Context, req AdviceRequest, pub Publisher) error
}

// AdviceType is the engine action an adviser asks for.
type AdviceType string

const (
	// AdviceNextStep starts NextNodeID as a sibling of the execution.
	AdviceNextStep AdviceType = "NEXT_STEP"
	// AdviceRetry starts a new execution of the same node after RetryDelay.
	AdviceRetry AdviceType = "RETRY"
	// AdviceEndBranch concludes the branch and notifies whoever waits on it.
	AdviceEndBranch AdviceType = "END_BRANCH"
	// AdviceInterventionWait holds the branch until an operator decides.
	AdviceInterventionWait AdviceType = "INTERVENTION_WAIT"
)

// Advice is an adviser's answer.
type Advice struct {
	Type       AdviceType    `json:"type"`
	NextNodeID string        `json:"next_node_id,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

func (a Advice) data() map[string]any {
	data := map[string]any{"type": string(a.Type)}
	if a.NextNodeID != "" {
		data["next_node_id"] = a.NextNodeID
	}
	if a.RetryDelay > 0 {
		data["retry_delay_ms"] = a.RetryDelay.Milliseconds()
	}
	return data
}

// adviceFromData reads advice back from a correlation payload, which may
// have come through JSON.
func adviceFromData(data map[string]any) (Advice, error) {
	typ, _ := data["type"].(string)
	a := Advice{Type: AdviceType(typ)}
	a.NextNodeID, _ = data["next_node_id"].(string)

	switch ms := data["retry_delay_ms"].(type) {
	case nil:
	case int64:
		a.RetryDelay = time.Duration(ms) * time.Millisecond
	case int:
		a.RetryDelay = time.Duration(ms) * time.Millisecond
	case float64:
		a.RetryDelay = time.Duration(ms) * time.Millisecond
	case string:
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return Advice{}, fmt.Errorf("retry_delay_ms: %w", err)
		}
		a.RetryDelay = time.Duration(n) * time.Millisecond
	default:
		return Advice{}, fmt.Errorf("retry_delay_ms has type %T", ms)
	}

	switch a.Type {
	case AdviceEndBranch, AdviceRetry, AdviceInterventionWait:
	case AdviceNextStep:
		if a.NextNodeID == "" {
			return Advice{}, fmt.Errorf("%s advice without next_node_id", a.Type)
		}
	default:
		return Advice{}, fmt.Errorf("unknown advice type %q", typ)
	}
	return a, nil
}

// Intervention actions an operator can fulfil an intervention with, as
// {"action": "retry"} or {"action": "proceed"}.
const (
	InterventionRetry   = "retry"
	InterventionProceed = "proceed"
)

// InterventionCorrelationID is the correlation id an operator fulfils to
// release a node execution held by INTERVENTION_WAIT advice.
func InterventionCorrelationID(nodeExecutionID string) string {
	return "intervention-" + nodeExecutionID
}

// DefaultFacilitator takes the mode from the node's Facilitator hint, or
// from the capabilities of its step when there is none. Nodes marked Skip
// are skipped.
type DefaultFacilitator struct {
	Steps *step.Registry
}

func (f *DefaultFacilitator) Facilitate(ctx context.Context, req FacilitationRequest, pub Publisher) error {
	resp := FacilitatorResponse{CorrelationID: req.CorrelationID}
	if req.Node.Skip {
		resp.Skip = true
	} else if mode, err := f.mode(req.Node); err != nil {
		resp.Failure = model.NewFailure(err.Error(), model.FailureApplication)
	} else {
		resp.Mode = mode
	}

	return pub.Publish(ctx, Event{
		ID:              model.NewCorrelationID(),
		Ambiance:        req.Ambiance,
		NodeExecutionID: req.NodeExecutionID,
		CreatedAt:       time.Now(),
		Payload:         resp,
	})
}

func (f *DefaultFacilitator) mode(node model.Node) (model.ExecutionMode, error) {
	s, err := f.Steps.Lookup(node.StepType)
	if err != nil {
		return "", err
	}
	if node.Facilitator == "" {
		mode, _ := step.ModeOf(s)
		return mode, nil
	}
	if !node.Facilitator.Valid() {
		return "", fmt.Errorf("node %s: unknown execution mode %q", node.ID, node.Facilitator)
	}
	if !step.Supports(s, node.Facilitator) {
		return "", fmt.Errorf("node %s: %w: %s as %s", node.ID, step.ErrModeNotSupported, node.StepType, node.Facilitator)
	}
	return node.Facilitator, nil
}

// DefaultAdviser advises from node metadata:
//   - a positive outcome moves to Next, or ends the branch
//   - a failure is retried while the node's RetryPolicy allows it, with
//     exponential backoff and jitter
//   - a failure that cannot be retried waits for intervention when the node
//     asks for it, or ends the branch
type DefaultAdviser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDefaultAdviser seeds the jitter source with seed.
func NewDefaultAdviser(seed int64) *DefaultAdviser {
	return &DefaultAdviser{rng: rand.New(rand.NewSource(seed))} // #nosec G404 -- jitter for retry timing, not security
}

func (a *DefaultAdviser) Advise(ctx context.Context, req AdviceRequest, pub Publisher) error {
	return pub.Publish(ctx, Event{
		ID:              model.NewCorrelationID(),
		Ambiance:        req.Execution.Ambiance,
		NodeExecutionID: req.Execution.ID,
		CreatedAt:       time.Now(),
		Payload: AdviserResponse{
			CorrelationID: req.CorrelationID,
			Advice:        a.decide(req.Node, req.Execution),
		},
	})
}

func (a *DefaultAdviser) decide(node model.Node, ne *model.NodeExecution) Advice {
	if ne.Status.IsPositive() {
		if node.Next != "" {
			return Advice{Type: AdviceNextStep, NextNodeID: node.Next}
		}
		return Advice{Type: AdviceEndBranch}
	}

	if rp := node.Retry; rp != nil && rp.Validate() == nil && ne.Status != model.StatusAborted {
		attempt := len(ne.RetryIDs) + 1
		if attempt < rp.MaxAttempts && rp.Retries(ne.Failure) {
			return Advice{Type: AdviceRetry, RetryDelay: a.backoff(attempt-1, rp.BaseDelay, rp.MaxDelay)}
		}
	}

	if node.InterventionOnFailure {
		return Advice{Type: AdviceInterventionWait}
	}
	return Advice{Type: AdviceEndBranch}
}

func (a *DefaultAdviser) backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return computeBackoff(attempt, base, maxDelay, a.rng)
}

// maxBackoff is the largest delay computeBackoff returns.
const maxBackoff = time.Duration(math.MaxInt64)

// computeBackoff calculates the delay before a retry using exponential
// backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). A zero maxDelay means no cap;
// uncapped delays saturate at maxBackoff instead of overflowing.
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 3: 8-9s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := maxBackoff
	if base <= maxBackoff>>attempt {
		delay = base << attempt
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	if delay > maxBackoff-jitter {
		return maxBackoff
	}
	return delay + jitter
}
