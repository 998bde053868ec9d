package step

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

func TestModeOf(t *testing.T) {
	tests := []struct {
		step Step
		want model.ExecutionMode
	}{
		{Section{}, model.ModeChild},
		{Fork{}, model.ModeChildren},
		{Noop{}, model.ModeSync},
		{Task{Type: "SHELL"}, model.ModeTask},
		{Chain{Type: "SCRIPT"}, model.ModeTaskChain},
		{Approval{}, model.ModeAsync},
	}
	for _, tt := range tests {
		got, ok := ModeOf(tt.step)
		if !ok || got != tt.want {
			t.Errorf("ModeOf(%s) = %s, %v; want %s", tt.step.StepType(), got, ok, tt.want)
		}
	}
	if Supports(Noop{}, model.ModeTask) {
		t.Error("Noop should not support TASK")
	}
}

type bare struct{}

func (bare) StepType() string { return "BARE" }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(Section{}, Fork{}, Noop{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if s, err := r.Lookup(TypeFork); err != nil || s.StepType() != TypeFork {
		t.Errorf("Lookup(FORK) = %v, %v", s, err)
	}
	if _, err := r.Lookup("NOPE"); !errors.Is(err, ErrUnknownStepType) {
		t.Errorf("Lookup(NOPE) err = %v", err)
	}
	if err := r.Register(Noop{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register(bare{}); !errors.Is(err, ErrModeNotSupported) {
		t.Errorf("Register(bare) err = %v", err)
	}
}

func TestAndJoin(t *testing.T) {
	ok := ChildOutcome{NodeID: "c1", Status: model.StatusSucceeded}
	skipped := ChildOutcome{NodeID: "c3", Status: model.StatusSkipped}
	bad := ChildOutcome{NodeID: "c2", Status: model.StatusFailed,
		Failure: model.NewFailure("exit 1", model.FailureApplication)}

	if got := AndJoin([]ChildOutcome{ok, skipped}); got.Status != model.StatusSucceeded {
		t.Errorf("all positive = %s", got.Status)
	}
	got := AndJoin([]ChildOutcome{ok, bad, skipped})
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.Failure.Message, "c2") || !got.Failure.HasType(model.FailureApplication) {
		t.Errorf("failure = %+v", got.Failure)
	}

	errored := ChildOutcome{NodeID: "c4", Status: model.StatusErrored}
	if got := AndJoin([]ChildOutcome{errored}); got.Status != model.StatusFailed {
		t.Errorf("errored child should fail parent, got %s", got.Status)
	}
}

func TestTask_ObtainTask(t *testing.T) {
	in := Input{
		Ambiance:        model.Ambiance{PlanExecutionID: "pe", AccountID: "acc"},
		NodeExecutionID: "ne",
		Node: model.Node{ID: "build", StepType: "SHELL", TaskCategory: "LOCAL", Parameters: map[string]any{
			"task_parameters": map[string]any{"cmd": "make"},
			"selectors":       []any{"linux", "large"},
			"timeout":         "5s",
			"delay":           "100ms",
		}},
	}
	req, err := Task{Type: "SHELL"}.ObtainTask(context.Background(), in)
	if err != nil {
		t.Fatalf("ObtainTask: %v", err)
	}
	if req.Category != "LOCAL" || req.Spec.Type != "SHELL" || req.Spec.Timeout != 5*time.Second || req.InitialDelay != 100*time.Millisecond {
		t.Errorf("req = %+v", req)
	}
	if len(req.Routing.Selectors) != 2 || req.Routing.AccountID != "acc" || req.Routing.Metadata["node_execution_id"] != "ne" {
		t.Errorf("routing = %+v", req.Routing)
	}

	in.Node.Parameters["timeout"] = "soon"
	if _, err := (Task{Type: "SHELL"}).ObtainTask(context.Background(), in); err == nil {
		t.Error("bad duration accepted")
	}
}

func TestTask_HandleTaskResult(t *testing.T) {
	ctx := context.Background()
	resp, _ := Task{}.HandleTaskResult(ctx, Input{}, Result{Data: map[string]any{"out": 1}})
	if resp.Status != model.StatusSucceeded || resp.Outputs["out"] != 1 {
		t.Errorf("success = %+v", resp)
	}
	resp, _ = Task{}.HandleTaskResult(ctx, Input{}, Result{Failure: model.NewFailure("x", model.FailureConnectivity)})
	if resp.Status != model.StatusErrored {
		t.Errorf("connectivity failure status = %s, want ERRORED", resp.Status)
	}
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	in := Input{Node: model.Node{ID: "c", TaskCategory: "LOCAL", Parameters: map[string]any{
		"links": []any{"fetch", SuspendLink, "apply"},
	}}}
	c := Chain{Type: "SCRIPT"}

	first, err := c.StartChainLink(ctx, in)
	if err != nil {
		t.Fatalf("StartChainLink: %v", err)
	}
	if first.Task == nil || first.Task.Spec.Type != "fetch" || first.ChainEnd {
		t.Fatalf("first = %+v", first)
	}

	// Simulate a JSON round trip of the pass-through, as a SQL store does.
	raw, _ := json.Marshal(first.PassThrough)
	var pt map[string]any
	_ = json.Unmarshal(raw, &pt)

	second, err := c.NextLink(ctx, in, pt, Result{})
	if err != nil {
		t.Fatalf("NextLink: %v", err)
	}
	if !second.Suspend || second.Task != nil {
		t.Fatalf("second = %+v", second)
	}

	third, err := c.NextLink(ctx, in, second.PassThrough, Result{})
	if err != nil {
		t.Fatalf("NextLink: %v", err)
	}
	if !third.ChainEnd || third.Task.Spec.Type != "apply" {
		t.Fatalf("third = %+v", third)
	}

	resp, err := c.Finalize(ctx, in, third.PassThrough, Result{Data: map[string]any{"applied": true}})
	if err != nil || resp.Status != model.StatusSucceeded || resp.Outputs["links_completed"] != 3 {
		t.Errorf("Finalize = %+v, %v", resp, err)
	}

	failure := model.NewFailure("fetch failed", model.FailureApplication)
	if _, err := c.NextLink(ctx, in, first.PassThrough, Result{Failure: failure}); !errors.Is(err, failure) {
		t.Errorf("failed link err = %v", err)
	}
}

func TestChain_InvalidLinks(t *testing.T) {
	ctx := context.Background()
	c := Chain{Type: "SCRIPT"}
	if _, err := c.StartChainLink(ctx, Input{Node: model.Node{ID: "c"}}); err == nil {
		t.Error("chain without links accepted")
	}
	in := Input{Node: model.Node{ID: "c", Parameters: map[string]any{"links": []any{"a", SuspendLink}}}}
	first, _ := c.StartChainLink(ctx, in)
	if _, err := c.NextLink(ctx, in, first.PassThrough, Result{}); err == nil {
		t.Error("trailing suspend link accepted")
	}
}

func TestApproval(t *testing.T) {
	ctx := context.Background()
	ids, err := Approval{}.ExecuteAsync(ctx, Input{})
	if err != nil || len(ids) != 1 || ids[0] == "" {
		t.Fatalf("ExecuteAsync = %v, %v", ids, err)
	}
	resp, _ := Approval{}.HandleAsyncResponse(ctx, Input{}, map[string]Result{ids[0]: {Data: map[string]any{"approved": false}}})
	if resp.Status != model.StatusFailed {
		t.Errorf("rejected status = %s", resp.Status)
	}
	resp, _ = Approval{}.HandleAsyncResponse(ctx, Input{}, map[string]Result{ids[0]: {}})
	if resp.Status != model.StatusSucceeded {
		t.Errorf("approved status = %s", resp.Status)
	}
}
