package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/emit"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/step"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/store"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/waiter"
)

const awaitTimeout = 5 * time.Second

type queuedTask struct {
	ID              string
	NodeExecutionID string
	Spec            task.Spec
}

// fakeExecutor accepts every task and lets the test fulfil it.
type fakeExecutor struct {
	mu     sync.Mutex
	seq    int
	calls  []queuedTask
	queued chan queuedTask
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{queued: make(chan queuedTask, 64)}
}

func (f *fakeExecutor) QueueTask(_ context.Context, routing task.Routing, spec task.Spec, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	qt := queuedTask{ID: fmt.Sprintf("task-%d", f.seq), NodeExecutionID: routing.Metadata["node_execution_id"], Spec: spec}
	f.calls = append(f.calls, qt)
	f.queued <- qt
	return qt.ID, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.MemStore
	engine *Engine
	events *emit.BufferedEmitter
	remote *fakeExecutor
	root   string
}

func newHarness(t *testing.T, plan *store.Plan, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, plan, nil, opts...)
}

// newHarnessWith lets wrap put a decorator in front of the execution store
// the engine writes through. The harness itself reads the store directly.
func newHarnessWith(t *testing.T, plan *store.Plan, wrap func(*store.MemStore) store.NodeExecutionStore, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemStore()
	if err := st.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	events := emit.NewBufferedEmitter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := append([]Option{
		WithMaxConcurrent(4),
		WithQueueDepth(256),
		WithLogger(logger),
		WithEmitter(events),
	}, opts...)

	d, err := NewDispatcher(base...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	w := waiter.New(waiter.WithDelivery(d.Deliver), waiter.WithLogger(logger))

	remote := newFakeExecutor()
	local := task.NewLocalExecutor(w, map[string]task.Handler{
		"echo": func(_ context.Context, spec task.Spec) (map[string]any, error) {
			return map[string]any{"echo": spec.Parameters["message"]}, nil
		},
	})
	t.Cleanup(func() { _ = local.Close() })

	tasks := task.NewRegistry(map[string]task.Executor{"REMOTE": remote, "LOCAL": local})
	steps, err := step.NewRegistry(
		step.Section{}, step.Fork{}, step.Noop{}, step.Approval{},
		step.Task{Type: "SHELL"}, step.Chain{Type: "CHAIN"},
	)
	if err != nil {
		t.Fatalf("step.NewRegistry: %v", err)
	}

	var executions store.NodeExecutionStore = st
	if wrap != nil {
		executions = wrap(st)
	}
	engine, err := New(executions, st, w, tasks, steps, append(base, WithDispatcher(d))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine.Start(ctx)
	t.Cleanup(engine.Stop)

	return &harness{t: t, ctx: ctx, store: st, engine: engine, events: events, remote: remote, root: plan.Root}
}

func testPlan(nodes ...model.Node) *store.Plan {
	return &store.Plan{ID: "plan", Root: nodes[0].ID, Nodes: nodes}
}

func (h *harness) start() *model.NodeExecution {
	h.t.Helper()
	return h.startAt(h.root)
}

func (h *harness) startAt(nodeID string) *model.NodeExecution {
	h.t.Helper()
	root, err := h.engine.StartPlanExecution(h.ctx, "plan", nodeID, model.ExecutionMeta{AccountID: "acc"})
	if err != nil {
		h.t.Fatalf("StartPlanExecution: %v", err)
	}
	return root
}

func (h *harness) nextTask() queuedTask {
	h.t.Helper()
	select {
	case qt := <-h.remote.queued:
		return qt
	case <-time.After(awaitTimeout):
		h.t.Fatal("timed out waiting for a queued task")
		return queuedTask{}
	}
}

func (h *harness) await(id string, want func(model.Status) bool) *model.NodeExecution {
	h.t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for {
		ne, err := h.store.Get(h.ctx, id)
		if err == nil && want(ne.Status) {
			return ne
		}
		if time.Now().After(deadline) {
			status := model.Status("<missing>")
			if ne != nil {
				status = ne.Status
			}
			h.t.Fatalf("timed out waiting on %s, status %s", id, status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) awaitTerminal(id string) *model.NodeExecution {
	h.t.Helper()
	return h.await(id, model.Status.IsTerminal)
}

func (h *harness) awaitStatus(id string, status model.Status) *model.NodeExecution {
	h.t.Helper()
	return h.await(id, func(s model.Status) bool { return s == status })
}

func (h *harness) awaitPlanCompleted(planExecutionID string) string {
	h.t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for {
		done := h.events.GetHistoryWithFilter(planExecutionID, emit.HistoryFilter{Msg: emit.MsgPlanCompleted})
		if len(done) > 0 {
			if len(done) > 1 {
				h.t.Errorf("plan completed %d times", len(done))
			}
			status, _ := done[0].Meta["status"].(string)
			return status
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("plan %s did not complete", planExecutionID)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) idle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, awaitTimeout)
	defer cancel()
	if err := h.engine.Wait(ctx); err != nil {
		h.t.Fatalf("engine did not go idle: %v", err)
	}
}

func (h *harness) fulfil(id string, data map[string]any) {
	h.t.Helper()
	if err := h.engine.Fulfil(h.ctx, id, data); err != nil {
		h.t.Fatalf("Fulfil(%s): %v", id, err)
	}
}

// saveRunning stores a RUNNING execution of node outside any plan run.
func (h *harness) saveRunning(id string, node model.Node, parentID, notifyID string) *model.NodeExecution {
	h.t.Helper()
	now := time.Now()
	ne := &model.NodeExecution{
		ID:       id,
		Ambiance: model.NewAmbiance(model.ExecutionMeta{PlanExecutionID: "pe-" + id, PlanID: "plan"}, node.Level(id, now)),
		NodeID:   node.ID,
		Status:   model.StatusRunning,
		ParentID: parentID,
		NotifyID: notifyID,
		StartTs:  now,
	}
	if err := h.store.Save(h.ctx, ne); err != nil {
		h.t.Fatalf("Save: %v", err)
	}
	return ne
}

var errStoreUnavailable = errors.New("store unavailable")

// flakyStore fails the next calls of the named operations.
type flakyStore struct {
	*store.MemStore
	mu    sync.Mutex
	fails map[string]int
}

func newFlakyStore(st *store.MemStore) *flakyStore {
	return &flakyStore{MemStore: st, fails: make(map[string]int)}
}

func (f *flakyStore) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] += n
}

func (f *flakyStore) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[op] == 0 {
		return nil
	}
	f.fails[op]--
	return fmt.Errorf("%s: %w", op, errStoreUnavailable)
}

func (f *flakyStore) Get(ctx context.Context, id string) (*model.NodeExecution, error) {
	if err := f.take("Get"); err != nil {
		return nil, err
	}
	return f.MemStore.Get(ctx, id)
}

func (f *flakyStore) AppendExecutableResponse(ctx context.Context, id string, resp model.ExecutableResponse) error {
	if err := f.take("AppendExecutableResponse"); err != nil {
		return err
	}
	return f.MemStore.AppendExecutableResponse(ctx, id, resp)
}

func shellNode(id string) model.Node {
	return model.Node{ID: id, Identifier: id, StepType: "SHELL", TaskCategory: "REMOTE"}
}

func TestEngine_TaskStatusSequence(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))
	root := h.startAt("build")

	qt := h.nextTask()
	if qt.NodeExecutionID != root.ID || qt.Spec.Type != "SHELL" {
		t.Errorf("queued task = %+v", qt)
	}
	h.fulfil(qt.ID, map[string]any{"exit_code": 0})

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", done.Status)
	}
	if status := h.awaitPlanCompleted(root.Ambiance.PlanExecutionID); status != "SUCCEEDED" {
		t.Errorf("plan completed with %s", status)
	}

	got := strings.Join(h.events.Statuses(root.Ambiance.PlanExecutionID, root.ID), ",")
	if want := "QUEUED,RUNNING,TASK_WAITING,SUCCEEDED"; got != want {
		t.Errorf("statuses = %s, want %s", got, want)
	}
	if done.Mode != model.ModeTask || len(done.ExecutableResponses) != 1 || done.ExecutableResponses[0].Task.TaskID != qt.ID {
		t.Errorf("execution = %+v", done)
	}
	if done.EndTs.IsZero() {
		t.Error("EndTs not set")
	}
}

func TestEngine_SpawnChildrenFiresOnceAfterLastChild(t *testing.T) {
	h := newHarness(t, testPlan(
		model.Node{ID: "fork", Identifier: "fork", StepType: step.TypeFork, Children: []string{"c1", "c2", "c3"}},
		shellNode("c1"), shellNode("c2"), shellNode("c3"),
	))
	root := h.start()

	tasks := make(map[string]queuedTask)
	execs := make(map[string]string)
	for i := 0; i < 3; i++ {
		qt := h.nextTask()
		child, err := h.store.Get(h.ctx, qt.NodeExecutionID)
		if err != nil {
			t.Fatalf("Get child: %v", err)
		}
		if child.ParentID != root.ID || child.NotifyID != child.ID {
			t.Errorf("child %s: parent %q notify %q", child.NodeID, child.ParentID, child.NotifyID)
		}
		if !root.Ambiance.IsPrefixOf(child.Ambiance) || child.Ambiance.Depth() != 2 {
			t.Errorf("child ambiance %+v does not extend the parent's", child.Ambiance)
		}
		tasks[child.NodeID] = qt
		execs[child.NodeID] = child.ID
	}

	resumes := func() int {
		return len(h.events.GetHistoryWithFilter(root.Ambiance.PlanExecutionID,
			emit.HistoryFilter{NodeExecutionID: root.ID, Msg: emit.MsgResumed}))
	}

	for _, id := range []string{"c2", "c3"} {
		h.fulfil(tasks[id].ID, nil)
		h.awaitStatus(execs[id], model.StatusSucceeded)
	}
	h.idle()

	parent, _ := h.store.Get(h.ctx, root.ID)
	if parent.Status != model.StatusRunning || resumes() != 0 {
		t.Fatalf("parent resumed early: status %s, %d resumes", parent.Status, resumes())
	}

	h.fulfil(tasks["c1"].ID, nil)
	parent = h.awaitTerminal(root.ID)
	h.idle()

	if parent.Status != model.StatusSucceeded {
		t.Errorf("parent status = %s, want SUCCEEDED", parent.Status)
	}
	if n := resumes(); n != 1 {
		t.Errorf("parent resumed %d times, want 1", n)
	}
	tail, _ := parent.LastExecutableResponse()
	if tail.Type != model.ResponseChildren || len(tail.Children.Children) != 3 {
		t.Errorf("tail = %+v", tail)
	}
}

func TestEngine_FailedChildFailsParent(t *testing.T) {
	h := newHarness(t, testPlan(
		model.Node{ID: "fork", Identifier: "fork", StepType: step.TypeFork, Children: []string{"c1", "c2"}},
		shellNode("c1"), shellNode("c2"),
	))
	root := h.start()

	byNode := make(map[string]queuedTask)
	for i := 0; i < 2; i++ {
		qt := h.nextTask()
		child, _ := h.store.Get(h.ctx, qt.NodeExecutionID)
		byNode[child.NodeID] = qt
	}

	h.fulfil(byNode["c1"].ID, nil)
	if err := h.engine.FulfilWithFailure(h.ctx, byNode["c2"].ID, model.NewFailure("exit 1", model.FailureApplication)); err != nil {
		t.Fatalf("FulfilWithFailure: %v", err)
	}

	parent := h.awaitTerminal(root.ID)
	if parent.Status != model.StatusFailed {
		t.Fatalf("parent status = %s, want FAILED", parent.Status)
	}
	if parent.Failure == nil || !strings.Contains(parent.Failure.Message, "c2") {
		t.Errorf("parent failure = %+v", parent.Failure)
	}
	if status := h.awaitPlanCompleted(root.Ambiance.PlanExecutionID); status != "FAILED" {
		t.Errorf("plan completed with %s", status)
	}
}

func TestEngine_DispatchErrorWakesParent(t *testing.T) {
	build := shellNode("build")
	build.TaskCategory = "NOWHERE"
	h := newHarness(t, testPlan(
		model.Node{ID: "stage", Identifier: "stage", StepType: step.TypeSection, Child: "build"},
		build,
	))
	root := h.start()

	parent := h.awaitTerminal(root.ID)
	if parent.Status != model.StatusFailed {
		t.Errorf("parent status = %s, want FAILED", parent.Status)
	}

	children, err := h.store.ListChildren(h.ctx, root.ID)
	if err != nil || len(children) != 1 {
		t.Fatalf("children = %v, %v", children, err)
	}
	child := children[0]
	if child.Status != model.StatusErrored {
		t.Errorf("child status = %s, want ERRORED", child.Status)
	}
	if child.Failure == nil || child.Failure.Code != "DISPATCH_ERROR" || !child.Failure.HasType(model.FailureDelegateProvisioning) {
		t.Errorf("child failure = %+v", child.Failure)
	}
	if h.remote.callCount() != 0 {
		t.Error("task reached an executor of another category")
	}
}

func TestEngine_IdempotentQueueTask(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))

	now := time.Now()
	node := shellNode("build")
	ne := &model.NodeExecution{
		ID:       "ne-1",
		Ambiance: model.NewAmbiance(model.ExecutionMeta{PlanExecutionID: "pe-1", PlanID: "plan"}, node.Level("ne-1", now)),
		NodeID:   "build",
		Status:   model.StatusRunning,
		StartTs:  now,
	}
	if err := h.store.Save(h.ctx, ne); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ev := Event{
		ID:              "event-1",
		NodeExecutionID: "ne-1",
		Payload:         QueueTask{Category: "REMOTE", Spec: task.Spec{Type: "SHELL"}},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.engine.HandleEvent(h.ctx, ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("HandleEvent: %v", err)
		}
	}

	if n := h.remote.callCount(); n != 1 {
		t.Errorf("task queued %d times, want 1", n)
	}
	got, _ := h.store.Get(h.ctx, "ne-1")
	if len(got.ExecutableResponses) != 1 || got.Status != model.StatusTaskWaiting {
		t.Errorf("execution = %s with %d responses", got.Status, len(got.ExecutableResponses))
	}
}

func TestEngine_DoubleFulfilIgnored(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))
	root := h.startAt("build")

	qt := h.nextTask()
	h.fulfil(qt.ID, map[string]any{"attempt": 1})
	h.awaitTerminal(root.ID)
	h.idle()

	if err := h.engine.Fulfil(h.ctx, qt.ID, map[string]any{"attempt": 2}); !errors.Is(err, waiter.ErrAlreadyFulfilled) {
		t.Errorf("second Fulfil = %v, want ErrAlreadyFulfilled", err)
	}
	err := h.engine.HandleEvent(h.ctx, Event{
		NodeExecutionID: root.ID,
		Payload:         Error{CorrelationID: qt.ID, Failure: model.NewFailure("late failure")},
	})
	if err != nil {
		t.Errorf("Error event for a fulfilled id = %v, want nil", err)
	}
	h.idle()

	got, _ := h.store.Get(h.ctx, root.ID)
	if got.Status != model.StatusSucceeded || got.Failure != nil {
		t.Errorf("execution changed after double fulfil: %s %+v", got.Status, got.Failure)
	}
}

func TestEngine_TerminalStatusIsAbsorbing(t *testing.T) {
	h := newHarness(t, testPlan(model.Node{ID: "noop", Identifier: "noop", StepType: step.TypeNoop}))
	root := h.start()
	h.awaitTerminal(root.ID)
	h.idle()

	if err := h.engine.HandleEvent(h.ctx, Event{
		NodeExecutionID: root.ID,
		Payload:         HandleStepResponse{Status: model.StatusFailed, Failure: model.NewFailure("late")},
	}); err != nil {
		t.Errorf("late step response: %v", err)
	}
	if err := h.engine.HandleError(h.ctx, root.ID, errors.New("late error")); err != nil {
		t.Errorf("HandleError: %v", err)
	}
	if err := h.engine.HandleEvent(h.ctx, Event{
		NodeExecutionID: root.ID,
		Payload:         ResumeNodeExecution{},
	}); err != nil {
		t.Errorf("resume of a concluded execution: %v", err)
	}
	if _, err := h.store.UpdateStatusIfAllowed(h.ctx, root.ID, model.StatusRunning, nil, store.Update{}); !errors.Is(err, store.ErrStatusPrecondition) {
		t.Errorf("store accepted a transition out of SUCCEEDED: %v", err)
	}

	got, _ := h.store.Get(h.ctx, root.ID)
	if got.Status != model.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got.Status)
	}
	statuses := h.events.Statuses(root.Ambiance.PlanExecutionID, root.ID)
	if strings.Join(statuses, ",") != "QUEUED,RUNNING,SUCCEEDED" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestEngine_NextStepAndSkip(t *testing.T) {
	h := newHarness(t, testPlan(
		model.Node{ID: "first", Identifier: "first", StepType: step.TypeNoop, Next: "skipped"},
		model.Node{ID: "skipped", Identifier: "skipped", StepType: step.TypeNoop, Skip: true, Next: "last"},
		model.Node{ID: "last", Identifier: "last", StepType: step.TypeNoop},
	))
	root := h.start()
	pe := root.Ambiance.PlanExecutionID

	if status := h.awaitPlanCompleted(pe); status != "SUCCEEDED" {
		t.Fatalf("plan completed with %s", status)
	}

	all, err := h.store.ListByPlanExecution(h.ctx, pe)
	if err != nil || len(all) != 3 {
		t.Fatalf("executions = %d, %v", len(all), err)
	}
	want := map[string]model.Status{"first": model.StatusSucceeded, "skipped": model.StatusSkipped, "last": model.StatusSucceeded}
	for _, ne := range all {
		if ne.Status != want[ne.NodeID] {
			t.Errorf("%s = %s, want %s", ne.NodeID, ne.Status, want[ne.NodeID])
		}
		if ne.ParentID != "" || ne.Ambiance.Depth() != 1 {
			t.Errorf("%s is not a sibling of the root: parent %q depth %d", ne.NodeID, ne.ParentID, ne.Ambiance.Depth())
		}
		if ne.Ambiance.RuntimeID() != ne.ID {
			t.Errorf("%s ambiance addresses %s", ne.ID, ne.Ambiance.RuntimeID())
		}
	}
}

func TestEngine_RetryAdvice(t *testing.T) {
	build := shellNode("build")
	build.Retry = &model.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	h := newHarness(t, testPlan(build))
	root := h.start()

	first := h.nextTask()
	if err := h.engine.FulfilWithFailure(h.ctx, first.ID, model.NewFailure("flaky", model.FailureApplication)); err != nil {
		t.Fatalf("FulfilWithFailure: %v", err)
	}

	second := h.nextTask()
	if second.NodeExecutionID == root.ID {
		t.Fatal("retry reused the failed execution")
	}
	h.fulfil(second.ID, nil)

	if status := h.awaitPlanCompleted(root.Ambiance.PlanExecutionID); status != "SUCCEEDED" {
		t.Errorf("plan completed with %s", status)
	}

	old, _ := h.store.Get(h.ctx, root.ID)
	if old.Status != model.StatusFailed || !old.OldRetry {
		t.Errorf("first attempt = %s old_retry=%v", old.Status, old.OldRetry)
	}
	retry, _ := h.store.Get(h.ctx, second.NodeExecutionID)
	if retry.OriginalNodeExecutionID != root.ID || len(retry.RetryIDs) != 1 || retry.RetryIDs[0] != root.ID {
		t.Errorf("retry = original %q retry ids %v", retry.OriginalNodeExecutionID, retry.RetryIDs)
	}
	if retry.Status != model.StatusSucceeded {
		t.Errorf("retry status = %s", retry.Status)
	}
}

func TestEngine_InterventionRetry(t *testing.T) {
	build := shellNode("build")
	build.InterventionOnFailure = true
	h := newHarness(t, testPlan(build))
	root := h.start()
	pe := root.Ambiance.PlanExecutionID

	qt := h.nextTask()
	if err := h.engine.FulfilWithFailure(h.ctx, qt.ID, model.NewFailure("broken", model.FailureApplication)); err != nil {
		t.Fatalf("FulfilWithFailure: %v", err)
	}
	h.awaitTerminal(root.ID)
	h.idle()

	held := h.events.GetHistoryWithFilter(pe, emit.HistoryFilter{Msg: emit.MsgIntervention})
	if len(held) != 1 || held[0].Meta["correlation_id"] != InterventionCorrelationID(root.ID) {
		t.Fatalf("intervention events = %+v", held)
	}
	if len(h.events.GetHistoryWithFilter(pe, emit.HistoryFilter{Msg: emit.MsgPlanCompleted})) != 0 {
		t.Fatal("plan completed while waiting for intervention")
	}

	h.fulfil(InterventionCorrelationID(root.ID), map[string]any{"action": InterventionRetry})
	h.fulfil(h.nextTask().ID, nil)

	if status := h.awaitPlanCompleted(pe); status != "SUCCEEDED" {
		t.Errorf("plan completed with %s", status)
	}
}

func TestEngine_TaskChainWithSuspension(t *testing.T) {
	h := newHarness(t, testPlan(model.Node{
		ID: "release", Identifier: "release", StepType: "CHAIN", TaskCategory: "REMOTE",
		Parameters: map[string]any{"links": []any{"compile", step.SuspendLink, "publish"}},
	}))
	root := h.start()

	compile := h.nextTask()
	if compile.Spec.Type != "compile" {
		t.Fatalf("first link = %s", compile.Spec.Type)
	}
	h.fulfil(compile.ID, nil)

	suspended := h.awaitStatus(root.ID, model.StatusSuspended)
	tail, _ := suspended.LastExecutableResponse()
	if tail.Type != model.ResponseSuspendChain || tail.SuspendChain.PauseToken == "" {
		t.Fatalf("tail = %+v", tail)
	}
	h.fulfil(tail.SuspendChain.PauseToken, map[string]any{"approved_by": "ops"})

	publish := h.nextTask()
	if publish.Spec.Type != "publish" {
		t.Fatalf("last link = %s", publish.Spec.Type)
	}
	h.fulfil(publish.ID, map[string]any{"url": "registry/app:1"})

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, failure %+v", done.Status, done.Failure)
	}
	got := strings.Join(h.events.Statuses(root.Ambiance.PlanExecutionID, root.ID), ",")
	if want := "QUEUED,RUNNING,TASK_WAITING,SUSPENDED,RUNNING,TASK_WAITING,SUCCEEDED"; got != want {
		t.Errorf("statuses = %s, want %s", got, want)
	}
	if n := len(done.ExecutableResponses); n != 3 {
		t.Errorf("responses = %d, want 3", n)
	}
}

func TestEngine_AsyncApprovalRejected(t *testing.T) {
	h := newHarness(t, testPlan(model.Node{ID: "gate", Identifier: "gate", StepType: step.TypeApproval}))
	root := h.start()

	waiting := h.awaitStatus(root.ID, model.StatusAsyncWaiting)
	tail, _ := waiting.LastExecutableResponse()
	if tail.Type != model.ResponseAsync || len(tail.Async.CallbackIDs) != 1 {
		t.Fatalf("tail = %+v", tail)
	}
	h.fulfil(tail.Async.CallbackIDs[0], map[string]any{"approved": false})

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusFailed || !done.Failure.HasType(model.FailureVerification) {
		t.Errorf("status = %s, failure %+v", done.Status, done.Failure)
	}
}

func TestEngine_FacilitationFailure(t *testing.T) {
	h := newHarness(t, testPlan(model.Node{
		ID: "noop", Identifier: "noop", StepType: step.TypeNoop, Facilitator: model.ModeChild,
	}))
	root := h.start()

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED", done.Status)
	}
	got := strings.Join(h.events.Statuses(root.Ambiance.PlanExecutionID, root.ID), ",")
	if got != "QUEUED,FAILED" {
		t.Errorf("statuses = %s, want QUEUED,FAILED", got)
	}
}

func TestEngine_LocalExecutor(t *testing.T) {
	h := newHarness(t, testPlan(model.Node{
		ID: "echo", Identifier: "echo", StepType: "SHELL", TaskCategory: "LOCAL",
		Parameters: map[string]any{"task_type": "echo", "task_parameters": map[string]any{"message": "hi"}},
	}))
	root := h.start()

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, failure %+v", done.Status, done.Failure)
	}
	outputs := h.events.GetHistoryWithFilter(root.Ambiance.PlanExecutionID, emit.HistoryFilter{Msg: emit.MsgStatus})
	last, _ := outputs[len(outputs)-1].Meta["outputs"].(map[string]any)
	if last["echo"] != "hi" {
		t.Errorf("outputs = %v", last)
	}
}

func TestEngine_ProtocolErrors(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))

	now := time.Now()
	save := func(id string) {
		ne := &model.NodeExecution{
			ID:       id,
			Ambiance: model.NewAmbiance(model.ExecutionMeta{PlanExecutionID: "pe", PlanID: "plan"}, shellNode("build").Level(id, now)),
			NodeID:   "build",
			Status:   model.StatusRunning,
			StartTs:  now,
		}
		if err := h.store.Save(h.ctx, ne); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	t.Run("resume without a response log", func(t *testing.T) {
		save("empty")
		err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "empty", Payload: ResumeNodeExecution{}})
		if !errors.Is(err, ErrInvalidProtocolState) {
			t.Errorf("err = %v, want ErrInvalidProtocolState", err)
		}
	})

	t.Run("resume without the awaited response", func(t *testing.T) {
		save("task")
		if err := h.store.AppendExecutableResponse(h.ctx, "task", model.NewTaskResponse("t-1", "REMOTE")); err != nil {
			t.Fatal(err)
		}
		err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "task", Payload: ResumeNodeExecution{
			Responses: map[string]CorrelationResult{"t-other": {}},
		}})
		if !errors.Is(err, ErrInvalidProtocolState) {
			t.Errorf("err = %v, want ErrInvalidProtocolState", err)
		}
	})

	t.Run("resume as error", func(t *testing.T) {
		save("errored")
		if err := h.store.AppendExecutableResponse(h.ctx, "errored", model.NewTaskResponse("t-2", "REMOTE")); err != nil {
			t.Fatal(err)
		}
		err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "errored", Payload: ResumeNodeExecution{
			AsError:   true,
			Responses: map[string]CorrelationResult{"t-2": {Failure: model.NewFailure("worker lost", model.FailureConnectivity)}},
		}})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := h.store.Get(h.ctx, "errored")
		if got.Status != model.StatusErrored {
			t.Errorf("status = %s, want ERRORED", got.Status)
		}
	})

	t.Run("error event without correlation", func(t *testing.T) {
		save("failing")
		err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "failing", Payload: Error{Failure: model.NewFailure("boom", model.FailureApplication)}})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := h.store.Get(h.ctx, "failing")
		if got.Status != model.StatusFailed || got.Failure.Message != "boom" {
			t.Errorf("execution = %s %+v", got.Status, got.Failure)
		}
	})

	t.Run("event without payload", func(t *testing.T) {
		if err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "x"}); !errors.Is(err, ErrUnknownEvent) {
			t.Errorf("err = %v, want ErrUnknownEvent", err)
		}
	})

	t.Run("add executable response", func(t *testing.T) {
		save("log")
		err := h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "log", Payload: AddExecutableResponse{Response: model.NewAsyncResponse([]string{"cb"})}})
		if err != nil {
			t.Fatal(err)
		}
		err = h.engine.HandleEvent(h.ctx, Event{NodeExecutionID: "log", Payload: AddExecutableResponse{}})
		if !errors.Is(err, model.ErrInvalidExecutableResponse) {
			t.Errorf("invalid response err = %v", err)
		}
		got, _ := h.store.Get(h.ctx, "log")
		if len(got.ExecutableResponses) != 1 || got.Status != model.StatusRunning {
			t.Errorf("execution = %s with %d responses", got.Status, len(got.ExecutableResponses))
		}
	})
}

func TestEngine_PublishJSONEvent(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))
	root := h.startAt("build")
	h.nextTask()

	raw := fmt.Sprintf(`{"kind":"ERROR","id":"ev-9","ambiance":{"plan_execution_id":%q,"plan_id":"plan","levels":[]},
		"node_execution_id":%q,"payload":{"failure":{"message":"cancelled by user","types":["APPLICATION"]}}}`,
		root.Ambiance.PlanExecutionID, root.ID)

	var ev Event
	if err := ev.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if err := h.engine.Publish(h.ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := h.awaitTerminal(root.ID)
	if done.Status != model.StatusFailed || done.Failure.Message != "cancelled by user" {
		t.Errorf("execution = %s %+v", done.Status, done.Failure)
	}
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemStore()
	w := waiter.New(waiter.WithInlineDelivery())
	tasks := task.NewRegistry(nil)
	steps, _ := step.NewRegistry(step.Noop{})

	tests := []struct {
		name string
		new  func() (*Engine, error)
	}{
		{"missing store", func() (*Engine, error) { return New(nil, st, w, tasks, steps) }},
		{"missing waiter", func() (*Engine, error) { return New(st, st, nil, tasks, steps) }},
		{"missing steps", func() (*Engine, error) { return New(st, st, w, tasks, nil) }},
		{"zero workers", func() (*Engine, error) { return New(st, st, w, tasks, steps, WithMaxConcurrent(0)) }},
		{"nil logger", func() (*Engine, error) { return New(st, st, w, tasks, steps, WithLogger(nil)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := tt.new()
			var engineErr *EngineError
			if e != nil || !errors.As(err, &engineErr) {
				t.Errorf("New = %v, %v; want *EngineError", e, err)
			}
		})
	}

	e, err := New(st, st, w, tasks, steps)
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if e.dispatcher.opts != DefaultOptions() {
		t.Errorf("dispatcher options = %+v", e.dispatcher.opts)
	}
	if _, ok := e.facilitator.(*DefaultFacilitator); !ok {
		t.Errorf("facilitator = %T", e.facilitator)
	}
}

func TestEngine_QueueTaskRedeliveredAfterTransientFailure(t *testing.T) {
	var flaky *flakyStore
	h := newHarnessWith(t, testPlan(shellNode("build")), func(st *store.MemStore) store.NodeExecutionStore {
		flaky = newFlakyStore(st)
		return flaky
	})
	h.saveRunning("ne-1", shellNode("build"), "", "")

	ev := Event{
		ID:              "ev-1",
		NodeExecutionID: "ne-1",
		Payload:         QueueTask{Category: "REMOTE", Spec: task.Spec{Type: "SHELL"}},
	}

	flaky.failNext("Get", 1)
	if err := h.engine.HandleEvent(h.ctx, ev); !errors.Is(err, errStoreUnavailable) {
		t.Fatalf("first delivery err = %v, want the store error", err)
	}
	if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
		t.Fatalf("third delivery: %v", err)
	}

	if n := h.remote.callCount(); n != 1 {
		t.Fatalf("task queued %d times, want 1", n)
	}
	h.awaitStatus("ne-1", model.StatusTaskWaiting)

	qt := h.nextTask()
	h.fulfil(qt.ID, map[string]any{"exit": 0})
	if done := h.awaitTerminal("ne-1"); done.Status != model.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", done.Status)
	}
}

func TestEngine_TaskTrackingFailureFailsExecution(t *testing.T) {
	var flaky *flakyStore
	h := newHarnessWith(t, testPlan(shellNode("build")), func(st *store.MemStore) store.NodeExecutionStore {
		flaky = newFlakyStore(st)
		return flaky
	})
	h.saveRunning("ne-1", shellNode("build"), "parent-1", "notify-1")

	notified := make(chan waiter.Response, 1)
	if _, err := h.engine.Waiter().WaitForAll(h.ctx, func(_ context.Context, responses map[string]waiter.Response) {
		notified <- responses["notify-1"]
	}, "notify-1"); err != nil {
		t.Fatal(err)
	}

	ev := Event{
		ID:              "ev-1",
		NodeExecutionID: "ne-1",
		Payload:         QueueTask{Category: "REMOTE", Spec: task.Spec{Type: "SHELL"}},
	}
	flaky.failNext("AppendExecutableResponse", 1)
	if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if n := h.remote.callCount(); n != 1 {
		t.Errorf("task queued %d times, want 1", n)
	}
	got := h.awaitTerminal("ne-1")
	if got.Status != model.StatusFailed || got.Failure == nil || got.Failure.Code != "TASK_TRACKING_ERROR" {
		t.Errorf("execution = %s %+v", got.Status, got.Failure)
	}

	select {
	case resp := <-notified:
		if !resp.Failed() {
			t.Errorf("waiter of the failed execution was not told it failed: %+v", resp)
		}
	case <-time.After(awaitTimeout):
		t.Fatal("waiter of the failed execution was never woken")
	}
}

func TestEngine_SpawnChildrenRedeliveredAfterTransientFailure(t *testing.T) {
	var flaky *flakyStore
	fork := model.Node{ID: "fork", Identifier: "fork", StepType: step.TypeFork, Children: []string{"a", "b"}}
	h := newHarnessWith(t, testPlan(
		fork,
		model.Node{ID: "a", Identifier: "a", StepType: step.TypeNoop},
		model.Node{ID: "b", Identifier: "b", StepType: step.TypeNoop},
	), func(st *store.MemStore) store.NodeExecutionStore {
		flaky = newFlakyStore(st)
		return flaky
	})
	h.saveRunning("fork-1", fork, "", "")

	ev := Event{ID: "ev-1", NodeExecutionID: "fork-1", Payload: SpawnChildren{NodeIDs: []string{"a", "b"}}}
	flaky.failNext("Get", 1)
	if err := h.engine.HandleEvent(h.ctx, ev); err == nil {
		t.Fatal("first delivery succeeded despite the store failure")
	}
	if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if done := h.awaitTerminal("fork-1"); done.Status != model.StatusSucceeded {
		t.Errorf("parent status = %s, want SUCCEEDED", done.Status)
	}
	children, err := h.store.ListChildren(h.ctx, "fork-1")
	if err != nil || len(children) != 2 {
		t.Errorf("children = %d, %v; want 2", len(children), err)
	}
}

func TestEngine_FailedExecutionNotifiesWithFailure(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))
	h.saveRunning("ne-1", shellNode("build"), "parent-1", "notify-1")

	notified := make(chan waiter.Response, 1)
	if _, err := h.engine.Waiter().WaitForAll(h.ctx, func(_ context.Context, responses map[string]waiter.Response) {
		notified <- responses["notify-1"]
	}, "notify-1"); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.HandleError(h.ctx, "ne-1", errors.New("disk full")); err != nil {
		t.Fatalf("HandleError: %v", err)
	}

	select {
	case resp := <-notified:
		if !resp.Failed() || resp.Failure.Message != "disk full" {
			t.Errorf("failure = %+v", resp.Failure)
		}
		if resp.Data["status"] != string(model.StatusFailed) || resp.Data["node_execution_id"] != "ne-1" {
			t.Errorf("data = %+v", resp.Data)
		}
	case <-time.After(awaitTimeout):
		t.Fatal("waiter was never woken")
	}
}

func TestEngine_AddExecutableResponseIsNotDeduplicated(t *testing.T) {
	h := newHarness(t, testPlan(shellNode("build")))
	h.saveRunning("ne-1", shellNode("build"), "", "")

	ev := Event{
		ID:              "ev-1",
		NodeExecutionID: "ne-1",
		Payload:         AddExecutableResponse{Response: model.NewTaskResponse("t-1", "REMOTE")},
	}
	for i := 0; i < 2; i++ {
		if err := h.engine.HandleEvent(h.ctx, ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	got, _ := h.store.Get(h.ctx, "ne-1")
	if len(got.ExecutableResponses) != 2 {
		t.Errorf("responses = %d, want 2", len(got.ExecutableResponses))
	}
	if got.Status != model.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if n := h.remote.callCount(); n != 0 {
		t.Errorf("tasks dispatched = %d, want 0", n)
	}
}

func TestEngine_ErrorEventFailsWaitingTask(t *testing.T) {
	h := newHarness(t, testPlan(
		model.Node{ID: "stage", Identifier: "stage", StepType: step.TypeSection, Child: "build"},
		shellNode("build"),
	))
	root := h.start()

	qt := h.nextTask()
	h.awaitStatus(qt.NodeExecutionID, model.StatusTaskWaiting)

	err := h.engine.HandleEvent(h.ctx, Event{
		NodeExecutionID: qt.NodeExecutionID,
		Payload:         Error{CorrelationID: qt.ID, Failure: model.NewFailure("worker crashed", model.FailureApplication)},
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	child := h.awaitTerminal(qt.NodeExecutionID)
	if child.Status != model.StatusFailed || child.Failure == nil || child.Failure.Message != "worker crashed" {
		t.Errorf("child = %s %+v", child.Status, child.Failure)
	}
	if parent := h.awaitTerminal(root.ID); parent.Status != model.StatusFailed {
		t.Errorf("parent status = %s, want FAILED", parent.Status)
	}
	if status := h.awaitPlanCompleted(root.Ambiance.PlanExecutionID); status != string(model.StatusFailed) {
		t.Errorf("plan completed with %s", status)
	}
}
