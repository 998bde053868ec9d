package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/emit"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/step"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/store"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/waiter"
)

// Engine drives node executions of plans.
//
// A node execution moves through:
//   - facilitation: the Facilitator picks its execution mode, or skips it
//   - invocation: the step runs in that mode; its output becomes response
//     events handled in-line
//   - waiting: tasks, children and callbacks are awaited through the waiter;
//     no goroutine blocks on remote work
//   - resumption: the tail of the execution's response log decides how the
//     fulfilled responses are folded back into the step
//   - advice: once terminal, the Adviser decides between the next sibling,
//     a retry, intervention, or ending the branch
//
// Ending a branch fulfils the execution's NotifyID, which resumes the parent
// that spawned it. Failures always end in a terminal status plus that
// notification, so parents are never left waiting.
//
// Example:
//
//	st := store.NewMemStore()
//	d, _ := orchestration.NewDispatcher()
//	w := waiter.New(waiter.WithDelivery(d.Deliver))
//	engine, err := orchestration.New(st, st, w, tasks, steps, orchestration.WithDispatcher(d))
//	engine.Start(ctx)
//	defer engine.Stop()
//	root, err := engine.StartPlanExecution(ctx, "deploy", "pipeline", model.ExecutionMeta{AccountID: "acc"})
type Engine struct {
	executions store.NodeExecutionStore
	plans      store.PlanStore
	waiter     *waiter.Waiter
	tasks      *task.Registry
	steps      *step.Registry

	dispatcher  *Dispatcher
	facilitator Facilitator
	adviser     Adviser
	emitter     emit.Emitter
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

// New creates an Engine.
//
// w should deliver callbacks through the engine's dispatcher: build the
// dispatcher with NewDispatcher, the waiter with
// waiter.WithDelivery(d.Deliver), and pass WithDispatcher(d). Without
// WithDispatcher the engine builds its own dispatcher from the options, and
// the waiter must then run its own coordinator.
func New(executions store.NodeExecutionStore, plans store.PlanStore, w *waiter.Waiter, tasks *task.Registry, steps *step.Registry, options ...Option) (*Engine, error) {
	switch {
	case executions == nil:
		return nil, &EngineError{Message: "node execution store is required", Code: "MISSING_DEPENDENCY"}
	case plans == nil:
		return nil, &EngineError{Message: "plan store is required", Code: "MISSING_DEPENDENCY"}
	case w == nil:
		return nil, &EngineError{Message: "waiter is required", Code: "MISSING_DEPENDENCY"}
	case tasks == nil:
		return nil, &EngineError{Message: "task registry is required", Code: "MISSING_DEPENDENCY"}
	case steps == nil:
		return nil, &EngineError{Message: "step registry is required", Code: "MISSING_DEPENDENCY"}
	}

	cfg, err := newConfig(options)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		executions:  executions,
		plans:       plans,
		waiter:      w,
		tasks:       tasks,
		steps:       steps,
		dispatcher:  cfg.dispatcher,
		facilitator: cfg.facilitator,
		adviser:     cfg.adviser,
		emitter:     cfg.emitter,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		now:         cfg.now,
	}
	if e.dispatcher == nil {
		e.dispatcher = newDispatcher(cfg)
	}
	if e.facilitator == nil {
		e.facilitator = &DefaultFacilitator{Steps: steps}
	}
	if e.adviser == nil {
		e.adviser = NewDefaultAdviser(time.Now().UnixNano())
	}
	return e, nil
}

// Start starts the dispatcher workers.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
}

// Stop stops the dispatcher. Queued work is dropped; executions stay in the
// store with whatever status they reached.
func (e *Engine) Stop() {
	e.dispatcher.Stop()
}

// Wait blocks until the dispatcher has no queued, delayed or running work.
// Work still out with task executors does not count.
func (e *Engine) Wait(ctx context.Context) error {
	return e.dispatcher.Wait(ctx)
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Waiter returns the engine's correlation waiter.
func (e *Engine) Waiter() *waiter.Waiter { return e.waiter }

// Fulfil resolves a correlation id, typically a task id or a callback id.
func (e *Engine) Fulfil(ctx context.Context, correlationID string, data map[string]any) error {
	return e.waiter.Fulfil(ctx, correlationID, data)
}

// FulfilWithFailure resolves a correlation id with a failure.
func (e *Engine) FulfilWithFailure(ctx context.Context, correlationID string, failure *model.FailureInfo) error {
	return e.waiter.FulfilWithFailure(ctx, correlationID, failure)
}

// GetNodeExecution returns a snapshot of a node execution.
func (e *Engine) GetNodeExecution(ctx context.Context, id string) (*model.NodeExecution, error) {
	return e.executions.Get(ctx, id)
}

// StartPlanExecution creates the root node execution of a new plan
// execution and queues it. meta.PlanID is overwritten with planID; an
// empty meta.PlanExecutionID is generated.
func (e *Engine) StartPlanExecution(ctx context.Context, planID, rootNodeID string, meta model.ExecutionMeta) (*model.NodeExecution, error) {
	node, err := e.plans.FetchNode(ctx, planID, rootNodeID)
	if err != nil {
		return nil, fmt.Errorf("start plan %s at %s: %w", planID, rootNodeID, err)
	}

	meta.PlanID = planID
	if meta.PlanExecutionID == "" {
		meta.PlanExecutionID = model.NewExecutionID()
	}

	id := model.NewExecutionID()
	now := e.now()
	root := &model.NodeExecution{
		ID:        id,
		Ambiance:  model.NewAmbiance(meta, node.Level(id, now)),
		NodeID:    node.ID,
		Status:    model.StatusQueued,
		StartTs:   now,
		UpdatedTs: now,
	}
	if err := e.executions.Save(ctx, root); err != nil {
		return nil, fmt.Errorf("save root execution: %w", err)
	}

	e.emitter.Emit(emit.Event{
		PlanExecutionID: meta.PlanExecutionID,
		NodeExecutionID: id,
		NodeID:          node.ID,
		Msg:             emit.MsgPlanStarted,
		Meta:            map[string]any{"plan_id": planID},
	})
	e.emitStatus(root, nil)

	if err := e.submitDrive(ctx, id); err != nil {
		_ = e.fail(ctx, id, model.NewFailure("queue root execution: "+err.Error(), model.FailureUnknown))
		return nil, err
	}
	return root.Clone(), nil
}

// HandleError fails a node execution with err and notifies whoever waits on
// it. Infrastructure failures end in ERRORED, everything else in FAILED.
// Concluded executions are left alone.
func (e *Engine) HandleError(ctx context.Context, nodeExecutionID string, err error) error {
	return e.fail(ctx, nodeExecutionID, model.FailureFromError(err, model.FailureApplication))
}

func (e *Engine) submitDrive(ctx context.Context, id string) error {
	return e.dispatcher.Submit(ctx, func(ctx context.Context) {
		e.drive(ctx, id)
	})
}

// drive is the dispatcher unit for a queued execution: it registers the
// facilitation correlation and asks the facilitator.
func (e *Engine) drive(ctx context.Context, id string) {
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		e.logger.ErrorContext(ctx, "load queued execution", "node_execution_id", id, "error", err)
		return
	}
	if ne.Status != model.StatusQueued {
		e.logger.DebugContext(ctx, "execution no longer queued", "node_execution_id", id, "status", ne.Status)
		return
	}

	node, err := e.plans.FetchNode(ctx, ne.Ambiance.PlanID, ne.NodeID)
	if err != nil {
		_ = e.fail(ctx, id, model.NewFailure("fetch node: "+err.Error(), model.FailureApplication))
		return
	}

	correlationID := model.NewCorrelationID()
	if _, err := e.waiter.WaitForAll(ctx, e.onFacilitated(id, *node), correlationID); err != nil {
		_ = e.fail(ctx, id, model.FailureFromError(err, model.FailureUnknown))
		return
	}

	req := FacilitationRequest{
		CorrelationID:   correlationID,
		Ambiance:        ne.Ambiance,
		Node:            *node,
		NodeExecutionID: id,
	}
	if err := e.facilitator.Facilitate(ctx, req, e); err != nil {
		e.logger.WarnContext(ctx, "facilitation failed", "node_execution_id", id, "error", err)
		_ = e.waiter.FulfilWithFailure(ctx, correlationID, model.FailureFromError(err, model.FailureApplication))
	}
}

func (e *Engine) onFacilitated(id string, node model.Node) waiter.Callback {
	return func(ctx context.Context, responses map[string]waiter.Response) {
		e.facilitated(ctx, id, node, single(responses))
	}
}

func (e *Engine) facilitated(ctx context.Context, id string, node model.Node, resp waiter.Response) {
	if resp.Failed() {
		_ = e.fail(ctx, id, resp.Failure)
		return
	}

	if skip, _ := resp.Data["skip"].(bool); skip {
		now := e.now()
		skipped, err := e.transition(ctx, id, model.StatusSkipped, []model.Status{model.StatusQueued}, store.Update{EndTs: &now}, nil)
		if err != nil {
			e.logIgnored(ctx, id, e.ignoreTerminal(ctx, id, err))
			return
		}
		e.requestAdvice(ctx, skipped, node)
		return
	}

	modeName, _ := resp.Data["mode"].(string)
	mode := model.ExecutionMode(modeName)
	if !mode.Valid() {
		_ = e.fail(ctx, id, model.NewFailure(fmt.Sprintf("facilitator chose unknown mode %q", modeName), model.FailureApplication))
		return
	}

	running, err := e.transition(ctx, id, model.StatusRunning, []model.Status{model.StatusQueued}, store.Update{Mode: &mode}, nil)
	if err != nil {
		e.logIgnored(ctx, id, e.ignoreTerminal(ctx, id, err))
		return
	}
	e.emit(running, emit.MsgFacilitated, map[string]any{"mode": string(mode)})

	if err := e.invoke(ctx, running, node, mode); err != nil {
		_ = e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
	}
}

// invoke runs the step of a RUNNING execution in mode and turns its output
// into events.
func (e *Engine) invoke(ctx context.Context, ne *model.NodeExecution, node model.Node, mode model.ExecutionMode) error {
	s, err := e.steps.Lookup(node.StepType)
	if err != nil {
		return err
	}
	if !step.Supports(s, mode) {
		return fmt.Errorf("%w: %s as %s", step.ErrModeNotSupported, node.StepType, mode)
	}
	in := step.Input{Ambiance: ne.Ambiance, Node: node, NodeExecutionID: ne.ID}

	switch mode {
	case model.ModeSync:
		resp, err := s.(step.SyncExecutable).ExecuteSync(ctx, in)
		if err != nil {
			return err
		}
		return e.HandleEvent(ctx, e.eventFor(ne, stepResponse(resp)))

	case model.ModeAsync:
		ids, err := s.(step.AsyncExecutable).ExecuteAsync(ctx, in)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("step %s returned no callback ids", node.StepType)
		}
		if err := e.HandleEvent(ctx, e.eventFor(ne, AddExecutableResponse{Response: model.NewAsyncResponse(ids)})); err != nil {
			return err
		}
		if _, err := e.transition(ctx, ne.ID, model.StatusAsyncWaiting, nil, store.Update{}, nil); err != nil {
			return e.ignoreTerminal(ctx, ne.ID, err)
		}
		_, err = e.waiter.WaitForAll(ctx, e.resumeCallback(ne), ids...)
		return err

	case model.ModeTask:
		req, err := s.(step.TaskExecutable).ObtainTask(ctx, in)
		if err != nil {
			return err
		}
		return e.HandleEvent(ctx, e.guardedEventFor(ne, queueTask(req, false, false, nil)))

	case model.ModeTaskChain:
		link, err := s.(step.TaskChainExecutable).StartChainLink(ctx, in)
		if err != nil {
			return err
		}
		return e.applyChainLink(ctx, ne, link)

	case model.ModeChild:
		childNodeID, err := s.(step.ChildExecutable).ObtainChild(ctx, in)
		if err != nil {
			return err
		}
		return e.HandleEvent(ctx, e.guardedEventFor(ne, SpawnChild{NodeID: childNodeID}))

	case model.ModeChildren:
		childNodeIDs, err := s.(step.ChildrenExecutable).ObtainChildren(ctx, in)
		if err != nil {
			return err
		}
		return e.HandleEvent(ctx, e.guardedEventFor(ne, SpawnChildren{NodeIDs: childNodeIDs}))
	}
	return fmt.Errorf("%w: %s", step.ErrModeNotSupported, mode)
}

func (e *Engine) applyChainLink(ctx context.Context, ne *model.NodeExecution, link step.ChainLink) error {
	switch {
	case link.Suspend:
		return e.HandleEvent(ctx, e.eventFor(ne, SuspendChain{
			PauseToken:  model.NewCorrelationID(),
			PassThrough: link.PassThrough,
		}))
	case link.Task != nil:
		return e.HandleEvent(ctx, e.guardedEventFor(ne, queueTask(*link.Task, true, link.ChainEnd, link.PassThrough)))
	default:
		return fmt.Errorf("%w: chain link for %s has neither a task nor a suspension", ErrInvalidProtocolState, ne.ID)
	}
}

func (e *Engine) resumeCallback(ne *model.NodeExecution) waiter.Callback {
	id, ambiance := ne.ID, ne.Ambiance
	return func(ctx context.Context, responses map[string]waiter.Response) {
		ev := Event{
			ID:              model.NewCorrelationID(),
			Ambiance:        ambiance,
			NodeExecutionID: id,
			CreatedAt:       e.now(),
			Payload:         ResumeNodeExecution{Responses: toResults(responses)},
		}
		if err := e.HandleEvent(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "resume failed", "node_execution_id", id, "error", err)
			_ = e.fail(ctx, id, model.FailureFromError(err, model.FailureUnknown))
		}
	}
}

// resume folds fulfilled responses back into the step. The tail of the
// execution's response log says what the execution was waiting on.
func (e *Engine) resume(ctx context.Context, id string, responses map[string]CorrelationResult, asError bool) error {
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "dropping resume of concluded execution", "node_execution_id", id, "status", ne.Status)
		return nil
	}
	if asError {
		return e.fail(ctx, id, firstFailure(responses))
	}

	tail, ok := ne.LastExecutableResponse()
	if !ok {
		return fmt.Errorf("%w: %s has no executable response to resume", ErrInvalidProtocolState, id)
	}

	node, err := e.plans.FetchNode(ctx, ne.Ambiance.PlanID, ne.NodeID)
	if err != nil {
		return e.fail(ctx, id, model.NewFailure("fetch node: "+err.Error(), model.FailureApplication))
	}
	s, err := e.steps.Lookup(node.StepType)
	if err != nil {
		return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
	}
	in := step.Input{Ambiance: ne.Ambiance, Node: *node, NodeExecutionID: id}
	mismatch := func() error {
		return fmt.Errorf("%w: %s waits on %s but step %s cannot resume it", ErrInvalidProtocolState, id, tail.Type, node.StepType)
	}

	e.emit(ne, emit.MsgResumed, map[string]any{"response_type": string(tail.Type)})

	var resp step.Response
	switch tail.Type {
	case model.ResponseTask:
		tx, ok := s.(step.TaskExecutable)
		if !ok {
			return mismatch()
		}
		result, err := resultFor(responses, tail.Task.TaskID)
		if err != nil {
			return err
		}
		resp, err = tx.HandleTaskResult(ctx, in, result)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}

	case model.ResponseTaskChain:
		cx, ok := s.(step.TaskChainExecutable)
		if !ok {
			return mismatch()
		}
		result, err := resultFor(responses, tail.TaskChain.TaskID)
		if err != nil {
			return err
		}
		if !tail.TaskChain.ChainEnd {
			link, err := cx.NextLink(ctx, in, tail.TaskChain.PassThrough, result)
			if err != nil {
				return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
			}
			return e.applyChainLink(ctx, ne, link)
		}
		resp, err = cx.Finalize(ctx, in, tail.TaskChain.PassThrough, result)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}

	case model.ResponseSuspendChain:
		cx, ok := s.(step.TaskChainExecutable)
		if !ok {
			return mismatch()
		}
		running, err := e.transition(ctx, id, model.StatusRunning, nil, store.Update{}, nil)
		if err != nil {
			return e.ignoreTerminal(ctx, id, err)
		}
		result, _ := resultFor(responses, tail.SuspendChain.PauseToken)
		link, err := cx.NextLink(ctx, in, tail.SuspendChain.PassThrough, result)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}
		return e.applyChainLink(ctx, running, link)

	case model.ResponseChild:
		chx, ok := s.(step.ChildExecutable)
		if !ok {
			return mismatch()
		}
		outcome := e.childOutcome(ctx, tail.Child.ChildNodeID, tail.Child.ChildExecutionID, responses)
		resp, err = chx.HandleChildResponse(ctx, in, outcome)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}

	case model.ResponseChildren:
		chx, ok := s.(step.ChildrenExecutable)
		if !ok {
			return mismatch()
		}
		outcomes := make([]step.ChildOutcome, 0, len(tail.Children.Children))
		for _, c := range tail.Children.Children {
			outcomes = append(outcomes, e.childOutcome(ctx, c.NodeID, c.ExecutionID, responses))
		}
		resp, err = chx.HandleChildrenResponse(ctx, in, outcomes)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}

	case model.ResponseAsync:
		ax, ok := s.(step.AsyncExecutable)
		if !ok {
			return mismatch()
		}
		results := make(map[string]step.Result, len(tail.Async.CallbackIDs))
		for _, callbackID := range tail.Async.CallbackIDs {
			result, err := resultFor(responses, callbackID)
			if err != nil {
				return err
			}
			results[callbackID] = result
		}
		resp, err = ax.HandleAsyncResponse(ctx, in, results)
		if err != nil {
			return e.fail(ctx, id, model.FailureFromError(err, model.FailureApplication))
		}

	default:
		return fmt.Errorf("%w: %s: unknown executable response %q", ErrInvalidProtocolState, id, tail.Type)
	}

	return e.HandleEvent(ctx, e.eventFor(ne, stepResponse(resp)))
}

// childOutcome resolves how a spawned child concluded. The notification
// names the execution that ended the child's branch, which differs from the
// child itself after NEXT_STEP or RETRY advice; the store is authoritative.
func (e *Engine) childOutcome(ctx context.Context, nodeID, executionID string, responses map[string]CorrelationResult) step.ChildOutcome {
	out := step.ChildOutcome{NodeID: nodeID, ExecutionID: executionID}

	concluded := executionID
	if r, ok := responses[executionID]; ok {
		out.Failure = r.Failure
		if s, _ := r.Data["status"].(string); s != "" {
			out.Status = model.ParseStatus(s)
		}
		if out.Status == "" && r.Failure != nil {
			out.Status = r.Failure.ErroredStatus()
		}
		if last, _ := r.Data["node_execution_id"].(string); last != "" {
			concluded = last
		}
	}

	if ne, err := e.executions.Get(ctx, concluded); err == nil && ne.Status.IsTerminal() {
		out.Status = ne.Status
		if ne.Failure != nil {
			out.Failure = ne.Failure
		}
	}
	if out.Status == "" {
		out.Status = model.StatusErrored
		out.Failure = model.NewFailure("outcome of child "+executionID+" is unknown", model.FailureUnknown)
	}
	return out
}

// processStepResponse records the step's outcome and, once terminal, asks
// for advice.
func (e *Engine) processStepResponse(ctx context.Context, id string, p HandleStepResponse) error {
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "dropping step response of concluded execution", "node_execution_id", id, "status", ne.Status)
		return nil
	}

	status := p.Status
	if status == "" {
		status = model.StatusSucceeded
		if p.Failure != nil {
			status = p.Failure.ErroredStatus()
		}
	}

	var meta map[string]any
	if len(p.Outputs) > 0 {
		meta = map[string]any{"outputs": p.Outputs}
	}

	if !status.IsTerminal() {
		_, err := e.transition(ctx, id, status, nil, store.Update{Failure: p.Failure}, meta)
		return e.ignoreTerminal(ctx, id, err)
	}

	now := e.now()
	done, err := e.transition(ctx, id, status, nil, store.Update{Failure: p.Failure, EndTs: &now}, meta)
	if err != nil {
		return e.ignoreTerminal(ctx, id, err)
	}

	node, err := e.plans.FetchNode(ctx, done.Ambiance.PlanID, done.NodeID)
	if err != nil {
		e.logger.ErrorContext(ctx, "fetch node for advice", "node_execution_id", id, "error", err)
		e.conclude(ctx, done)
		return nil
	}
	e.requestAdvice(ctx, done, *node)
	return nil
}

// fail moves an execution to FAILED or ERRORED and concludes it.
func (e *Engine) fail(ctx context.Context, id string, failure *model.FailureInfo) error {
	if failure == nil {
		failure = model.NewFailure("unspecified failure")
	}
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		e.logger.ErrorContext(ctx, "cannot fail missing execution", "node_execution_id", id, "error", err)
		return err
	}
	if ne.Status.IsTerminal() {
		return nil
	}

	now := e.now()
	done, err := e.transition(ctx, id, failure.ErroredStatus(), nil, store.Update{Failure: failure, EndTs: &now}, nil)
	if err != nil {
		return e.ignoreTerminal(ctx, id, err)
	}
	e.emit(done, emit.MsgError, map[string]any{"error": failure.Message, "status": string(done.Status)})
	e.conclude(ctx, done)
	return nil
}

// conclude ends the branch of a terminal execution: whoever waits on its
// NotifyID is resumed, with a failure response when the execution failed,
// and a root execution completes the plan.
func (e *Engine) conclude(ctx context.Context, ne *model.NodeExecution) {
	if ne.NotifyID != "" {
		data := map[string]any{
			"status":            string(ne.Status),
			"node_execution_id": ne.ID,
			"node_id":           ne.NodeID,
		}
		resp := waiter.Response{CorrelationID: ne.NotifyID, Data: data}
		if ne.Status.IsFailure() {
			resp.Failure = ne.Failure
			if resp.Failure == nil {
				resp.Failure = model.NewFailure(fmt.Sprintf("node %s ended %s", ne.NodeID, ne.Status))
			}
		}
		if err := e.waiter.Resolve(ctx, resp); err != nil {
			e.logger.WarnContext(ctx, "notify parent", "node_execution_id", ne.ID, "notify_id", ne.NotifyID, "error", err)
		}
	}
	if ne.IsRoot() {
		e.emitter.Emit(emit.Event{
			PlanExecutionID: ne.Ambiance.PlanExecutionID,
			NodeExecutionID: ne.ID,
			NodeID:          ne.NodeID,
			Msg:             emit.MsgPlanCompleted,
			Meta:            map[string]any{"status": string(ne.Status)},
		})
	}
}

// transition moves an execution to status "to" and emits the status event.
func (e *Engine) transition(ctx context.Context, id string, to model.Status, allowed []model.Status, upd store.Update, meta map[string]any) (*model.NodeExecution, error) {
	updated, err := e.executions.UpdateStatusIfAllowed(ctx, id, to, allowed, upd)
	if err != nil {
		return nil, err
	}
	e.emitStatus(updated, meta)
	if to.IsTerminal() {
		stepType := ""
		if level, ok := updated.Ambiance.CurrentLevel(); ok {
			stepType = level.StepType
		}
		e.metrics.RecordStepLatency(stepType, string(to), updated.EndTs.Sub(updated.StartTs))
	}
	return updated, nil
}

// ignoreTerminal swallows status preconditions: another writer concluded
// the execution first.
func (e *Engine) ignoreTerminal(ctx context.Context, id string, err error) error {
	if err == nil || !errors.Is(err, store.ErrStatusPrecondition) {
		return err
	}
	e.logger.DebugContext(ctx, "status changed concurrently", "node_execution_id", id, "error", err)
	return nil
}

func (e *Engine) logIgnored(ctx context.Context, id string, err error) {
	if err != nil {
		e.logger.ErrorContext(ctx, "update execution", "node_execution_id", id, "error", err)
	}
}

func (e *Engine) emitStatus(ne *model.NodeExecution, extra map[string]any) {
	meta := map[string]any{"status": string(ne.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	e.emit(ne, emit.MsgStatus, meta)
	e.metrics.RecordTransition(string(ne.Status))
}

func (e *Engine) emit(ne *model.NodeExecution, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		PlanExecutionID: ne.Ambiance.PlanExecutionID,
		NodeExecutionID: ne.ID,
		NodeID:          ne.NodeID,
		Msg:             msg,
		Meta:            meta,
	})
}

func (e *Engine) eventFor(ne *model.NodeExecution, payload Payload) Event {
	return Event{
		ID:              model.NewCorrelationID(),
		Ambiance:        ne.Ambiance,
		NodeExecutionID: ne.ID,
		CreatedAt:       e.now(),
		Payload:         payload,
	}
}

// guardedEventFor keys the event by execution and response-log position, so
// the same step output handled twice dispatches once.
func (e *Engine) guardedEventFor(ne *model.NodeExecution, payload Payload) Event {
	ev := e.eventFor(ne, payload)
	ev.IdempotencyKey = fmt.Sprintf("%s/%d", ne.ID, len(ne.ExecutableResponses))
	return ev
}

func stepResponse(resp step.Response) HandleStepResponse {
	return HandleStepResponse{Status: resp.Status, Failure: resp.Failure, Outputs: resp.Outputs}
}

func queueTask(req step.TaskRequest, chain, chainEnd bool, passThrough map[string]any) QueueTask {
	return QueueTask{
		Category:     req.Category,
		Routing:      req.Routing,
		Spec:         req.Spec,
		InitialDelay: req.InitialDelay,
		Chain:        chain,
		ChainEnd:     chainEnd,
		PassThrough:  passThrough,
	}
}

func single(responses map[string]waiter.Response) waiter.Response {
	for _, r := range responses {
		return r
	}
	return waiter.Response{}
}

func toResults(responses map[string]waiter.Response) map[string]CorrelationResult {
	out := make(map[string]CorrelationResult, len(responses))
	for id, r := range responses {
		out[id] = CorrelationResult{Data: r.Data, Failure: r.Failure}
	}
	return out
}

func resultFor(responses map[string]CorrelationResult, id string) (step.Result, error) {
	r, ok := responses[id]
	if !ok {
		return step.Result{CorrelationID: id}, fmt.Errorf("%w: no response for %s", ErrInvalidProtocolState, id)
	}
	return step.Result{CorrelationID: id, Data: r.Data, Failure: r.Failure}, nil
}

func firstFailure(responses map[string]CorrelationResult) *model.FailureInfo {
	var (
		first   *model.FailureInfo
		firstID string
	)
	for id, r := range responses {
		if r.Failure != nil && (first == nil || id < firstID) {
			first, firstID = r.Failure, id
		}
	}
	if first == nil {
		first = model.NewFailure("resumed as error", model.FailureUnknown)
	}
	return first
}
