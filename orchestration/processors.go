package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/emit"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/store"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/task"
	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/waiter"
)

// HandleEvent applies one response event.
//
// QueueTask, SpawnChild and SpawnChildren are guarded by their idempotency
// key: a redelivered event is logged and ignored. Failures the event
// reports, or that its effect runs into (a task nobody accepts, a missing
// child node), end the addressed execution instead of being returned.
// Returned errors mean the event itself could not be applied and left no
// effect behind; the key of a guarded event is released so a redelivery
// applies it.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (err error) {
	kind := ev.Kind()
	if kind == "" {
		return fmt.Errorf("%w: event %s has no payload", ErrUnknownEvent, ev.ID)
	}
	if ev.ID == "" {
		ev.ID = model.NewCorrelationID()
	}

	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		e.metrics.RecordEvent(kind, outcome)
	}()

	switch kind {
	case KindQueueTask, KindSpawnChild, KindSpawnChildren:
		key := string(kind) + ":" + ev.idempotencyKey()
		first, markErr := e.executions.MarkProcessed(ctx, key)
		if markErr != nil {
			return fmt.Errorf("record %s event: %w", kind, markErr)
		}
		if !first {
			outcome = "duplicate"
			e.logger.InfoContext(ctx, "ignoring redelivered event",
				"kind", kind, "event_id", ev.ID, "idempotency_key", ev.idempotencyKey())
			return nil
		}
		defer func() {
			if err == nil {
				return
			}
			if uerr := e.executions.UnmarkProcessed(context.WithoutCancel(ctx), key); uerr != nil {
				e.logger.ErrorContext(ctx, "release idempotency key", "kind", kind, "idempotency_key", ev.idempotencyKey(), "error", uerr)
			}
		}()
	}

	return e.apply(ctx, ev)
}

func (e *Engine) apply(ctx context.Context, ev Event) error {
	switch p := ev.Payload.(type) {
	case AddExecutableResponse:
		return e.addExecutableResponse(ctx, ev.target(), p)
	case HandleStepResponse:
		return e.processStepResponse(ctx, ev.target(), p)
	case AdviserResponse:
		return e.adviserResponse(ctx, p)
	case FacilitatorResponse:
		return e.facilitatorResponse(ctx, p)
	case QueueTask:
		return e.queueTask(ctx, ev.target(), p)
	case SpawnChild:
		return e.spawnChildren(ctx, ev.target(), []string{p.NodeID}, false)
	case SpawnChildren:
		return e.spawnChildren(ctx, ev.target(), p.NodeIDs, true)
	case ResumeNodeExecution:
		return e.resume(ctx, ev.target(), p.Responses, p.AsError)
	case SuspendChain:
		return e.suspendChain(ctx, ev.target(), p)
	case Error:
		return e.errorEvent(ctx, ev.target(), p)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev.Payload)
	}
}

// Publish handles ev on a dispatcher worker and returns once it is queued.
// Failures are logged by the worker.
func (e *Engine) Publish(ctx context.Context, ev Event) error {
	return e.dispatcher.Submit(ctx, func(ctx context.Context) {
		if err := e.HandleEvent(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "published event failed",
				"kind", ev.Kind(), "event_id", ev.ID, "node_execution_id", ev.target(), "error", err)
		}
	})
}

func (e *Engine) addExecutableResponse(ctx context.Context, id string, p AddExecutableResponse) error {
	if err := p.Response.Validate(); err != nil {
		return err
	}
	return e.executions.AppendExecutableResponse(ctx, id, p.Response)
}

func (e *Engine) facilitatorResponse(ctx context.Context, p FacilitatorResponse) error {
	if p.Failure != nil {
		return e.fulfil(ctx, p.CorrelationID, nil, p.Failure)
	}
	return e.fulfil(ctx, p.CorrelationID, map[string]any{"mode": string(p.Mode), "skip": p.Skip}, nil)
}

func (e *Engine) adviserResponse(ctx context.Context, p AdviserResponse) error {
	if p.Failure != nil {
		return e.fulfil(ctx, p.CorrelationID, nil, p.Failure)
	}
	return e.fulfil(ctx, p.CorrelationID, p.Advice.data(), nil)
}

// fulfil resolves a correlation; a second fulfilment is logged and ignored.
func (e *Engine) fulfil(ctx context.Context, correlationID string, data map[string]any, failure *model.FailureInfo) error {
	var err error
	if failure != nil {
		err = e.waiter.FulfilWithFailure(ctx, correlationID, failure)
	} else {
		err = e.waiter.Fulfil(ctx, correlationID, data)
	}
	if errors.Is(err, waiter.ErrAlreadyFulfilled) {
		return nil
	}
	return err
}

func (e *Engine) queueTask(ctx context.Context, id string, p QueueTask) error {
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "not queueing task for concluded execution", "node_execution_id", id, "status", ne.Status)
		return nil
	}

	taskID, err := e.tasks.Dispatch(ctx, p.Category, p.Routing, p.Spec, p.InitialDelay)
	if err != nil {
		e.metrics.IncrementDispatchErrors(p.Category)
		e.logger.WarnContext(ctx, "task dispatch failed", "node_execution_id", id, "category", p.Category, "error", err)
		return e.fail(ctx, id, dispatchFailure(err))
	}

	// The task is out with a worker: from here on a redelivery would queue
	// it twice, so failures end the execution instead of being returned.
	resp := model.NewTaskResponse(taskID, p.Category)
	if p.Chain {
		resp = model.NewTaskChainResponse(taskID, p.Category, p.ChainEnd, p.PassThrough)
	}
	if err := e.executions.AppendExecutableResponse(ctx, id, resp); err != nil {
		return e.abandonTask(ctx, id, taskID, err)
	}
	if _, err := e.transition(ctx, id, model.StatusTaskWaiting, nil, store.Update{}, nil); err != nil {
		if err = e.ignoreTerminal(ctx, id, err); err != nil {
			return e.abandonTask(ctx, id, taskID, err)
		}
		return nil
	}
	e.emit(ne, emit.MsgTaskQueued, map[string]any{"task_id": taskID, "category": p.Category})

	if _, err := e.waiter.WaitForAll(ctx, e.resumeCallback(ne), taskID); err != nil {
		return e.abandonTask(ctx, id, taskID, err)
	}
	return nil
}

// abandonTask fails an execution whose dispatched task can no longer be
// tracked. The task's eventual result is left unclaimed.
func (e *Engine) abandonTask(ctx context.Context, id, taskID string, cause error) error {
	e.logger.ErrorContext(ctx, "tracking dispatched task failed", "node_execution_id", id, "task_id", taskID, "error", cause)
	failure := model.FailureFromError(cause, model.FailureUnknown)
	failure.Code = "TASK_TRACKING_ERROR"
	if err := e.fail(ctx, id, failure); err != nil {
		e.logger.ErrorContext(ctx, "fail execution", "node_execution_id", id, "error", err)
	}
	return nil
}

// dispatchFailure classifies a dispatch error. Dispatch errors are
// infrastructure failures, so they always end in ERRORED.
func dispatchFailure(err error) *model.FailureInfo {
	failureType := model.FailureConnectivity
	if errors.Is(err, task.ErrNoEligibleWorker) || errors.Is(err, task.ErrUnknownCategory) {
		failureType = model.FailureDelegateProvisioning
	}
	f := model.NewFailure(err.Error(), failureType)
	f.Code = "DISPATCH_ERROR"
	return f
}

// spawnChildren persists a QUEUED child per node, waits on all of them as
// one set, records the CHILD or CHILDREN response and queues every child.
func (e *Engine) spawnChildren(ctx context.Context, parentID string, nodeIDs []string, many bool) error {
	if len(nodeIDs) == 0 {
		return fmt.Errorf("%w: %s spawns no children", ErrInvalidProtocolState, parentID)
	}
	parent, err := e.executions.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "not spawning children of concluded execution", "node_execution_id", parentID, "status", parent.Status)
		return nil
	}

	nodes := make([]*model.Node, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		node, err := e.plans.FetchNode(ctx, parent.Ambiance.PlanID, nodeID)
		if errors.Is(err, store.ErrNotFound) {
			return e.fail(ctx, parentID, model.NewFailure(fmt.Sprintf("child node %s: %v", nodeID, err), model.FailureApplication))
		}
		if err != nil {
			return fmt.Errorf("fetch child node %s: %w", nodeID, err)
		}
		nodes = append(nodes, node)
	}

	children := make([]*model.NodeExecution, 0, len(nodes))
	for _, node := range nodes {
		child, err := e.newChild(ctx, parent, *node)
		if err != nil {
			if len(children) == 0 {
				return err
			}
			return e.abandonChildren(ctx, parentID, children, err)
		}
		children = append(children, child)
	}

	ids := make([]string, len(children))
	refs := make([]model.ChildRef, len(children))
	for i, child := range children {
		ids[i] = child.ID
		refs[i] = model.ChildRef{NodeID: child.NodeID, ExecutionID: child.ID}
	}

	if _, err := e.waiter.WaitForAll(ctx, e.resumeCallback(parent), ids...); err != nil {
		return e.abandonChildren(ctx, parentID, children, err)
	}

	resp := model.NewChildResponse(refs[0].NodeID, refs[0].ExecutionID)
	if many {
		resp = model.NewChildrenResponse(refs)
	}
	if err := e.executions.AppendExecutableResponse(ctx, parentID, resp); err != nil {
		return e.abandonChildren(ctx, parentID, children, err)
	}

	for _, child := range children {
		e.emit(parent, emit.MsgChildSpawned, map[string]any{"child_id": child.ID, "child_node_id": child.NodeID})
		if err := e.submitDrive(ctx, child.ID); err != nil {
			_ = e.fail(ctx, child.ID, model.NewFailure("queue child: "+err.Error(), model.FailureUnknown))
		}
	}
	return nil
}

// abandonChildren fails a parent whose spawned children cannot be run, and
// the children that were already persisted.
func (e *Engine) abandonChildren(ctx context.Context, parentID string, children []*model.NodeExecution, cause error) error {
	e.logger.ErrorContext(ctx, "spawning children failed", "node_execution_id", parentID, "spawned", len(children), "error", cause)
	failure := model.FailureFromError(cause, model.FailureUnknown)
	failure.Code = "SPAWN_ERROR"
	if err := e.fail(ctx, parentID, failure); err != nil {
		e.logger.ErrorContext(ctx, "fail execution", "node_execution_id", parentID, "error", err)
	}
	for _, child := range children {
		aborted := model.NewFailure("parent "+parentID+" could not run its children", model.FailureUnknown)
		if err := e.fail(ctx, child.ID, aborted); err != nil {
			e.logger.ErrorContext(ctx, "fail execution", "node_execution_id", child.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) newChild(ctx context.Context, parent *model.NodeExecution, node model.Node) (*model.NodeExecution, error) {
	id := model.NewExecutionID()
	now := e.now()
	child := &model.NodeExecution{
		ID:        id,
		Ambiance:  parent.Ambiance.CloneForChild(node.Level(id, now)),
		NodeID:    node.ID,
		Status:    model.StatusQueued,
		ParentID:  parent.ID,
		NotifyID:  id,
		StartTs:   now,
		UpdatedTs: now,
	}
	if err := e.executions.Save(ctx, child); err != nil {
		return nil, fmt.Errorf("save child %s: %w", node.ID, err)
	}
	e.emitStatus(child, nil)
	return child, nil
}

func (e *Engine) suspendChain(ctx context.Context, id string, p SuspendChain) error {
	if p.PauseToken == "" {
		return fmt.Errorf("%w: suspension of %s has no pause token", ErrInvalidProtocolState, id)
	}
	ne, err := e.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status.IsTerminal() {
		return nil
	}

	if err := e.executions.AppendExecutableResponse(ctx, id, model.NewSuspendChainResponse(p.PauseToken, p.PassThrough)); err != nil {
		return err
	}
	if _, err := e.transition(ctx, id, model.StatusSuspended, nil, store.Update{}, nil); err != nil {
		return e.ignoreTerminal(ctx, id, err)
	}

	if len(p.Responses) > 0 {
		return e.resume(ctx, id, p.Responses, false)
	}
	_, err = e.waiter.WaitForAll(ctx, e.resumeCallback(ne), p.PauseToken)
	return err
}

func (e *Engine) errorEvent(ctx context.Context, id string, p Error) error {
	failure := p.Failure
	if failure == nil {
		failure = model.NewFailure("unspecified failure")
	}
	if p.CorrelationID != "" {
		return e.fulfil(ctx, p.CorrelationID, nil, failure)
	}
	return e.fail(ctx, id, failure)
}

// requestAdvice registers the advice correlation of a terminal execution
// and asks the adviser. An adviser error ends the branch.
func (e *Engine) requestAdvice(ctx context.Context, ne *model.NodeExecution, node model.Node) {
	correlationID := model.NewCorrelationID()
	if _, err := e.waiter.WaitForAll(ctx, e.onAdvice(ne.ID, node), correlationID); err != nil {
		e.logger.ErrorContext(ctx, "register advice", "node_execution_id", ne.ID, "error", err)
		e.conclude(ctx, ne)
		return
	}

	req := AdviceRequest{CorrelationID: correlationID, Node: node, Execution: ne.Clone()}
	if err := e.adviser.Advise(ctx, req, e); err != nil {
		e.logger.WarnContext(ctx, "adviser failed", "node_execution_id", ne.ID, "error", err)
		_ = e.waiter.FulfilWithFailure(ctx, correlationID, model.FailureFromError(err, model.FailureUnknown))
	}
}

func (e *Engine) onAdvice(id string, node model.Node) waiter.Callback {
	return func(ctx context.Context, responses map[string]waiter.Response) {
		ne, err := e.executions.Get(ctx, id)
		if err != nil {
			e.logger.ErrorContext(ctx, "load advised execution", "node_execution_id", id, "error", err)
			return
		}

		resp := single(responses)
		advice := Advice{Type: AdviceEndBranch}
		if resp.Failed() {
			e.logger.WarnContext(ctx, "advice failed, ending branch", "node_execution_id", id, "error", resp.Failure)
		} else if a, err := adviceFromData(resp.Data); err != nil {
			e.logger.WarnContext(ctx, "invalid advice, ending branch", "node_execution_id", id, "error", err)
		} else {
			advice = a
		}

		e.emit(ne, emit.MsgAdvised, map[string]any{"advice": string(advice.Type)})
		if err := e.applyAdvice(ctx, ne, node, advice); err != nil {
			e.logger.ErrorContext(ctx, "apply advice", "node_execution_id", id, "advice", advice.Type, "error", err)
			e.conclude(ctx, ne)
		}
	}
}

func (e *Engine) applyAdvice(ctx context.Context, ne *model.NodeExecution, node model.Node, advice Advice) error {
	switch advice.Type {
	case AdviceNextStep:
		next, err := e.plans.FetchNode(ctx, ne.Ambiance.PlanID, advice.NextNodeID)
		if err != nil {
			return fmt.Errorf("next node %s: %w", advice.NextNodeID, err)
		}
		return e.startSibling(ctx, ne, *next, false, 0)

	case AdviceRetry:
		e.metrics.IncrementRetries(ne.NodeID)
		return e.startSibling(ctx, ne, node, true, advice.RetryDelay)

	case AdviceInterventionWait:
		correlationID := InterventionCorrelationID(ne.ID)
		if _, err := e.waiter.WaitForAll(ctx, e.onIntervention(ne.ID, node), correlationID); err != nil {
			return err
		}
		e.emit(ne, emit.MsgIntervention, map[string]any{"correlation_id": correlationID, "status": string(ne.Status)})
		return nil

	default:
		e.conclude(ctx, ne)
		return nil
	}
}

// startSibling queues a new execution in ne's scope: the next node, or a
// retry of the same node. It inherits ParentID and NotifyID, so the branch
// still reports to the same waiter.
func (e *Engine) startSibling(ctx context.Context, ne *model.NodeExecution, node model.Node, retry bool, delay time.Duration) error {
	id := model.NewExecutionID()
	now := e.now()
	sibling := &model.NodeExecution{
		ID:        id,
		Ambiance:  ne.Ambiance.CloneForSibling(node.Level(id, now)),
		NodeID:    node.ID,
		Status:    model.StatusQueued,
		ParentID:  ne.ParentID,
		NotifyID:  ne.NotifyID,
		StartTs:   now,
		UpdatedTs: now,
	}
	if retry {
		sibling.OriginalNodeExecutionID = ne.OriginalNodeExecutionID
		if sibling.OriginalNodeExecutionID == "" {
			sibling.OriginalNodeExecutionID = ne.ID
		}
		sibling.RetryIDs = append(append([]string(nil), ne.RetryIDs...), ne.ID)
	}

	if err := e.executions.Save(ctx, sibling); err != nil {
		return fmt.Errorf("save %s: %w", node.ID, err)
	}
	if retry {
		oldRetry := true
		if _, err := e.executions.Update(ctx, ne.ID, store.Update{OldRetry: &oldRetry}); err != nil {
			e.logger.WarnContext(ctx, "mark execution as retried", "node_execution_id", ne.ID, "error", err)
		}
	}
	e.emitStatus(sibling, nil)

	err := e.dispatcher.SubmitAfter(delay, func(ctx context.Context) {
		e.drive(ctx, id)
	})
	if err != nil {
		return e.fail(ctx, id, model.NewFailure("queue "+node.ID+": "+err.Error(), model.FailureUnknown))
	}
	return nil
}

// onIntervention releases an execution held for intervention. "retry"
// retries the node at once; "proceed" continues as if the node had
// succeeded its way to Next; anything else ends the branch.
func (e *Engine) onIntervention(id string, node model.Node) waiter.Callback {
	return func(ctx context.Context, responses map[string]waiter.Response) {
		ne, err := e.executions.Get(ctx, id)
		if err != nil {
			e.logger.ErrorContext(ctx, "load held execution", "node_execution_id", id, "error", err)
			return
		}

		resp := single(responses)
		action, _ := resp.Data["action"].(string)
		advice := Advice{Type: AdviceEndBranch}
		switch {
		case resp.Failed():
		case action == InterventionRetry:
			advice = Advice{Type: AdviceRetry}
		case action == InterventionProceed && node.Next != "":
			advice = Advice{Type: AdviceNextStep, NextNodeID: node.Next}
		}

		e.emit(ne, emit.MsgIntervention, map[string]any{"action": action, "advice": string(advice.Type)})
		if err := e.applyAdvice(ctx, ne, node, advice); err != nil {
			e.logger.ErrorContext(ctx, "apply intervention", "node_execution_id", id, "error", err)
			e.conclude(ctx, ne)
		}
	}
}
