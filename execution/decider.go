package execution

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
)

// Decide re-evaluates one workflow: it folds sub-workflow status onto the
// owning tasks, schedules tasks whose predecessor completed, retries or
// fails on exhausted attempts, and completes the workflow when every plan
// slot has a completed attempt.
//
// A terminal workflow is normally a no-op, but one whose bound sub-workflow
// diverged from what the owning task recorded is revived and re-evaluated;
// this heals rerun cascades interrupted between levels.
//
// Decide is idempotent; invoking it twice with no intervening mutation
// leaves the workflow unchanged. It is serialized per workflow id via the
// lease locker; a contended pass returns lease.ErrLeaseHeld and is retried
// by the sweeper.
func (e *Engine) Decide(ctx context.Context, workflowID string) error {
	ctx, span := e.tracer.Start(ctx, "Decide", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, workflowID),
	))
	defer span.End()

	release, err := e.locker.Acquire(ctx, workflowID)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			return fmt.Errorf("deciding workflow %v: %w", workflowID, err)
		}

		return fmt.Errorf("acquiring workflow lease: %w", err)
	}
	defer release()

	w, err := e.store.GetWorkflow(ctx, workflowID, true)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	if w.Status == core.WorkflowStatusPaused {
		return nil
	}

	changed := map[string]*core.Task{}
	revived := false

	if w.Status.Terminal() {
		r, err := e.reviveDiverged(ctx, w, changed)
		if err != nil {
			return err
		}

		if !r {
			return nil
		}

		revived = true
	}

	// Fold sub-workflow state onto non-terminal system tasks, and consume
	// the change signal left behind by rerun propagation. Status and flag
	// are applied in one durable write.
	for _, t := range w.Tasks {
		if t.Status.Terminal() {
			continue
		}

		if h, ok := e.registry.Handler(t.Type); ok && t.Status == core.TaskStatusInProgress {
			before := t.Status
			if err := h.CheckStatus(ctx, e, t); err != nil {
				return fmt.Errorf("checking status of task %v: %w", t.ID, err)
			}

			if t.Status != before {
				changed[t.ID] = t
			}
		}

		if t.SubworkflowChanged {
			t.SubworkflowChanged = false
			changed[t.ID] = t
		}
	}

	// Self-healing: a system task that stayed SCHEDULED past the queue lease
	// window lost its queue entry (crash between persist and push); push it
	// again. Duplicate deliveries are handled by the idempotent executor.
	for _, t := range w.Tasks {
		if t.Type.System() && t.Status == core.TaskStatusScheduled && changed[t.ID] == nil &&
			e.clock.Since(t.ScheduledAt) > e.options.QueueLeaseTimeout {
			t.ScheduledAt = e.clock.Now()
			changed[t.ID] = t
		}
	}

	workflowChanged, err := e.advance(ctx, w, changed)
	if err != nil {
		return err
	}

	if len(changed) > 0 {
		tasks := make([]*core.Task, 0, len(changed))
		for _, t := range changed {
			tasks = append(tasks, t)
		}

		if err := e.store.UpsertTasks(ctx, tasks); err != nil {
			return fmt.Errorf("persisting task updates: %w", err)
		}
	}

	if workflowChanged || revived {
		if err := e.store.UpsertWorkflow(ctx, w); err != nil {
			return fmt.Errorf("persisting workflow: %w", err)
		}
	}

	// Queue pushes after the writes are durable.
	if err := e.enqueueScheduled(ctx, changed); err != nil {
		return err
	}

	if w.Status.Terminal() {
		e.logger.DebugContext(ctx, "workflow reached terminal status",
			log.WorkflowIDKey, w.ID,
			log.WorkflowStatusKey, string(w.Status),
		)

		// Wake the parent so its SUB_WORKFLOW task observes the result.
		if w.SubWorkflow() {
			if err := e.dispatcher.Push(ctx, queue.DeciderQueue, w.ParentWorkflowID, 0); err != nil {
				return fmt.Errorf("enqueuing parent for sweep: %w", err)
			}
		}
	} else if revived && w.SubWorkflow() {
		// Let the next level up observe the revival while this one runs.
		if err := e.dispatcher.Push(ctx, queue.DeciderQueue, w.ParentWorkflowID, 0); err != nil {
			return fmt.Errorf("enqueuing parent for sweep: %w", err)
		}
	}

	return nil
}

// reviveDiverged scans the bound sub-workflows of a terminal workflow. A
// child whose status no longer matches what the owning task recorded is
// reopened as IN_PROGRESS and the workflow set back to RUNNING so the rest
// of the pass reconciles it. Reports whether the workflow was revived.
func (e *Engine) reviveDiverged(ctx context.Context, w *core.Workflow, changed map[string]*core.Task) (bool, error) {
	revived := false

	for _, t := range w.Tasks {
		if !t.Type.System() || t.SubWorkflowID == "" {
			continue
		}

		child, err := e.store.GetWorkflow(ctx, t.SubWorkflowID, false)
		if err != nil {
			if errors.Is(err, backend.ErrWorkflowNotFound) {
				continue
			}

			return false, fmt.Errorf("loading sub-workflow %v: %w", t.SubWorkflowID, err)
		}

		if !subWorkflowDiverged(t.Status, child.Status) {
			continue
		}

		t.Status = core.TaskStatusInProgress
		changed[t.ID] = t
		revived = true
	}

	if revived {
		w.Status = core.WorkflowStatusRunning
		w.FailureReason = ""
		w.Output = nil

		e.logger.InfoContext(ctx, "reviving workflow, bound sub-workflow changed", log.WorkflowIDKey, w.ID)
	}

	return revived, nil
}

// subWorkflowDiverged reports whether a bound child's status contradicts the
// status the owning task recorded. A live child under a terminal workflow
// always counts as diverged.
func subWorkflowDiverged(task core.TaskStatus, child core.WorkflowStatus) bool {
	switch child {
	case core.WorkflowStatusRunning:
		return true
	case core.WorkflowStatusCompleted:
		return task != core.TaskStatusCompleted
	case core.WorkflowStatusFailed, core.WorkflowStatusTerminated:
		return task != core.TaskStatusFailed
	}

	return false
}

// advance walks the plan in order and applies the scheduling rules. It
// mutates w and records touched tasks in changed; the caller persists.
func (e *Engine) advance(ctx context.Context, w *core.Workflow, changed map[string]*core.Task) (bool, error) {
	workflowChanged := false

	// Every plan slot has an instance; slots discarded by a rerun are
	// re-instantiated as PENDING here.
	for i := range w.Def.Tasks {
		if w.LatestAttempt(i) == nil {
			t := core.NewTask(w, i)
			t.Status = core.TaskStatusPending
			w.Tasks = append(w.Tasks, t)
			changed[t.ID] = t
		}
	}

	completed := 0

	for i := range w.Def.Tasks {
		t := w.LatestAttempt(i)

		switch t.Status {
		case core.TaskStatusCompleted:
			completed++
			continue

		case core.TaskStatusPending:
			ready := i == 0 || w.LatestAttempt(i-1).Status == core.TaskStatusCompleted
			if ready {
				e.scheduleTask(w, t)
				changed[t.ID] = t
			}

		case core.TaskStatusCanceled:
			// A slot canceled by an earlier failure becomes runnable again
			// once a rerun below revives the workflow.
			ready := i == 0 || w.LatestAttempt(i-1).Status == core.TaskStatusCompleted
			if ready {
				fresh := core.NewTask(w, i)
				e.scheduleTask(w, fresh)
				w.Tasks = append(w.Tasks, fresh)
				changed[fresh.ID] = fresh
			}

		case core.TaskStatusFailed:
			if t.RetryCount < t.RetryLimit {
				retry := t.Retry(w)
				e.scheduleTask(w, retry)
				w.Tasks = append(w.Tasks, retry)
				changed[retry.ID] = retry

				e.logger.DebugContext(ctx, "retrying failed task",
					log.WorkflowIDKey, w.ID,
					log.TaskRefKey, t.ReferenceName,
					log.AttemptKey, retry.RetryCount,
				)
			} else {
				e.failWorkflow(w, t, changed)
				workflowChanged = true
			}
		}

		// Linear plan: nothing past the first incomplete slot can progress.
		break
	}

	if completed == len(w.Def.Tasks) && w.Status == core.WorkflowStatusRunning {
		w.Status = core.WorkflowStatusCompleted
		if last := w.LatestAttempt(len(w.Def.Tasks) - 1); last != nil {
			w.Output = last.Output
		}

		workflowChanged = true
	}

	return workflowChanged, nil
}

func (e *Engine) scheduleTask(w *core.Workflow, t *core.Task) {
	t.Status = core.TaskStatusScheduled
	t.ScheduledAt = e.clock.Now()
}

// failWorkflow marks the workflow FAILED and cancels the remaining
// non-terminal tasks.
func (e *Engine) failWorkflow(w *core.Workflow, failed *core.Task, changed map[string]*core.Task) {
	w.Status = core.WorkflowStatusFailed
	w.FailureReason = fmt.Sprintf("task %v failed after %d attempts: %v", failed.ReferenceName, failed.RetryCount+1, failed.FailureReason)

	for _, t := range w.Tasks {
		if t.ID == failed.ID || t.Status.Terminal() {
			continue
		}

		t.Status = core.TaskStatusCanceled
		changed[t.ID] = t
	}
}

// enqueueScheduled pushes freshly scheduled system tasks to their queues and
// drops canceled ones.
func (e *Engine) enqueueScheduled(ctx context.Context, changed map[string]*core.Task) error {
	for _, t := range changed {
		if !t.Type.System() {
			continue
		}

		switch t.Status {
		case core.TaskStatusScheduled:
			if err := e.dispatcher.Push(ctx, queue.SystemTaskQueue(t.Type), t.ID, 0); err != nil {
				return fmt.Errorf("enqueuing system task %v: %w", t.ID, err)
			}

		case core.TaskStatusCanceled:
			if err := e.dispatcher.Remove(ctx, queue.SystemTaskQueue(t.Type), t.ID); err != nil {
				return fmt.Errorf("removing canceled system task %v: %w", t.ID, err)
			}
		}
	}

	return nil
}
