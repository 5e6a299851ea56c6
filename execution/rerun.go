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
	"github.com/taskmill/taskmill/queue"
)

// ErrRerunNotAllowed is returned when rerun targets a non-terminal workflow
// and the engine was configured with WithRejectRerunRunning.
var ErrRerunNotAllowed = errors.New("workflow is not in a terminal status")

type RerunRequest struct {
	// WorkflowID is the workflow to restart. Required.
	WorkflowID string

	// TaskID selects the rerun point. It must identify a task of the
	// workflow; when empty, the workflow restarts from its first task.
	TaskID string

	// TaskInput replaces the rerun-point task's input when set.
	TaskInput map[string]any

	// WorkflowInput replaces the workflow's input when set.
	WorkflowInput map[string]any
}

// Rerun resets a workflow to the given point, reusing the workflow's id, and
// synchronously notifies every ancestor. Tasks strictly before the rerun
// point are retained as history; the rerun-point task and everything after
// it are discarded and later re-created, so any sub-workflows below the
// rerun point are abandoned and replaced by children with fresh ids.
func (e *Engine) Rerun(ctx context.Context, req RerunRequest) error {
	ctx, span := e.tracer.Start(ctx, "Rerun", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, req.WorkflowID),
		attribute.String(log.TaskIDKey, req.TaskID),
	))
	defer span.End()

	release, err := e.locker.Acquire(ctx, req.WorkflowID)
	if err != nil {
		return fmt.Errorf("acquiring workflow lease: %w", err)
	}
	defer release()

	w, err := e.store.GetWorkflow(ctx, req.WorkflowID, true)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	if !w.Status.Terminal() && e.options.RejectRerunRunning {
		return fmt.Errorf("rerunning workflow %v: %w", w.ID, ErrRerunNotAllowed)
	}

	rerunIndex := 0
	var oldInput map[string]any

	if req.TaskID != "" {
		t := w.Task(req.TaskID)
		if t == nil {
			return fmt.Errorf("task %v does not belong to workflow %v: %w", req.TaskID, w.ID, backend.ErrTaskNotFound)
		}

		rerunIndex = t.DefIndex
		oldInput = t.Input
	}

	// Discard the rerun-point slot and everything after it. Discarded
	// SUB_WORKFLOW tasks lose their child binding with them; the old
	// children stay in storage as orphaned history.
	var discard []string
	var kept []*core.Task

	for _, t := range w.Tasks {
		if t.DefIndex < rerunIndex {
			kept = append(kept, t)
			continue
		}

		discard = append(discard, t.ID)

		if t.Type.System() && t.Status == core.TaskStatusScheduled {
			if err := e.dispatcher.Remove(ctx, queue.SystemTaskQueue(t.Type), t.ID); err != nil {
				return fmt.Errorf("removing discarded system task from queue: %w", err)
			}
		}
	}

	if err := e.store.DeleteTasks(ctx, w.ID, discard); err != nil {
		return fmt.Errorf("discarding tasks: %w", err)
	}

	w.Tasks = kept

	// Re-schedule the rerun point fresh: new instance, retry counter reset,
	// no sub-workflow binding.
	fresh := core.NewTask(w, rerunIndex)
	fresh.ScheduledAt = e.clock.Now()

	switch {
	case req.TaskInput != nil:
		fresh.Input = req.TaskInput
	case oldInput != nil:
		fresh.Input = oldInput
	}

	w.Tasks = append(w.Tasks, fresh)

	if err := e.store.UpsertTasks(ctx, []*core.Task{fresh}); err != nil {
		return fmt.Errorf("scheduling rerun task: %w", err)
	}

	w.Status = core.WorkflowStatusRunning
	w.FailureReason = ""
	w.Output = nil
	if req.WorkflowInput != nil {
		w.Input = req.WorkflowInput
	}

	if err := e.store.UpsertWorkflow(ctx, w); err != nil {
		return fmt.Errorf("persisting workflow: %w", err)
	}

	if fresh.Type.System() {
		if err := e.dispatcher.Push(ctx, queue.SystemTaskQueue(fresh.Type), fresh.ID, 0); err != nil {
			return fmt.Errorf("enqueuing rerun task: %w", err)
		}
	}

	if err := e.dispatcher.Push(ctx, queue.DeciderQueue, w.ID, 0); err != nil {
		return fmt.Errorf("enqueuing workflow for sweep: %w", err)
	}

	e.logger.InfoContext(ctx, "workflow rerun",
		log.WorkflowIDKey, w.ID,
		log.TaskRefKey, fresh.ReferenceName,
	)

	// Notify the ancestor chain before returning. Each level is an
	// independent write; a crash between levels leaves stale terminal
	// ancestors, which the next decide pass over them revives once it sees
	// the diverged child.
	return e.propagateRerun(ctx, w)
}

// propagateRerun walks parentWorkflowID links upward, flipping each owning
// SUB_WORKFLOW task to IN_PROGRESS with the change signal set and reviving
// terminal ancestors, until the root is reached.
func (e *Engine) propagateRerun(ctx context.Context, child *core.Workflow) error {
	childID := child.ID
	parentID := child.ParentWorkflowID

	for parentID != "" {
		release, err := e.locker.Acquire(ctx, parentID)
		if err != nil {
			return fmt.Errorf("acquiring lease for ancestor %v: %w", parentID, err)
		}

		p, err := e.store.GetWorkflow(ctx, parentID, true)
		if err != nil {
			release()
			return fmt.Errorf("loading ancestor %v: %w", parentID, err)
		}

		t := p.TaskBySubWorkflowID(childID)
		if t == nil {
			release()
			e.logger.WarnContext(ctx, "ancestor has no task bound to child, stopping propagation",
				log.WorkflowIDKey, parentID,
				log.SubWorkflowIDKey, childID,
			)

			return nil
		}

		t.Status = core.TaskStatusInProgress
		t.SubworkflowChanged = true

		if err := e.store.UpsertTasks(ctx, []*core.Task{t}); err != nil {
			release()
			return fmt.Errorf("updating ancestor task: %w", err)
		}

		if p.Status != core.WorkflowStatusRunning {
			p.Status = core.WorkflowStatusRunning
			p.FailureReason = ""
			p.Output = nil

			if err := e.store.UpsertWorkflow(ctx, p); err != nil {
				release()
				return fmt.Errorf("reviving ancestor %v: %w", parentID, err)
			}
		}

		release()

		if err := e.dispatcher.Push(ctx, queue.DeciderQueue, p.ID, 0); err != nil {
			return fmt.Errorf("enqueuing ancestor for sweep: %w", err)
		}

		childID = p.ID
		parentID = p.ParentWorkflowID
	}

	return nil
}
