package systask

import (
	"context"
	"fmt"

	"github.com/taskmill/taskmill/core"
)

// SubWorkflowHandler executes SUB_WORKFLOW tasks: Start creates the child
// workflow, CheckStatus copies the child's terminal status onto the task.
type SubWorkflowHandler struct{}

func NewSubWorkflowHandler() *SubWorkflowHandler {
	return &SubWorkflowHandler{}
}

func (h *SubWorkflowHandler) TaskType() core.TaskType {
	return core.TaskTypeSubWorkflow
}

func (h *SubWorkflowHandler) Start(ctx context.Context, env Env, w *core.Workflow, t *core.Task) error {
	// A bound child means the side effect was already applied; redelivery
	// must not create a second child.
	if t.SubWorkflowID != "" {
		if t.Status == core.TaskStatusScheduled {
			t.Status = core.TaskStatusInProgress
		}

		return nil
	}

	def := w.Def.Tasks[t.DefIndex].SubWorkflow
	if def == nil {
		return fmt.Errorf("task %v has no sub-workflow definition", t.ReferenceName)
	}

	child, err := env.CreateSubWorkflow(ctx, def, t.Input, w, t)
	if err != nil {
		return fmt.Errorf("creating sub-workflow: %w", err)
	}

	t.SubWorkflowID = child.ID
	t.Status = core.TaskStatusInProgress

	return nil
}

func (h *SubWorkflowHandler) CheckStatus(ctx context.Context, env Env, t *core.Task) error {
	if t.SubWorkflowID == "" {
		return nil
	}

	child, err := env.Store().GetWorkflow(ctx, t.SubWorkflowID, false)
	if err != nil {
		return fmt.Errorf("loading sub-workflow %v: %w", t.SubWorkflowID, err)
	}

	switch child.Status {
	case core.WorkflowStatusCompleted:
		t.Status = core.TaskStatusCompleted
		t.Output = child.Output

	case core.WorkflowStatusFailed, core.WorkflowStatusTerminated:
		t.Status = core.TaskStatusFailed
		t.Output = child.Output
		t.FailureReason = fmt.Sprintf("sub-workflow %v is %v", child.ID, child.Status)
		if child.FailureReason != "" {
			t.FailureReason = child.FailureReason
		}

	default:
		// Child still running, task stays IN_PROGRESS.
	}

	return nil
}
