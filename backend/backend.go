package backend

import (
	"context"
	"errors"

	"github.com/taskmill/taskmill/core"
)

var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")
	ErrTaskNotFound          = errors.New("task not found")
)

const TracerName = "taskmill"

// Store is the workflow/task persistence contract consumed by the engine.
//
// Writes are last-write-wins at row granularity; callers serialize
// conflicting writers with a per-workflow-id lease (see the lease package).
type Store interface {
	// CreateWorkflow persists a new workflow. It fails with
	// ErrWorkflowAlreadyExists if the id is taken.
	CreateWorkflow(ctx context.Context, w *core.Workflow) error

	// GetWorkflow returns the workflow with the given id. When includeTasks
	// is set, the task instances are loaded in scheduling order.
	GetWorkflow(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error)

	// UpsertWorkflow persists the workflow row (not its tasks).
	UpsertWorkflow(ctx context.Context, w *core.Workflow) error

	// GetTask returns a single task instance by id. Queue entries carry task
	// ids only, so the executor resolves them here.
	GetTask(ctx context.Context, taskID string) (*core.Task, error)

	// UpsertTasks persists the given task instances.
	UpsertTasks(ctx context.Context, tasks []*core.Task) error

	// DeleteTasks removes task instances from a workflow's active list.
	// Unknown ids are ignored.
	DeleteTasks(ctx context.Context, workflowID string, taskIDs []string) error

	// GetRunningWorkflowIDs lists the ids of all workflows currently in the
	// RUNNING state. Used by the sweeper's periodic full pass.
	GetRunningWorkflowIDs(ctx context.Context) ([]string, error)

	// Close releases any underlying resources.
	Close() error
}
