// Package execution implements the workflow state machine: creating
// executions, the decide/sweep pass, system task execution, and the rerun
// cascade over nested sub-workflows.
package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
	"github.com/taskmill/taskmill/systask"
)

type Engine struct {
	store      backend.Store
	dispatcher queue.Dispatcher
	registry   *systask.Registry
	locker     lease.Locker

	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	options *Options
}

func New(store backend.Store, dispatcher queue.Dispatcher, locker lease.Locker, opts ...Option) *Engine {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	registry := systask.NewRegistry()
	if err := registry.Register(systask.NewSubWorkflowHandler()); err != nil {
		panic(fmt.Errorf("registering sub-workflow handler: %w", err))
	}

	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		locker:     locker,
		clock:      options.Clock,
		logger:     options.Logger,
		tracer:     options.TracerProvider.Tracer(backend.TracerName),
		options:    options,
	}
}

// Registry returns the system task dispatch table; callers may register
// additional system task kinds before starting workers.
func (e *Engine) Registry() *systask.Registry {
	return e.registry
}

func (e *Engine) Store() backend.Store {
	return e.store
}

type StartWorkflowOptions struct {
	// ID is the workflow id. Generated when empty.
	ID string

	CorrelationID string
}

// StartWorkflow creates a new RUNNING workflow from the given plan with its
// first task SCHEDULED, and queues it for sweeping.
func (e *Engine) StartWorkflow(ctx context.Context, options StartWorkflowOptions, def *core.WorkflowDef, input map[string]any) (*core.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	id := options.ID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("StartWorkflow: %s", def.Name), trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, id),
		attribute.String(log.WorkflowNameKey, def.Name),
	))
	defer span.End()

	w := core.NewWorkflow(id, def, input)
	w.CorrelationID = options.CorrelationID

	if err := e.createWorkflow(ctx, w); err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "created workflow",
		log.WorkflowIDKey, w.ID,
		log.WorkflowNameKey, def.Name,
		log.CorrelationIDKey, w.CorrelationID,
	)

	return w, nil
}

// createWorkflow instantiates the full plan (first task SCHEDULED, the rest
// PENDING), persists the workflow, and makes it runnable.
func (e *Engine) createWorkflow(ctx context.Context, w *core.Workflow) error {
	for i := range w.Def.Tasks {
		t := core.NewTask(w, i)
		if i == 0 {
			t.ScheduledAt = e.clock.Now()
		} else {
			t.Status = core.TaskStatusPending
		}

		w.Tasks = append(w.Tasks, t)
	}

	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}

	// Queue pushes happen after the rows are durable so a consumer can
	// always resolve a popped id.
	first := w.Tasks[0]
	if first.Type.System() {
		if err := e.dispatcher.Push(ctx, queue.SystemTaskQueue(first.Type), first.ID, 0); err != nil {
			return fmt.Errorf("enqueuing system task: %w", err)
		}
	}

	if err := e.dispatcher.Push(ctx, queue.DeciderQueue, w.ID, 0); err != nil {
		return fmt.Errorf("enqueuing workflow for sweep: %w", err)
	}

	return nil
}

// CreateSubWorkflow creates a child workflow with a fresh id for the given
// owning SUB_WORKFLOW task. Part of the systask.Env capability.
func (e *Engine) CreateSubWorkflow(ctx context.Context, def *core.WorkflowDef, input map[string]any, parent *core.Workflow, task *core.Task) (*core.Workflow, error) {
	child := core.NewSubWorkflow(uuid.NewString(), def, input, parent.ID, task.ID)
	child.CorrelationID = parent.CorrelationID

	if err := e.createWorkflow(ctx, child); err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "created sub-workflow",
		log.WorkflowIDKey, child.ID,
		log.ParentIDKey, parent.ID,
		log.TaskIDKey, task.ID,
	)

	return child, nil
}

// GetExecutionStatus returns a snapshot of the workflow.
func (e *Engine) GetExecutionStatus(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
	return e.store.GetWorkflow(ctx, id, includeTasks)
}

var _ systask.Env = (*Engine)(nil)
