// Package systask defines the capability implemented by system task kinds:
// a one-shot Start side effect triggered by the queue dispatcher, and a
// CheckStatus probe invoked by subsequent decide passes.
package systask

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
)

// Env exposes the engine capabilities handlers may use. It keeps handlers
// free of a direct dependency on the execution engine.
type Env interface {
	Store() backend.Store

	// CreateSubWorkflow creates a child workflow with a fresh id for the
	// given owning task and makes it runnable.
	CreateSubWorkflow(ctx context.Context, def *core.WorkflowDef, input map[string]any, parent *core.Workflow, task *core.Task) (*core.Workflow, error)
}

// Handler is the per-kind capability. Both methods mutate the task in place;
// persisting the mutation is the caller's responsibility.
type Handler interface {
	TaskType() core.TaskType

	// Start applies the task's one-shot side effect and moves it to
	// IN_PROGRESS. It must be idempotent: re-invocation on an already
	// started task is a no-op.
	Start(ctx context.Context, env Env, w *core.Workflow, t *core.Task) error

	// CheckStatus folds the current state of the side effect back onto the
	// task. Invoked by decide passes, not by the executor.
	CheckStatus(ctx context.Context, env Env, t *core.Task) error
}

// Registry is the dispatch table from task type to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[core.TaskType]Handler{},
	}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[h.TaskType()]; ok {
		return fmt.Errorf("handler for task type %q already registered", h.TaskType())
	}

	r.handlers[h.TaskType()] = h

	return nil
}

// Types lists the registered task types.
func (r *Registry) Types() []core.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]core.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}

func (r *Registry) Handler(t core.TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]

	return h, ok
}
