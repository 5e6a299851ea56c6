package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
	"github.com/taskmill/taskmill/systask"
)

// ExecuteSystemTask runs the start logic for one leased system task id.
//
// The start side effect is applied only if the task has not been started
// yet, so lease-expiry redeliveries are no-ops. Execution holds the owning
// workflow's lease so a concurrent rerun cannot discard the task between
// load and persist. A handler failure marks the task FAILED with the
// recorded reason and returns nil: the queue entry must be acked either
// way. Only infrastructure errors (store unavailable, lease contended, task
// not yet visible) are returned, leaving the entry to be retried.
func (e *Engine) ExecuteSystemTask(ctx context.Context, h systask.Handler, taskID string) error {
	ctx, span := e.tracer.Start(ctx, "ExecuteSystemTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
		attribute.String(log.TaskTypeKey, string(h.TaskType())),
	))
	defer span.End()

	// First read only resolves the owning workflow; the authoritative read
	// happens under the workflow lease below.
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotFound) {
			// Discarded by a rerun while queued; nothing left to run.
			e.logger.DebugContext(ctx, "system task no longer exists, dropping",
				log.TaskIDKey, taskID,
			)

			return nil
		}

		return fmt.Errorf("loading task: %w", err)
	}

	release, err := e.locker.Acquire(ctx, t.WorkflowID)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			return fmt.Errorf("executing task %v: %w", taskID, err)
		}

		return fmt.Errorf("acquiring workflow lease: %w", err)
	}
	defer release()

	t, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotFound) {
			// Discarded by a rerun that held the lease before us.
			e.logger.DebugContext(ctx, "system task no longer exists, dropping",
				log.TaskIDKey, taskID,
			)

			return nil
		}

		return fmt.Errorf("loading task: %w", err)
	}

	if t.Started() {
		e.logger.DebugContext(ctx, "system task already started, skipping",
			log.TaskIDKey, t.ID,
			log.TaskStatusKey, string(t.Status),
		)

		return nil
	}

	w, err := e.store.GetWorkflow(ctx, t.WorkflowID, true)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	if startErr := e.startTask(ctx, h, w, t); startErr != nil {
		// The task must not stay SCHEDULED forever; record the failure and
		// let the next decide pass apply retry policy.
		t.Status = core.TaskStatusFailed
		t.FailureReason = startErr.Error()

		e.logger.ErrorContext(ctx, "system task start failed",
			log.TaskIDKey, t.ID,
			log.WorkflowIDKey, w.ID,
			"error", startErr,
		)
	}

	if err := e.store.UpsertTasks(ctx, []*core.Task{t}); err != nil {
		return fmt.Errorf("persisting task: %w", err)
	}

	if err := e.dispatcher.Push(ctx, queue.DeciderQueue, w.ID, 0); err != nil {
		return fmt.Errorf("enqueuing workflow for sweep: %w", err)
	}

	return nil
}

// startTask invokes the handler's start logic, converting panics into errors
// with a captured stack.
func (e *Engine) startTask(ctx context.Context, h systask.Handler, w *core.Workflow, t *core.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			goerr := goerrors.Wrap(r, 1)
			err = fmt.Errorf("handler panic: %v\n%s", r, goerr.Stack())
		}
	}()

	return h.Start(ctx, e, w, t)
}

// SystemTaskWorker pops leased system task ids from the per-kind queues and
// executes them. Entries are acked after execution regardless of outcome;
// infrastructure errors leave the entry unacked for redelivery.
type SystemTaskWorker struct {
	engine  *Engine
	options *WorkerOptions

	work chan workItem

	pollersWg      sync.WaitGroup
	dispatcherDone chan struct{}
}

type workItem struct {
	queue   string
	handler systask.Handler
	id      string
}

type WorkerOptions struct {
	// Pollers is the number of polling goroutines per system task kind.
	Pollers int

	// MaxParallelTasks limits concurrently executing tasks. 0 means no limit.
	MaxParallelTasks int

	// PopTimeout bounds each long-poll against the queue.
	PopTimeout time.Duration
}

var DefaultWorkerOptions = WorkerOptions{
	Pollers:          2,
	MaxParallelTasks: 0,
	PopTimeout:       5 * time.Second,
}

func NewSystemTaskWorker(e *Engine, options *WorkerOptions) *SystemTaskWorker {
	if options == nil {
		o := DefaultWorkerOptions
		options = &o
	}

	return &SystemTaskWorker{
		engine:         e,
		options:        options,
		work:           make(chan workItem),
		dispatcherDone: make(chan struct{}, 1),
	}
}

func (w *SystemTaskWorker) Start(ctx context.Context) error {
	types := w.engine.registry.Types()

	w.pollersWg.Add(len(types) * w.options.Pollers)

	for _, t := range types {
		h, _ := w.engine.registry.Handler(t)

		for i := 0; i < w.options.Pollers; i++ {
			go w.poller(ctx, queue.SystemTaskQueue(t), h)
		}
	}

	go w.dispatch()

	return nil
}

// WaitForCompletion blocks until all pollers have stopped and in-flight
// tasks finished.
func (w *SystemTaskWorker) WaitForCompletion() error {
	w.pollersWg.Wait()

	close(w.work)
	<-w.dispatcherDone

	return nil
}

func (w *SystemTaskWorker) poller(ctx context.Context, queueName string, h systask.Handler) {
	defer w.pollersWg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		ids, err := w.engine.dispatcher.Pop(ctx, queueName, 1, w.options.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.engine.logger.ErrorContext(ctx, "error polling system task queue",
				log.QueueKey, queueName,
				"error", err,
			)

			continue
		}

		for _, id := range ids {
			select {
			case w.work <- workItem{queue: queueName, handler: h, id: id}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *SystemTaskWorker) dispatch() {
	var sem chan struct{}
	if w.options.MaxParallelTasks > 0 {
		sem = make(chan struct{}, w.options.MaxParallelTasks)
	}

	var wg sync.WaitGroup

	for item := range w.work {
		if sem != nil {
			sem <- struct{}{}
		}

		wg.Add(1)

		item := item
		go func() {
			defer wg.Done()

			// Detach from the poller context so an in-flight task can
			// complete during shutdown.
			w.handle(context.Background(), item)

			if sem != nil {
				<-sem
			}
		}()
	}

	wg.Wait()

	w.dispatcherDone <- struct{}{}
}

func (w *SystemTaskWorker) handle(ctx context.Context, item workItem) {
	if err := w.engine.ExecuteSystemTask(ctx, item.handler, item.id); err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			// A decide pass or rerun owns the workflow right now; re-queue
			// with a short delay instead of waiting out the queue lease.
			w.engine.logger.DebugContext(ctx, "workflow lease contended, re-queueing system task",
				log.TaskIDKey, item.id,
				log.QueueKey, item.queue,
			)

			if err := w.engine.dispatcher.Push(ctx, item.queue, item.id, w.engine.options.RequeueDelay); err != nil {
				w.engine.logger.ErrorContext(ctx, "error re-queueing system task",
					log.TaskIDKey, item.id,
					"error", err,
				)

				return
			}
		} else {
			// Leave the entry leased; it becomes visible again after the
			// lease expires and is retried.
			w.engine.logger.ErrorContext(ctx, "error executing system task",
				log.TaskIDKey, item.id,
				log.QueueKey, item.queue,
				"error", err,
			)

			return
		}
	}

	acked, err := w.engine.dispatcher.Ack(ctx, item.queue, item.id)
	if err != nil {
		w.engine.logger.ErrorContext(ctx, "error acking system task",
			log.TaskIDKey, item.id,
			"error", err,
		)

		return
	}

	if !acked {
		w.engine.logger.DebugContext(ctx, "system task lease already lost",
			log.TaskIDKey, item.id,
		)
	}
}
