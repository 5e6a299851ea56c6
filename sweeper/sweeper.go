// Package sweeper drives decide passes: it consumes workflow ids from the
// decider queue and periodically re-queues every RUNNING workflow so the
// system heals from lost notifications and partial rerun cascades.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskmill/taskmill/execution"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
)

type Options struct {
	// Sweepers is the number of goroutines consuming the decider queue.
	Sweepers int

	// PopTimeout bounds each long-poll against the decider queue.
	PopTimeout time.Duration

	// BatchSize is the maximum number of ids popped per poll.
	BatchSize int

	// RequeueDelay is applied when a decide pass fails or loses the lease
	// race before the id is swept again.
	RequeueDelay time.Duration

	// FullSweepSchedule is a cron expression; on every tick all RUNNING
	// workflow ids are re-queued for a sweep. Empty disables the full sweep.
	FullSweepSchedule string
}

var DefaultOptions = Options{
	Sweepers:          2,
	PopTimeout:        5 * time.Second,
	BatchSize:         10,
	RequeueDelay:      time.Second,
	FullSweepSchedule: "@every 1m",
}

type Sweeper struct {
	engine     *execution.Engine
	dispatcher queue.Dispatcher
	logger     *slog.Logger
	options    *Options

	cron *cron.Cron
	wg   sync.WaitGroup
}

func New(e *execution.Engine, dispatcher queue.Dispatcher, logger *slog.Logger, options *Options) *Sweeper {
	if options == nil {
		o := DefaultOptions
		options = &o
	}

	return &Sweeper{
		engine:     e,
		dispatcher: dispatcher,
		logger:     logger,
		options:    options,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.wg.Add(s.options.Sweepers)

	for i := 0; i < s.options.Sweepers; i++ {
		go s.run(ctx)
	}

	if s.options.FullSweepSchedule != "" {
		s.cron = cron.New()

		if _, err := s.cron.AddFunc(s.options.FullSweepSchedule, func() {
			s.fullSweep(ctx)
		}); err != nil {
			return fmt.Errorf("scheduling full sweep: %w", err)
		}

		s.cron.Start()

		go func() {
			<-ctx.Done()
			s.cron.Stop()
		}()
	}

	return nil
}

// WaitForCompletion blocks until all sweep goroutines have stopped.
func (s *Sweeper) WaitForCompletion() error {
	s.wg.Wait()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		ids, err := s.dispatcher.Pop(ctx, queue.DeciderQueue, s.options.BatchSize, s.options.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.ErrorContext(ctx, "error polling decider queue", "error", err)

			continue
		}

		for _, id := range ids {
			s.sweep(ctx, id)
		}
	}
}

// sweep decides one workflow. Failures are isolated per workflow: the id is
// re-queued with a delay and the sweeper moves on.
func (s *Sweeper) sweep(ctx context.Context, id string) {
	err := s.engine.Decide(ctx, id)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, lease.ErrLeaseHeld) {
			// Someone else is already deciding this workflow.
			level = slog.LevelDebug
		}

		s.logger.Log(ctx, level, "decide failed, re-queueing workflow",
			log.WorkflowIDKey, id,
			"error", err,
		)

		if err := s.dispatcher.Push(ctx, queue.DeciderQueue, id, s.options.RequeueDelay); err != nil {
			s.logger.ErrorContext(ctx, "error re-queueing workflow", log.WorkflowIDKey, id, "error", err)
		}
	}

	// The popped entry is always acked; retries go through the fresh
	// delayed entry pushed above.
	if _, err := s.dispatcher.Ack(ctx, queue.DeciderQueue, id); err != nil {
		s.logger.ErrorContext(ctx, "error acking decider queue entry", log.WorkflowIDKey, id, "error", err)
	}
}

func (s *Sweeper) fullSweep(ctx context.Context) {
	ids, err := s.engine.Store().GetRunningWorkflowIDs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "error listing running workflows", "error", err)

		return
	}

	for _, id := range ids {
		if err := s.dispatcher.Push(ctx, queue.DeciderQueue, id, 0); err != nil {
			s.logger.ErrorContext(ctx, "error queueing workflow for sweep", log.WorkflowIDKey, id, "error", err)
		}
	}

	s.logger.DebugContext(ctx, "queued full sweep", "workflows", len(ids))
}
