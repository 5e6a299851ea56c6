// Command nested runs a three-level nested workflow, fails it, then reruns
// the middle workflow and watches the cascade complete the whole tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmill/taskmill/backend"
	memstore "github.com/taskmill/taskmill/backend/memory"
	"github.com/taskmill/taskmill/backend/mysql"
	"github.com/taskmill/taskmill/backend/sqlite"
	"github.com/taskmill/taskmill/client"
	"github.com/taskmill/taskmill/config"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/execution"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
	memqueue "github.com/taskmill/taskmill/queue/memory"
	redisqueue "github.com/taskmill/taskmill/queue/redis"
	"github.com/taskmill/taskmill/sweeper"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := run(cfg, logger); err != nil {
		logger.Error("sample failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, shutdown, err := tracerProvider(cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher, err := newQueue(cfg)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	locker := lease.NewMemoryLocker(30 * time.Second)
	defer locker.Close()

	engine := execution.New(store, dispatcher, locker,
		execution.WithBackendOptions(
			backend.WithLogger(logger),
			backend.WithTracerProvider(tp),
		),
	)

	worker := execution.NewSystemTaskWorker(engine, nil)
	if err := worker.Start(ctx); err != nil {
		return err
	}

	sw := sweeper.New(engine, dispatcher, logger, &sweeper.Options{
		Sweepers:          cfg.Sweeper.Sweepers,
		PopTimeout:        time.Second,
		BatchSize:         10,
		RequeueDelay:      cfg.Sweeper.RequeueDelay.Duration(),
		FullSweepSchedule: cfg.Sweeper.FullSweepSchedule,
	})
	if err := sw.Start(ctx); err != nil {
		return err
	}

	c := client.New(engine)
	defer c.Close()

	// R -> M -> L; L carries the two leaf tasks.
	def := &core.WorkflowDef{
		Name: "root",
		Tasks: []core.TaskDef{
			{Name: "prepare", Type: core.TaskTypeSimple},
			{Name: "run_middle", Type: core.TaskTypeSubWorkflow, SubWorkflow: &core.WorkflowDef{
				Name: "middle",
				Tasks: []core.TaskDef{
					{Name: "stage", Type: core.TaskTypeSimple},
					{Name: "run_leaf", Type: core.TaskTypeSubWorkflow, SubWorkflow: &core.WorkflowDef{
						Name: "leaf",
						Tasks: []core.TaskDef{
							{Name: "extract", Type: core.TaskTypeSimple},
							{Name: "load", Type: core.TaskTypeSimple},
						},
					}},
				},
			}},
		},
	}

	root, err := c.StartWorkflow(ctx, execution.StartWorkflowOptions{CorrelationID: "nested-sample"}, def, map[string]any{"run": 1})
	if err != nil {
		return err
	}

	logger.Info("started root workflow", "id", root.ID)

	// Stand in for the remote workers that would normally poll and complete
	// SIMPLE tasks.
	go completeSimpleTasks(ctx, engine, dispatcher, logger)

	w, err := c.WaitForWorkflow(ctx, root.ID, 30*time.Second)
	if err != nil {
		return err
	}

	logger.Info("root finished", "status", string(w.Status), "output", w.Output)

	// Find the middle workflow and rerun it; the root flips back to RUNNING
	// synchronously and completes again through the sweep.
	snapshot, err := c.GetExecutionStatus(ctx, root.ID, true)
	if err != nil {
		return err
	}

	var middleID string
	for _, t := range snapshot.Tasks {
		if t.Type == core.TaskTypeSubWorkflow {
			middleID = t.SubWorkflowID
		}
	}

	if err := c.Rerun(ctx, execution.RerunRequest{WorkflowID: middleID}); err != nil {
		return err
	}

	logger.Info("rerunning middle workflow", "id", middleID)

	w, err = c.WaitForWorkflow(ctx, root.ID, 30*time.Second)
	if err != nil {
		return err
	}

	logger.Info("root finished again", "status", string(w.Status))

	cancel()
	worker.WaitForCompletion()
	sw.WaitForCompletion()

	return nil
}

// completeSimpleTasks marks every SCHEDULED SIMPLE task COMPLETED and queues
// its workflow for a sweep, emulating the external worker transport.
func completeSimpleTasks(ctx context.Context, engine *execution.Engine, dispatcher queue.Dispatcher, logger *slog.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := engine.Store().GetRunningWorkflowIDs(ctx)
		if err != nil {
			continue
		}

		for _, id := range ids {
			w, err := engine.Store().GetWorkflow(ctx, id, true)
			if err != nil {
				continue
			}

			for _, t := range w.Tasks {
				if t.Type != core.TaskTypeSimple || t.Status != core.TaskStatusScheduled {
					continue
				}

				t.Status = core.TaskStatusCompleted
				t.Output = map[string]any{"worker": "sample", "ref": t.ReferenceName}

				if err := engine.Store().UpsertTasks(ctx, []*core.Task{t}); err != nil {
					logger.Error("completing task", "error", err)
					continue
				}

				_ = dispatcher.Push(ctx, queue.DeciderQueue, w.ID, 0)
			}
		}
	}
}

func newStore(cfg *config.Config) (backend.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memstore.NewMemoryStore(), nil
	case "sqlite":
		return sqlite.NewSqliteStore(cfg.Store.Path), nil
	case "mysql":
		m := cfg.Store.MySQL
		return mysql.NewMysqlStore(m.Host, m.Port, m.User, m.Password, m.Database), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newQueue(cfg *config.Config) (queue.Dispatcher, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return memqueue.NewMemoryQueue(cfg.Queue.LeaseTimeout.Duration()), nil
	case "redis":
		r := cfg.Queue.Redis
		return redisqueue.NewRedisQueueFromAddress(r.Addr, r.Password, r.DB, cfg.Queue.LeaseTimeout.Duration()), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func tracerProvider(cfg *config.Config) (trace.TracerProvider, func(), error) {
	switch cfg.Tracing.Exporter {
	case "", "none":
		return noop.NewTracerProvider(), func() {}, nil

	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		return tp, func() { _ = tp.Shutdown(context.Background()) }, nil

	case "otlp":
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, nil, err
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		return tp, func() { _ = tp.Shutdown(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter %q", cfg.Tracing.Exporter)
	}
}
