package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/backend"
	memstore "github.com/taskmill/taskmill/backend/memory"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
	memqueue "github.com/taskmill/taskmill/queue/memory"
)

type testEnv struct {
	t          *testing.T
	engine     *Engine
	store      backend.Store
	dispatcher queue.Dispatcher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	store := memstore.NewMemoryStore()
	dispatcher := memqueue.NewMemoryQueue(time.Minute)
	locker := lease.NewMemoryLocker(30 * time.Second)
	t.Cleanup(func() { locker.Close() })

	return &testEnv{
		t:          t,
		engine:     New(store, dispatcher, locker, opts...),
		store:      store,
		dispatcher: dispatcher,
	}
}

// threeLevelDef returns the R -> M -> L plan used by the nesting scenarios:
// each level runs one simple task before its sub-workflow task; the leaf has
// two simple tasks.
func threeLevelDef() *core.WorkflowDef {
	return &core.WorkflowDef{
		Name: "root",
		Tasks: []core.TaskDef{
			{Name: "r1", Type: core.TaskTypeSimple},
			{Name: "run_middle", Type: core.TaskTypeSubWorkflow, SubWorkflow: &core.WorkflowDef{
				Name: "middle",
				Tasks: []core.TaskDef{
					{Name: "m1", Type: core.TaskTypeSimple},
					{Name: "run_leaf", Type: core.TaskTypeSubWorkflow, SubWorkflow: &core.WorkflowDef{
						Name: "leaf",
						Tasks: []core.TaskDef{
							{Name: "l1", Type: core.TaskTypeSimple},
							{Name: "l2", Type: core.TaskTypeSimple},
						},
					}},
				},
			}},
		},
	}
}

// pump processes the decider queue and every system task queue until the
// whole tree is quiescent. Simple tasks are untouched; tests complete or
// fail those explicitly.
func (te *testEnv) pump(ctx context.Context) {
	for i := 0; i < 100; i++ {
		progressed := false

		ids, err := te.dispatcher.Pop(ctx, queue.DeciderQueue, 10, 0)
		require.NoError(te.t, err)

		for _, id := range ids {
			require.NoError(te.t, te.engine.Decide(ctx, id))
			_, err := te.dispatcher.Ack(ctx, queue.DeciderQueue, id)
			require.NoError(te.t, err)
			progressed = true
		}

		for _, taskType := range te.engine.registry.Types() {
			h, _ := te.engine.registry.Handler(taskType)
			q := queue.SystemTaskQueue(taskType)

			ids, err := te.dispatcher.Pop(ctx, q, 10, 0)
			require.NoError(te.t, err)

			for _, id := range ids {
				require.NoError(te.t, te.engine.ExecuteSystemTask(ctx, h, id))
				_, err := te.dispatcher.Ack(ctx, q, id)
				require.NoError(te.t, err)
				progressed = true
			}
		}

		if !progressed {
			return
		}
	}

	te.t.Fatal("pump did not quiesce")
}

// drainDeciderQueue pops and acks every currently visible decider entry.
func (te *testEnv) drainDeciderQueue(ctx context.Context) {
	for {
		ids, err := te.dispatcher.Pop(ctx, queue.DeciderQueue, 100, 0)
		require.NoError(te.t, err)

		if len(ids) == 0 {
			return
		}

		for _, id := range ids {
			_, err := te.dispatcher.Ack(ctx, queue.DeciderQueue, id)
			require.NoError(te.t, err)
		}
	}
}

func (te *testEnv) workflow(ctx context.Context, id string) *core.Workflow {
	w, err := te.store.GetWorkflow(ctx, id, true)
	require.NoError(te.t, err)

	return w
}

// scheduledSimple returns the SCHEDULED simple task with the given reference
// name, or nil.
func scheduledSimple(w *core.Workflow, ref string) *core.Task {
	for _, t := range w.Tasks {
		if t.ReferenceName == ref && t.Type == core.TaskTypeSimple && t.Status == core.TaskStatusScheduled {
			return t
		}
	}

	return nil
}

// completeSimple completes the SCHEDULED simple task with the given ref and
// queues the workflow for a sweep, standing in for the worker transport.
func (te *testEnv) completeSimple(ctx context.Context, workflowID, ref string) {
	w := te.workflow(ctx, workflowID)

	t := scheduledSimple(w, ref)
	require.NotNilf(te.t, t, "no scheduled task %v in workflow %v", ref, workflowID)

	t.Status = core.TaskStatusCompleted
	t.Output = map[string]any{"ref": ref}

	require.NoError(te.t, te.store.UpsertTasks(ctx, []*core.Task{t}))
	require.NoError(te.t, te.dispatcher.Push(ctx, queue.DeciderQueue, workflowID, 0))
}

// failSimple fails the SCHEDULED simple task with the given ref.
func (te *testEnv) failSimple(ctx context.Context, workflowID, ref string) {
	w := te.workflow(ctx, workflowID)

	t := scheduledSimple(w, ref)
	require.NotNilf(te.t, t, "no scheduled task %v in workflow %v", ref, workflowID)

	t.Status = core.TaskStatusFailed
	t.FailureReason = "induced failure"

	require.NoError(te.t, te.store.UpsertTasks(ctx, []*core.Task{t}))
	require.NoError(te.t, te.dispatcher.Push(ctx, queue.DeciderQueue, workflowID, 0))
}

// subWorkflowTask returns the first SUB_WORKFLOW task of the workflow.
func subWorkflowTask(te *testEnv, ctx context.Context, workflowID string) *core.Task {
	w := te.workflow(ctx, workflowID)

	for _, t := range w.Tasks {
		if t.Type == core.TaskTypeSubWorkflow {
			return t
		}
	}

	return nil
}

// failedTree builds the scenario fixture: R -> M -> L, every level FAILED
// because L's second task failed with no retries. Returns the three ids.
func (te *testEnv) failedTree(ctx context.Context) (rootID, middleID, leafID string) {
	root, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, threeLevelDef(), map[string]any{"run": 1})
	require.NoError(te.t, err)

	te.pump(ctx)
	te.completeSimple(ctx, root.ID, "r1")
	te.pump(ctx)

	middleID = subWorkflowTask(te, ctx, root.ID).SubWorkflowID
	require.NotEmpty(te.t, middleID)

	te.completeSimple(ctx, middleID, "m1")
	te.pump(ctx)

	leafID = subWorkflowTask(te, ctx, middleID).SubWorkflowID
	require.NotEmpty(te.t, leafID)

	te.completeSimple(ctx, leafID, "l1")
	te.pump(ctx)
	te.failSimple(ctx, leafID, "l2")
	te.pump(ctx)

	require.Equal(te.t, core.WorkflowStatusFailed, te.workflow(ctx, leafID).Status)
	require.Equal(te.t, core.WorkflowStatusFailed, te.workflow(ctx, middleID).Status)
	require.Equal(te.t, core.WorkflowStatusFailed, te.workflow(ctx, root.ID).Status)

	return root.ID, middleID, leafID
}
