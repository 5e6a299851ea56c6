package execution

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memstore "github.com/taskmill/taskmill/backend/memory"
	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/lease"
	"github.com/taskmill/taskmill/queue"
	memqueue "github.com/taskmill/taskmill/queue/memory"
)

func simpleDef() *core.WorkflowDef {
	return &core.WorkflowDef{
		Name: "linear",
		Tasks: []core.TaskDef{
			{Name: "first", Type: core.TaskTypeSimple},
			{Name: "second", Type: core.TaskTypeSimple},
		},
	}
}

func TestStartWorkflow_SchedulesFirstTaskOnly(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{CorrelationID: "corr-1"}, simpleDef(), map[string]any{"k": "v"})
	require.NoError(t, err)

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusRunning, got.Status)
	require.Equal(t, "corr-1", got.CorrelationID)
	require.Len(t, got.Tasks, 2)

	assert.Equal(t, core.TaskStatusScheduled, got.LatestAttempt(0).Status)
	assert.Equal(t, core.TaskStatusPending, got.LatestAttempt(1).Status)
}

func TestStartWorkflow_InvalidDef(t *testing.T) {
	te := newTestEnv(t)

	_, err := te.engine.StartWorkflow(context.Background(), StartWorkflowOptions{}, &core.WorkflowDef{Name: "empty"}, nil)
	require.Error(t, err)
}

func TestDecide_SchedulesSuccessor(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, simpleDef(), nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "first")
	te.pump(ctx)

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusRunning, got.Status)
	assert.Equal(t, core.TaskStatusScheduled, got.LatestAttempt(1).Status)
}

func TestDecide_CompletesWorkflow(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, simpleDef(), nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "first")
	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "second")
	te.pump(ctx)

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)

	// The workflow output is the last task's output.
	assert.Equal(t, map[string]any{"ref": "second"}, got.Output)
}

func TestDecide_Idempotent(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, simpleDef(), nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "first")
	te.pump(ctx)

	before := te.workflow(ctx, w.ID)

	// Repeated passes with no intervening mutation change nothing.
	require.NoError(t, te.engine.Decide(ctx, w.ID))
	require.NoError(t, te.engine.Decide(ctx, w.ID))

	after := te.workflow(ctx, w.ID)
	require.Equal(t, before.Status, after.Status)
	require.Len(t, after.Tasks, len(before.Tasks))

	for _, bt := range before.Tasks {
		at := after.Task(bt.ID)
		require.NotNil(t, at)
		assert.Equal(t, bt.Status, at.Status)
		assert.Equal(t, bt.RetryCount, at.RetryCount)
	}
}

func TestDecide_RetriesFailedTask(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	def := &core.WorkflowDef{
		Name: "retrying",
		Tasks: []core.TaskDef{
			{Name: "flaky", Type: core.TaskTypeSimple, RetryLimit: 2},
		},
	}

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, def, nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.failSimple(ctx, w.ID, "flaky")
	te.pump(ctx)

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusRunning, got.Status)

	retry := got.LatestAttempt(0)
	require.Equal(t, core.TaskStatusScheduled, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Len(t, got.Tasks, 2)
}

func TestDecide_FailsWorkflowAfterRetriesExhausted(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	def := &core.WorkflowDef{
		Name: "failing",
		Tasks: []core.TaskDef{
			{Name: "flaky", Type: core.TaskTypeSimple, RetryLimit: 1},
			{Name: "never", Type: core.TaskTypeSimple},
		},
	}

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, def, nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.failSimple(ctx, w.ID, "flaky")
	te.pump(ctx)
	te.failSimple(ctx, w.ID, "flaky")
	te.pump(ctx)

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "flaky")
	assert.Contains(t, got.FailureReason, "induced failure")

	// The unreached slot is canceled with the workflow.
	assert.Equal(t, core.TaskStatusCanceled, got.LatestAttempt(1).Status)
}

func TestDecide_TerminalWorkflowUntouched(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, simpleDef(), nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "first")
	te.pump(ctx)
	te.completeSimple(ctx, w.ID, "second")
	te.pump(ctx)

	require.NoError(t, te.engine.Decide(ctx, w.ID))

	got := te.workflow(ctx, w.ID)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)
	require.Len(t, got.Tasks, 2)
}

func TestDecide_LeaseContention(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	w, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, simpleDef(), nil)
	require.NoError(t, err)

	release, err := te.engine.locker.Acquire(ctx, w.ID)
	require.NoError(t, err)

	err = te.engine.Decide(ctx, w.ID)
	require.ErrorIs(t, err, lease.ErrLeaseHeld)

	release()
	require.NoError(t, te.engine.Decide(ctx, w.ID))
}

func TestDecide_RepushesStaleSystemTask(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()

	store := memstore.NewMemoryStore()
	dispatcher := memqueue.NewMemoryQueue(time.Minute, memqueue.WithClock(mock))
	locker := lease.NewMemoryLocker(30 * time.Second)
	defer locker.Close()

	engine := New(store, dispatcher, locker, WithClock(mock))

	def := &core.WorkflowDef{
		Name: "parent",
		Tasks: []core.TaskDef{
			{Name: "child", Type: core.TaskTypeSubWorkflow, SubWorkflow: &core.WorkflowDef{
				Name:  "sub",
				Tasks: []core.TaskDef{{Name: "only", Type: core.TaskTypeSimple}},
			}},
		},
	}

	w, err := engine.StartWorkflow(ctx, StartWorkflowOptions{}, def, nil)
	require.NoError(t, err)

	// Drain the queue entry without executing the task, as if the push had
	// been lost.
	q := queue.SystemTaskQueue(core.TaskTypeSubWorkflow)
	ids, err := dispatcher.Pop(ctx, q, 1, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	_, err = dispatcher.Ack(ctx, q, ids[0])
	require.NoError(t, err)

	// Past the queue lease window the decide pass pushes the task again.
	mock.Add(2 * time.Minute)
	require.NoError(t, engine.Decide(ctx, w.ID))

	ids, err = dispatcher.Pop(ctx, q, 1, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := store.GetWorkflow(ctx, w.ID, true)
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), got.LatestAttempt(0).ScheduledAt)
}

func TestDecide_CompletesNestedTree(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	root, err := te.engine.StartWorkflow(ctx, StartWorkflowOptions{}, threeLevelDef(), nil)
	require.NoError(t, err)

	te.pump(ctx)
	te.completeSimple(ctx, root.ID, "r1")
	te.pump(ctx)

	middleID := subWorkflowTask(te, ctx, root.ID).SubWorkflowID
	require.NotEmpty(t, middleID)

	te.completeSimple(ctx, middleID, "m1")
	te.pump(ctx)

	leafID := subWorkflowTask(te, ctx, middleID).SubWorkflowID
	require.NotEmpty(t, leafID)

	te.completeSimple(ctx, leafID, "l1")
	te.pump(ctx)
	te.completeSimple(ctx, leafID, "l2")
	te.pump(ctx)

	assert.Equal(t, core.WorkflowStatusCompleted, te.workflow(ctx, leafID).Status)
	assert.Equal(t, core.WorkflowStatusCompleted, te.workflow(ctx, middleID).Status)
	assert.Equal(t, core.WorkflowStatusCompleted, te.workflow(ctx, root.ID).Status)

	// The leaf result surfaced through both sub-workflow tasks.
	rootTask := subWorkflowTask(te, ctx, root.ID)
	assert.Equal(t, core.TaskStatusCompleted, rootTask.Status)
}
