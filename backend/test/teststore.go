// Package test provides a conformance suite run against every Store
// implementation.
package test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
)

func testDef() *core.WorkflowDef {
	return &core.WorkflowDef{
		Name: "conformance",
		Tasks: []core.TaskDef{
			{Name: "first", Type: core.TaskTypeSimple, RetryLimit: 2},
			{Name: "second", Type: core.TaskTypeSimple},
		},
	}
}

func newWorkflow() *core.Workflow {
	w := core.NewWorkflow(uuid.NewString(), testDef(), map[string]any{"key": "value"})
	w.CorrelationID = "corr"

	t := core.NewTask(w, 0)
	t.Input = map[string]any{"arg": float64(1)}
	w.Tasks = append(w.Tasks, t)

	return w
}

// StoreTest runs the Store conformance suite. setup must return a fresh,
// empty store; it is invoked once per subtest.
func StoreTest(t *testing.T, setup func(t *testing.T) backend.Store) {
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T, s backend.Store)
	}{
		{
			name: "GetWorkflow_NotFound",
			fn: func(t *testing.T, s backend.Store) {
				_, err := s.GetWorkflow(ctx, "missing", false)
				require.ErrorIs(t, err, backend.ErrWorkflowNotFound)
			},
		},
		{
			name: "CreateWorkflow_Roundtrip",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				got, err := s.GetWorkflow(ctx, w.ID, true)
				require.NoError(t, err)

				assert.Equal(t, w.ID, got.ID)
				assert.Equal(t, "corr", got.CorrelationID)
				assert.Equal(t, core.WorkflowStatusRunning, got.Status)
				assert.Equal(t, map[string]any{"key": "value"}, got.Input)
				require.NotNil(t, got.Def)
				assert.Equal(t, "conformance", got.Def.Name)
				require.Len(t, got.Def.Tasks, 2)
				assert.Equal(t, 2, got.Def.Tasks[0].RetryLimit)

				require.Len(t, got.Tasks, 1)
				task := got.Tasks[0]
				assert.Equal(t, w.Tasks[0].ID, task.ID)
				assert.Equal(t, "first", task.ReferenceName)
				assert.Equal(t, core.TaskStatusScheduled, task.Status)
				assert.Equal(t, map[string]any{"arg": float64(1)}, task.Input)
			},
		},
		{
			name: "CreateWorkflow_Duplicate",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))
				require.ErrorIs(t, s.CreateWorkflow(ctx, w), backend.ErrWorkflowAlreadyExists)
			},
		},
		{
			name: "GetWorkflow_WithoutTasks",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				got, err := s.GetWorkflow(ctx, w.ID, false)
				require.NoError(t, err)
				assert.Empty(t, got.Tasks)
			},
		},
		{
			name: "UpsertWorkflow_UpdatesFields",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				w.Status = core.WorkflowStatusFailed
				w.FailureReason = "boom"
				w.Output = map[string]any{"res": "x"}
				require.NoError(t, s.UpsertWorkflow(ctx, w))

				got, err := s.GetWorkflow(ctx, w.ID, false)
				require.NoError(t, err)
				assert.Equal(t, core.WorkflowStatusFailed, got.Status)
				assert.Equal(t, "boom", got.FailureReason)
				assert.Equal(t, map[string]any{"res": "x"}, got.Output)
			},
		},
		{
			name: "GetTask",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				got, err := s.GetTask(ctx, w.Tasks[0].ID)
				require.NoError(t, err)
				assert.Equal(t, w.ID, got.WorkflowID)
				assert.Equal(t, "first", got.ReferenceName)

				_, err = s.GetTask(ctx, "missing")
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "UpsertTasks_InsertAndUpdate",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				second := core.NewTask(w, 1)
				second.Status = core.TaskStatusPending
				require.NoError(t, s.UpsertTasks(ctx, []*core.Task{second}))

				first := w.Tasks[0]
				first.Status = core.TaskStatusInProgress
				first.SubWorkflowID = "child-1"
				first.SubworkflowChanged = true
				first.Output = map[string]any{"out": true}
				require.NoError(t, s.UpsertTasks(ctx, []*core.Task{first}))

				got, err := s.GetWorkflow(ctx, w.ID, true)
				require.NoError(t, err)
				require.Len(t, got.Tasks, 2)

				// Ordered by seq.
				assert.Equal(t, first.ID, got.Tasks[0].ID)
				assert.Equal(t, core.TaskStatusInProgress, got.Tasks[0].Status)
				assert.Equal(t, "child-1", got.Tasks[0].SubWorkflowID)
				assert.True(t, got.Tasks[0].SubworkflowChanged)
				assert.Equal(t, map[string]any{"out": true}, got.Tasks[0].Output)

				assert.Equal(t, second.ID, got.Tasks[1].ID)
				assert.Equal(t, core.TaskStatusPending, got.Tasks[1].Status)
			},
		},
		{
			name: "DeleteTasks",
			fn: func(t *testing.T, s backend.Store) {
				w := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, w))

				second := core.NewTask(w, 1)
				require.NoError(t, s.UpsertTasks(ctx, []*core.Task{second}))

				require.NoError(t, s.DeleteTasks(ctx, w.ID, []string{second.ID}))

				got, err := s.GetWorkflow(ctx, w.ID, true)
				require.NoError(t, err)
				require.Len(t, got.Tasks, 1)
				assert.Equal(t, w.Tasks[0].ID, got.Tasks[0].ID)

				_, err = s.GetTask(ctx, second.ID)
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "GetRunningWorkflowIDs",
			fn: func(t *testing.T, s backend.Store) {
				running := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, running))

				finished := newWorkflow()
				require.NoError(t, s.CreateWorkflow(ctx, finished))
				finished.Status = core.WorkflowStatusCompleted
				require.NoError(t, s.UpsertWorkflow(ctx, finished))

				ids, err := s.GetRunningWorkflowIDs(ctx)
				require.NoError(t, err)
				assert.Contains(t, ids, running.ID)
				assert.NotContains(t, ids, finished.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t)
			t.Cleanup(func() { s.Close() })

			tt.fn(t, s)
		})
	}
}
