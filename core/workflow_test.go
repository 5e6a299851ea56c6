package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureDef() *WorkflowDef {
	return &WorkflowDef{
		Name: "fixture",
		Tasks: []TaskDef{
			{Name: "a", Type: TaskTypeSimple, Input: map[string]any{"x": 1}, RetryLimit: 2},
			{Name: "b", Type: TaskTypeSubWorkflow, SubWorkflow: &WorkflowDef{
				Name:  "child",
				Tasks: []TaskDef{{Name: "c", Type: TaskTypeSimple}},
			}},
		},
	}
}

func TestWorkflowStatusTerminal(t *testing.T) {
	assert.False(t, WorkflowStatusRunning.Terminal())
	assert.False(t, WorkflowStatusPaused.Terminal())
	assert.True(t, WorkflowStatusCompleted.Terminal())
	assert.True(t, WorkflowStatusFailed.Terminal())
	assert.True(t, WorkflowStatusTerminated.Terminal())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusScheduled.Terminal())
	assert.False(t, TaskStatusInProgress.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCanceled.Terminal())
}

func TestNewSubWorkflow(t *testing.T) {
	w := NewSubWorkflow("child-1", fixtureDef(), map[string]any{"k": "v"}, "parent-1", "task-1")

	assert.True(t, w.SubWorkflow())
	assert.Equal(t, "parent-1", w.ParentWorkflowID)
	assert.Equal(t, "task-1", w.ParentWorkflowTaskID)
	assert.Equal(t, WorkflowStatusRunning, w.Status)

	root := NewWorkflow("root-1", fixtureDef(), nil)
	assert.False(t, root.SubWorkflow())
}

func TestNewTask_SeqAndDefaults(t *testing.T) {
	w := NewWorkflow("wf-1", fixtureDef(), nil)

	first := NewTask(w, 0)
	w.Tasks = append(w.Tasks, first)

	second := NewTask(w, 1)
	w.Tasks = append(w.Tasks, second)

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)
	assert.Equal(t, "a", first.ReferenceName)
	assert.Equal(t, TaskStatusScheduled, first.Status)
	assert.Equal(t, 2, first.RetryLimit)
	assert.Equal(t, map[string]any{"x": 1}, first.Input)
	assert.Equal(t, TaskTypeSubWorkflow, second.Type)
}

func TestTaskRetry(t *testing.T) {
	w := NewWorkflow("wf-1", fixtureDef(), nil)

	first := NewTask(w, 0)
	first.Input = map[string]any{"custom": true}
	first.Status = TaskStatusFailed
	w.Tasks = append(w.Tasks, first)

	retry := first.Retry(w)

	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, 0, retry.DefIndex)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, TaskStatusScheduled, retry.Status)
	assert.Equal(t, first.Seq+1, retry.Seq)
	assert.Equal(t, map[string]any{"custom": true}, retry.Input)

	// The failed attempt is untouched.
	assert.Equal(t, TaskStatusFailed, first.Status)
}

func TestTaskStarted(t *testing.T) {
	w := NewWorkflow("wf-1", fixtureDef(), nil)

	task := NewTask(w, 1)
	assert.False(t, task.Started())

	// Binding a child counts as started even before the status write lands.
	task.SubWorkflowID = "child-1"
	assert.True(t, task.Started())

	task.SubWorkflowID = ""
	task.Status = TaskStatusInProgress
	assert.True(t, task.Started())
}

func TestLatestAttempt(t *testing.T) {
	w := NewWorkflow("wf-1", fixtureDef(), nil)

	require.Nil(t, w.LatestAttempt(0))

	first := NewTask(w, 0)
	w.Tasks = append(w.Tasks, first)

	retry := first.Retry(w)
	w.Tasks = append(w.Tasks, retry)

	got := w.LatestAttempt(0)
	require.NotNil(t, got)
	assert.Equal(t, retry.ID, got.ID)

	assert.Nil(t, w.LatestAttempt(1))
}

func TestTaskLookups(t *testing.T) {
	w := NewWorkflow("wf-1", fixtureDef(), nil)

	sub := NewTask(w, 1)
	sub.SubWorkflowID = "child-1"
	w.Tasks = append(w.Tasks, sub)

	require.NotNil(t, w.Task(sub.ID))
	assert.Nil(t, w.Task("missing"))

	got := w.TaskBySubWorkflowID("child-1")
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID)

	assert.Nil(t, w.TaskBySubWorkflowID("other"))
}
