package core

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	// TaskStatusPending is the state of a task instance that exists in the
	// plan but has not been scheduled yet.
	TaskStatusPending TaskStatus = "PENDING"

	TaskStatusScheduled  TaskStatus = "SCHEDULED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCanceled   TaskStatus = "CANCELED"
)

var _ driver.Valuer = TaskStatusPending

func (s TaskStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *TaskStatus) Scan(value interface{}) error {
	if b, ok := value.([]byte); ok {
		*s = TaskStatus(b)
		return nil
	}

	*s = TaskStatus(value.(string))
	return nil
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}

	return false
}

type TaskType string

const (
	// TaskTypeSimple is an ordinary task executed by remote workers polling
	// the store. It never goes through the system task dispatcher.
	TaskTypeSimple TaskType = "SIMPLE"

	// TaskTypeSubWorkflow is a system task whose execution creates and
	// tracks a child workflow.
	TaskTypeSubWorkflow TaskType = "SUB_WORKFLOW"
)

// System reports whether tasks of this type are executed in-process via the
// queue dispatcher rather than polled by remote workers.
func (t TaskType) System() bool {
	return t == TaskTypeSubWorkflow
}

type Task struct {
	ID string `json:"id"`

	WorkflowID string `json:"workflow_id"`

	// ReferenceName identifies the plan slot. It may repeat across retry
	// attempts and loop iterations; Seq disambiguates instances.
	ReferenceName string `json:"reference_name"`

	Type TaskType `json:"type"`

	// DefIndex is the index of the plan slot this instance belongs to.
	DefIndex int `json:"def_index"`

	// Seq increases monotonically per workflow and defines scheduling order.
	Seq int `json:"seq"`

	Status TaskStatus `json:"status"`

	RetryCount int `json:"retry_count"`
	RetryLimit int `json:"retry_limit"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	// SubWorkflowID is the id of the bound child workflow. Set only for
	// SUB_WORKFLOW tasks once the child exists; at most one child is bound
	// at any time.
	SubWorkflowID string `json:"sub_workflow_id,omitempty"`

	// SubworkflowChanged signals that a rerun below this task updated the
	// bound child. It is consumed and cleared by the next decide pass over
	// the owning workflow.
	SubworkflowChanged bool `json:"subworkflow_changed,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// NewTask instantiates the given plan slot as a fresh SCHEDULED task.
func NewTask(w *Workflow, defIndex int) *Task {
	def := w.Def.Tasks[defIndex]

	return &Task{
		ID:            uuid.NewString(),
		WorkflowID:    w.ID,
		ReferenceName: def.Name,
		Type:          def.Type,
		DefIndex:      defIndex,
		Seq:           w.NextSeq(),
		Status:        TaskStatusScheduled,
		RetryLimit:    def.RetryLimit,
		Input:         def.Input,
	}
}

// Retry returns a fresh attempt for the same plan slot with an incremented
// retry counter. The receiver is left untouched.
func (t *Task) Retry(w *Workflow) *Task {
	n := NewTask(w, t.DefIndex)
	n.RetryCount = t.RetryCount + 1
	n.Input = t.Input

	return n
}

func (t *Task) Started() bool {
	return t.Status != TaskStatusScheduled || t.SubWorkflowID != ""
}
