package core

import (
	"database/sql/driver"
	"time"
)

type WorkflowStatus string

const (
	WorkflowStatusRunning    WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted  WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed     WorkflowStatus = "FAILED"
	WorkflowStatusTerminated WorkflowStatus = "TERMINATED"
	WorkflowStatusPaused     WorkflowStatus = "PAUSED"
)

var _ driver.Valuer = WorkflowStatusRunning

func (s WorkflowStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *WorkflowStatus) Scan(value interface{}) error {
	// The mysql driver hands text columns back as []byte.
	if b, ok := value.([]byte); ok {
		*s = WorkflowStatus(b)
		return nil
	}

	*s = WorkflowStatus(value.(string))
	return nil
}

// Terminal reports whether the status is final. Terminal workflows are
// immutable except for an explicit rerun, which resets them to RUNNING.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusTerminated:
		return true
	}

	return false
}

type Workflow struct {
	// ID is the id of the workflow execution. It is stable across reruns.
	ID string `json:"id"`

	// CorrelationID is an opaque caller-provided identifier.
	CorrelationID string `json:"correlation_id,omitempty"`

	Status WorkflowStatus `json:"status"`

	// ParentWorkflowID is set iff this workflow is a sub-workflow. The link
	// is a plain id resolved via store lookup, never an embedded object, so
	// parent and child rows have independent lifecycles.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`

	// ParentWorkflowTaskID is the id of the owning SUB_WORKFLOW task in the
	// parent workflow.
	ParentWorkflowTaskID string `json:"parent_workflow_task_id,omitempty"`

	// Def is the ordered task plan this execution instantiates tasks from.
	// It is captured on the instance at creation time.
	Def *WorkflowDef `json:"def"`

	// Tasks holds the task instances in scheduling order (ascending Seq).
	// Order is scheduling order, not necessarily completion order.
	Tasks []*Task `json:"tasks,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	// FailureReason is set when the workflow transitions to FAILED.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewWorkflow(id string, def *WorkflowDef, input map[string]any) *Workflow {
	return &Workflow{
		ID:     id,
		Status: WorkflowStatusRunning,
		Def:    def,
		Input:  input,
	}
}

func NewSubWorkflow(id string, def *WorkflowDef, input map[string]any, parentWorkflowID, parentTaskID string) *Workflow {
	w := NewWorkflow(id, def, input)
	w.ParentWorkflowID = parentWorkflowID
	w.ParentWorkflowTaskID = parentTaskID

	return w
}

func (w *Workflow) SubWorkflow() bool {
	return w.ParentWorkflowID != ""
}

// Task returns the task with the given id, or nil.
func (w *Workflow) Task(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}

	return nil
}

// TaskBySubWorkflowID returns the SUB_WORKFLOW task bound to the given child
// workflow id, or nil.
func (w *Workflow) TaskBySubWorkflowID(childID string) *Task {
	for _, t := range w.Tasks {
		if t.Type == TaskTypeSubWorkflow && t.SubWorkflowID == childID {
			return t
		}
	}

	return nil
}

// LatestAttempt returns the task instance with the highest Seq for the given
// plan slot, or nil if the slot has not been instantiated yet.
func (w *Workflow) LatestAttempt(defIndex int) *Task {
	var latest *Task
	for _, t := range w.Tasks {
		if t.DefIndex != defIndex {
			continue
		}

		if latest == nil || t.Seq > latest.Seq {
			latest = t
		}
	}

	return latest
}

// NextSeq returns the next scheduling sequence number for this workflow.
func (w *Workflow) NextSeq() int {
	max := 0
	for _, t := range w.Tasks {
		if t.Seq > max {
			max = t.Seq
		}
	}

	return max + 1
}
