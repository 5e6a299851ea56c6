package core

import (
	"errors"
	"fmt"
	"regexp"
)

// WorkflowDef is the ordered task plan of a workflow execution. Definitions
// are captured on the instance when it is created; there is no separate
// definition store involved at execution time.
type WorkflowDef struct {
	Name  string    `json:"name" yaml:"name"`
	Tasks []TaskDef `json:"tasks" yaml:"tasks"`
}

type TaskDef struct {
	Name       string         `json:"name" yaml:"name"`
	Type       TaskType       `json:"type" yaml:"type"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	RetryLimit int            `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty"`

	// SubWorkflow is the child plan. Required iff Type is SUB_WORKFLOW.
	SubWorkflow *WorkflowDef `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate ensures the plan is well-formed. Nested sub-workflow plans are
// validated recursively.
func (d *WorkflowDef) Validate() error {
	if d == nil {
		return errors.New("missing workflow definition")
	}

	if !validName.MatchString(d.Name) {
		return fmt.Errorf("invalid workflow name %q", d.Name)
	}

	if len(d.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks", d.Name)
	}

	for i, t := range d.Tasks {
		if !validName.MatchString(t.Name) {
			return fmt.Errorf("workflow %q: invalid task name %q", d.Name, t.Name)
		}

		switch t.Type {
		case TaskTypeSimple:
			if t.SubWorkflow != nil {
				return fmt.Errorf("workflow %q: task %q is not a sub-workflow but has a child plan", d.Name, t.Name)
			}

		case TaskTypeSubWorkflow:
			if err := t.SubWorkflow.Validate(); err != nil {
				return fmt.Errorf("workflow %q: task %q: %w", d.Name, t.Name, err)
			}

		default:
			return fmt.Errorf("workflow %q: task %d has unknown type %q", d.Name, i, t.Type)
		}

		if t.RetryLimit < 0 {
			return fmt.Errorf("workflow %q: task %q has negative retry limit", d.Name, t.Name)
		}
	}

	return nil
}
