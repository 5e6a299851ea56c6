// Package memory provides an in-memory Store implementation, primarily for
// tests and samples.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
)

type memoryStore struct {
	mu sync.Mutex

	workflows map[string]*core.Workflow
	tasks     map[string]map[string]*core.Task // workflow id -> task id -> task
}

func NewMemoryStore() backend.Store {
	return &memoryStore{
		workflows: map[string]*core.Workflow{},
		tasks:     map[string]map[string]*core.Task{},
	}
}

func (s *memoryStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[w.ID]; ok {
		return backend.ErrWorkflowAlreadyExists
	}

	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now

	s.workflows[w.ID] = copyWorkflow(w)
	s.tasks[w.ID] = map[string]*core.Task{}

	for _, t := range w.Tasks {
		s.tasks[w.ID][t.ID] = copyTask(t)
	}

	return nil
}

func (s *memoryStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, backend.ErrWorkflowNotFound
	}

	r := copyWorkflow(w)

	if includeTasks {
		for _, t := range s.tasks[id] {
			r.Tasks = append(r.Tasks, copyTask(t))
		}

		sort.Slice(r.Tasks, func(i, j int) bool {
			return r.Tasks[i].Seq < r.Tasks[j].Seq
		})
	}

	return r, nil
}

func (s *memoryStore) UpsertWorkflow(ctx context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.UpdatedAt = time.Now()
	s.workflows[w.ID] = copyWorkflow(w)

	if _, ok := s.tasks[w.ID]; !ok {
		s.tasks[w.ID] = map[string]*core.Task{}
	}

	return nil
}

func (s *memoryStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.tasks {
		if t, ok := m[taskID]; ok {
			return copyTask(t), nil
		}
	}

	return nil, backend.ErrTaskNotFound
}

func (s *memoryStore) UpsertTasks(ctx context.Context, tasks []*core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		m, ok := s.tasks[t.WorkflowID]
		if !ok {
			m = map[string]*core.Task{}
			s.tasks[t.WorkflowID] = m
		}

		t.UpdatedAt = time.Now()
		m[t.ID] = copyTask(t)
	}

	return nil
}

func (s *memoryStore) DeleteTasks(ctx context.Context, workflowID string, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tasks[workflowID]
	for _, id := range taskIDs {
		delete(m, id)
	}

	return nil
}

func (s *memoryStore) GetRunningWorkflowIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, w := range s.workflows {
		if w.Status == core.WorkflowStatusRunning {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// Stored values are copied on the way in and out so callers can't mutate
// store state through shared pointers.
func copyWorkflow(w *core.Workflow) *core.Workflow {
	c := *w
	c.Tasks = nil

	return &c
}

func copyTask(t *core.Task) *core.Task {
	c := *t

	return &c
}
