// Package memory provides an in-process Dispatcher with the same
// lease/redelivery semantics as the redis implementation. Used by tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskmill/taskmill/queue"
)

type entry struct {
	id      string
	readyAt time.Time
}

type state struct {
	pending []entry
	leased  map[string]time.Time // id -> lease expiry
}

type memoryQueue struct {
	mu sync.Mutex

	clock  clock.Clock
	lease  time.Duration
	queues map[string]*state

	// notify wakes a single blocked Pop when something is pushed.
	notify chan struct{}
}

type option func(*memoryQueue)

func WithClock(c clock.Clock) option {
	return func(q *memoryQueue) {
		q.clock = c
	}
}

func NewMemoryQueue(lease time.Duration, opts ...option) queue.Dispatcher {
	q := &memoryQueue{
		clock:  clock.New(),
		lease:  lease,
		queues: map[string]*state{},
		notify: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *memoryQueue) state(name string) *state {
	s, ok := q.queues[name]
	if !ok {
		s = &state{leased: map[string]time.Time{}}
		q.queues[name] = s
	}

	return s
}

func (q *memoryQueue) Push(ctx context.Context, name, id string, delay time.Duration) error {
	q.mu.Lock()
	s := q.state(name)
	s.pending = append(s.pending, entry{id: id, readyAt: q.clock.Now().Add(delay)})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

func (q *memoryQueue) Pop(ctx context.Context, name string, count int, timeout time.Duration) ([]string, error) {
	deadline := q.clock.Now().Add(timeout)

	for {
		ids := q.take(name, count)
		if len(ids) > 0 {
			return ids, nil
		}

		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		// Re-check periodically so delayed entries and expiring leases
		// become visible without a push.
		poll := 10 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.clock.After(poll):
		}
	}
}

func (q *memoryQueue) take(name string, count int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(name)
	now := q.clock.Now()

	// Expired leases become visible again.
	for id, expiry := range s.leased {
		if !expiry.After(now) {
			delete(s.leased, id)
			s.pending = append(s.pending, entry{id: id, readyAt: now})
		}
	}

	var ids []string
	var rest []entry

	for _, e := range s.pending {
		if len(ids) < count && !e.readyAt.After(now) {
			ids = append(ids, e.id)
			s.leased[e.id] = now.Add(q.lease)
			continue
		}

		rest = append(rest, e)
	}

	s.pending = rest

	return ids
}

func (q *memoryQueue) Ack(ctx context.Context, name, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(name)
	if _, ok := s.leased[id]; !ok {
		return false, nil
	}

	delete(s.leased, id)

	return true, nil
}

func (q *memoryQueue) Remove(ctx context.Context, name, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(name)
	delete(s.leased, id)

	var rest []entry
	for _, e := range s.pending {
		if e.id != id {
			rest = append(rest, e)
		}
	}

	s.pending = rest

	return nil
}

func (q *memoryQueue) Close() error {
	return nil
}
