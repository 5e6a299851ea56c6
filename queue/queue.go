// Package queue defines the leased, at-least-once dispatcher contract the
// engine uses to make system tasks runnable and to hand workflow ids to the
// sweeper.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmill/taskmill/core"
)

// Dispatcher is an at-least-once queue with per-entry leases.
//
// Pop makes matched ids invisible for the lease window; entries that are not
// acked before the lease expires become visible again and are redelivered.
// Consumers must therefore be idempotent.
type Dispatcher interface {
	// Push makes id available on the named queue after the given delay.
	Push(ctx context.Context, queue, id string, delay time.Duration) error

	// Pop returns up to count ids, hiding them for the lease window. It
	// long-polls for at most timeout and returns a possibly empty slice; it
	// never blocks indefinitely.
	Pop(ctx context.Context, queue string, count int, timeout time.Duration) ([]string, error)

	// Ack permanently removes a leased id. It returns false if the id is no
	// longer leased by anyone, which callers treat as benign lease loss.
	Ack(ctx context.Context, queue, id string) (bool, error)

	// Remove drops id from the queue whether leased or still visible.
	Remove(ctx context.Context, queue, id string) error

	// Close releases any underlying resources.
	Close() error
}

// DeciderQueue holds workflow ids awaiting a sweep.
const DeciderQueue = "_deciders"

// SystemTaskQueue returns the queue name for a system task type.
func SystemTaskQueue(t core.TaskType) string {
	return fmt.Sprintf("_systask:%v", t)
}
