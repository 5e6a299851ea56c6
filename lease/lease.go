// Package lease provides per-workflow-id mutual exclusion for decide and
// rerun passes. Locks are TTL-bounded so a crashed holder cannot block a
// workflow forever.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// ErrLeaseHeld is returned when the lease for an id is held by someone else.
var ErrLeaseHeld = errors.New("lease already held")

// Locker grants time-bounded exclusive ownership of a workflow id.
type Locker interface {
	// Acquire takes the lease for id. On success it returns a release
	// function; releasing an already-expired lease is a no-op.
	Acquire(ctx context.Context, id string) (func(), error)

	// Close releases any underlying resources.
	Close() error
}

type memoryLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases *ttlcache.Cache[string, string]
}

// NewMemoryLocker returns an in-process Locker. Lease entries expire after
// ttl, matching the abandoned-holder semantics of the redis locker.
func NewMemoryLocker(ttl time.Duration) Locker {
	l := &memoryLocker{
		ttl:    ttl,
		leases: ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
	}

	go l.leases.Start()

	return l
}

func (l *memoryLocker) Acquire(ctx context.Context, id string) (func(), error) {
	owner := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.leases.Get(id, ttlcache.WithDisableTouchOnHit[string, string]()) != nil {
		return nil, ErrLeaseHeld
	}

	l.leases.Set(id, owner, ttlcache.DefaultTTL)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		// Only the owner may release; the entry may already have expired
		// and been re-acquired.
		if cur := l.leases.Get(id, ttlcache.WithDisableTouchOnHit[string, string]()); cur != nil && cur.Value() == owner {
			l.leases.Delete(id)
		}
	}, nil
}

func (l *memoryLocker) Close() error {
	l.leases.Stop()

	return nil
}
