package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Release only when the caller still owns the lease.
// - KEYS[1] = lease key
// - ARGV[1] = owner token
var releaseCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLocker returns a Locker that takes leases via SET NX PX, giving
// cross-process mutual exclusion for decide/rerun on the same workflow id.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) Locker {
	return &redisLocker{
		rdb:    rdb,
		prefix: "taskmill:lock:",
		ttl:    ttl,
	}
}

func (l *redisLocker) Acquire(ctx context.Context, id string) (func(), error) {
	owner := uuid.NewString()
	key := l.prefix + id

	ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}

	if !ok {
		return nil, ErrLeaseHeld
	}

	return func() {
		// Best effort; an expired lease is released by redis itself.
		_ = releaseCmd.Run(context.Background(), l.rdb, []string{key}, owner).Err()
	}, nil
}

func (l *redisLocker) Close() error {
	return nil
}
