// Package redis provides a Dispatcher backed by redis lists and sorted sets.
//
// Every queue consists of a queued list, a delayed ZSET (score = visibility
// time), a processing list, and a lease ZSET (score = lease expiry). Popped
// ids move from queued to processing with a lease entry; expired leases are
// moved back to queued by a Lua script before every pop.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmill/taskmill/queue"
)

type redisQueue struct {
	rdb     redis.UniversalClient
	prefix  string
	lease   time.Duration
	ownsRdb bool
}

type option func(*redisQueue)

// WithKeyPrefix sets the prefix for all redis keys used by the queue.
func WithKeyPrefix(prefix string) option {
	return func(q *redisQueue) {
		q.prefix = prefix
	}
}

func NewRedisQueue(rdb redis.UniversalClient, lease time.Duration, opts ...option) queue.Dispatcher {
	q := &redisQueue{
		rdb:    rdb,
		prefix: "taskmill:",
		lease:  lease,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func NewRedisQueueFromAddress(addr, password string, db int, lease time.Duration, opts ...option) queue.Dispatcher {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
		DB:       db,
	})

	q := NewRedisQueue(rdb, lease, opts...).(*redisQueue)
	q.ownsRdb = true

	return q
}

func (q *redisQueue) Push(ctx context.Context, name, id string, delay time.Duration) error {
	if delay > 0 {
		readyAt := time.Now().Add(delay).Unix()
		if err := q.rdb.ZAdd(ctx, delayedKey(q.prefix, name), redis.Z{
			Score:  float64(readyAt),
			Member: id,
		}).Err(); err != nil {
			return fmt.Errorf("adding delayed queue item: %w", err)
		}

		return nil
	}

	if err := q.rdb.LPush(ctx, queuedKey(q.prefix, name), id).Err(); err != nil {
		return fmt.Errorf("adding queue item: %w", err)
	}

	return nil
}

// Move delayed entries whose visibility time has passed to the queued list.
// - KEYS[1] = delayed ZSET
// - KEYS[2] = queued LIST
// - ARGV[1] = current timestamp
var promoteCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("LPUSH", KEYS[2], id)
	redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

// Check all items in the processing list; any item without a lease, or with
// an expired lease, moves back to the queued list.
// - KEYS[1] = processing LIST
// - KEYS[2] = lease ZSET
// - KEYS[3] = queued LIST
// - ARGV[1] = current timestamp
var recoverCmd = redis.NewScript(`
local res = {}
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
if next(ids) == nil then
	return res
end

local leases = redis.call("ZMSCORE", KEYS[2], unpack(ids))
for i, id in ipairs(ids) do
	local has_lease = next(leases) ~= nil and leases[i] ~= nil
	if not has_lease or tonumber(leases[i]) < tonumber(ARGV[1]) then
		redis.call("LREM", KEYS[1], 1, id)
		redis.call("LPUSH", KEYS[3], id)

		if has_lease then
			redis.call("ZREM", KEYS[2], id)
		end

		table.insert(res, id)
	end
end
return res
`)

func (q *redisQueue) Pop(ctx context.Context, name string, count int, timeout time.Duration) ([]string, error) {
	now := time.Now().Unix()

	if err := promoteCmd.Run(ctx, q.rdb, []string{delayedKey(q.prefix, name), queuedKey(q.prefix, name)}, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("promoting delayed queue items: %w", err)
	}

	if err := recoverCmd.Run(ctx, q.rdb, []string{
		processingKey(q.prefix, name), leaseKey(q.prefix, name), queuedKey(q.prefix, name),
	}, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("recovering abandoned queue items: %w", err)
	}

	// Block for the first item only; drain the rest non-blocking. A zero
	// timeout would block indefinitely, so it degrades to a plain move.
	var id string
	var err error
	if timeout > 0 {
		id, err = q.rdb.BLMove(ctx, queuedKey(q.prefix, name), processingKey(q.prefix, name), "RIGHT", "LEFT", timeout).Result()
	} else {
		id, err = q.rdb.LMove(ctx, queuedKey(q.prefix, name), processingKey(q.prefix, name), "RIGHT", "LEFT").Result()
	}
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}

		return nil, fmt.Errorf("getting queue item: %w", err)
	}

	ids := []string{id}

	for len(ids) < count {
		id, err := q.rdb.LMove(ctx, queuedKey(q.prefix, name), processingKey(q.prefix, name), "RIGHT", "LEFT").Result()
		if err != nil {
			if err == redis.Nil {
				break
			}

			return nil, fmt.Errorf("getting queue item: %w", err)
		}

		ids = append(ids, id)
	}

	expiry := float64(time.Now().Add(q.lease).Unix())
	for _, id := range ids {
		if err := q.rdb.ZAdd(ctx, leaseKey(q.prefix, name), redis.Z{
			Score:  expiry,
			Member: id,
		}).Err(); err != nil {
			return nil, fmt.Errorf("storing lease for queue item: %w", err)
		}
	}

	return ids, nil
}

func (q *redisQueue) Ack(ctx context.Context, name, id string) (bool, error) {
	removed, err := q.rdb.LRem(ctx, processingKey(q.prefix, name), 1, id).Result()
	if err != nil {
		return false, fmt.Errorf("removing queue item from processing list: %w", err)
	}

	if err := q.rdb.ZRem(ctx, leaseKey(q.prefix, name), id).Err(); err != nil {
		return false, fmt.Errorf("removing queue item lease: %w", err)
	}

	return removed > 0, nil
}

func (q *redisQueue) Remove(ctx context.Context, name, id string) error {
	if err := q.rdb.LRem(ctx, queuedKey(q.prefix, name), 0, id).Err(); err != nil {
		return fmt.Errorf("removing queue item: %w", err)
	}

	if err := q.rdb.ZRem(ctx, delayedKey(q.prefix, name), id).Err(); err != nil {
		return fmt.Errorf("removing delayed queue item: %w", err)
	}

	if err := q.rdb.LRem(ctx, processingKey(q.prefix, name), 0, id).Err(); err != nil {
		return fmt.Errorf("removing processing queue item: %w", err)
	}

	if err := q.rdb.ZRem(ctx, leaseKey(q.prefix, name), id).Err(); err != nil {
		return fmt.Errorf("removing queue item lease: %w", err)
	}

	return nil
}

func (q *redisQueue) Close() error {
	if q.ownsRdb {
		return q.rdb.Close()
	}

	return nil
}
