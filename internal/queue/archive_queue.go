// Package queue holds the Redis-backed proof archive queue. Submitted lease
// IDs wait on a ready list; a dequeue moves one into an in-flight ZSET scored
// by its visibility deadline, and stale in-flight entries are requeued.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type ArchiveQueue struct {
	client     *redis.Client
	readyKey   string
	inflight   string
	visibility time.Duration
}

func NewArchiveQueue(client *redis.Client, visibility time.Duration) *ArchiveQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &ArchiveQueue{
		client:     client,
		readyKey:   "proofs:ready",
		inflight:   "proofs:inflight",
		visibility: visibility,
	}
}

// Enqueue adds a lease ID to the ready list.
func (q *ArchiveQueue) Enqueue(ctx context.Context, leaseID string) error {
	return q.client.RPush(ctx, q.readyKey, leaseID).Err()
}

// Dequeue pops the oldest ready lease and tracks it in-flight with a
// visibility deadline; both moves happen in one Lua script so a crash between
// them cannot lose the entry. Returns "" when the queue is empty.
func (q *ArchiveQueue) Dequeue(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflight}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// Ack removes a processed lease from in-flight tracking.
func (q *ArchiveQueue) Ack(ctx context.Context, leaseID string) error {
	return q.client.ZRem(ctx, q.inflight, leaseID).Err()
}

// RequeueExpired reclaims in-flight entries whose visibility deadline passed
// and pushes them back onto the ready list.
func (q *ArchiveQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflight, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflight, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the ready backlog length.
func (q *ArchiveQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
