package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// enqueueScript inserts a job only while the queue is below max_size. The score keeps
// priority dominant and the sequence number as the FIFO tiebreak.
var enqueueScript = redis.NewScript(`
local q = KEYS[1]
local seq = KEYS[2]
local max_size = tonumber(ARGV[1])
local member = ARGV[2]
local priority = tonumber(ARGV[3])
local current = redis.call('ZCARD', q)
if current >= max_size then
  return {0, current}
end
local s = redis.call('INCR', seq)
local score = priority * 1000000000 + s
redis.call('ZADD', q, string.format('%.0f', score), member)
return {1, current + 1}
`)

const enqueuePollInterval = 50 * time.Millisecond

// Shared is a Redis sorted-set queue shared by every instance using the same prefix.
type Shared struct {
	rdb    redis.UniversalClient
	cfg    Config
	key    string
	seqKey string
	closed atomic.Bool
}

var _ Queue = (*Shared)(nil)

// NewShared creates a queue stored at "<prefix>:queue".
func NewShared(rdb redis.UniversalClient, prefix string, cfg Config) *Shared {
	return &Shared{
		rdb:    rdb,
		cfg:    cfg.normalized(),
		key:    prefix + ":queue",
		seqKey: prefix + ":queue:seq",
	}
}

func (q *Shared) Enqueue(ctx context.Context, job Job) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	member, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("encode job: %w", err)
	}

	deadline := time.Now().Add(q.cfg.EnqueueTimeout)
	ticker := time.NewTicker(enqueuePollInterval)
	defer ticker.Stop()

	for {
		res, err := enqueueScript.Run(ctx, q.rdb, []string{q.key, q.seqKey},
			q.cfg.MaxSize, string(member), job.Priority).Int64Slice()
		if err == nil && len(res) == 2 && res[0] == 1 {
			return int(res[1]), nil
		}
		if err != nil && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrBroker, err)
			}
			return 0, ErrQueueFull
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (q *Shared) Dequeue(ctx context.Context) (Job, error) {
	if q.closed.Load() {
		return Job{}, ErrClosed
	}
	res, err := q.rdb.BZPopMin(ctx, q.cfg.PopTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		return Job{}, fmt.Errorf("pop job: %w", err)
	}

	member, ok := res.Member.(string)
	if !ok {
		return Job{}, fmt.Errorf("pop job: unexpected member type %T", res.Member)
	}
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (q *Shared) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

// Close stops this handle from accepting or popping jobs. Queued jobs stay in Redis for
// other instances.
func (q *Shared) Close() error {
	q.closed.Store(true)
	return nil
}
