// Package queue provides the bounded priority work queue that feeds scrape workers.
// Lower priority values are served first; equal priorities are served in insertion order.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

var (
	// ErrQueueFull is returned when no slot frees up before the enqueue timeout.
	ErrQueueFull = errors.New("queue full")
	// ErrNoJob is returned by Dequeue when a blocking pop times out empty.
	ErrNoJob = errors.New("no job available")
	// ErrBroker is returned when the broker stayed unreachable until the enqueue timeout.
	ErrBroker = errors.New("queue broker unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// DefaultPriority is used for jobs that carry no explicit priority.
const DefaultPriority = 100

// Job is one source scrape for one request. The owner is the instance waiting for the result.
type Job struct {
	ID         string       `json:"job_id"`
	Owner      string       `json:"owner_id"`
	Source     string       `json:"source"`
	Query      source.Query `json:"query"`
	Priority   int          `json:"priority"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Queue is a bounded priority queue.
type Queue interface {
	// Enqueue adds job, waiting up to the configured timeout for capacity. It returns
	// the queue length after the insert.
	Enqueue(ctx context.Context, job Job) (int, error)
	// Dequeue removes the lowest-priority job. It blocks until a job arrives, ctx ends,
	// or (for broker-backed queues) the pop timeout elapses with ErrNoJob.
	Dequeue(ctx context.Context) (Job, error)
	// Len returns the current queue length.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Config holds queue limits.
type Config struct {
	MaxSize        int           `yaml:"max_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	// PopTimeout bounds one blocking pop against the broker.
	PopTimeout time.Duration `yaml:"pop_timeout"`
}

// DefaultConfig returns a 1000 job queue with a 5s enqueue timeout and 1s pop timeout.
func DefaultConfig() Config {
	return Config{MaxSize: 1000, EnqueueTimeout: 5 * time.Second, PopTimeout: time.Second}
}

func (c Config) normalized() Config {
	c.MaxSize = max(1, c.MaxSize)
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	return c
}
