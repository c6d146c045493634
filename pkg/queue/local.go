package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry struct {
	job Job
	seq uint64
}

type jobHeap []entry

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Local is an in-memory bounded priority queue.
type Local struct {
	cfg Config

	// slots holds one token per occupied position; avail one token per queued job.
	slots chan struct{}
	avail chan struct{}
	done  chan struct{}

	mu    sync.Mutex
	items jobHeap
	seq   uint64
	once  sync.Once
}

var _ Queue = (*Local)(nil)

// NewLocal creates an in-memory queue.
func NewLocal(cfg Config) *Local {
	cfg = cfg.normalized()
	return &Local{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxSize),
		avail: make(chan struct{}, cfg.MaxSize),
		done:  make(chan struct{}),
	}
}

func (q *Local) Enqueue(ctx context.Context, job Job) (int, error) {
	select {
	case <-q.done:
		return 0, ErrClosed
	default:
	}

	timer := time.NewTimer(q.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case q.slots <- struct{}{}:
	case <-timer.C:
		return 0, ErrQueueFull
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-q.done:
		return 0, ErrClosed
	}

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, entry{job: job, seq: q.seq})
	n := len(q.items)
	q.mu.Unlock()

	q.avail <- struct{}{}
	return n, nil
}

func (q *Local) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-q.avail:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, ErrClosed
	}

	q.mu.Lock()
	e := heap.Pop(&q.items).(entry)
	q.mu.Unlock()

	<-q.slots
	return e.job, nil
}

func (q *Local) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close wakes blocked callers with ErrClosed. Queued jobs are discarded.
func (q *Local) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
