package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type factory func(t *testing.T, cfg Config) Queue

func newRedis(t *testing.T, mr *miniredis.Miniredis) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

var implementations = map[string]factory{
	"local": func(t *testing.T, cfg Config) Queue { return NewLocal(cfg) },
	"shared": func(t *testing.T, cfg Config) Queue {
		return NewShared(newRedis(t, miniredis.RunT(t)), "test", cfg)
	},
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	for name, newQueue := range implementations {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t, Config{MaxSize: 10, EnqueueTimeout: time.Second})
			defer q.Close()

			for _, j := range []Job{
				{ID: "a", Priority: 100},
				{ID: "b", Priority: 90},
				{ID: "c", Priority: 100},
				{ID: "d", Priority: 95},
				{ID: "e", Priority: -5},
				{ID: "f", Priority: -15},
			} {
				if _, err := q.Enqueue(ctx, j); err != nil {
					t.Fatalf("Enqueue %s: %v", j.ID, err)
				}
			}
			if n, _ := q.Len(ctx); n != 6 {
				t.Fatalf("Len = %d, want 6", n)
			}

			var got []string
			for i := 0; i < 6; i++ {
				j, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("Dequeue: %v", err)
				}
				got = append(got, j.ID)
			}
			want := []string{"f", "e", "b", "d", "a", "c"}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("order = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestQueue_Backpressure(t *testing.T) {
	ctx := context.Background()
	for name, newQueue := range implementations {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t, Config{MaxSize: 1, EnqueueTimeout: 150 * time.Millisecond})
			defer q.Close()

			if n, err := q.Enqueue(ctx, Job{ID: "first"}); err != nil || n != 1 {
				t.Fatalf("first Enqueue = %d, %v", n, err)
			}

			start := time.Now()
			_, err := q.Enqueue(ctx, Job{ID: "second"})
			if !errors.Is(err, ErrQueueFull) {
				t.Fatalf("second Enqueue err = %v, want ErrQueueFull", err)
			}
			if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
				t.Fatalf("queue full after %v, want about the enqueue timeout", elapsed)
			}
			if n, _ := q.Len(ctx); n != 1 {
				t.Fatalf("Len = %d, want 1", n)
			}
		})
	}
}

func TestQueue_BackpressureReleasesWhenDrained(t *testing.T) {
	ctx := context.Background()
	for name, newQueue := range implementations {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t, Config{MaxSize: 1, EnqueueTimeout: 2 * time.Second, PopTimeout: time.Second})
			defer q.Close()

			if _, err := q.Enqueue(ctx, Job{ID: "first"}); err != nil {
				t.Fatal(err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				_, _ = q.Dequeue(ctx)
			}()
			if _, err := q.Enqueue(ctx, Job{ID: "second"}); err != nil {
				t.Fatalf("Enqueue should succeed once a slot frees: %v", err)
			}
		})
	}
}

func TestShared_CrossInstanceQueueFull(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := Config{MaxSize: 1, EnqueueTimeout: 200 * time.Millisecond}
	a := NewShared(newRedis(t, mr), "fleet", cfg)
	b := NewShared(newRedis(t, mr), "fleet", cfg)

	if _, err := a.Enqueue(ctx, Job{ID: "a-1", Owner: "a", Source: "github"}); err != nil {
		t.Fatalf("instance A Enqueue: %v", err)
	}
	if _, err := b.Enqueue(ctx, Job{ID: "b-1", Owner: "b", Source: "github"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("instance B Enqueue err = %v, want ErrQueueFull", err)
	}

	members, err := mr.ZMembers("fleet:queue")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("queue holds %d members, want only A's job", len(members))
	}
	job, err := b.Dequeue(ctx)
	if err != nil || job.ID != "a-1" || job.Owner != "a" {
		t.Fatalf("B dequeued %+v, %v", job, err)
	}
}

func TestShared_DequeueTimesOutEmpty(t *testing.T) {
	q := NewShared(newRedis(t, miniredis.RunT(t)), "empty", Config{PopTimeout: time.Second})
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrNoJob) {
		t.Fatalf("Dequeue err = %v, want ErrNoJob", err)
	}
}

func TestShared_ScoreKeepsPriorityDominant(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := NewShared(newRedis(t, mr), "score", Config{MaxSize: 10})

	if _, err := q.Enqueue(ctx, Job{ID: "x", Priority: 85}); err != nil {
		t.Fatal(err)
	}
	members, _ := mr.ZMembers("score:queue")
	score, err := mr.ZScore("score:queue", members[0])
	if err != nil {
		t.Fatal(err)
	}
	if score != 85*1e9+1 {
		t.Fatalf("score = %f, want priority*1e9+seq", score)
	}
}

func TestLocal_CloseWakesDequeue(t *testing.T) {
	q := NewLocal(Config{MaxSize: 1})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	if _, err := q.Enqueue(context.Background(), Job{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close err = %v", err)
	}
}

func TestLocal_DequeueHonorsContext(t *testing.T) {
	q := NewLocal(Config{MaxSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestShared_EnqueueReportsBrokerOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	q := NewShared(newRedis(t, mr), "down", Config{MaxSize: 10, EnqueueTimeout: 100 * time.Millisecond})
	mr.Close()

	_, err := q.Enqueue(context.Background(), Job{ID: "x", Source: "github"})
	if !errors.Is(err, ErrBroker) {
		t.Fatalf("Enqueue err = %v, want ErrBroker", err)
	}
	if errors.Is(err, ErrQueueFull) {
		t.Fatalf("broker outage reported as a full queue: %v", err)
	}
}

func TestShared_NegativePriorityScore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := NewShared(newRedis(t, mr), "neg", Config{MaxSize: 10})

	if _, err := q.Enqueue(ctx, Job{ID: "hot", Priority: -15}); err != nil {
		t.Fatal(err)
	}
	members, _ := mr.ZMembers("neg:queue")
	score, err := mr.ZScore("neg:queue", members[0])
	if err != nil {
		t.Fatal(err)
	}
	if score != -15*1e9+1 {
		t.Fatalf("score = %f, want negative priority kept", score)
	}
}
