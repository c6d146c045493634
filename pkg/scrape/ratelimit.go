package scrape

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiters spaces calls per source. Each source has its own bucket of one, so a slow
// source never delays another.
type limiters struct {
	rps map[string]float64

	mu sync.Mutex
	by map[string]*rate.Limiter
}

func newLimiters(rps map[string]float64) *limiters {
	return &limiters{rps: rps, by: make(map[string]*rate.Limiter)}
}

func (l *limiters) get(src string) *rate.Limiter {
	r := l.rps[src]
	if r <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.by[src]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/r)), 1)
		l.by[src] = lim
	}
	return lim
}

// Wait blocks until src may be called again.
func (l *limiters) Wait(ctx context.Context, src string) error {
	lim := l.get(src)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
