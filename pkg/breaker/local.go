package breaker

import (
	"context"
	"sync"
	"time"
)

type circuit struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	halfOpen  bool
}

// Local is an in-process Breaker. Each source has its own lock.
type Local struct {
	cfg  Config
	opts options

	mu       sync.Mutex
	circuits map[string]*circuit
}

var _ Breaker = (*Local)(nil)

// NewLocal creates an in-memory breaker.
func NewLocal(cfg Config, opts ...Option) *Local {
	return &Local{
		cfg:      cfg.normalized(),
		opts:     buildOptions(opts),
		circuits: make(map[string]*circuit),
	}
}

func (l *Local) get(source string) *circuit {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.circuits[source]
	if !ok {
		c = &circuit{}
		l.circuits[source] = c
	}
	return c
}

func (l *Local) Allow(_ context.Context, source string) bool {
	c := l.get(source)
	c.mu.Lock()
	now := l.opts.now()
	if c.openUntil.IsZero() {
		c.mu.Unlock()
		return true
	}
	if now.Before(c.openUntil) {
		c.mu.Unlock()
		return false
	}
	c.halfOpen = true
	c.failures = max(1, l.cfg.FailureThreshold-1)
	c.openUntil = time.Time{}
	c.mu.Unlock()

	l.opts.emit(Event{Source: source, Kind: EventHalfOpen})
	return true
}

func (l *Local) RecordSuccess(_ context.Context, source string) {
	c := l.get(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.halfOpen = false
}

func (l *Local) RecordFailure(_ context.Context, source string) bool {
	c := l.get(source)
	c.mu.Lock()
	if c.halfOpen {
		c.failures = l.cfg.FailureThreshold
	} else {
		c.failures++
	}
	c.halfOpen = false
	opened := c.failures >= l.cfg.FailureThreshold
	if opened {
		c.openUntil = l.opts.now().Add(l.cfg.OpenDuration)
	}
	c.mu.Unlock()

	if opened {
		l.opts.emit(Event{Source: source, Kind: EventOpened})
	}
	return opened
}
