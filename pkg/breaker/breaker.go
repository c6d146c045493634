// Package breaker implements a per-source circuit breaker with closed, open and
// half-open states. Local keeps state in memory; Shared keeps it in Redis so a fleet
// of instances sees the same circuits.
package breaker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Breaker guards calls to an upstream source.
type Breaker interface {
	// Allow reports whether a call may proceed. An expired open circuit moves to
	// half-open and allows exactly this call as a trial.
	Allow(ctx context.Context, source string) bool
	// RecordSuccess closes the circuit.
	RecordSuccess(ctx context.Context, source string)
	// RecordFailure counts a failure and reports whether it opened the circuit.
	RecordFailure(ctx context.Context, source string) bool
}

// Config holds breaker tuning.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	// StateTTL bounds how long shared state outlives its last write.
	// Zero means max(5m, 20 x OpenDuration).
	StateTTL time.Duration `yaml:"state_ttl"`
}

// DefaultConfig returns threshold 5, open 60s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: time.Minute}
}

func (c Config) normalized() Config {
	c.FailureThreshold = max(1, c.FailureThreshold)
	c.OpenDuration = max(time.Second, c.OpenDuration)
	if c.StateTTL <= 0 {
		c.StateTTL = max(5*time.Minute, 20*c.OpenDuration)
	}
	return c
}

// EventKind names a state transition or fault worth reporting.
type EventKind string

const (
	EventOpened      EventKind = "opened"
	EventHalfOpen    EventKind = "half_open"
	EventBrokerError EventKind = "broker_error"
)

// Event is delivered to an Observer.
type Event struct {
	Source string
	Kind   EventKind
	Err    error
}

// Observer receives breaker events. It is called synchronously and must not block.
type Observer func(Event)

type options struct {
	now      func() time.Time
	observer Observer
	log      zerolog.Logger
}

// Option configures a breaker.
type Option func(*options)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver registers an event callback.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) emit(e Event) {
	if o.observer != nil {
		o.observer(e)
	}
}
