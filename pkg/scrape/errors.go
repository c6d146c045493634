package scrape

import (
	"errors"
	"fmt"

	"github.com/chenjianrui-111/trend-agent/pkg/queue"
)

// Kind classifies a per-source failure.
type Kind string

const (
	KindUpstream       Kind = "upstream"
	KindCircuitOpen    Kind = "circuit_open"
	KindQueueFull      Kind = "queue_full"
	KindCancelled      Kind = "cancelled"
	KindInvalidRequest Kind = "invalid_request"
	KindBroker         Kind = "broker"
)

var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrQueueFull      = queue.ErrQueueFull
	ErrInvalidRequest = errors.New("invalid scrape request")
	ErrCancelled      = errors.New("scrape cancelled")
	ErrStopped        = errors.New("coordinator stopped")
)

// Error is a classified failure for one source.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind, so errors rebuilt from a remote result
// still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrQueueFull:
		return e.Kind == KindQueueFull
	case ErrInvalidRequest:
		return e.Kind == KindInvalidRequest
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// KindOf returns the kind of err, classifying unwrapped errors as upstream failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, queue.ErrBroker):
		return KindBroker
	case errors.Is(err, queue.ErrClosed), errors.Is(err, ErrCancelled):
		return KindCancelled
	}
	return KindUpstream
}

func newError(kind Kind, src string, err error) *Error {
	return &Error{Kind: kind, Source: src, Err: err}
}

// classify wraps err as an *Error for src unless it already is one.
func classify(src string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return newError(KindOf(err), src, err)
}
