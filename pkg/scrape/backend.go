package scrape

import (
	"github.com/redis/go-redis/v9"

	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
	"github.com/chenjianrui-111/trend-agent/pkg/queue"
)

// Backend bundles the coordination primitives a Coordinator runs on. A local backend
// keeps everything in process; a shared backend lets a fleet of instances split one
// queue and one set of circuits.
type Backend struct {
	Name    string
	Queue   queue.Queue
	Breaker breaker.Breaker
	// Bus is nil for local backends. Its presence marks the backend as shared.
	Bus ResultBus
}

// Shared reports whether jobs may run on another instance.
func (b Backend) Shared() bool { return b.Bus != nil }

// NewLocalBackend returns an in-memory backend.
func NewLocalBackend(qcfg queue.Config, bcfg breaker.Config, opts ...breaker.Option) Backend {
	return Backend{
		Name:    "local",
		Queue:   queue.NewLocal(qcfg),
		Breaker: breaker.NewLocal(bcfg, opts...),
	}
}

// NewRedisBackend returns a backend whose queue, circuits and result routing live in
// Redis under prefix.
func NewRedisBackend(rdb redis.UniversalClient, prefix string, qcfg queue.Config, bcfg breaker.Config, opts ...breaker.Option) Backend {
	return Backend{
		Name:    "redis",
		Queue:   queue.NewShared(rdb, prefix, qcfg),
		Breaker: breaker.NewShared(rdb, prefix, bcfg, opts...),
		Bus:     NewRedisBus(rdb, prefix),
	}
}

// WithBus returns a copy of b that routes results over bus.
func (b Backend) WithBus(bus ResultBus) Backend {
	b.Bus = bus
	return b
}
