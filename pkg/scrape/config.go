package scrape

import (
	"strings"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/dedup"
	"github.com/chenjianrui-111/trend-agent/pkg/queue"
)

// Config tunes a Coordinator.
type Config struct {
	// Workers is the size of the worker pool. Zero is only valid with a shared backend,
	// where it makes the instance a producer that waits on remote workers.
	Workers          int           `yaml:"concurrency" validate:"gte=0,lte=256"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" validate:"gte=0,lte=20"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	// ScrapeTimeout bounds one attempt. Zero leaves it to the collector.
	ScrapeTimeout time.Duration `yaml:"scrape_timeout"`
	// SourceRPS caps calls per second per source. Missing or zero means unlimited.
	SourceRPS map[string]float64 `yaml:"source_rps"`
	// SourcePriorities are static per-source priorities; requests may override them.
	SourcePriorities map[string]int `yaml:"source_priorities"`
	DefaultPriority  int            `yaml:"default_priority"`
	DefaultLimit     int            `yaml:"default_limit" validate:"gte=0"`
	DedupThreshold   int            `yaml:"dedup_threshold" validate:"gte=0,lte=64"`
}

// DefaultConfig returns 5 workers and 3 attempts starting at 500ms backoff.
func DefaultConfig() Config {
	return Config{
		Workers:          5,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   500 * time.Millisecond,
		DefaultPriority:  queue.DefaultPriority,
		DefaultLimit:     50,
		DedupThreshold:   dedup.DefaultThreshold,
	}
}

func (c Config) normalized() Config {
	c.Workers = max(0, c.Workers)
	c.RetryMaxAttempts = max(1, c.RetryMaxAttempts)
	c.RetryBaseDelay = max(10*time.Millisecond, c.RetryBaseDelay)
	if c.DefaultPriority == 0 {
		c.DefaultPriority = queue.DefaultPriority
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 50
	}
	c.SourceRPS = lowerKeys(c.SourceRPS)
	c.SourcePriorities = lowerKeys(c.SourcePriorities)
	return c
}

func lowerKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
