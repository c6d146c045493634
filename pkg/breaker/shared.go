package breaker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Circuit state lives in a hash {failures, open_until (unix ms), half_open}.
// Every transition runs as one script so instances never interleave check-then-set.

var allowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local open_until = tonumber(redis.call('HGET', key, 'open_until') or '0')
if open_until <= 0 then
  return 1
end
if now_ms >= open_until then
  redis.call('HSET', key, 'half_open', '1', 'failures', tostring(math.max(1, threshold - 1)), 'open_until', '0')
  return 2
end
return 0
`)

var successScript = redis.NewScript(`
local key = KEYS[1]
local ttl_ms = tonumber(ARGV[1])
redis.call('HSET', key, 'failures', '0', 'open_until', '0', 'half_open', '0')
redis.call('PEXPIRE', key, ttl_ms)
return 1
`)

var failureScript = redis.NewScript(`
local key = KEYS[1]
local threshold = tonumber(ARGV[1])
local open_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])
local half_open = tonumber(redis.call('HGET', key, 'half_open') or '0')
local failures = tonumber(redis.call('HGET', key, 'failures') or '0')
if half_open == 1 then
  failures = threshold
else
  failures = failures + 1
end
local opened = 0
local open_until = tonumber(redis.call('HGET', key, 'open_until') or '0')
if failures >= threshold then
  open_until = now_ms + open_ms
  opened = 1
end
redis.call('HSET', key, 'half_open', '0', 'failures', tostring(failures), 'open_until', string.format('%.0f', open_until))
redis.call('PEXPIRE', key, ttl_ms)
return opened
`)

// Shared is a Breaker backed by Redis. Broker errors never block traffic: Allow fails
// open and RecordFailure reports the circuit as not opened.
type Shared struct {
	rdb    redis.Scripter
	prefix string
	cfg    Config
	opts   options
}

var _ Breaker = (*Shared)(nil)

// NewShared creates a Redis-backed breaker whose keys live under prefix.
func NewShared(rdb redis.Scripter, prefix string, cfg Config, opts ...Option) *Shared {
	return &Shared{
		rdb:    rdb,
		prefix: prefix,
		cfg:    cfg.normalized(),
		opts:   buildOptions(opts),
	}
}

func (s *Shared) key(source string) string {
	return s.prefix + ":circuit:" + source
}

func (s *Shared) Allow(ctx context.Context, source string) bool {
	res, err := allowScript.Run(ctx, s.rdb, []string{s.key(source)},
		s.opts.now().UnixMilli(), s.cfg.FailureThreshold).Int()
	if err != nil {
		s.brokerError(source, "allow", err)
		return true
	}
	if res == 2 {
		s.opts.emit(Event{Source: source, Kind: EventHalfOpen})
		return true
	}
	return res == 1
}

func (s *Shared) RecordSuccess(ctx context.Context, source string) {
	err := successScript.Run(ctx, s.rdb, []string{s.key(source)}, s.cfg.StateTTL.Milliseconds()).Err()
	if err != nil {
		s.brokerError(source, "record success", err)
	}
}

func (s *Shared) RecordFailure(ctx context.Context, source string) bool {
	res, err := failureScript.Run(ctx, s.rdb, []string{s.key(source)},
		s.cfg.FailureThreshold,
		s.cfg.OpenDuration.Milliseconds(),
		s.opts.now().UnixMilli(),
		s.cfg.StateTTL.Milliseconds(),
	).Int()
	if err != nil {
		s.brokerError(source, "record failure", err)
		return false
	}
	if res == 1 {
		s.opts.emit(Event{Source: source, Kind: EventOpened})
		return true
	}
	return false
}

func (s *Shared) brokerError(source, op string, err error) {
	s.opts.log.Warn().Err(err).Str("source", source).Str("op", op).Msg("circuit broker call failed")
	s.opts.emit(Event{Source: source, Kind: EventBrokerError, Err: err})
}
