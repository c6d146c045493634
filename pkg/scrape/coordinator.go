// Package scrape coordinates multi-source scrape requests. A request fans out to one
// prioritized job per source; a worker pool runs the jobs behind a per-source rate
// limiter, retry with backoff and a circuit breaker, and the coordinator merges the
// results into one deduplicated, scored and sorted batch.
//
// The queue, breaker and result routing come from a Backend, so the same coordinator
// runs alone in one process or as one member of a fleet sharing Redis.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/pkg/dedup"
	"github.com/chenjianrui-111/trend-agent/pkg/metrics"
	"github.com/chenjianrui-111/trend-agent/pkg/queue"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
	"github.com/chenjianrui-111/trend-agent/pkg/trend"
)

// StateStore persists collector cursors and ETags between runs.
type StateStore interface {
	LoadState(ctx context.Context, source string) (map[string]any, error)
	SaveState(ctx context.Context, source string, state map[string]any) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithStateStore(s StateStore) Option {
	return func(c *Coordinator) { c.state = s }
}

func WithScorer(s *trend.Scorer) Option {
	return func(c *Coordinator) { c.scorer = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithInstanceID sets the id results are routed back to. Defaults to a random UUID.
func WithInstanceID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

type outcome struct {
	source string
	items  []source.Item
	err    error
}

// Coordinator runs scrape requests against a registry of sources.
type Coordinator struct {
	cfg      Config
	registry *source.Registry
	backend  Backend
	scorer   *trend.Scorer
	limits   *limiters
	state    StateStore
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
	id       string

	mu           sync.Mutex
	pending      map[string]chan outcome
	started      bool
	stopped      bool
	cancel       context.CancelFunc
	stopListener func() error
	workers      sync.WaitGroup
	statesOnce   sync.Once
}

// New creates a coordinator. Until Start is called, Scrape runs jobs directly without
// the queue.
func New(registry *source.Registry, backend Backend, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.normalized()
	c := &Coordinator{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
		limits:   newLimiters(cfg.SourceRPS),
		log:      zerolog.Nop(),
		now:      time.Now,
		pending:  make(map[string]chan outcome),
	}
	for _, fn := range opts {
		fn(c)
	}
	if c.scorer == nil {
		c.scorer = trend.NewScorer(trend.DefaultHeatConfig())
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

// ID returns the instance id.
func (c *Coordinator) ID() string { return c.id }

// Start loads collector state, subscribes for remote results when the backend is
// shared, and starts the worker pool. Workers run until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	if c.cfg.Workers == 0 && !c.backend.Shared() {
		return errors.New("start coordinator: a local backend needs at least one worker")
	}

	c.statesOnce.Do(func() { c.loadStates(ctx) })

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c.backend.Shared() {
		stop, err := c.backend.Bus.Subscribe(ctx, c.id, c.onResult)
		if err != nil {
			cancel()
			return fmt.Errorf("start coordinator: %w", err)
		}
		c.stopListener = stop
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.workerLoop(runCtx)
		}()
	}
	c.cancel = cancel
	c.started = true
	c.log.Info().
		Str("backend", c.backend.Name).
		Str("instance", c.id).
		Int("workers", c.cfg.Workers).
		Msg("coordinator started")
	return nil
}

// Stop stops the workers and result listener, resolves outstanding jobs as cancelled,
// persists collector state and closes every source.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	cancel, stopListener := c.cancel, c.stopListener
	c.mu.Unlock()

	var errs []error
	if started {
		cancel()
		done := make(chan struct{})
		go func() {
			c.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
		}
		if stopListener != nil {
			if err := stopListener(); err != nil {
				errs = append(errs, fmt.Errorf("stop result listener: %w", err))
			}
		}
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: newError(KindCancelled, "", ErrCancelled)}
	}

	c.persistStates(ctx)
	if err := c.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sources: %w", err))
	}
	c.log.Info().Int("cancelled_jobs", len(pending)).Msg("coordinator stopped")
	return errors.Join(errs...)
}

// Health runs a health check on every registered source.
func (c *Coordinator) Health(ctx context.Context) map[string]source.Health {
	return c.registry.HealthCheck(ctx)
}

// QueueDepth returns the current backend queue length.
func (c *Coordinator) QueueDepth(ctx context.Context) (int, error) {
	return c.backend.Queue.Len(ctx)
}

// Scrape runs req and returns the merged batch. Per-source failures are reported in
// Result.Meta.Failures and never fail the request; only a malformed request returns
// an error.
func (c *Coordinator) Scrape(ctx context.Context, req Request) (Result, error) {
	req = req.withDefaults(c.cfg.DefaultLimit)
	if err := req.Validate(); err != nil {
		c.metrics.Request("invalid")
		return Result{}, err
	}

	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return Result{}, ErrStopped
	}

	wanted := req.Sources
	if len(wanted) == 0 {
		wanted = c.registry.Names()
	}
	active, unknown := c.registry.Resolve(wanted)
	if len(unknown) > 0 {
		c.log.Warn().Strs("sources", unknown).Msg("unknown sources requested")
	}

	meta := Meta{
		CaptureMode:  req.CaptureMode,
		SortStrategy: effectiveSort(req.CaptureMode, req.SortStrategy),
		Start:        req.Start,
		End:          req.End,
		Sources:      active,
	}
	if len(active) == 0 {
		c.metrics.Request("empty")
		return Result{Items: []source.Item{}, Meta: meta, Error: "no active scrapers"}, nil
	}

	var outcomes []outcome
	if started {
		outcomes = c.runQueued(ctx, req, active)
	} else {
		outcomes = c.runDirect(ctx, req.query(), active)
	}

	raw := c.merge(outcomes, &meta)
	if req.CaptureMode != source.CaptureByHot && (req.Start != nil || req.End != nil) {
		raw = c.filterWindow(raw, req.query())
	}
	unique := c.deduplicate(raw)
	scored := c.scorer.ScoreBatch(unique)
	sorted := trend.SortItems(scored, meta.SortStrategy)

	meta.RawCount = len(raw)
	meta.UniqueCount = len(sorted)
	if len(sorted) > req.Limit {
		sorted = sorted[:req.Limit]
	}
	if depth, err := c.backend.Queue.Len(ctx); err == nil {
		meta.QueueDepth = depth
		c.metrics.QueueDepth(depth)
	}

	if len(meta.Failures) > 0 {
		c.metrics.Request("partial")
	} else {
		c.metrics.Request("ok")
	}
	c.log.Info().
		Int("raw", meta.RawCount).
		Int("unique", meta.UniqueCount).
		Int("sources", len(active)).
		Int("failed", len(meta.Failures)).
		Msg("scrape complete")

	if sorted == nil {
		sorted = []source.Item{}
	}
	return Result{Items: sorted, Meta: meta}, nil
}

// runDirect scrapes every source concurrently, bounded by the worker count.
func (c *Coordinator) runDirect(ctx context.Context, q source.Query, active []string) []outcome {
	c.statesOnce.Do(func() { c.loadStates(ctx) })
	sem := make(chan struct{}, max(1, c.cfg.Workers))
	out := make([]outcome, len(active))
	var wg sync.WaitGroup
	for i, name := range active {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = outcome{source: name, err: newError(KindCancelled, name, ctx.Err())}
				return
			}
			defer func() { <-sem }()
			src, _ := c.registry.Get(name)
			items, err := c.execute(ctx, name, src, q)
			out[i] = outcome{source: name, items: items, err: err}
		}(i, name)
	}
	wg.Wait()
	return out
}

// runQueued enqueues one job per source and waits for every job to resolve.
func (c *Coordinator) runQueued(ctx context.Context, req Request, active []string) []outcome {
	q := req.query()
	overrides := lowerKeys(req.Priorities)
	out := make([]outcome, len(active))
	waits := make([]chan outcome, len(active))
	ids := make([]string, len(active))

	for i, name := range active {
		job := queue.Job{
			ID:         uuid.NewString(),
			Owner:      c.id,
			Source:     name,
			Query:      q,
			Priority:   c.priority(name, req.CaptureMode, overrides),
			EnqueuedAt: c.now().UTC(),
		}
		ids[i] = job.ID
		ch := c.register(job.ID)

		if _, err := c.backend.Queue.Enqueue(ctx, job); err != nil {
			c.forget(job.ID)
			se := c.enqueueError(ctx, name, err)
			out[i] = outcome{source: name, err: se}
			continue
		}
		waits[i] = ch
	}

	for i, ch := range waits {
		if ch == nil {
			continue
		}
		select {
		case o := <-ch:
			o.source = active[i]
			out[i] = o
		case <-ctx.Done():
			c.forget(ids[i])
			out[i] = outcome{source: active[i], err: newError(KindCancelled, active[i], ctx.Err())}
		}
	}
	return out
}

func (c *Coordinator) enqueueError(ctx context.Context, name string, err error) *Error {
	var kind Kind
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		kind = KindQueueFull
		c.metrics.Scrape(name, metrics.StatusQueueFull)
	case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
		kind = KindCancelled
		c.metrics.Scrape(name, metrics.StatusCancelled)
	default:
		kind = KindBroker
		c.metrics.Scrape(name, metrics.StatusBrokerError)
	}
	return newError(kind, name, fmt.Errorf("enqueue: %w", err))
}

// priority resolves a job priority: the request override, else the configured source
// priority, else the default; lowered by 10 under by_hot and by 5 for GitHub.
func (c *Coordinator) priority(name string, mode source.CaptureMode, overrides map[string]int) int {
	p := c.cfg.DefaultPriority
	if v, ok := c.cfg.SourcePriorities[name]; ok {
		p = v
	}
	if v, ok := overrides[name]; ok {
		p = v
	}
	if mode == source.CaptureByHot {
		p -= 10
	}
	if name == source.PlatformGitHub {
		p -= 5
	}
	return p
}

func (c *Coordinator) register(id string) chan outcome {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands a result to the waiting request. It reports false when no request is
// waiting on id.
func (c *Coordinator) resolve(id string, items []source.Item, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{items: items, err: err}
	return true
}

func (c *Coordinator) onResult(msg ResultMessage) {
	items, err := msg.outcome()
	if !c.resolve(msg.JobID, items, err) {
		c.log.Debug().Str("job_id", msg.JobID).Str("source", msg.Source).Msg("result for unknown job")
	}
}

// pendingCount returns the number of unresolved jobs.
func (c *Coordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) merge(outcomes []outcome, meta *Meta) []source.Item {
	now := c.now().UTC()
	var items []source.Item
	for _, o := range outcomes {
		if o.err != nil {
			kind := KindOf(o.err)
			if meta.Failures == nil {
				meta.Failures = make(map[string]Kind)
			}
			meta.Failures[o.source] = kind
			c.log.Error().Str("source", o.source).Str("kind", string(kind)).Err(o.err).Msg("source failed")
			continue
		}
		for _, it := range o.items {
			items = append(items, source.Normalize(it, now))
		}
	}
	return items
}

func (c *Coordinator) filterWindow(items []source.Item, q source.Query) []source.Item {
	now := c.now().UTC()
	out := make([]source.Item, 0, len(items))
	for _, it := range items {
		if q.InWindow(it.Timestamp(now)) {
			out = append(out, it)
		}
	}
	return out
}

// deduplicate keeps the first of each group of near-duplicates. Items without text
// are keyed by platform identity so distinct empty items never collapse.
func (c *Coordinator) deduplicate(items []source.Item) []source.Item {
	idx := dedup.NewIndex(c.cfg.DedupThreshold)
	out := make([]source.Item, 0, len(items))
	for _, it := range items {
		text := it.NormalizedText
		if strings.TrimSpace(text) == "" {
			text = strings.TrimSpace(it.Title + " " + it.Description)
		}
		var dup bool
		if text == "" {
			dup = idx.CheckAndAddKey(it.SourcePlatform + ":" + it.SourceID)
		} else {
			dup = idx.CheckAndAdd(text, it.MediaURLs)
		}
		if !dup {
			out = append(out, it)
		}
	}
	return out
}
