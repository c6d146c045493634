package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/metrics"
	"github.com/chenjianrui-111/trend-agent/pkg/queue"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

const (
	dequeueErrorBackoff = 200 * time.Millisecond
	publishTimeout      = 5 * time.Second
)

func (c *Coordinator) workerLoop(ctx context.Context) {
	for {
		job, err := c.backend.Queue.Dequeue(ctx)
		switch {
		case err == nil:
			c.handle(ctx, job)
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return
		case errors.Is(err, queue.ErrNoJob):
		default:
			c.log.Warn().Err(err).Msg("dequeue failed")
			if !sleepCtx(ctx, dequeueErrorBackoff) {
				return
			}
		}
	}
}

// handle runs one dequeued job and routes its result to the owner.
func (c *Coordinator) handle(ctx context.Context, job queue.Job) {
	src, ok := c.registry.Get(job.Source)
	if !ok {
		c.log.Warn().Str("source", job.Source).Str("job_id", job.ID).Msg("job for unregistered source")
		c.deliver(ctx, job, nil, newError(KindInvalidRequest, job.Source,
			fmt.Errorf("unknown source %q", job.Source)))
		return
	}
	items, err := c.execute(ctx, job.Source, src, job.Query)
	c.deliver(ctx, job, items, err)
}

// deliver resolves a job owned by this instance directly and publishes anything else
// to its owner.
func (c *Coordinator) deliver(ctx context.Context, job queue.Job, items []source.Item, err error) {
	if job.Owner == c.id || !c.backend.Shared() {
		c.resolve(job.ID, items, err)
		return
	}
	if job.Owner == "" || job.ID == "" {
		return
	}

	msg := okMessage(job.ID, job.Source, items)
	if err != nil {
		msg = errMessage(job.ID, job.Source, err)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if perr := c.backend.Bus.Publish(pctx, job.Owner, msg); perr != nil {
		c.log.Error().Err(perr).Str("owner", job.Owner).Str("job_id", job.ID).Msg("publish result failed")
	}
}

// execute rate limits, scrapes with retry and persists collector state on success.
func (c *Coordinator) execute(ctx context.Context, name string, src source.Source, q source.Query) ([]source.Item, error) {
	if err := c.limits.Wait(ctx, name); err != nil {
		c.metrics.Scrape(name, metrics.StatusCancelled)
		return nil, newError(KindCancelled, name, err)
	}
	items, err := c.scrapeWithRetry(ctx, name, src, q)
	if err != nil {
		return nil, err
	}
	c.metrics.Items(name, len(items))
	c.persistState(ctx, name, src)
	return items, nil
}

// scrapeWithRetry makes up to RetryMaxAttempts attempts with exponential backoff,
// checking the breaker before each one. An open-circuit rejection is final.
func (c *Coordinator) scrapeWithRetry(ctx context.Context, name string, src source.Source, q source.Query) ([]source.Item, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryMaxAttempts; attempt++ {
		if !c.backend.Breaker.Allow(ctx, name) {
			c.metrics.Scrape(name, metrics.StatusCircuitOpen)
			c.log.Warn().Str("source", name).Str("kind", string(KindCircuitOpen)).Int("attempt", attempt+1).Msg("circuit open")
			return nil, newError(KindCircuitOpen, name, ErrCircuitOpen)
		}

		start := time.Now()
		items, err := c.scrapeOnce(ctx, src, q)
		elapsed := time.Since(start)
		if err == nil {
			c.metrics.ObserveAttempt(name, metrics.StatusSuccess, elapsed)
			c.backend.Breaker.RecordSuccess(ctx, name)
			return items, nil
		}
		if ctx.Err() != nil {
			c.metrics.Scrape(name, metrics.StatusCancelled)
			return nil, newError(KindCancelled, name, ctx.Err())
		}

		c.metrics.ObserveAttempt(name, metrics.StatusError, elapsed)
		opened := c.backend.Breaker.RecordFailure(ctx, name)
		c.log.Warn().
			Str("source", name).
			Str("kind", string(KindUpstream)).
			Int("attempt", attempt+1).
			Bool("circuit_opened", opened).
			Err(err).
			Msg("scrape attempt failed")
		lastErr = err

		if attempt == c.cfg.RetryMaxAttempts-1 {
			break
		}
		c.metrics.Scrape(name, metrics.StatusRetry)
		if !sleepCtx(ctx, c.cfg.RetryBaseDelay<<attempt) {
			c.metrics.Scrape(name, metrics.StatusCancelled)
			return nil, newError(KindCancelled, name, ctx.Err())
		}
	}
	return nil, newError(KindUpstream, name, lastErr)
}

func (c *Coordinator) scrapeOnce(ctx context.Context, src source.Source, q source.Query) ([]source.Item, error) {
	if c.cfg.ScrapeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ScrapeTimeout)
		defer cancel()
	}
	return src.Scrape(ctx, q)
}

func (c *Coordinator) loadStates(ctx context.Context) {
	if c.state == nil {
		return
	}
	for _, name := range c.registry.Names() {
		src, _ := c.registry.Get(name)
		sf, ok := src.(source.Stateful)
		if !ok {
			continue
		}
		state, err := c.state.LoadState(ctx, name)
		if err != nil {
			c.log.Warn().Err(err).Str("source", name).Msg("load source state failed")
			continue
		}
		if len(state) == 0 {
			continue
		}
		if err := sf.LoadState(state); err != nil {
			c.log.Warn().Err(err).Str("source", name).Msg("restore source state failed")
		}
	}
}

func (c *Coordinator) persistState(ctx context.Context, name string, src source.Source) {
	if c.state == nil {
		return
	}
	sf, ok := src.(source.Stateful)
	if !ok {
		return
	}
	state := sf.DumpState()
	if len(state) == 0 {
		return
	}
	if err := c.state.SaveState(ctx, name, state); err != nil {
		c.log.Warn().Err(err).Str("source", name).Msg("persist source state failed")
	}
}

func (c *Coordinator) persistStates(ctx context.Context) {
	for _, name := range c.registry.Names() {
		src, _ := c.registry.Get(name)
		c.persistState(ctx, name, src)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
