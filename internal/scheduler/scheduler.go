package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/internal/store"
	"github.com/chenjianrui-111/trend-agent/pkg/alert"
	"github.com/chenjianrui-111/trend-agent/pkg/scrape"
)

// Scraper runs one coordinated scrape.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.Request) (scrape.Result, error)
}

// RequestFunc builds the request for a run starting at now.
type RequestFunc func(now time.Time) scrape.Request

// Scheduler runs periodic scrapes, persists results and records heat snapshots.
type Scheduler struct {
	scraper  Scraper
	store    store.Store
	alertMgr *alert.Manager
	request  RequestFunc
	interval time.Duration
	minHeat  float64
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a new scheduler. minHeat > 0 sends a hot item digest after each run.
func New(
	scraper Scraper,
	s store.Store,
	alertMgr *alert.Manager,
	request RequestFunc,
	interval time.Duration,
	minHeat float64,
	log zerolog.Logger,
) *Scheduler {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		scraper:  scraper,
		store:    s,
		alertMgr: alertMgr,
		request:  request,
		interval: interval,
		minHeat:  minHeat,
		log:      log,
		now:      time.Now,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler running")
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scrape-and-store cycle and returns the number of items stored.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := s.now()
	res, err := s.scraper.Scrape(ctx, s.request(start))
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled scrape failed")
		return 0
	}
	if res.Error != "" {
		s.log.Warn().Str("error", res.Error).Msg("scheduled scrape returned nothing")
		return 0
	}
	for src, kind := range res.Meta.Failures {
		s.log.Warn().Str("source", src).Str("kind", string(kind)).Msg("source failed")
	}

	if err := s.store.UpsertItems(ctx, res.Items); err != nil {
		s.log.Error().Err(err).Msg("store items")
		return 0
	}
	for i := range res.Items {
		it := res.Items[i]
		if err := s.store.AddSnapshot(ctx, store.ItemKey(it), it.NormalizedHeatScore, it.EngagementScore); err != nil {
			s.log.Warn().Err(err).Str("item", store.ItemKey(it)).Msg("add snapshot")
		}
	}

	s.log.Info().
		Int("stored", len(res.Items)).
		Int("raw", res.Meta.RawCount).
		Int("unique", res.Meta.UniqueCount).
		Dur("took", s.now().Sub(start)).
		Msg("scheduled scrape stored")

	if s.minHeat > 0 && s.alertMgr.HasNotifiers() {
		if n := alert.HotItems(res.Items, s.minHeat); n != nil {
			if err := s.alertMgr.Broadcast(ctx, n); err != nil {
				s.log.Warn().Err(err).Msg("hot item alert")
			}
		}
	}
	return len(res.Items)
}
