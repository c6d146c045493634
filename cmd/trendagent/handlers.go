package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/internal/config"
	"github.com/chenjianrui-111/trend-agent/internal/logger"
	"github.com/chenjianrui-111/trend-agent/internal/scheduler"
	"github.com/chenjianrui-111/trend-agent/internal/store"
	"github.com/chenjianrui-111/trend-agent/pkg/alert"
	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
	"github.com/chenjianrui-111/trend-agent/pkg/metrics"
	"github.com/chenjianrui-111/trend-agent/pkg/scrape"
	"github.com/chenjianrui-111/trend-agent/pkg/server"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
	"github.com/chenjianrui-111/trend-agent/pkg/trend"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "trend-agent"})
	return cfg, nil
}

func buildSources(cfg *config.Config, filter *source.Filter) []source.Source {
	var sources []source.Source
	sc := cfg.Sources

	if sc.HackerNews.Enabled {
		sources = append(sources, source.NewHackerNews(sc.HackerNews.Limit, filter))
	}
	if sc.GitHub.Enabled {
		var opts []source.GitHubOption
		if sc.GitHub.BaseURL != "" {
			opts = append(opts, source.WithGitHubBaseURL(sc.GitHub.BaseURL))
		}
		sources = append(sources, source.NewGitHub(sc.GitHub.Token, opts...))
	}
	if sc.Reddit.Enabled {
		sources = append(sources, source.NewReddit(sc.Reddit.ClientID, sc.Reddit.ClientSecret, sc.Reddit.Subreddits))
	}
	if sc.RSS.Enabled {
		sources = append(sources, source.NewRSS(sc.RSS.Feeds, filter, sc.RSS.MaxAge))
	}

	if len(cfg.Scraper.EnabledSources) == 0 {
		return sources
	}
	enabled := make(map[string]bool, len(cfg.Scraper.EnabledSources))
	for _, name := range cfg.Scraper.EnabledSources {
		enabled[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return slices.DeleteFunc(sources, func(s source.Source) bool {
		if enabled[s.Name()] {
			return false
		}
		_ = s.Close()
		return true
	})
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers, logger.Named("alert")).
		WithBrokerAlertInterval(cfg.Scraper.Circuit.OpenDuration)
}

func newRedisClient(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
	if rc.URL != "" {
		parsed, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

func connectNATS(nc config.NATSConfig, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(nc.URL,
		nats.Name("trend-agent"),
		nats.MaxReconnects(nc.MaxReconnects),
		nats.ReconnectWait(nc.ReconnectWait),
		nats.Timeout(nc.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", nc.URL, err)
	}
	return conn, nil
}

// app holds the wiring shared by every command.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *store.SQLiteStore
	reg     *prometheus.Registry
	alerts  *alert.Manager
	coord   *scrape.Coordinator
	backend scrape.Backend
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.Named("app"), reg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.reg)
	a.alerts = buildAlertManager(cfg)

	a.db, err = store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)

	bopts := []breaker.Option{
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithObserver(alert.Observers(m.BreakerObserver(), a.alerts.BreakerObserver())),
	}

	switch cfg.Coordination.Backend {
	case "redis":
		rdb, err := newRedisClient(ctx, cfg.Coordination.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.backend = scrape.NewRedisBackend(rdb, cfg.Coordination.Redis.KeyPrefix, cfg.QueueConfig(), cfg.Scraper.Circuit, bopts...)

		if cfg.Coordination.ResultBus == "nats" {
			nc, err := connectNATS(cfg.Coordination.NATS, logger.Named("nats"))
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() error { return nc.Drain() })
			a.backend = a.backend.WithBus(scrape.NewNATSBus(nc, cfg.Coordination.Redis.KeyPrefix))
		}
	default:
		a.backend = scrape.NewLocalBackend(cfg.QueueConfig(), cfg.Scraper.Circuit, bopts...)
	}
	a.closers = append(a.closers, a.backend.Queue.Close)

	registry := source.NewRegistry(buildSources(cfg, source.NewFilter(cfg.Filter.ExcludeKeywords))...)
	opts := []scrape.Option{
		scrape.WithLogger(logger.Named("coordinator")),
		scrape.WithMetrics(m),
		scrape.WithStateStore(a.db),
		scrape.WithScorer(trend.NewScorer(cfg.Heat)),
	}
	if cfg.Coordination.InstanceID != "" {
		opts = append(opts, scrape.WithInstanceID(cfg.Coordination.InstanceID))
	}
	a.coord = scrape.New(registry, a.backend, cfg.ScrapeConfig(), opts...)

	a.log.Info().
		Str("backend", a.backend.Name).
		Str("instance", a.coord.ID()).
		Strs("sources", registry.Names()).
		Msg("coordinator ready")
	return a, nil
}

// shutdown stops the coordinator, drains alerts and closes resources.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.coord.Stop(ctx); err != nil {
		a.log.Warn().Err(err).Msg("stop coordinator")
	}
	a.alerts.Wait()
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return &t, nil
}

func runScrape(ctx context.Context, f scrapeFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	start, err := parseTimeFlag("start", f.start)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", f.end)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	// With a shared backend the jobs go through the fleet queue; locally the
	// coordinator runs sources directly.
	if a.backend.Shared() {
		if err := a.coord.Start(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("start coordinator: %w", err)
		}
	}
	defer a.shutdown()

	res, err := a.coord.Scrape(ctx, scrape.Request{
		Sources:      f.sources,
		Query:        f.query,
		Limit:        f.limit,
		CaptureMode:  source.CaptureMode(f.captureMode),
		SortStrategy: source.SortStrategy(f.sort),
		Start:        start,
		End:          end,
		Priorities:   f.priorities,
	})
	if err != nil {
		return err
	}

	if !f.noStore && len(res.Items) > 0 {
		if err := a.db.UpsertItems(ctx, res.Items); err != nil {
			return fmt.Errorf("store items: %w", err)
		}
	}

	if f.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if res.Error != "" {
		fmt.Fprintln(os.Stderr, res.Error)
		return nil
	}
	for src, kind := range res.Meta.Failures {
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", src, kind)
	}
	fmt.Fprintf(os.Stderr, "%d raw, %d unique, %d shown (queue %d)\n",
		res.Meta.RawCount, res.Meta.UniqueCount, len(res.Items), res.Meta.QueueDepth)
	return printItems(res.Items)
}

func printItems(items []source.Item) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HEAT\tSOURCE\tPUBLISHED\tTITLE")
	for _, it := range items {
		published := "-"
		if !it.PublishedAt.IsZero() {
			published = it.PublishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", it.NormalizedHeatScore, it.SourcePlatform, published, it.Title)
	}
	return w.Flush()
}

func runWorker(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Coordination.Backend != "redis" {
		return errors.New("worker needs coordination.backend: redis")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.coord.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer a.shutdown()

	srv := server.New(a.coord, a.db, a.reg, cfg.Server.Port, logger.Named("server"))
	return serveUntilDone(ctx, srv)
}

func runDaemon(ctx context.Context, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.coord.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer a.shutdown()

	sched := scheduler.New(a.coord, a.db, a.alerts, cfg.ScheduledRequest,
		cfg.Schedule.Interval, cfg.Alerts.MinHeat, logger.Named("scheduler"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("scheduler error")
		}
	}()

	srv := server.New(a.coord, a.db, a.reg, port, logger.Named("server"))
	err = serveUntilDone(ctx, srv)
	wg.Wait()
	return err
}

func serveUntilDone(ctx context.Context, srv *server.Server) error {
	err := srv.ListenAndServe(ctx)
	if ctx.Err() != nil {
		l := logger.Get()
		l.Info().Msg("shutting down")
		return nil
	}
	return err
}

func runHealth(ctx context.Context, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.shutdown()

	health := a.coord.Health(ctx)
	depth, depthErr := a.coord.QueueDepth(ctx)

	if jsonOutput {
		out := map[string]any{"sources": health, "queue_size": depth}
		if depthErr != nil {
			out["queue_error"] = depthErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tDETAIL")
	unhealthy := 0
	for _, name := range names {
		h := health[name]
		if h.Status != source.StatusHealthy {
			unhealthy++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, h.Status, h.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if depthErr != nil {
		return fmt.Errorf("queue: %w", depthErr)
	}
	fmt.Printf("\nqueue depth: %d\n", depth)
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d sources unhealthy", unhealthy, len(names))
	}
	return nil
}

func runItems(ctx context.Context, platform string, since time.Duration, limit int, byHeat, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	opts := store.ListOpts{Platform: platform, Limit: limit}
	if since > 0 {
		opts.Since = time.Now().Add(-since)
	}
	if byHeat {
		opts.Order = store.OrderHeat
	}

	items, err := db.ListItems(ctx, opts)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no items found (try scraping first: trendagent scrape)")
		return nil
	}
	return printItems(items)
}
