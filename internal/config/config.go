package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
	"github.com/chenjianrui-111/trend-agent/pkg/queue"
	"github.com/chenjianrui-111/trend-agent/pkg/scrape"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
	"github.com/chenjianrui-111/trend-agent/pkg/trend"
)

// Config is the root configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Scraper      ScraperConfig      `yaml:"scraper"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Heat         trend.HeatConfig   `yaml:"heat"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Sources      SourcesConfig      `yaml:"sources"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Server       ServerConfig       `yaml:"server"`
	Filter       FilterConfig       `yaml:"filter"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ScraperConfig tunes the coordinator, queue and circuit breakers.
type ScraperConfig struct {
	EnabledSources   []string           `yaml:"enabled_sources"`
	Concurrency      int                `yaml:"concurrency" validate:"gte=0,lte=256"`
	QueueMaxSize     int                `yaml:"queue_max_size" validate:"gte=1"`
	EnqueueTimeout   time.Duration      `yaml:"enqueue_timeout" validate:"gte=0"`
	RetryMaxAttempts int                `yaml:"retry_max_attempts" validate:"gte=1,lte=20"`
	RetryBaseDelay   time.Duration      `yaml:"retry_base_delay" validate:"gte=0"`
	ScrapeTimeout    time.Duration      `yaml:"scrape_timeout" validate:"gte=0"`
	Circuit          breaker.Config     `yaml:"circuit"`
	SourceRPS        map[string]float64 `yaml:"source_rps" validate:"dive,gte=0"`
	SourcePriorities map[string]int     `yaml:"source_priorities"`
	DefaultPriority  int                `yaml:"default_priority"`
	DefaultLimit     int                `yaml:"default_limit" validate:"gte=0,lte=1000"`
}

// CoordinationConfig selects the local or Redis-backed coordination backend.
type CoordinationConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=local redis"`
	Redis      RedisConfig   `yaml:"redis"`
	PopTimeout time.Duration `yaml:"pop_timeout" validate:"gte=0"`
	ResultBus  string        `yaml:"result_bus" validate:"oneof=redis nats"`
	NATS       NATSConfig    `yaml:"nats"`
	InstanceID string        `yaml:"instance_id"`
}

// RedisConfig holds broker connection settings. URL wins over Addr when both are set.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" validate:"required"`
}

// NATSConfig holds NATS connection settings for the NATS result bus.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DedupConfig tunes near-duplicate detection.
type DedupConfig struct {
	HammingThreshold int `yaml:"hamming_threshold" validate:"gte=0,lte=64"`
}

// SourcesConfig holds configuration for all collectors.
type SourcesConfig struct {
	HackerNews HackerNewsConfig `yaml:"hackernews"`
	GitHub     GitHubConfig     `yaml:"github"`
	Reddit     RedditConfig     `yaml:"reddit"`
	RSS        RSSConfig        `yaml:"rss"`
}

// HackerNewsConfig for the Hacker News collector.
type HackerNewsConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit" validate:"gte=0,lte=500"`
}

// GitHubConfig for the GitHub collector.
type GitHubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// RedditConfig for the Reddit collector.
type RedditConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Subreddits   []string `yaml:"subreddits"`
}

// RSSConfig for the RSS collector.
type RSSConfig struct {
	Enabled bool             `yaml:"enabled"`
	Feeds   []source.RSSFeed `yaml:"feeds" validate:"dive"`
	MaxAge  time.Duration    `yaml:"max_age"`
}

// ScheduleConfig configures periodic runs.
type ScheduleConfig struct {
	Interval time.Duration   `yaml:"interval"`
	Request  ScheduleRequest `yaml:"request"`
}

// ScheduleRequest is the request a scheduled run submits. Lookback turns into a start
// time relative to each run.
type ScheduleRequest struct {
	Sources      []string            `yaml:"sources"`
	Query        string              `yaml:"query"`
	Limit        int                 `yaml:"limit"`
	CaptureMode  source.CaptureMode  `yaml:"capture_mode" validate:"omitempty,oneof=by_time by_hot hybrid"`
	SortStrategy source.SortStrategy `yaml:"sort_strategy" validate:"omitempty,oneof=engagement recency hybrid"`
	Lookback     time.Duration       `yaml:"lookback"`
}

// AlertsConfig configures alert destinations. MinHeat > 0 enables a digest of items at
// or above that heat after each scheduled run.
type AlertsConfig struct {
	MinHeat float64       `yaml:"min_heat" validate:"gte=0,lte=1"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// FilterConfig configures keyword filtering for collectors that support it.
type FilterConfig struct {
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	sc := scrape.DefaultConfig()
	qc := queue.DefaultConfig()
	return &Config{
		Log:      LogConfig{Level: "info", Format: "console"},
		Database: DatabaseConfig{Path: "./trend-agent.db"},
		Scraper: ScraperConfig{
			EnabledSources:   []string{source.PlatformHackerNews, source.PlatformGitHub, source.PlatformRSS},
			Concurrency:      sc.Workers,
			QueueMaxSize:     qc.MaxSize,
			EnqueueTimeout:   qc.EnqueueTimeout,
			RetryMaxAttempts: sc.RetryMaxAttempts,
			RetryBaseDelay:   sc.RetryBaseDelay,
			ScrapeTimeout:    30 * time.Second,
			Circuit:          breaker.DefaultConfig(),
			DefaultPriority:  sc.DefaultPriority,
			DefaultLimit:     sc.DefaultLimit,
		},
		Coordination: CoordinationConfig{
			Backend:    "local",
			Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "trend_agent:scraper"},
			PopTimeout: qc.PopTimeout,
			ResultBus:  "redis",
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				MaxReconnects:  10,
				ReconnectWait:  2 * time.Second,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Heat:  trend.DefaultHeatConfig(),
		Dedup: DedupConfig{HammingThreshold: sc.DedupThreshold},
		Sources: SourcesConfig{
			HackerNews: HackerNewsConfig{Enabled: true, Limit: 100},
			GitHub:     GitHubConfig{Enabled: true},
			Reddit: RedditConfig{
				Enabled:    false,
				Subreddits: []string{"MachineLearning", "artificial", "LocalLLaMA", "programming"},
			},
			RSS: RSSConfig{
				Enabled: true,
				MaxAge:  72 * time.Hour,
				Feeds: []source.RSSFeed{
					{Name: "Ars Technica", URL: "https://feeds.arstechnica.com/arstechnica/technology-lab"},
					{Name: "The Verge", URL: "https://www.theverge.com/rss/index.xml"},
				},
			},
		},
		Schedule: ScheduleConfig{
			Interval: 15 * time.Minute,
			Request: ScheduleRequest{
				Limit:        50,
				CaptureMode:  source.CaptureHybrid,
				SortStrategy: source.SortHybrid,
			},
		},
		Server: ServerConfig{Port: 9090},
	}
}

// Load reads configuration from a YAML file, applies env var overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Coordination.Backend == "redis" && c.Coordination.Redis.URL == "" && c.Coordination.Redis.Addr == "" {
		return errors.New("invalid config: coordination.redis needs url or addr")
	}
	if c.Coordination.Backend == "redis" && c.Coordination.ResultBus == "nats" && c.Coordination.NATS.URL == "" {
		return errors.New("invalid config: coordination.nats.url is required for the nats result bus")
	}
	if c.Coordination.Backend == "local" && c.Scraper.Concurrency == 0 {
		return errors.New("invalid config: scraper.concurrency must be > 0 with the local backend")
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		return errors.New("invalid config: alerts.slack.webhook_url is required when enabled")
	}
	if c.Alerts.Discord.Enabled && c.Alerts.Discord.WebhookURL == "" {
		return errors.New("invalid config: alerts.discord.webhook_url is required when enabled")
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return errors.New("invalid config: alerts.webhook.url is required when enabled")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TREND_AGENT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TREND_AGENT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TREND_AGENT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TREND_AGENT_BACKEND"); v != "" {
		cfg.Coordination.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TREND_AGENT_RESULT_BUS"); v != "" {
		cfg.Coordination.ResultBus = strings.ToLower(v)
	}
	if v := os.Getenv("TREND_AGENT_INSTANCE_ID"); v != "" {
		cfg.Coordination.InstanceID = v
	}
	if v := os.Getenv("TREND_AGENT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse TREND_AGENT_CONCURRENCY: %w", err)
		}
		cfg.Scraper.Concurrency = n
	}
	if v := os.Getenv("TREND_AGENT_SOURCES"); v != "" {
		cfg.Scraper.EnabledSources = splitList(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Coordination.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Coordination.NATS.URL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Sources.GitHub.Token = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("TREND_AGENT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ScrapeConfig converts the scraper section into coordinator tuning.
func (c *Config) ScrapeConfig() scrape.Config {
	return scrape.Config{
		Workers:          c.Scraper.Concurrency,
		RetryMaxAttempts: c.Scraper.RetryMaxAttempts,
		RetryBaseDelay:   c.Scraper.RetryBaseDelay,
		ScrapeTimeout:    c.Scraper.ScrapeTimeout,
		SourceRPS:        c.Scraper.SourceRPS,
		SourcePriorities: c.Scraper.SourcePriorities,
		DefaultPriority:  c.Scraper.DefaultPriority,
		DefaultLimit:     c.Scraper.DefaultLimit,
		DedupThreshold:   c.Dedup.HammingThreshold,
	}
}

// QueueConfig converts the queue limits.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxSize:        c.Scraper.QueueMaxSize,
		EnqueueTimeout: c.Scraper.EnqueueTimeout,
		PopTimeout:     c.Coordination.PopTimeout,
	}
}

// ScheduledRequest builds the request for one scheduled run at now.
func (c *Config) ScheduledRequest(now time.Time) scrape.Request {
	r := c.Schedule.Request
	req := scrape.Request{
		Sources:      r.Sources,
		Query:        r.Query,
		Limit:        r.Limit,
		CaptureMode:  r.CaptureMode,
		SortStrategy: r.SortStrategy,
	}
	if r.Lookback > 0 {
		start := now.Add(-r.Lookback)
		req.Start = &start
	}
	return req
}
