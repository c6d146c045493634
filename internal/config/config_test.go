package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordination.Backend != "local" || cfg.Scraper.Concurrency != 5 {
		t.Fatalf("defaults = %+v", cfg.Coordination)
	}
	if cfg.Dedup.HammingThreshold != 5 {
		t.Fatalf("hamming threshold = %d", cfg.Dedup.HammingThreshold)
	}
	if cfg.Scraper.Circuit.FailureThreshold != 5 || cfg.Scraper.Circuit.OpenDuration != time.Minute {
		t.Fatalf("circuit = %+v", cfg.Scraper.Circuit)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
scraper:
  concurrency: 8
  retry_base_delay: 250ms
  circuit:
    failure_threshold: 3
    open_duration: 2m
  source_rps:
    GitHub: 0.5
  source_priorities:
    hackernews: 20
coordination:
  backend: redis
  redis:
    addr: redis:6379
    key_prefix: ta
  result_bus: nats
  nats:
    url: nats://nats:4222
dedup:
  hamming_threshold: 3
schedule:
  interval: 5m
  request:
    capture_mode: by_hot
    lookback: 24h
sources:
  rss:
    feeds:
      - name: Example
        url: https://example.com/feed.xml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sc := cfg.ScrapeConfig()
	if sc.Workers != 8 || sc.RetryBaseDelay != 250*time.Millisecond || sc.DedupThreshold != 3 {
		t.Fatalf("scrape config = %+v", sc)
	}
	if sc.SourceRPS["GitHub"] != 0.5 || sc.SourcePriorities["hackernews"] != 20 {
		t.Fatalf("per-source maps = %+v", sc)
	}
	if cfg.Scraper.Circuit.FailureThreshold != 3 || cfg.Scraper.Circuit.OpenDuration != 2*time.Minute {
		t.Fatalf("circuit = %+v", cfg.Scraper.Circuit)
	}
	if cfg.Coordination.Redis.KeyPrefix != "ta" || cfg.Coordination.ResultBus != "nats" {
		t.Fatalf("coordination = %+v", cfg.Coordination)
	}
	if cfg.Schedule.Interval != 5*time.Minute {
		t.Fatalf("interval = %v", cfg.Schedule.Interval)
	}
	if len(cfg.Sources.RSS.Feeds) != 1 || cfg.Sources.RSS.Feeds[0].Name != "Example" {
		t.Fatalf("feeds = %+v", cfg.Sources.RSS.Feeds)
	}

	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	req := cfg.ScheduledRequest(now)
	if req.CaptureMode != source.CaptureByHot || req.SortStrategy != source.SortHybrid {
		t.Fatalf("request = %+v", req)
	}
	if req.Start == nil || !req.Start.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("start = %v", req.Start)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TREND_AGENT_BACKEND", "REDIS")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("TREND_AGENT_CONCURRENCY", "0")
	t.Setenv("TREND_AGENT_SOURCES", "github, rss,")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/x")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordination.Backend != "redis" || cfg.Coordination.Redis.URL != "redis://cache:6379/2" {
		t.Fatalf("coordination = %+v", cfg.Coordination)
	}
	if cfg.Scraper.Concurrency != 0 {
		t.Fatalf("concurrency = %d", cfg.Scraper.Concurrency)
	}
	if strings.Join(cfg.Scraper.EnabledSources, ",") != "github,rss" {
		t.Fatalf("sources = %v", cfg.Scraper.EnabledSources)
	}
	if cfg.Sources.GitHub.Token != "ghp_test" || !cfg.Alerts.Slack.Enabled {
		t.Fatalf("secrets not applied: %+v %+v", cfg.Sources.GitHub, cfg.Alerts.Slack)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown backend", "coordination:\n  backend: etcd\n", "Backend"},
		{"local without workers", "scraper:\n  concurrency: 0\n", "concurrency"},
		{"bad threshold", "dedup:\n  hamming_threshold: 65\n", "HammingThreshold"},
		{"negative rps", "scraper:\n  source_rps:\n    github: -1\n", "SourceRPS"},
		{"slack without url", "alerts:\n  slack:\n    enabled: true\n", "webhook_url"},
		{"nats without url", "coordination:\n  backend: redis\n  result_bus: nats\n  nats:\n    url: \"\"\n", "nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
