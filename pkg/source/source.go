package source

import (
	"context"
	"time"
)

// Well-known platform names. Collectors outside this list are free to use their own.
const (
	PlatformHackerNews = "hackernews"
	PlatformGitHub     = "github"
	PlatformReddit     = "reddit"
	PlatformRSS        = "rss"
)

// CaptureMode controls how a request windows results.
type CaptureMode string

const (
	CaptureByTime CaptureMode = "by_time"
	CaptureByHot  CaptureMode = "by_hot"
	CaptureHybrid CaptureMode = "hybrid"
)

// SortStrategy selects the final ordering of a scraped batch.
type SortStrategy string

const (
	SortEngagement SortStrategy = "engagement"
	SortRecency    SortStrategy = "recency"
	SortHybrid     SortStrategy = "hybrid"
)

// MediaAsset is a media reference extracted during normalization.
type MediaAsset struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Origin    string `json:"origin"`
}

// Item is the normalized content unit shared by every source.
type Item struct {
	ItemID         string `json:"item_id"`
	SourcePlatform string `json:"source_platform"`
	SourceChannel  string `json:"source_channel,omitempty"`
	SourceType     string `json:"source_type,omitempty"`
	SourceID       string `json:"source_id"`
	SourceURL      string `json:"source_url,omitempty"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Author         string `json:"author,omitempty"`
	AuthorID       string `json:"author_id,omitempty"`
	Language       string `json:"language,omitempty"`

	EngagementScore     float64            `json:"engagement_score"`
	NormalizedHeatScore float64            `json:"normalized_heat_score"`
	HeatBreakdown       map[string]float64 `json:"heat_breakdown,omitempty"`

	PublishedAt time.Time `json:"published_at"`
	ScrapedAt   time.Time `json:"scraped_at"`

	ContentHash    string         `json:"content_hash,omitempty"`
	NormalizedText string         `json:"normalized_text,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Hashtags       []string       `json:"hashtags,omitempty"`
	Mentions       []string       `json:"mentions,omitempty"`
	ExternalURLs   []string       `json:"external_urls,omitempty"`
	MediaURLs      []string       `json:"media_urls,omitempty"`
	MediaAssets    []MediaAsset   `json:"media_assets,omitempty"`
	Metrics        map[string]any `json:"platform_metrics,omitempty"`
}

// Timestamp returns the time an item is ranked and windowed by: published, then scraped,
// then the supplied fallback.
func (it Item) Timestamp(fallback time.Time) time.Time {
	if !it.PublishedAt.IsZero() {
		return it.PublishedAt.UTC()
	}
	if !it.ScrapedAt.IsZero() {
		return it.ScrapedAt.UTC()
	}
	return fallback
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	out := it
	if it.HeatBreakdown != nil {
		out.HeatBreakdown = make(map[string]float64, len(it.HeatBreakdown))
		for k, v := range it.HeatBreakdown {
			out.HeatBreakdown[k] = v
		}
	}
	if it.Metrics != nil {
		out.Metrics = make(map[string]any, len(it.Metrics))
		for k, v := range it.Metrics {
			out.Metrics[k] = v
		}
	}
	out.Tags = cloneStrings(it.Tags)
	out.Hashtags = cloneStrings(it.Hashtags)
	out.Mentions = cloneStrings(it.Mentions)
	out.ExternalURLs = cloneStrings(it.ExternalURLs)
	out.MediaURLs = cloneStrings(it.MediaURLs)
	if it.MediaAssets != nil {
		out.MediaAssets = append([]MediaAsset(nil), it.MediaAssets...)
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Query is the scrape input handed to a Source.
type Query struct {
	Text         string       `json:"query,omitempty"`
	Limit        int          `json:"limit"`
	CaptureMode  CaptureMode  `json:"capture_mode"`
	Start        *time.Time   `json:"start_time,omitempty"`
	End          *time.Time   `json:"end_time,omitempty"`
	SortStrategy SortStrategy `json:"sort_strategy"`
}

// Health is the result of a source health check.
type Health struct {
	Source string `json:"source"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Source is the interface every collector must implement.
// Scrape must be safe to call repeatedly and must return an error rather than a
// silently truncated batch.
type Source interface {
	Name() string
	Scrape(ctx context.Context, q Query) ([]Item, error)
	HealthCheck(ctx context.Context) Health
	Close() error
}

// Stateful is implemented by collectors that keep incremental cursors or ETags.
type Stateful interface {
	LoadState(state map[string]any) error
	DumpState() map[string]any
}
