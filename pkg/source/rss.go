package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSSFeed is a named RSS/Atom feed URL.
type RSSFeed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RSS collects entries from RSS/Atom feeds.
type RSS struct {
	client *http.Client
	parser *gofeed.Parser
	feeds  []RSSFeed
	filter *Filter
	maxAge time.Duration
}

// NewRSS creates a new RSS collector. Entries older than maxAge are skipped when the
// query carries no explicit window; zero keeps everything.
func NewRSS(feeds []RSSFeed, filter *Filter, maxAge time.Duration) *RSS {
	return &RSS{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		feeds:  feeds,
		filter: filter,
		maxAge: maxAge,
	}
}

func (r *RSS) Name() string { return PlatformRSS }

// Scrape reads every feed. A failing feed is skipped unless all of them fail.
func (r *RSS) Scrape(ctx context.Context, q Query) ([]Item, error) {
	var (
		allItems []Item
		errs     []string
	)
	for _, feed := range r.feeds {
		items, err := r.collectFeed(ctx, feed, q)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		allItems = append(allItems, items...)
	}
	if len(r.feeds) > 0 && len(errs) == len(r.feeds) {
		return nil, fmt.Errorf("all rss feeds failed: %s", strings.Join(errs, "; "))
	}
	if q.Limit > 0 && len(allItems) > q.Limit {
		allItems = allItems[:q.Limit]
	}
	return allItems, nil
}

func (r *RSS) collectFeed(ctx context.Context, feed RSSFeed, q Query) ([]Item, error) {
	parsed, err := r.fetch(ctx, feed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var cutoff time.Time
	if r.maxAge > 0 && q.Start == nil && q.End == nil {
		cutoff = now.Add(-r.maxAge)
	}

	var items []Item
	for _, entry := range parsed.Items {
		var published time.Time
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}

		if !cutoff.IsZero() && !published.IsZero() && published.Before(cutoff) {
			continue
		}
		if !published.IsZero() && !q.InWindow(published) {
			continue
		}
		if !r.filter.Matches(q.Text, entry.Title+" "+entry.Description) {
			continue
		}

		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}
		id := entry.GUID
		if id == "" {
			id = link
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}
		var media []string
		if entry.Image != nil && entry.Image.URL != "" {
			media = append(media, entry.Image.URL)
		}
		for _, enc := range entry.Enclosures {
			if enc != nil && enc.URL != "" {
				media = append(media, enc.URL)
			}
		}

		items = append(items, Item{
			ItemID:         fmt.Sprintf("rss:%s:%s", feed.Name, id),
			SourcePlatform: PlatformRSS,
			SourceChannel:  feed.Name,
			SourceType:     "article",
			SourceID:       id,
			SourceURL:      link,
			Title:          entry.Title,
			Description:    truncate(entry.Description, 1000),
			Author:         author,
			Language:       parsed.Language,
			PublishedAt:    published,
			ScrapedAt:      now,
			Tags:           entry.Categories,
			MediaURLs:      media,
			Metrics: map[string]any{
				"feed_name": feed.Name,
			},
		})
	}

	return items, nil
}

func (r *RSS) fetch(ctx context.Context, feed RSSFeed) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create rss request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "trend-agent/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rss %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse rss %s: %w", feed.Name, err)
	}
	return parsed, nil
}

// HealthCheck reports healthy when at least one feed parses.
func (r *RSS) HealthCheck(ctx context.Context) Health {
	if len(r.feeds) == 0 {
		return Health{Source: PlatformRSS, Status: StatusUnhealthy, Detail: "no feeds configured"}
	}
	var last error
	for _, feed := range r.feeds {
		_, err := r.fetch(ctx, feed)
		if err == nil {
			return Health{Source: PlatformRSS, Status: StatusHealthy}
		}
		last = err
	}
	return Health{Source: PlatformRSS, Status: StatusUnhealthy, Detail: last.Error()}
}

func (r *RSS) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
