package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const hnBaseURL = "https://hacker-news.firebaseio.com/v0"

// HackerNews collects stories from Hacker News. The firebase API has no search, so the
// query is matched locally against title and URL.
type HackerNews struct {
	client  *http.Client
	baseURL string
	scan    int
	filter  *Filter
}

// NewHackerNews creates a new HN collector that inspects up to scan stories per run.
func NewHackerNews(scan int, filter *Filter) *HackerNews {
	if scan <= 0 {
		scan = 100
	}
	return &HackerNews{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: hnBaseURL,
		scan:    scan,
		filter:  filter,
	}
}

// WithBaseURL points the collector at a different API root.
func (h *HackerNews) WithBaseURL(u string) *HackerNews {
	h.baseURL = strings.TrimRight(u, "/")
	return h
}

func (h *HackerNews) Name() string { return PlatformHackerNews }

func (h *HackerNews) Scrape(ctx context.Context, q Query) ([]Item, error) {
	list := "topstories"
	if q.CaptureMode == CaptureByTime {
		list = "newstories"
	}
	ids, err := h.fetchStoryIDs(ctx, list)
	if err != nil {
		return nil, err
	}
	if len(ids) > h.scan {
		ids = ids[:h.scan]
	}

	var (
		mu       sync.Mutex
		items    []Item
		firstErr error
		failed   int
		wg       sync.WaitGroup
		sem      = make(chan struct{}, 10) // concurrency limit
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			story, err := h.fetchItem(ctx, id)
			if err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if story == nil {
				return
			}

			if !h.filter.Matches(q.Text, story.Title+" "+story.URL) {
				return
			}
			published := time.Unix(story.Time, 0).UTC()
			if !q.InWindow(published) {
				return
			}

			item := Item{
				ItemID:          fmt.Sprintf("hackernews:%d", story.ID),
				SourcePlatform:  PlatformHackerNews,
				SourceChannel:   list,
				SourceType:      "story",
				SourceID:        fmt.Sprintf("%d", story.ID),
				SourceURL:       story.URL,
				Title:           story.Title,
				Author:          story.By,
				EngagementScore: float64(story.Score + story.Descendants*2),
				PublishedAt:     published,
				ScrapedAt:       time.Now().UTC(),
				Metrics: map[string]any{
					"score":    story.Score,
					"comments": story.Descendants,
				},
			}
			if item.SourceURL == "" {
				item.SourceURL = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", story.ID)
			} else {
				item.ExternalURLs = []string{story.URL}
			}

			mu.Lock()
			items = append(items, item)
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	if len(ids) > 0 && failed == len(ids) {
		return nil, firstErr
	}

	// fan-in order is random; keep the upstream ranking stable for callers
	sort.SliceStable(items, func(i, j int) bool { return items[i].EngagementScore > items[j].EngagementScore })
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

func (h *HackerNews) HealthCheck(ctx context.Context) Health {
	if _, err := h.fetchStoryIDs(ctx, "topstories"); err != nil {
		return Health{Source: PlatformHackerNews, Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Health{Source: PlatformHackerNews, Status: StatusHealthy}
}

func (h *HackerNews) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

type hnStory struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Score       int    `json:"score"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Descendants int    `json:"descendants"`
	Type        string `json:"type"`
}

func (h *HackerNews) fetchStoryIDs(ctx context.Context, list string) ([]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+list+".json", nil)
	if err != nil {
		return nil, fmt.Errorf("create hn request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn %s: %w", list, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn %s status %d", list, resp.StatusCode)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode hn %s: %w", list, err)
	}
	return ids, nil
}

func (h *HackerNews) fetchItem(ctx context.Context, id int) (*hnStory, error) {
	url := fmt.Sprintf("%s/item/%d.json", h.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create hn item request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn item %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn item %d status %d", id, resp.StatusCode)
	}

	var story hnStory
	if err := json.NewDecoder(resp.Body).Decode(&story); err != nil {
		return nil, fmt.Errorf("decode hn item %d: %w", id, err)
	}

	if story.Type != "story" {
		return nil, nil
	}
	return &story, nil
}
