package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	githubAPIBase      = "https://api.github.com"
	githubDefaultQuery = "topic:ai OR topic:machine-learning OR topic:developer-tools"
)

// GitHub collects trending repositories and their latest releases from the GitHub REST API.
// It keeps an ETag cache and a per-channel cursor so repeated runs only return new activity.
type GitHub struct {
	client  *http.Client
	baseURL string
	token   string
	now     func() time.Time

	mu     sync.Mutex
	etags  map[string]string
	cursor map[string]time.Time
}

// GitHubOption configures a GitHub collector.
type GitHubOption func(*GitHub)

// WithGitHubBaseURL points the collector at a different API root.
func WithGitHubBaseURL(u string) GitHubOption {
	return func(g *GitHub) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithGitHubClock overrides the clock used for star velocity.
func WithGitHubClock(now func() time.Time) GitHubOption {
	return func(g *GitHub) { g.now = now }
}

// NewGitHub creates a new GitHub collector.
func NewGitHub(token string, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: githubAPIBase,
		token:   token,
		now:     time.Now,
		etags:   make(map[string]string),
		cursor:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GitHub) Name() string { return PlatformGitHub }

func (g *GitHub) Scrape(ctx context.Context, q Query) ([]Item, error) {
	maxItems := clampInt(q.Limit, 1, 100)
	repoLimit := min(maxItems, max(8, maxItems/2))
	sideLimit := min(30, max(3, maxItems/3))

	repos, err := g.fetchRepos(ctx, q, repoLimit)
	if err != nil {
		return nil, err
	}

	candidates := repos[:min(len(repos), sideLimit)]
	releases := g.fetchReleases(ctx, q, candidates, sideLimit)

	items := append(repos, releases...)
	if len(items) > maxItems*3 {
		items = items[:maxItems*3]
	}
	return items, nil
}

func (g *GitHub) fetchRepos(ctx context.Context, q Query, limit int) ([]Item, error) {
	query := buildRepoQuery(q)
	sort := "updated"
	if q.CaptureMode == CaptureByHot || q.SortStrategy == SortEngagement || q.SortStrategy == SortHybrid {
		sort = "stars"
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", sort)
	params.Set("order", "desc")
	params.Set("per_page", fmt.Sprintf("%d", limit))

	var result ghSearchResult
	status, err := g.getJSON(ctx, "/search/repositories?"+params.Encode(), "repo:"+query+":"+sort, &result)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotModified {
		return nil, nil
	}

	const channel = "github_trending"
	now := g.now().UTC()
	var items []Item
	for _, repo := range result.Items {
		if repo.FullName == "" {
			continue
		}
		updated := firstNonZero(repo.PushedAt, repo.UpdatedAt, repo.CreatedAt)
		if !g.withinWindow(channel, updated, q) {
			continue
		}

		htmlURL := repo.HTMLURL
		if htmlURL == "" {
			htmlURL = "https://github.com/" + repo.FullName
		}
		var media []string
		if repo.Owner.AvatarURL != "" {
			media = []string{repo.Owner.AvatarURL}
		}
		tags := repo.Topics
		if len(tags) > 10 {
			tags = tags[:10]
		}

		items = append(items, Item{
			ItemID:          fmt.Sprintf("github:%s", repo.FullName),
			SourcePlatform:  PlatformGitHub,
			SourceChannel:   channel,
			SourceType:      "repository",
			SourceID:        repo.FullName,
			SourceURL:       htmlURL,
			Title:           repo.FullName,
			Description:     truncate(repo.Description, 1000),
			Author:          repo.Owner.Login,
			AuthorID:        fmt.Sprintf("%d", repo.Owner.ID),
			Language:        "en",
			EngagementScore: float64(repo.Stars + repo.Forks*2 + repo.Watchers + repo.OpenIssues/2),
			Tags:            tags,
			ExternalURLs:    nonEmpty(repo.Homepage, htmlURL),
			MediaURLs:       media,
			PublishedAt:     updated,
			ScrapedAt:       now,
			Metrics: map[string]any{
				"stars":                 repo.Stars,
				"forks":                 repo.Forks,
				"watchers":              repo.Watchers,
				"open_issues":           repo.OpenIssues,
				"language":              repo.Language,
				"repo_created_at":       formatTime(repo.CreatedAt),
				"repo_pushed_at":        formatTime(repo.PushedAt),
				"star_velocity_per_day": starVelocity(repo.Stars, repo.CreatedAt, now),
			},
		})
	}
	g.advanceCursor(channel, items)
	return items, nil
}

func (g *GitHub) fetchReleases(ctx context.Context, q Query, repos []Item, limit int) []Item {
	const channel = "github_release"
	now := g.now().UTC()
	var items []Item
	for _, repo := range repos {
		if len(items) >= limit {
			break
		}
		var releases []ghRelease
		status, err := g.getJSON(ctx, "/repos/"+repo.SourceID+"/releases?per_page=1", "release:"+repo.SourceID, &releases)
		if err != nil || status == http.StatusNotModified || len(releases) == 0 {
			continue
		}
		rel := releases[0]
		published := firstNonZero(rel.PublishedAt, rel.CreatedAt)
		if !g.withinWindow(channel, published, q) {
			continue
		}

		downloads := 0
		for _, a := range rel.Assets {
			downloads += a.DownloadCount
		}
		reactions := rel.Reactions.total()
		title := rel.Name
		if title == "" {
			title = rel.TagName
		}
		relURL := rel.HTMLURL
		if relURL == "" {
			relURL = repo.SourceURL
		}
		var tags []string
		if rel.TagName != "" {
			tags = []string{rel.TagName}
		}

		items = append(items, Item{
			ItemID:          fmt.Sprintf("github:%s#release#%d", repo.SourceID, rel.ID),
			SourcePlatform:  PlatformGitHub,
			SourceChannel:   channel,
			SourceType:      "release",
			SourceID:        fmt.Sprintf("%s#release#%d", repo.SourceID, rel.ID),
			SourceURL:       relURL,
			Title:           repo.SourceID + ": " + title,
			Description:     truncate(rel.Body, 1000),
			Author:          rel.Author.Login,
			Language:        "en",
			EngagementScore: float64(downloads + len(rel.Assets)*20 + rel.Comments*5 + reactions*3),
			Tags:            tags,
			ExternalURLs:    nonEmpty(rel.TarballURL, rel.ZipballURL, relURL),
			PublishedAt:     published,
			ScrapedAt:       now,
			Metrics: map[string]any{
				"repo_full_name": repo.SourceID,
				"assets_count":   len(rel.Assets),
				"download_count": downloads,
				"comments":       rel.Comments,
				"reaction_count": reactions,
				"tag_name":       rel.TagName,
			},
		})
	}
	g.advanceCursor(channel, items)
	return items
}

// getJSON issues a conditional GET. A 304 leaves dst untouched.
func (g *GitHub) getJSON(ctx context.Context, path, cacheKey string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("create github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "trend-agent/1.0")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	g.mu.Lock()
	if etag := g.etags[cacheKey]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	g.mu.Unlock()

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch github %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp.StatusCode, nil
	case resp.StatusCode != http.StatusOK:
		return resp.StatusCode, fmt.Errorf("github API status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return resp.StatusCode, fmt.Errorf("decode github response: %w", err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		g.mu.Lock()
		g.etags[cacheKey] = etag
		g.mu.Unlock()
	}
	return resp.StatusCode, nil
}

// withinWindow applies the query bounds, or the channel cursor when the query has none.
func (g *GitHub) withinWindow(channel string, t time.Time, q Query) bool {
	g.mu.Lock()
	cur := g.cursor[channel]
	g.mu.Unlock()
	unbounded := q.Start == nil && q.End == nil

	if t.IsZero() {
		return unbounded && cur.IsZero()
	}
	if !q.InWindow(t) {
		return false
	}
	if unbounded && !cur.IsZero() && !t.After(cur) {
		return false
	}
	return true
}

func (g *GitHub) advanceCursor(channel string, items []Item) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.cursor[channel]
	for _, it := range items {
		if it.PublishedAt.After(cur) {
			cur = it.PublishedAt
		}
	}
	if !cur.IsZero() {
		g.cursor[channel] = cur
	}
}

func (g *GitHub) HealthCheck(ctx context.Context) Health {
	var limits map[string]any
	if _, err := g.getJSON(ctx, "/rate_limit", "health:rate_limit", &limits); err != nil {
		return Health{Source: PlatformGitHub, Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Health{Source: PlatformGitHub, Status: StatusHealthy}
}

func (g *GitHub) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// LoadState restores the ETag cache and cursors produced by DumpState.
func (g *GitHub) LoadState(state map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if etags, ok := state["etag_cache"].(map[string]any); ok {
		for k, v := range etags {
			if s, ok := v.(string); ok && k != "" && s != "" {
				g.etags[k] = s
			}
		}
	}
	if cursor, ok := state["cursor"].(map[string]any); ok {
		for k, v := range cursor {
			s, _ := v.(string)
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("parse github cursor %s: %w", k, err)
			}
			g.cursor[k] = t.UTC()
		}
	}
	return nil
}

// DumpState returns JSON-friendly state for persistence.
func (g *GitHub) DumpState() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	etags := make(map[string]any, len(g.etags))
	for k, v := range g.etags {
		etags[k] = v
	}
	cursor := make(map[string]any, len(g.cursor))
	for k, v := range g.cursor {
		cursor[k] = v.Format(time.RFC3339Nano)
	}
	return map[string]any{"etag_cache": etags, "cursor": cursor}
}

func buildRepoQuery(q Query) string {
	terms := []string{githubDefaultQuery}
	if t := strings.TrimSpace(q.Text); t != "" {
		terms[0] = t
	}
	if q.CaptureMode == CaptureByTime || q.CaptureMode == CaptureHybrid {
		switch {
		case q.Start != nil && q.End != nil:
			terms = append(terms, fmt.Sprintf("pushed:%s..%s", ymd(*q.Start), ymd(*q.End)))
		case q.Start != nil:
			terms = append(terms, "pushed:>="+ymd(*q.Start))
		case q.End != nil:
			terms = append(terms, "pushed:<="+ymd(*q.End))
		}
	}
	if q.CaptureMode == CaptureByHot {
		terms = append(terms, "stars:>50")
	}
	return strings.Join(terms, " ")
}

// starVelocity is stars per day since creation, with a one hour age floor.
func starVelocity(stars int, created, now time.Time) float64 {
	if created.IsZero() {
		created = now
	}
	ageDays := max(now.Sub(created).Hours()/24, 1.0/24)
	return float64(stars) / ageDays
}

func ymd(t time.Time) string { return t.UTC().Format("2006-01-02") }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

type ghSearchResult struct {
	TotalCount int      `json:"total_count"`
	Items      []ghRepo `json:"items"`
}

type ghRepo struct {
	FullName    string    `json:"full_name"`
	HTMLURL     string    `json:"html_url"`
	Homepage    string    `json:"homepage"`
	Description string    `json:"description"`
	Stars       int       `json:"stargazers_count"`
	Forks       int       `json:"forks_count"`
	Watchers    int       `json:"watchers_count"`
	OpenIssues  int       `json:"open_issues_count"`
	Language    string    `json:"language"`
	Topics      []string  `json:"topics"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PushedAt    time.Time `json:"pushed_at"`
	Owner       ghOwner   `json:"owner"`
}

type ghOwner struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type ghRelease struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	TarballURL  string    `json:"tarball_url"`
	ZipballURL  string    `json:"zipball_url"`
	Comments    int       `json:"comments"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
	Author      ghOwner   `json:"author"`
	Assets      []struct {
		DownloadCount int `json:"download_count"`
	} `json:"assets"`
	Reactions ghReactions `json:"reactions"`
}

type ghReactions struct {
	PlusOne  int `json:"+1"`
	MinusOne int `json:"-1"`
	Laugh    int `json:"laugh"`
	Hooray   int `json:"hooray"`
	Confused int `json:"confused"`
	Heart    int `json:"heart"`
	Rocket   int `json:"rocket"`
	Eyes     int `json:"eyes"`
}

func (r ghReactions) total() int {
	return r.PlusOne + r.MinusOne + r.Laugh + r.Hooray + r.Confused + r.Heart + r.Rocket + r.Eyes
}
