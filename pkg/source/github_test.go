package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newGitHubServer(t *testing.T, notModified *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/repositories", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"repos-v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if !strings.Contains(r.URL.Query().Get("q"), "stars:>50") {
			t.Errorf("by_hot query should require stars, got %q", r.URL.Query().Get("q"))
		}
		w.Header().Set("ETag", `"repos-v1"`)
		_, _ = w.Write([]byte(`{"total_count":1,"items":[{
			"full_name":"acme/rocket","html_url":"https://github.com/acme/rocket",
			"description":"fast things","stargazers_count":480,"forks_count":10,
			"watchers_count":480,"open_issues_count":4,"language":"Go","topics":["ai"],
			"created_at":"2025-01-01T00:00:00Z","pushed_at":"2025-01-03T00:00:00Z",
			"owner":{"id":7,"login":"acme","avatar_url":"https://avatars/acme.png"}}]}`))
	})
	mux.HandleFunc("/repos/acme/rocket/releases", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":99,"name":"v1.0","tag_name":"v1.0","body":"first",
			"html_url":"https://github.com/acme/rocket/releases/v1.0",
			"published_at":"2025-01-03T12:00:00Z","comments":1,
			"assets":[{"download_count":100},{"download_count":50}],
			"reactions":{"+1":2,"rocket":1},"author":{"login":"dev"}}]`))
	})
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resources":{}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHub_ScrapeReposAndReleases(t *testing.T) {
	var notModified atomic.Int32
	srv := newGitHubServer(t, &notModified)
	now := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	g := NewGitHub("", WithGitHubBaseURL(srv.URL), WithGitHubClock(func() time.Time { return now }))

	items, err := g.Scrape(context.Background(), Query{Limit: 10, CaptureMode: CaptureByHot})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want repo + release", len(items))
	}

	repo, rel := items[0], items[1]
	if repo.SourceID != "acme/rocket" || repo.SourceType != "repository" {
		t.Errorf("repo = %+v", repo)
	}
	if v, _ := repo.Metrics["star_velocity_per_day"].(float64); v != 120 {
		t.Errorf("star velocity = %v, want 120 (480 stars over 4 days)", repo.Metrics["star_velocity_per_day"])
	}
	if repo.Metrics["repo_created_at"] != "2025-01-01T00:00:00Z" {
		t.Errorf("repo_created_at = %v", repo.Metrics["repo_created_at"])
	}
	if rel.SourceType != "release" || rel.Metrics["download_count"] != 150 || rel.Metrics["reaction_count"] != 3 {
		t.Errorf("release = %+v", rel)
	}
	if want := float64(150 + 2*20 + 1*5 + 3*3); rel.EngagementScore != want {
		t.Errorf("release engagement = %v, want %v", rel.EngagementScore, want)
	}

	again, err := g.Scrape(context.Background(), Query{Limit: 10, CaptureMode: CaptureByHot})
	if err != nil {
		t.Fatalf("second Scrape: %v", err)
	}
	if len(again) != 0 || notModified.Load() != 1 {
		t.Fatalf("second run returned %d items, 304s = %d", len(again), notModified.Load())
	}
}

func TestGitHub_StateRoundTrip(t *testing.T) {
	var notModified atomic.Int32
	srv := newGitHubServer(t, &notModified)
	g := NewGitHub("", WithGitHubBaseURL(srv.URL))
	if _, err := g.Scrape(context.Background(), Query{Limit: 5, CaptureMode: CaptureByHot}); err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	// round trip through JSON the way the store persists it
	raw, err := json.Marshal(g.DumpState())
	if err != nil {
		t.Fatal(err)
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatal(err)
	}

	restored := NewGitHub("", WithGitHubBaseURL(srv.URL))
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	items, err := restored.Scrape(context.Background(), Query{Limit: 5, CaptureMode: CaptureByHot})
	if err != nil {
		t.Fatalf("Scrape after restore: %v", err)
	}
	if len(items) != 0 || notModified.Load() != 1 {
		t.Fatalf("restored collector should reuse ETag: items=%d 304s=%d", len(items), notModified.Load())
	}
}

func TestGitHub_ErrorsPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGitHub("", WithGitHubBaseURL(srv.URL))
	if _, err := g.Scrape(context.Background(), Query{Limit: 5}); err == nil {
		t.Fatal("expected error on 502")
	}
	if h := g.HealthCheck(context.Background()); h.Status != StatusUnhealthy {
		t.Fatalf("health = %+v", h)
	}
}

func TestBuildRepoQuery(t *testing.T) {
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		q    Query
		want string
	}{
		{"default", Query{}, githubDefaultQuery},
		{"by_time window", Query{Text: "llm", CaptureMode: CaptureByTime, Start: &start, End: &end}, "llm pushed:2025-02-01..2025-02-03"},
		{"hybrid start only", Query{Text: "llm", CaptureMode: CaptureHybrid, Start: &start}, "llm pushed:>=2025-02-01"},
		{"by_hot", Query{Text: "llm", CaptureMode: CaptureByHot, Start: &start}, "llm stars:>50"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := buildRepoQuery(c.q); got != c.want {
				t.Fatalf("buildRepoQuery = %q, want %q", got, c.want)
			}
		})
	}
}

func TestHackerNews_ScrapeFiltersAndWindows(t *testing.T) {
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	stories := map[string]string{
		"1": `{"id":1,"type":"story","title":"Rust async runtime","score":50,"descendants":5,"time":` + itoa(base.Unix()) + `}`,
		"2": `{"id":2,"type":"story","title":"Rust 2015 retro","score":90,"descendants":1,"time":` + itoa(base.AddDate(-1, 0, 0).Unix()) + `}`,
		"3": `{"id":3,"type":"comment","title":"rust","time":` + itoa(base.Unix()) + `}`,
		"4": `{"id":4,"type":"story","title":"Go news","url":"https://go.dev","score":10,"time":` + itoa(base.Unix()) + `}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/newstories.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2,3,4]`))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/item/"), ".json")
		_, _ = w.Write([]byte(stories[id]))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	start := base.Add(-time.Hour)
	hn := NewHackerNews(10, nil).WithBaseURL(srv.URL)
	items, err := hn.Scrape(context.Background(), Query{Text: "rust", CaptureMode: CaptureByTime, Start: &start, Limit: 10})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(items) != 1 || items[0].SourceID != "1" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].SourceURL != "https://news.ycombinator.com/item?id=1" {
		t.Errorf("SourceURL = %q", items[0].SourceURL)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
