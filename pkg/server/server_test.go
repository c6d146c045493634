package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/internal/store"
	"github.com/chenjianrui-111/trend-agent/pkg/metrics"
	"github.com/chenjianrui-111/trend-agent/pkg/scrape"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

type fakeCoordinator struct {
	health   map[string]source.Health
	depth    int
	depthErr error
	result   scrape.Result
	err      error
	got      scrape.Request
}

func (f *fakeCoordinator) Scrape(_ context.Context, req scrape.Request) (scrape.Result, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeCoordinator) Health(context.Context) map[string]source.Health { return f.health }

func (f *fakeCoordinator) QueueDepth(context.Context) (int, error) { return f.depth, f.depthErr }

func newTestServer(t *testing.T, coord *fakeCoordinator) (*Server, *store.SQLiteStore, *prometheus.Registry) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "srv.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := prometheus.NewRegistry()
	return New(coord, st, reg, 0, zerolog.Nop()), st, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	coord := &fakeCoordinator{
		health: map[string]source.Health{
			"github": {Source: "github", Status: source.StatusHealthy},
			"reddit": {Source: "reddit", Status: source.StatusUnhealthy, Detail: "401"},
		},
		depth: 3,
	}
	srv, _, _ := newTestServer(t, coord)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || resp.QueueDepth != 3 || len(resp.Sources) != 2 {
		t.Fatalf("health = %+v", resp)
	}

	coord.depthErr = errors.New("redis down")
	if rec := do(t, srv.Handler(), http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with broken queue = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, reg := newTestServer(t, &fakeCoordinator{})
	m := metrics.New(reg)
	m.Scrape("github", metrics.StatusSuccess)

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `trend_agent_scrape_total{source="github",status="success"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestScrape_StoresItems(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	coord := &fakeCoordinator{result: scrape.Result{
		Items: []source.Item{{SourcePlatform: "github", SourceID: "42", Title: "repo", ScrapedAt: now, NormalizedHeatScore: 0.7}},
	}}
	srv, st, _ := newTestServer(t, coord)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/scrape", `{"sources":["github"],"capture_mode":"by_hot","limit":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if coord.got.CaptureMode != source.CaptureByHot || coord.got.Limit != 5 {
		t.Fatalf("forwarded request = %+v", coord.got)
	}
	if _, err := st.GetItem(context.Background(), "github:42"); err != nil {
		t.Fatalf("item not stored: %v", err)
	}

	rec = do(t, srv.Handler(), http.MethodGet, "/api/v1/items?source=github&order=heat", "")
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Fatalf("items = %s (%v)", rec.Body, err)
	}
}

func TestScrape_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"unknown field", `{"bogus":1}`, nil, http.StatusBadRequest},
		{"invalid request", `{}`, scrape.ErrInvalidRequest, http.StatusBadRequest},
		{"stopped", `{}`, scrape.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, &fakeCoordinator{err: tt.err})
			if rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/scrape", tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestItems_BadQuery(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeCoordinator{})
	for _, path := range []string{"/api/v1/items?limit=x", "/api/v1/items?since=yesterday"} {
		if rec := do(t, srv.Handler(), http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}

func TestSources(t *testing.T) {
	coord := &fakeCoordinator{health: map[string]source.Health{
		"rss":    {Source: "rss", Status: source.StatusHealthy},
		"github": {Source: "github", Status: source.StatusHealthy},
	}}
	srv, st, _ := newTestServer(t, coord)
	if err := st.UpsertItems(context.Background(), []source.Item{{SourcePlatform: "rss", SourceID: "a", Title: "x"}}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/sources", "")
	var resp struct {
		Data []struct {
			Name  string `json:"name"`
			Items int    `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 || resp.Data[0].Name != "github" || resp.Data[1].Items != 1 {
		t.Fatalf("sources = %+v", resp.Data)
	}
}
