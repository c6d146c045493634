package source

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type stubSource struct {
	name     string
	status   string
	closeErr error
	closed   bool
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Scrape(context.Context, Query) ([]Item, error) {
	return nil, nil
}
func (s *stubSource) HealthCheck(context.Context) Health {
	return Health{Status: s.status}
}
func (s *stubSource) Close() error {
	s.closed = true
	return s.closeErr
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(&stubSource{name: "GitHub"}, &stubSource{name: "hackernews"})

	active, unknown := r.Resolve([]string{"hackernews", " github ", "HACKERNEWS", "weibo", ""})
	if want := []string{"hackernews", "github"}; !reflect.DeepEqual(active, want) {
		t.Errorf("active = %v, want %v", active, want)
	}
	if want := []string{"weibo"}; !reflect.DeepEqual(unknown, want) {
		t.Errorf("unknown = %v, want %v", unknown, want)
	}
}

func TestRegistry_HealthCheckFillsName(t *testing.T) {
	r := NewRegistry(&stubSource{name: "a", status: StatusHealthy}, &stubSource{name: "b", status: StatusUnhealthy})
	got := r.HealthCheck(context.Background())
	if got["a"].Source != "a" || got["a"].Status != StatusHealthy {
		t.Errorf("a = %+v", got["a"])
	}
	if got["b"].Status != StatusUnhealthy {
		t.Errorf("b = %+v", got["b"])
	}
}

func TestRegistry_CloseJoinsErrors(t *testing.T) {
	bad := &stubSource{name: "bad", closeErr: errors.New("boom")}
	good := &stubSource{name: "good"}
	r := NewRegistry(bad, good)

	err := r.Close()
	if err == nil || !errors.Is(err, bad.closeErr) {
		t.Fatalf("Close error = %v, want wrapped boom", err)
	}
	if !bad.closed || !good.closed {
		t.Fatal("every source should be closed")
	}
}

func TestFilter_Matches(t *testing.T) {
	f := NewFilter([]string{"Sponsored"})
	cases := []struct {
		query, text string
		want        bool
	}{
		{"", "anything goes", true},
		{"rust async", "Async Rust in 2025", true},
		{"rust async", "Rust 1.80 released", false},
		{"", "sponsored: buy this", false},
	}
	for _, c := range cases {
		if got := f.Matches(c.query, c.text); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.query, c.text, got, c.want)
		}
	}

	var nilFilter *Filter
	if !nilFilter.Matches("go", "Go generics") {
		t.Error("nil filter should still match query terms")
	}
}

func TestQuery_InWindowInclusive(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	q := Query{Start: &start, End: &end}

	if !q.InWindow(start) || !q.InWindow(end) {
		t.Error("bounds should be inclusive")
	}
	if q.InWindow(start.Add(-time.Second)) || q.InWindow(end.Add(time.Second)) {
		t.Error("outside bounds should be excluded")
	}
	if !(Query{}).InWindow(time.Time{}) {
		t.Error("unbounded query should accept anything")
	}
}

func TestItem_CloneIsDeep(t *testing.T) {
	orig := Item{
		Tags:          []string{"a"},
		HeatBreakdown: map[string]float64{"x": 1},
		Metrics:       map[string]any{"stars": 1},
	}
	c := orig.Clone()
	c.Tags[0] = "b"
	c.HeatBreakdown["x"] = 2
	c.Metrics["stars"] = 2

	if orig.Tags[0] != "a" || orig.HeatBreakdown["x"] != 1 || orig.Metrics["stars"] != 1 {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
}

func TestItem_Timestamp(t *testing.T) {
	fallback := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	scraped := fallback.Add(-time.Hour)
	published := fallback.Add(-2 * time.Hour)

	if got := (Item{}).Timestamp(fallback); !got.Equal(fallback) {
		t.Errorf("empty item = %v, want fallback", got)
	}
	if got := (Item{ScrapedAt: scraped}).Timestamp(fallback); !got.Equal(scraped) {
		t.Errorf("scraped only = %v", got)
	}
	if got := (Item{ScrapedAt: scraped, PublishedAt: published}).Timestamp(fallback); !got.Equal(published) {
		t.Errorf("published = %v", got)
	}
}
