package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func hotNotification() *Notification {
	return HotItems([]source.Item{
		{SourcePlatform: "github", Title: "cold", NormalizedHeatScore: 0.1},
		{SourcePlatform: "github", Title: "repo", SourceURL: "https://github.com/a/b", NormalizedHeatScore: 0.9},
		{SourcePlatform: "hackernews", Title: "story", SourceURL: "https://news.ycombinator.com/item?id=1", NormalizedHeatScore: 0.7},
	}, 0.5)
}

func TestHotItems(t *testing.T) {
	n := hotNotification()
	if n == nil || len(n.Items) != 2 || n.Score != 0.9 {
		t.Fatalf("digest = %+v", n)
	}
	if HotItems([]source.Item{{NormalizedHeatScore: 0.2}}, 0.5) != nil {
		t.Fatal("expected nil digest below threshold")
	}
}

func TestWebhook_SignsBody(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusAccepted)

	n := hotNotification()
	if err := NewWebhook(srv.URL, "s3cret").Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	body, hdr := c.bodies[0], c.headers[0]
	if got, want := hdr.Get(SignatureHeader), "sha256="+Sign("s3cret", body); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
	if hdr.Get("X-Trend-Event") != string(EventHotItems) {
		t.Fatalf("event header = %q", hdr.Get("X-Trend-Event"))
	}
	var decoded Notification
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Event != EventHotItems || len(decoded.Items) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestSlack_FormatsItems(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)

	if err := NewSlack(srv.URL).Send(context.Background(), hotNotification()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	body := string(c.bodies[0])
	if !strings.Contains(body, "<https://github.com/a/b|repo> [github]") {
		t.Fatalf("slack body missing item link: %s", body)
	}
}

func TestDiscord_CircuitOpened(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusNoContent)

	n := &Notification{Event: EventCircuitOpened, Title: "Circuit opened: reddit", Body: "paused", Source: "reddit", Time: time.Now()}
	if err := NewDiscord(srv.URL).Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var payload struct {
		Embeds []struct {
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal(c.bodies[0], &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Color != colorAlarm || !strings.Contains(payload.Embeds[0].Description, "reddit") {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestManager_BroadcastJoinsErrors(t *testing.T) {
	var ok, bad capture
	good := ok.server(t, http.StatusOK)
	broken := bad.server(t, http.StatusInternalServerError)

	m := NewManager([]Notifier{NewSlack(good.URL), NewWebhook(broken.URL, "")}, zerolog.Nop())
	err := m.Broadcast(context.Background(), &Notification{Event: EventCircuitOpened, Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "webhook") {
		t.Fatalf("err = %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatalf("deliveries = %d/%d", ok.count(), bad.count())
	}
}

func TestManager_BreakerObserverDispatches(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)
	m := NewManager([]Notifier{NewWebhook(srv.URL, "")}, zerolog.Nop())

	var seen []breaker.EventKind
	obs := Observers(func(e breaker.Event) { seen = append(seen, e.Kind) }, nil, m.BreakerObserver())

	obs(breaker.Event{Source: "github", Kind: breaker.EventHalfOpen})
	obs(breaker.Event{Source: "github", Kind: breaker.EventOpened})
	obs(breaker.Event{Source: "github", Kind: breaker.EventBrokerError, Err: errors.New("dial tcp: refused")})
	m.Wait()

	if len(seen) != 3 {
		t.Fatalf("fan-out saw %v", seen)
	}
	if c.count() != 2 {
		t.Fatalf("deliveries = %d, want opened and broker error only", c.count())
	}
}

func TestManager_BrokerErrorAlertsThrottledPerSource(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)
	m := NewManager([]Notifier{NewWebhook(srv.URL, "")}, zerolog.Nop()).WithBrokerAlertInterval(time.Minute)
	clock := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	obs := m.BreakerObserver()

	tests := []struct {
		name    string
		advance time.Duration
		source  string
		want    int
	}{
		{"first error alerts", 0, "github", 1},
		{"repeat inside interval suppressed", 10 * time.Second, "github", 1},
		{"other source alerts", 0, "reddit", 2},
		{"repeat just before interval suppressed", 49 * time.Second, "github", 2},
		{"after interval alerts again", time.Second, "github", 3},
		{"circuit opened is never throttled", 0, "", 4},
	}
	for _, tt := range tests {
		clock = clock.Add(tt.advance)
		if tt.source == "" {
			obs(breaker.Event{Source: "github", Kind: breaker.EventOpened})
		} else {
			obs(breaker.Event{Source: tt.source, Kind: breaker.EventBrokerError, Err: errors.New("redis: connection refused")})
		}
		m.Wait()
		if got := c.count(); got != tt.want {
			t.Fatalf("%s: deliveries = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestManager_BrokerAlertIntervalDisabled(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)
	m := NewManager([]Notifier{NewWebhook(srv.URL, "")}, zerolog.Nop()).WithBrokerAlertInterval(0)
	obs := m.BreakerObserver()
	for range 3 {
		obs(breaker.Event{Source: "github", Kind: breaker.EventBrokerError})
	}
	m.Wait()
	if c.count() != 3 {
		t.Fatalf("deliveries = %d, want 3", c.count())
	}
}

func TestManager_NoNotifiers(t *testing.T) {
	var m *Manager
	if m.HasNotifiers() {
		t.Fatal("nil manager has notifiers")
	}
	m.Wait()

	empty := NewManager(nil, zerolog.Nop())
	empty.BreakerObserver()(breaker.Event{Source: "x", Kind: breaker.EventOpened})
	empty.Wait()
}
