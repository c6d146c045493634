// Package alert delivers operator notifications: circuit breaker transitions and
// digests of items that crossed a heat threshold.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/pkg/breaker"
	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// Event names what a notification reports.
type Event string

const (
	EventCircuitOpened Event = "circuit_opened"
	EventBrokerError   Event = "broker_error"
	EventHotItems      Event = "hot_items"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Event  Event         `json:"event"`
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	Source string        `json:"source,omitempty"`
	Score  float64       `json:"score,omitempty"`
	Time   time.Time     `json:"time"`
	Items  []source.Item `json:"items,omitempty"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
	log       zerolog.Logger
	timeout   time.Duration
	now       func() time.Time

	// brokerEvery is the minimum gap between broker error alerts for one source.
	brokerEvery time.Duration
	mu          sync.Mutex
	lastBroker  map[string]time.Time

	wg sync.WaitGroup
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier, log zerolog.Logger) *Manager {
	return &Manager{
		notifiers: notifiers,
		log:       log,
		timeout:     10 * time.Second,
		now:         time.Now,
		brokerEvery: time.Minute,
		lastBroker:  make(map[string]time.Time),
	}
}

// WithBrokerAlertInterval sets how often a broker error may alert per source.
// Zero or negative alerts on every error.
func (m *Manager) WithBrokerAlertInterval(d time.Duration) *Manager {
	m.brokerEvery = d
	return m
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if n.Time.IsZero() {
		n.Time = m.now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch broadcasts n in the background. Failures are logged.
func (m *Manager) Dispatch(n *Notification) {
	if !m.HasNotifiers() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.Broadcast(ctx, n); err != nil {
			m.log.Warn().Err(err).Str("event", string(n.Event)).Msg("alert delivery failed")
		}
	}()
}

// Wait blocks until background dispatches finish.
func (m *Manager) Wait() {
	if m != nil {
		m.wg.Wait()
	}
}

// BreakerObserver returns a breaker.Observer that alerts when a circuit opens or the
// shared breaker cannot reach its broker. Broker errors alert at most once per
// source within the broker alert interval. Delivery is asynchronous.
func (m *Manager) BreakerObserver() breaker.Observer {
	return func(e breaker.Event) {
		switch e.Kind {
		case breaker.EventOpened:
			m.Dispatch(&Notification{
				Event:  EventCircuitOpened,
				Title:  "Circuit opened: " + e.Source,
				Body:   fmt.Sprintf("Scraping %s is paused after repeated failures.", e.Source),
				Source: e.Source,
			})
		case breaker.EventBrokerError:
			if !m.allowBrokerAlert(e.Source) {
				return
			}
			body := "The shared circuit breaker could not reach its broker."
			if e.Err != nil {
				body += " " + e.Err.Error()
			}
			m.Dispatch(&Notification{
				Event:  EventBrokerError,
				Title:  "Breaker broker error: " + e.Source,
				Body:   body,
				Source: e.Source,
			})
		}
	}
}

func (m *Manager) allowBrokerAlert(src string) bool {
	if !m.HasNotifiers() {
		return false
	}
	if m.brokerEvery <= 0 {
		return true
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastBroker[src]; ok && now.Sub(last) < m.brokerEvery {
		return false
	}
	m.lastBroker[src] = now
	return true
}

// HotItems builds a digest of items whose heat is at least minHeat, or nil when none
// qualify. Items keep their input order.
func HotItems(items []source.Item, minHeat float64) *Notification {
	var hot []source.Item
	top := 0.0
	for _, it := range items {
		if it.NormalizedHeatScore < minHeat {
			continue
		}
		hot = append(hot, it)
		top = max(top, it.NormalizedHeatScore)
	}
	if len(hot) == 0 {
		return nil
	}
	return &Notification{
		Event: EventHotItems,
		Title: fmt.Sprintf("%d trending items", len(hot)),
		Body:  fmt.Sprintf("Items at or above heat %.2f.", minHeat),
		Score: top,
		Items: hot,
	}
}

// Observers fans one breaker event out to several observers.
func Observers(fns ...breaker.Observer) breaker.Observer {
	return func(e breaker.Event) {
		for _, fn := range fns {
			if fn != nil {
				fn(e)
			}
		}
	}
}

const maxLinks = 5

func topItems(items []source.Item) []source.Item {
	if len(items) > maxLinks {
		return items[:maxLinks]
	}
	return items
}

// post sends a JSON body and treats any 2xx as delivered.
func post(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
