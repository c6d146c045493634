//go:build integration_nats
// +build integration_nats

package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

func startNATS(t *testing.T) (url string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start nats container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "4222/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	url = fmt.Sprintf("nats://%s:%s", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return url, stop
}

func TestNATSBus_Integration(t *testing.T) {
	url, stop := startNATS(t)
	defer stop()

	nc, err := nats.Connect(url, nats.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	bus := NewNATSBus(nc, "it:scraper")
	got := make(chan ResultMessage, 2)
	unsubscribe, err := bus.Subscribe(context.Background(), "owner-a", func(m ResultMessage) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = unsubscribe() }()

	ctx := context.Background()
	if err := bus.Publish(ctx, "owner-b", okMessage("other", "github", nil)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "owner-a", okMessage("job-1", "github", []source.Item{{SourceID: "x"}})); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "owner-a", errMessage("job-2", "github", newError(KindCircuitOpen, "github", ErrCircuitOpen))); err != nil {
		t.Fatal(err)
	}

	for _, wantID := range []string{"job-1", "job-2"} {
		select {
		case m := <-got:
			if m.JobID != wantID {
				t.Fatalf("received %q, want %q", m.JobID, wantID)
			}
			if wantID == "job-2" {
				if _, err := m.outcome(); !errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("kind lost over NATS: %v", err)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", wantID)
		}
	}
}
