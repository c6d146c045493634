package scrape

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisBus_RoutesByOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	bus := NewRedisBus(newRedisClient(t, mr), "bus")

	got := make(chan ResultMessage, 4)
	stop, err := bus.Subscribe(ctx, "owner-a", func(m ResultMessage) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "owner-b", okMessage("not-mine", "github", nil)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "owner-a", okMessage("mine", "github", nil)); err != nil {
		t.Fatal(err)
	}
	mr.Publish("bus:results:owner-a", "not json")

	select {
	case m := <-got:
		if m.JobID != "mine" || !m.OK {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected extra message %+v", m)
	default:
	}
}
