package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/message"
	"go.uber.org/zap/zaptest"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (b *captureBroadcaster) Broadcast(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *captureBroadcaster) snapshot() []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Message(nil), b.msgs...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestActivateRebroadcastsWithFreshIDs(t *testing.T) {
	b := &captureBroadcaster{}
	c := NewController(Config{
		Log:         zaptest.NewLogger(t),
		Broadcaster: b,
		SelfName:    "me",
		Interval:    20 * time.Millisecond,
	})

	c.Activate(context.Background(), "need rescue")
	waitFor(t, 2*time.Second, func() bool { return len(b.snapshot()) >= 3 })
	c.Deactivate()

	msgs := b.snapshot()
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Type != message.TypeSOS {
			t.Fatalf("expected sos type, got %s", m.Type)
		}
		if m.EndpointID != message.Broadcast {
			t.Fatalf("SOS must target the broadcast sentinel, got %q", m.EndpointID)
		}
		if m.MessageID == "" || seen[m.MessageID] {
			t.Fatalf("re-broadcast reused message id %q", m.MessageID)
		}
		seen[m.MessageID] = true
	}
}

func TestDeactivateStopsTheLoop(t *testing.T) {
	b := &captureBroadcaster{}
	c := NewController(Config{
		Log:         zaptest.NewLogger(t),
		Broadcaster: b,
		SelfName:    "me",
		Interval:    10 * time.Millisecond,
	})

	c.Activate(context.Background(), "help")
	waitFor(t, 2*time.Second, func() bool { return len(b.snapshot()) >= 1 })
	c.Deactivate()

	if c.Active() {
		t.Fatal("controller still active after Deactivate")
	}
	count := len(b.snapshot())
	time.Sleep(50 * time.Millisecond)
	if got := len(b.snapshot()); got != count {
		t.Fatalf("broadcasts continued after deactivation: %d -> %d", count, got)
	}

	// Deactivating again is harmless.
	c.Deactivate()
}

func TestActivateIsIdempotent(t *testing.T) {
	b := &captureBroadcaster{}
	c := NewController(Config{
		Log:         zaptest.NewLogger(t),
		Broadcaster: b,
		SelfName:    "me",
		Interval:    time.Hour,
	})
	defer c.Deactivate()

	c.Activate(context.Background(), "help")
	c.Activate(context.Background(), "help")
	waitFor(t, 2*time.Second, func() bool { return len(b.snapshot()) >= 1 })

	time.Sleep(30 * time.Millisecond)
	if got := len(b.snapshot()); got != 1 {
		t.Fatalf("double activation produced %d immediate broadcasts", got)
	}
}

func TestLocationAttachedWhenAvailable(t *testing.T) {
	b := &captureBroadcaster{}
	lat, lon := 14.5995, 120.9842
	c := NewController(Config{
		Log:         zaptest.NewLogger(t),
		Broadcaster: b,
		SelfName:    "me",
		Interval:    time.Hour,
		Location:    func() (*float64, *float64) { return &lat, &lon },
	})
	defer c.Deactivate()

	c.Activate(context.Background(), "trapped")
	waitFor(t, 2*time.Second, func() bool { return len(b.snapshot()) >= 1 })

	msg := b.snapshot()[0]
	if msg.Latitude == nil || *msg.Latitude != lat {
		t.Fatalf("latitude missing from SOS: %+v", msg)
	}
	if msg.Longitude == nil || *msg.Longitude != lon {
		t.Fatalf("longitude missing from SOS: %+v", msg)
	}
}
