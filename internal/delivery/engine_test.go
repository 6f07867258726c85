package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap/zaptest"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failAll bool
}

func (f *fakeSender) Send(_ context.Context, _ []byte, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("link reset")
	}
	f.sent = append(f.sent, target)
	return nil
}

func (f *fakeSender) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	engine   *Engine
	resolver *identity.Resolver
	registry *mesh.Registry
	messages *store.InMemoryMessages
	sender   *fakeSender
	rechecks *int
}

func newHarness(t *testing.T) harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	resolver := identity.NewResolver(log)
	registry := mesh.NewRegistry(log, 0)
	messages := store.NewInMemoryMessages()
	sender := &fakeSender{}
	rechecks := 0
	engine, err := NewEngine(Config{
		Log:          log,
		Resolver:     resolver,
		Registry:     registry,
		Messages:     messages,
		Sender:       sender,
		SelfAddress:  "00:11:22:33:44:55",
		AfterAttempt: func() { rechecks++ },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return harness{engine, resolver, registry, messages, sender, &rechecks}
}

func statusOf(t *testing.T, messages *store.InMemoryMessages, id string) message.Status {
	t.Helper()
	msg, ok := messages.Find(id)
	if !ok {
		t.Fatalf("message %s not stored", id)
	}
	return msg.Status
}

func TestSendToDirectPeerMarksSent(t *testing.T) {
	h := newHarness(t)
	h.resolver.Register("aa:bb", "Ana")
	h.registry.SetDirect("aa:bb")

	msg := message.New("Ana", "me", "hello", message.TypeText)
	if err := h.engine.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if targets := h.sender.targets(); len(targets) != 1 || targets[0] != "aa:bb" {
		t.Fatalf("expected one send to aa:bb, got %v", targets)
	}
	if *h.rechecks != 1 {
		t.Fatalf("expected one reachability recheck, got %d", *h.rechecks)
	}
}

func TestSendToUnreachablePersistsFailedWithoutTransportCall(t *testing.T) {
	h := newHarness(t)
	h.resolver.Register("aa:bb", "Ana")
	// Known device, but no direct link and no mesh entry.

	msg := message.New("aa:bb", "me", "anyone there", message.TypeText)
	err := h.engine.Send(context.Background(), msg)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusFailed {
		t.Fatalf("expected failed local echo, got %s", got)
	}
	if len(h.sender.targets()) != 0 {
		t.Fatalf("transport must not be touched: %v", h.sender.targets())
	}
	if *h.rechecks != 1 {
		t.Fatalf("unreachable path must still recheck, got %d", *h.rechecks)
	}
}

func TestSendToMeshReachablePeerUsesTransport(t *testing.T) {
	h := newHarness(t)
	h.registry.Observe("cc:dd", 3, time.Now())

	msg := message.New("cc:dd", "me", "via relay", message.TypeText)
	if err := h.engine.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}
}

func TestSendTransportFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.registry.SetDirect("aa:bb")
	h.sender.failAll = true

	msg := message.New("aa:bb", "me", "doomed", message.TypeText)
	err := h.engine.Send(context.Background(), msg)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestSendMissingIdentifier(t *testing.T) {
	h := newHarness(t)

	msg := message.New("", "me", "nowhere", message.TypeText)
	if err := h.engine.Send(context.Background(), msg); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
	if _, ok := h.messages.Find(msg.MessageID); ok {
		t.Fatal("caller-bug sends must not be persisted")
	}
}

func TestHandleAckPromotesSentOnly(t *testing.T) {
	h := newHarness(t)
	h.registry.SetDirect("aa:bb")

	msg := message.New("aa:bb", "me", "ping", message.TypeText)
	if err := h.engine.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	h.engine.HandleAck(msg.MessageID)
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}

	// A second ack, and acks for unknown ids, are ignored.
	h.engine.HandleAck(msg.MessageID)
	h.engine.HandleAck("no-such-id")
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusDelivered {
		t.Fatalf("ack replay corrupted status: %s", got)
	}
}

func TestAckNeverPromotesFailed(t *testing.T) {
	h := newHarness(t)

	msg := message.New("aa:bb", "me", "lost", message.TypeText)
	if err := h.engine.Send(context.Background(), msg); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	h.engine.HandleAck(msg.MessageID)
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusFailed {
		t.Fatalf("failed is terminal, got %s", got)
	}
}

func TestBroadcastFansOutToDirectPeers(t *testing.T) {
	h := newHarness(t)
	h.registry.SetDirect("aa:bb")
	h.registry.SetDirect("cc:dd")

	msg := message.New(message.Broadcast, "me", "SOS", message.TypeSOS)
	if err := h.engine.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if targets := h.sender.targets(); len(targets) != 2 {
		t.Fatalf("expected 2 legs, got %v", targets)
	}
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}
}

func TestBroadcastWithNoPeersFails(t *testing.T) {
	h := newHarness(t)

	msg := message.New(message.Broadcast, "me", "SOS", message.TypeSOS)
	if err := h.engine.Broadcast(context.Background(), msg); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if got := statusOf(t, h.messages, msg.MessageID); got != message.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}
