package router

import (
	"sync"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *recorder) listener() Listener {
	return func(msg message.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, msg)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestRouter(t *testing.T) (*Router, *identity.Resolver, *store.InMemoryMessages) {
	t.Helper()
	resolver := identity.NewResolver(zaptest.NewLogger(t))
	messages := store.NewInMemoryMessages()
	r := New(Config{
		Log:      zaptest.NewLogger(t),
		Resolver: resolver,
		Messages: messages,
	})
	return r, resolver, messages
}

func TestDispatchUnicastReachesBoundListenerOnly(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")
	resolver.Register("cc:dd", "Ben")

	var ana, ben, global recorder
	r.RegisterDeviceListener("aa:bb", ana.listener())
	r.RegisterDeviceListener("cc:dd", ben.listener())
	r.SetGlobalListener(global.listener())

	msg := message.New("aa:bb", "Ana", "hello", message.TypeText)
	msg.IsMe = false
	if !r.Dispatch(msg) {
		t.Fatal("dispatch rejected a fresh message")
	}

	if ana.count() != 1 || ben.count() != 0 {
		t.Fatalf("unicast fan-out wrong: ana=%d ben=%d", ana.count(), ben.count())
	}
	if global.count() != 1 {
		t.Fatalf("global listener must always fire, got %d", global.count())
	}
}

func TestDispatchResolvesListenerKeysByName(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")

	var got recorder
	// Registered under the display name, dispatched under the address.
	r.RegisterDeviceListener("Ana", got.listener())

	msg := message.New("aa:bb", "Ana", "hi", message.TypeText)
	msg.IsMe = false
	r.Dispatch(msg)
	if got.count() != 1 {
		t.Fatalf("name-keyed listener missed address-keyed dispatch: %d", got.count())
	}
}

func TestDedupByMessageID(t *testing.T) {
	r, resolver, messages := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")

	var global recorder
	r.SetGlobalListener(global.listener())

	msg := message.New("aa:bb", "Ana", "hello", message.TypeText)
	msg.IsMe = false
	if !r.Dispatch(msg) {
		t.Fatal("first dispatch must succeed")
	}
	if r.Dispatch(msg) {
		t.Fatal("second dispatch of the same id must be suppressed")
	}

	if got := len(messages.ByEndpoint("aa:bb")); got != 1 {
		t.Fatalf("expected exactly one stored message, got %d", got)
	}
	if global.count() != 1 {
		t.Fatalf("duplicate leaked to the global listener: %d", global.count())
	}
}

func TestDedupWithoutIDFallsBackToContentMatch(t *testing.T) {
	r, resolver, messages := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")

	ts := time.Now().UTC()
	first := message.Message{EndpointID: "aa:bb", FromUser: "Ana", Body: "same", Timestamp: ts, Type: message.TypeText}
	second := message.Message{EndpointID: "aa:bb", FromUser: "Ana", Body: "same", Timestamp: ts, Type: message.TypeText}

	if !r.Dispatch(first) {
		t.Fatal("first id-less dispatch must succeed")
	}
	if r.Dispatch(second) {
		t.Fatal("identical (timestamp, from, body) must be suppressed")
	}
	if got := len(messages.ByEndpoint("aa:bb")); got != 1 {
		t.Fatalf("expected one stored message, got %d", got)
	}

	different := message.Message{EndpointID: "aa:bb", FromUser: "Ana", Body: "other", Timestamp: ts, Type: message.TypeText}
	if !r.Dispatch(different) {
		t.Fatal("different body must not be treated as duplicate")
	}
}

func TestOwnBroadcastEchoesToAllListeners(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")
	resolver.Register("cc:dd", "Ben")

	var ana, ben recorder
	r.RegisterDeviceListener("aa:bb", ana.listener())
	r.RegisterDeviceListener("cc:dd", ben.listener())

	sos := message.New(message.Broadcast, "me", "SOS", message.TypeSOS)
	r.Dispatch(sos)

	if ana.count() != 1 || ben.count() != 1 {
		t.Fatalf("own broadcast must reach every open listener: ana=%d ben=%d", ana.count(), ben.count())
	}
}

func TestForeignBroadcastReachesSenderListenerOnly(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")
	resolver.Register("cc:dd", "Ben")

	var ana, ben recorder
	r.RegisterDeviceListener("aa:bb", ana.listener())
	r.RegisterDeviceListener("cc:dd", ben.listener())

	sos := message.Message{
		MessageID:  "sos-1",
		EndpointID: message.Broadcast,
		FromUser:   "Ana",
		Body:       "need help",
		Type:       message.TypeSOS,
		Timestamp:  time.Now(),
	}
	r.Dispatch(sos)

	if ana.count() != 1 {
		t.Fatalf("broadcast must reach the sender's conversation, got %d", ana.count())
	}
	if ben.count() != 0 {
		t.Fatalf("broadcast leaked into unrelated conversation: %d", ben.count())
	}
}

func TestReceiptCountsAsSenderProof(t *testing.T) {
	resolver := identity.NewResolver(zaptest.NewLogger(t))
	resolver.Register("aa:bb", "Ana")

	var mu sync.Mutex
	var proofs []string
	r := New(Config{
		Log:      zaptest.NewLogger(t),
		Resolver: resolver,
		Messages: store.NewInMemoryMessages(),
		OnSenderProof: func(addr string) {
			mu.Lock()
			proofs = append(proofs, addr)
			mu.Unlock()
		},
	})

	msg := message.New("aa:bb", "Ana", "alive", message.TypeText)
	msg.IsMe = false
	r.Dispatch(msg)

	mine := message.New("aa:bb", "me", "echo", message.TypeText)
	r.Dispatch(mine)

	mu.Lock()
	defer mu.Unlock()
	if len(proofs) != 1 || proofs[0] != "aa:bb" {
		t.Fatalf("expected one sender proof for aa:bb, got %v", proofs)
	}
}

func TestListenerReplaceAndUnregister(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")

	var first, second recorder
	r.RegisterDeviceListener("aa:bb", first.listener())
	r.RegisterDeviceListener("aa:bb", second.listener())

	msg := message.New("aa:bb", "Ana", "one", message.TypeText)
	msg.IsMe = false
	r.Dispatch(msg)
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("register must replace, not multiplex: first=%d second=%d", first.count(), second.count())
	}

	r.UnregisterDeviceListener("aa:bb")
	next := message.New("aa:bb", "Ana", "two", message.TypeText)
	next.IsMe = false
	r.Dispatch(next)
	if second.count() != 1 {
		t.Fatalf("unregistered listener still invoked: %d", second.count())
	}
}

func TestUnregisterDuringDispatchIsSafe(t *testing.T) {
	r, resolver, _ := newTestRouter(t)
	resolver.Register("aa:bb", "Ana")

	fired := false
	r.RegisterDeviceListener("aa:bb", func(message.Message) {
		fired = true
		r.UnregisterDeviceListener("aa:bb")
		r.RegisterDeviceListener("cc:dd", func(message.Message) {})
	})

	msg := message.New("aa:bb", "Ana", "hi", message.TypeText)
	msg.IsMe = false
	r.Dispatch(msg)
	if !fired {
		t.Fatal("listener did not fire")
	}
}
