package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/message"
	"go.uber.org/zap/zaptest"
)

func encodeChat(t *testing.T, from string, msg message.Message) []byte {
	t.Helper()
	env, err := message.WrapChat(from, msg)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	frame, err := message.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}

func awaitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestLoopbackLinkAndFrameDelivery(t *testing.T) {
	a := NewLoopback("aa:aa", "Ana")
	b := NewLoopback("bb:bb", "Ben")
	defer a.Close()
	defer b.Close()

	Link(a, b)
	connA := awaitEvent(t, a.Events(), EventConnected)
	if connA.Address != "bb:bb" || connA.Name != "Ben" {
		t.Fatalf("wrong connected event: %+v", connA)
	}
	awaitEvent(t, b.Events(), EventConnected)

	msg := message.New("bb:bb", "Ana", "hello mesh", message.TypeText)
	if err := a.Send(context.Background(), encodeChat(t, "aa:aa", msg), "bb:bb"); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := awaitEvent(t, b.Events(), EventFrame)
	if frame.Address != "aa:aa" {
		t.Fatalf("frame attributed to %s", frame.Address)
	}
	got, err := message.UnwrapChat(frame.Envelope)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got.Body != "hello mesh" || got.MessageID != msg.MessageID {
		t.Fatalf("frame payload mangled: %+v", got)
	}
}

func TestLoopbackUnlinkEmitsDisconnect(t *testing.T) {
	a := NewLoopback("aa:aa", "Ana")
	b := NewLoopback("bb:bb", "Ben")
	defer a.Close()
	defer b.Close()

	Link(a, b)
	awaitEvent(t, a.Events(), EventConnected)
	Unlink(a, b)
	lost := awaitEvent(t, a.Events(), EventDisconnected)
	if lost.Address != "bb:bb" {
		t.Fatalf("wrong peer reported lost: %s", lost.Address)
	}

	msg := message.New("bb:bb", "Ana", "anyone", message.TypeText)
	err := a.Send(context.Background(), encodeChat(t, "aa:aa", msg), "bb:bb")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestQUICHelloExchangeAndFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := zaptest.NewLogger(t)

	server := NewQUIC(QUICConfig{Log: log, ListenAddr: "127.0.0.1:0", SelfAddress: "aa:aa", SelfName: "Ana"})
	if err := server.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Close()

	client := NewQUIC(QUICConfig{Log: log, ListenAddr: "127.0.0.1:0", SelfAddress: "bb:bb", SelfName: "Ben"})
	if err := client.Start(ctx); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx, server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Both sides learn the other's stable address from the hello.
	onServer := awaitEvent(t, server.Events(), EventConnected)
	if onServer.Address != "bb:bb" || onServer.Name != "Ben" {
		t.Fatalf("server saw wrong peer: %+v", onServer)
	}
	onClient := awaitEvent(t, client.Events(), EventConnected)
	if onClient.Address != "aa:aa" {
		t.Fatalf("client saw wrong peer: %+v", onClient)
	}

	msg := message.New("aa:aa", "Ben", "over quic", message.TypeText)
	if err := client.Send(ctx, encodeChat(t, "bb:bb", msg), "aa:aa"); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := awaitEvent(t, server.Events(), EventFrame)
	got, err := message.UnwrapChat(frame.Envelope)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got.Body != "over quic" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestQUICSendWithoutLink(t *testing.T) {
	q := NewQUIC(QUICConfig{SelfAddress: "aa:aa"})
	err := q.Send(context.Background(), []byte{0, 0, 0, 1, '{'}, "zz:zz")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRelayAdvertEnvelopeRoundTripsOverLoopback(t *testing.T) {
	a := NewLoopback("aa:aa", "Ana")
	b := NewLoopback("bb:bb", "Ben")
	defer a.Close()
	defer b.Close()
	Link(a, b)

	advert := message.RelayAdvert{Origin: "cc:cc", Hops: 2, TTL: 6, Path: []string{"aa:aa"}, HeardAt: time.Now().UTC()}
	payload, err := json.Marshal(advert)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := message.EncodeEnvelope(message.Envelope{
		Type:    message.EnvelopeRelayAdv,
		From:    "aa:aa",
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.Send(context.Background(), frame, "bb:bb"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := awaitEvent(t, b.Events(), EventFrame)
	if ev.Envelope.Type != message.EnvelopeRelayAdv {
		t.Fatalf("wrong envelope type %s", ev.Envelope.Type)
	}
	var got message.RelayAdvert
	if err := json.Unmarshal(ev.Envelope.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Origin != "cc:cc" || got.Hops != 2 || got.TTL != 6 {
		t.Fatalf("advert mangled: %+v", got)
	}
}
