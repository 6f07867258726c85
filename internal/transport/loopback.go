package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/jkgulay/resqlink-sub002/internal/message"
)

// Loopback is an in-memory transport for tests and local simulation. Links
// are created explicitly with Link; frames are delivered synchronously.
type Loopback struct {
	address string
	name    string
	events  chan Event

	mu     sync.Mutex
	peers  map[string]*Loopback
	closed bool
}

// NewLoopback builds a loopback endpoint for one simulated device.
func NewLoopback(address, name string) *Loopback {
	return &Loopback{
		address: address,
		name:    name,
		events:  make(chan Event, eventBuffer),
		peers:   make(map[string]*Loopback),
	}
}

// Link connects two endpoints; both emit a connected event, mirroring the
// hello exchange of a real link.
func Link(a, b *Loopback) {
	a.attach(b)
	b.attach(a)
}

// Unlink drops the connection between two endpoints.
func Unlink(a, b *Loopback) {
	a.detach(b.address)
	b.detach(a.address)
}

func (l *Loopback) attach(peer *Loopback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.peers[peer.address] != nil {
		return
	}
	l.peers[peer.address] = peer
	l.deliver(Event{Kind: EventConnected, Address: peer.address, Name: peer.name})
}

func (l *Loopback) detach(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.peers[address] == nil {
		return
	}
	delete(l.peers, address)
	l.deliver(Event{Kind: EventDisconnected, Address: address})
}

// Discover is a no-op; loopback topology is wired explicitly.
func (l *Loopback) Discover(context.Context, bool) error { return nil }

// Connect is a no-op; use Link instead.
func (l *Loopback) Connect(context.Context, string) error { return nil }

// Send decodes the frame and delivers it to the linked peer.
func (l *Loopback) Send(_ context.Context, payload []byte, target string) error {
	l.mu.Lock()
	peer, ok := l.peers[target]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", target, ErrNotConnected)
	}

	env, err := message.ReadEnvelope(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode outbound frame: %w", err)
	}
	peer.receive(Event{Kind: EventFrame, Address: env.From, Envelope: env})
	return nil
}

// Events returns the endpoint's event stream.
func (l *Loopback) Events() <-chan Event { return l.events }

// Close drops all links and closes the event stream.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	peers := make([]*Loopback, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.peers = make(map[string]*Loopback)
	l.mu.Unlock()

	for _, p := range peers {
		p.detach(l.address)
	}
	close(l.events)
	return nil
}

func (l *Loopback) receive(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliver(ev)
}

// deliver assumes l.mu is held. Events overflowing the buffer are dropped,
// matching lossy radio semantics.
func (l *Loopback) deliver(ev Event) {
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}
