// Package transport moves envelopes between devices. Implementations hide
// the link technology behind a small event-driven surface; everything above
// this package reasons in device addresses, never socket addresses.
package transport

import (
	"context"
	"errors"

	"github.com/jkgulay/resqlink-sub002/internal/message"
)

var (
	// ErrNotConnected means no active link exists for the target device.
	ErrNotConnected = errors.New("no active link to target device")
	// ErrPermissionDenied means the platform refused the link resources.
	ErrPermissionDenied = errors.New("link permission denied")
	// ErrDiscoveryTimeout means a scan ended without completing. Soft; the
	// next scan may succeed.
	ErrDiscoveryTimeout = errors.New("peer discovery timed out")
	// ErrConnectionFailed means a connection attempt did not complete. Soft;
	// the current role is unchanged.
	ErrConnectionFailed = errors.New("connection attempt failed")
)

// EventKind classifies transport events.
type EventKind string

const (
	// EventPeerFound fires when discovery sees a candidate peer.
	EventPeerFound EventKind = "peer_found"
	// EventPeerLost fires when a previously seen candidate disappears.
	EventPeerLost EventKind = "peer_lost"
	// EventConnected fires when a link finishes its hello exchange.
	EventConnected EventKind = "connected"
	// EventDisconnected fires when an established link drops.
	EventDisconnected EventKind = "disconnected"
	// EventFrame carries one received envelope.
	EventFrame EventKind = "frame"
)

// Event is one transport occurrence. Address is the stable device address;
// Name is the peer's display name when the event carries one. Envelope is
// populated for frame events only.
type Event struct {
	Kind     EventKind
	Address  string
	Name     string
	Envelope message.Envelope
}

// Transport is the link layer the node engine drives.
type Transport interface {
	// Discover scans for nearby peers. force bypasses the scan rate limit.
	Discover(ctx context.Context, force bool) error
	// Connect establishes a link to a known peer endpoint.
	Connect(ctx context.Context, endpoint string) error
	// Send writes one encoded envelope to the device address.
	Send(ctx context.Context, payload []byte, target string) error
	// Events returns the stream of transport events. The channel closes
	// when the transport shuts down.
	Events() <-chan Event
	Close() error
}
