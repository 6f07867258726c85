// Package router dispatches inbound messages to listeners, suppressing
// duplicate deliveries of the same logical message.
package router

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap"
)

// Listener consumes dispatched messages. Listeners must not block.
type Listener func(msg message.Message)

// Config wires dependencies for the router.
type Config struct {
	Log      *zap.Logger
	Resolver *identity.Resolver
	Messages store.MessageStore
	Metrics  *mesh.Metrics
	// OnSenderProof fires when a received message proves a sender is
	// currently reachable, so stale reachability state can be corrected
	// before the next poll.
	OnSenderProof func(address string)
}

// Router routes each inbound message to the listener bound to its device
// (if any) and to the global listener (always).
type Router struct {
	log           *zap.Logger
	resolver      *identity.Resolver
	messages      store.MessageStore
	metrics       *mesh.Metrics
	onSenderProof func(string)

	mu        sync.RWMutex
	listeners map[string]Listener
	global    Listener
}

// New builds a Router.
func New(cfg Config) *Router {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Router{
		log:           cfg.Log,
		resolver:      cfg.Resolver,
		messages:      cfg.Messages,
		metrics:       cfg.Metrics,
		onSenderProof: cfg.OnSenderProof,
		listeners:     make(map[string]Listener),
	}
}

// RegisterDeviceListener binds a callback to a device address, replacing any
// prior one. One callback per key; this map does not multiplex.
func (r *Router) RegisterDeviceListener(address string, fn Listener) {
	if address == "" || fn == nil {
		return
	}
	resolved := r.resolver.Resolve(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[resolved] = fn
}

// UnregisterDeviceListener removes the callback for a device address.
func (r *Router) UnregisterDeviceListener(address string) {
	resolved := r.resolver.Resolve(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, resolved)
}

// SetGlobalListener installs the single always-invoked listener.
func (r *Router) SetGlobalListener(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = fn
}

// Dispatch routes one inbound message. Returns false when the message was
// suppressed as a duplicate. Non-duplicate messages are persisted, and
// receipt of a foreign message counts as proof the sender is reachable.
func (r *Router) Dispatch(msg message.Message) bool {
	broadcast := msg.IsBroadcast()

	var bound string
	if broadcast {
		bound = r.resolver.Resolve(msg.FromUser)
	} else {
		bound = r.resolver.Resolve(msg.EndpointID)
	}

	if r.isDuplicate(msg) {
		r.metrics.RecordDuplicate()
		r.log.Debug("duplicate message suppressed",
			zap.String("message_id", msg.MessageID),
			zap.String("endpoint", msg.EndpointID))
		return false
	}

	if msg.MessageID == "" {
		// Some senders omit ids; mint one so storage and acks can track it.
		msg.MessageID = uuid.NewString()
	}
	if msg.ChatSessionID == "" && bound != "" {
		msg.ChatSessionID = identity.SessionIDFor(bound)
	}
	if err := r.messages.Insert(msg); err != nil {
		// A concurrent insert of the same id is a duplicate, not a failure.
		r.log.Warn("persist dispatched message", zap.String("message_id", msg.MessageID), zap.Error(err))
		return false
	}

	// Snapshot under the lock so listeners can register and unregister
	// while a dispatch is in flight.
	r.mu.RLock()
	global := r.global
	var targets []Listener
	if broadcast && msg.IsMe {
		// The sender sees their own broadcast echo in every open conversation.
		targets = make([]Listener, 0, len(r.listeners))
		for _, fn := range r.listeners {
			targets = append(targets, fn)
		}
	} else if fn, ok := r.listeners[bound]; ok {
		targets = []Listener{fn}
	}
	r.mu.RUnlock()

	for _, fn := range targets {
		fn(msg.Clone())
	}
	if global != nil {
		global(msg.Clone())
	}

	r.metrics.RecordDispatch()
	if !msg.IsMe && bound != "" && r.onSenderProof != nil {
		r.onSenderProof(bound)
	}
	return true
}

// isDuplicate reports whether an equivalent message is already stored: same
// id, or — when the id is absent — an exact (timestamp, fromUser, body)
// match on the same endpoint.
func (r *Router) isDuplicate(msg message.Message) bool {
	if msg.MessageID != "" {
		_, exists := r.messages.Find(msg.MessageID)
		return exists
	}
	for _, existing := range r.messages.ByEndpoint(msg.EndpointID) {
		if existing.Timestamp.Equal(msg.Timestamp) &&
			existing.FromUser == msg.FromUser &&
			existing.Body == msg.Body {
			return true
		}
	}
	return false
}
