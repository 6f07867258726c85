// Package engine is the node façade: it drives the transport event loop,
// keeps identity, reachability and session state coherent, and exposes the
// query surface the UI layers consume.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/delivery"
	"github.com/jkgulay/resqlink-sub002/internal/emergency"
	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"github.com/jkgulay/resqlink-sub002/internal/router"
	"github.com/jkgulay/resqlink-sub002/internal/session"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"github.com/jkgulay/resqlink-sub002/internal/transport"
	"go.uber.org/zap"
)

const connectionTypeAdhoc = "wifi_direct"

// RefreshIntervals holds the adaptive cadence for background refresh work.
type RefreshIntervals struct {
	Emergency    time.Duration
	Normal       time.Duration
	Disconnected time.Duration
	Conversation time.Duration
}

func (r *RefreshIntervals) applyDefaults() {
	if r.Emergency <= 0 {
		r.Emergency = 10 * time.Second
	}
	if r.Normal <= 0 {
		r.Normal = 30 * time.Second
	}
	if r.Disconnected <= 0 {
		r.Disconnected = 60 * time.Second
	}
	if r.Conversation <= 0 {
		r.Conversation = 3 * time.Second
	}
}

// Config wires all node dependencies.
type Config struct {
	Log         *zap.Logger
	SelfAddress string
	SelfName    string
	Transport   transport.Transport
	Resolver    *identity.Resolver
	Registry    *mesh.Registry
	Roles       *mesh.RoleManager
	Poller      *mesh.Poller
	Router      *router.Router
	Delivery    *delivery.Engine
	Emergency   *emergency.Controller
	Sessions    *session.Store
	Messages    store.MessageStore
	Metrics     *mesh.Metrics
	MaxHops     int
	Refresh     RefreshIntervals
	// AdvertInterval is the cadence for re-gossiping direct peers. It must
	// stay below the mesh entry TTL or stable routes decay.
	AdvertInterval time.Duration
}

// Node is the running mesh messaging core.
type Node struct {
	log         *zap.Logger
	selfAddress string
	selfName    string
	transport   transport.Transport
	resolver    *identity.Resolver
	registry    *mesh.Registry
	roles       *mesh.RoleManager
	poller      *mesh.Poller
	router      *router.Router
	delivery    *delivery.Engine
	emergency   *emergency.Controller
	sessions    *session.Store
	messages    store.MessageStore
	metrics     *mesh.Metrics
	maxHops     int
	refresh     RefreshIntervals
	advertEvery time.Duration

	mu         sync.Mutex
	listeners  map[int]func()
	nextListen int
	cancel     context.CancelFunc
	done       chan struct{}
}

// New builds a Node from its dependencies.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil || cfg.Resolver == nil || cfg.Registry == nil ||
		cfg.Router == nil || cfg.Delivery == nil || cfg.Sessions == nil || cfg.Messages == nil {
		return nil, errors.New("transport, resolver, registry, router, delivery, sessions and messages are required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Roles == nil {
		cfg.Roles = mesh.NewRoleManager(cfg.Log)
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = mesh.DefaultMaxHops
	}
	if cfg.AdvertInterval <= 0 {
		cfg.AdvertInterval = 10 * time.Second
	}
	cfg.Refresh.applyDefaults()

	return &Node{
		log:         cfg.Log,
		selfAddress: cfg.SelfAddress,
		selfName:    cfg.SelfName,
		transport:   cfg.Transport,
		resolver:    cfg.Resolver,
		registry:    cfg.Registry,
		roles:       cfg.Roles,
		poller:      cfg.Poller,
		router:      cfg.Router,
		delivery:    cfg.Delivery,
		emergency:   cfg.Emergency,
		sessions:    cfg.Sessions,
		messages:    cfg.Messages,
		metrics:     cfg.Metrics,
		maxHops:     cfg.MaxHops,
		refresh:     cfg.Refresh,
		advertEvery: cfg.AdvertInterval,
		listeners:   make(map[int]func()),
	}, nil
}

// Start launches the event loop and background refresh work.
func (n *Node) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	done := make(chan struct{})
	n.done = done
	n.mu.Unlock()

	if n.poller != nil {
		n.poller.Start(loopCtx)
	}
	go func() {
		defer close(done)
		n.eventLoop(loopCtx)
	}()
	go n.refreshLoop(loopCtx)
	go n.conversationLoop(loopCtx)
	go n.advertLoop(loopCtx)
}

// Close stops the loops and the transport.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	if n.emergency != nil {
		n.emergency.Deactivate()
	}
	err := n.transport.Close()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return err
}

// AddListener registers a change-notification callback and returns its id.
// Listeners fire after every state mutation the UI may care about.
func (n *Node) AddListener(fn func()) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextListen++
	n.listeners[n.nextListen] = fn
	return n.nextListen
}

// RemoveListener drops a previously added callback.
func (n *Node) RemoveListener(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, id)
}

func (n *Node) notifyChanged() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (n *Node) eventLoop(ctx context.Context) {
	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		n.handleConnected(ctx, ev.Address, ev.Name)
	case transport.EventDisconnected:
		n.handleDisconnected(ev.Address)
	case transport.EventFrame:
		n.handleFrame(ctx, ev.Envelope)
	case transport.EventPeerFound, transport.EventPeerLost:
		n.log.Debug("discovery event", zap.String("kind", string(ev.Kind)), zap.String("peer", ev.Address))
		n.notifyChanged()
	}
}

// Connect dials a peer endpoint. The handshake window guards the role
// manager so role changes requested mid-attempt are queued, not applied.
func (n *Node) Connect(ctx context.Context, endpoint string) error {
	n.roles.BeginHandshake()
	err := n.transport.Connect(ctx, endpoint)
	n.roles.EndHandshake()
	if err != nil {
		// Soft failure: the role is unchanged and the peer stays dialable.
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	n.roles.SetRole(mesh.RoleClient)
	n.notifyChanged()
	return nil
}

func (n *Node) handleConnected(ctx context.Context, address, name string) {
	n.resolver.Register(address, name)
	n.resolver.SetDirect(address, true)
	n.registry.SetDirect(address)
	n.metrics.SetDirectDevices(len(n.registry.DirectDevices()))

	// Automatic role selection: a second link makes this node a relay; the
	// first inbound link makes it the host. Forced roles win inside SetRole.
	switch {
	case len(n.registry.DirectDevices()) >= 2:
		n.roles.SetRole(mesh.RoleRelay)
	case n.roles.CurrentRole() == mesh.RoleNone:
		n.roles.SetRole(mesh.RoleHost)
	}
	n.sessions.CreateOrUpdate(address, name, connectionTypeAdhoc, nil)
	if n.poller != nil {
		n.poller.Watch(address)
	}

	// Tell the rest of the mesh this device is reachable through us.
	n.forwardAdvert(ctx, message.RelayAdvert{
		Origin:  address,
		Hops:    1,
		TTL:     n.maxHops,
		Path:    []string{n.selfAddress},
		HeardAt: time.Now().UTC(),
	}, address)

	n.log.Info("device connected", zap.String("address", address), zap.String("name", name))
	n.notifyChanged()
}

func (n *Node) handleDisconnected(address string) {
	n.registry.ClearDirect(address)
	n.resolver.SetDirect(address, false)
	n.metrics.SetDirectDevices(len(n.registry.DirectDevices()))
	if len(n.registry.DirectDevices()) == 0 {
		n.roles.SetRole(mesh.RoleNone)
	}
	n.log.Info("device disconnected", zap.String("address", address))
	n.notifyChanged()
}

func (n *Node) handleFrame(ctx context.Context, env message.Envelope) {
	switch env.Type {
	case message.EnvelopeChat:
		n.handleChat(ctx, env)
	case message.EnvelopeAck:
		var ack message.Ack
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			n.log.Warn("malformed ack", zap.Error(err))
			return
		}
		n.delivery.HandleAck(ack.MessageID)
		n.notifyChanged()
	case message.EnvelopeRelayAdv:
		n.handleRelayAdvert(ctx, env)
	default:
		n.log.Debug("unhandled envelope", zap.String("type", env.Type))
	}
}

func (n *Node) handleChat(ctx context.Context, env message.Envelope) {
	msg, err := message.UnwrapChat(env)
	if err != nil {
		n.log.Warn("malformed chat frame", zap.Error(err))
		return
	}
	msg.IsMe = false
	msg.Status = message.StatusDelivered
	n.resolver.Touch(env.From)

	// The sender addressed the message to us; locally it belongs to the
	// sender's conversation.
	if !msg.IsBroadcast() {
		msg.EndpointID = n.resolver.Resolve(env.From)
	}
	msg.ChatSessionID = ""

	if !n.router.Dispatch(msg) {
		return
	}
	n.notifyChanged()

	if msg.IsBroadcast() {
		n.relayBroadcast(ctx, msg, env.From)
		return
	}
	// Ack unicast messages back to the sender so their status can advance.
	if msg.MessageID != "" {
		n.sendAck(ctx, env.From, msg.MessageID)
	}
}

// relayBroadcast forwards a broadcast message to the rest of the mesh so
// emergency traffic crosses relay hops. Duplicate suppression at each node
// keeps the flood from echoing.
func (n *Node) relayBroadcast(ctx context.Context, msg message.Message, from string) {
	ttl := msg.TTL
	if ttl == 0 {
		ttl = n.maxHops
	}
	ttl--
	if ttl <= 0 {
		return
	}
	for _, hop := range msg.RoutePath {
		if hop == n.selfAddress {
			return
		}
	}

	fwd := msg.Clone()
	fwd.TTL = ttl
	fwd.RoutePath = append(fwd.RoutePath, n.selfAddress)
	env, err := message.WrapChat(n.selfAddress, fwd)
	if err != nil {
		return
	}
	frame, err := message.EncodeEnvelope(env)
	if err != nil {
		return
	}

	fromAddr := n.resolver.Resolve(from)
	for _, peer := range n.registry.DirectDevices() {
		if peer == fromAddr {
			continue
		}
		if err := n.transport.Send(ctx, frame, peer); err != nil {
			n.log.Debug("broadcast relay failed", zap.String("peer", peer), zap.Error(err))
		}
	}
}

func (n *Node) sendAck(ctx context.Context, to, messageID string) {
	payload, err := json.Marshal(message.Ack{MessageID: messageID})
	if err != nil {
		return
	}
	frame, err := message.EncodeEnvelope(message.Envelope{
		Type:    message.EnvelopeAck,
		From:    n.selfAddress,
		Payload: payload,
	})
	if err != nil {
		return
	}
	if err := n.transport.Send(ctx, frame, n.resolver.Resolve(to)); err != nil {
		n.log.Debug("ack send failed", zap.String("to", to), zap.Error(err))
	}
}

func (n *Node) handleRelayAdvert(ctx context.Context, env message.Envelope) {
	var advert message.RelayAdvert
	if err := json.Unmarshal(env.Payload, &advert); err != nil {
		n.log.Warn("malformed relay advert", zap.Error(err))
		return
	}
	if advert.Origin == "" || advert.Origin == n.selfAddress {
		return
	}
	for _, hop := range advert.Path {
		if hop == n.selfAddress {
			// Our own advert came back around; drop the loop.
			return
		}
	}

	heardAt := advert.HeardAt
	if heardAt.IsZero() {
		heardAt = time.Now().UTC()
	}
	// Hops carries the sender's distance to the origin; ours is one more.
	myHops := advert.Hops + 1
	if n.registry.Observe(advert.Origin, myHops, heardAt) {
		n.metrics.SetMeshEntries(len(n.registry.MeshDevices()))
		n.notifyChanged()
	}

	if advert.TTL <= 1 {
		return
	}
	next := advert
	next.Hops = myHops
	next.TTL--
	next.Path = append(append([]string(nil), advert.Path...), n.selfAddress)
	n.forwardAdvert(ctx, next, env.From)
}

// forwardAdvert gossips a relay advert to every direct peer except the one
// it arrived from and its origin.
func (n *Node) forwardAdvert(ctx context.Context, advert message.RelayAdvert, skip string) {
	payload, err := json.Marshal(advert)
	if err != nil {
		return
	}
	frame, err := message.EncodeEnvelope(message.Envelope{
		Type:    message.EnvelopeRelayAdv,
		From:    n.selfAddress,
		Payload: payload,
	})
	if err != nil {
		return
	}
	for _, peer := range n.registry.DirectDevices() {
		if peer == skip || peer == advert.Origin {
			continue
		}
		if err := n.transport.Send(ctx, frame, peer); err != nil {
			n.log.Debug("advert forward failed", zap.String("peer", peer), zap.Error(err))
		}
	}
}

// SendText sends a text message to a device, returning the stored message.
// The local echo is dispatched before the delivery attempt so the sender
// sees their message immediately with a live status.
func (n *Node) SendText(ctx context.Context, target, body string) (message.Message, error) {
	msg := message.New(n.resolver.Resolve(target), n.selfName, body, message.TypeText)
	n.router.Dispatch(msg)
	err := n.delivery.Send(ctx, msg)
	n.notifyChanged()
	stored, ok := n.messages.Find(msg.MessageID)
	if !ok {
		stored = msg
	}
	return stored, err
}

// Broadcast implements the emergency fan-out: local echo first, then
// best-effort delivery to every direct peer.
func (n *Node) Broadcast(ctx context.Context, msg message.Message) error {
	n.router.Dispatch(msg)
	err := n.delivery.Broadcast(ctx, msg)
	n.notifyChanged()
	return err
}

// ActivateEmergency switches SOS mode on.
func (n *Node) ActivateEmergency(ctx context.Context, body string) {
	if n.emergency == nil {
		return
	}
	n.emergency.Activate(ctx, body)
	n.notifyChanged()
}

// DeactivateEmergency switches SOS mode off.
func (n *Node) DeactivateEmergency() {
	if n.emergency == nil {
		return
	}
	n.emergency.Deactivate()
	n.notifyChanged()
}

// EmergencyActive reports whether SOS mode is on.
func (n *Node) EmergencyActive() bool {
	return n.emergency != nil && n.emergency.Active()
}

// IsDeviceReachable reports whether a message could be delivered now.
func (n *Node) IsDeviceReachable(nameOrAddress string) bool {
	return n.registry.IsReachable(n.resolver.Resolve(nameOrAddress))
}

// IsDeviceDirectlyConnected reports whether a direct link is up.
func (n *Node) IsDeviceDirectlyConnected(nameOrAddress string) bool {
	return n.registry.IsDirectlyConnected(n.resolver.Resolve(nameOrAddress))
}

// MeshDeviceHopCount returns the observed hop distance, 0 for direct or
// unknown devices.
func (n *Node) MeshDeviceHopCount(nameOrAddress string) int {
	return n.registry.HopCount(n.resolver.Resolve(nameOrAddress))
}

// ConnectedDevices lists devices with an active direct link.
func (n *Node) ConnectedDevices() []identity.Device {
	var out []identity.Device
	for _, addr := range n.registry.DirectDevices() {
		if dev, ok := n.resolver.Device(addr); ok {
			out = append(out, dev)
		} else {
			out = append(out, identity.Device{Address: addr, DirectlyConnected: true})
		}
	}
	return out
}

// MeshDevices lists relay-reachable devices.
func (n *Node) MeshDevices() []mesh.Entry {
	return n.registry.MeshDevices()
}

// CurrentRole returns the node's connection role.
func (n *Node) CurrentRole() mesh.Role { return n.roles.CurrentRole() }

// ForceRole pins the connection role.
func (n *Node) ForceRole(role mesh.Role) bool { return n.roles.ForceRole(role) }

// ClearForcedRole returns to automatic role selection.
func (n *Node) ClearForcedRole() { n.roles.ClearForcedRole() }

// IsRoleForced reports whether the role is pinned.
func (n *Node) IsRoleForced() bool { return n.roles.IsRoleForced() }

// Sessions lists consolidated chat sessions.
func (n *Node) Sessions() []store.Session { return n.sessions.Sessions() }

// History returns stored messages for a device, oldest first.
func (n *Node) History(nameOrAddress string) []message.Message {
	return n.messages.ByEndpoint(n.resolver.Resolve(nameOrAddress))
}

// RecentMessages returns the newest stored messages across all devices.
func (n *Node) RecentMessages(limit int) []message.Message {
	return n.messages.All(limit)
}

// RegisterDeviceListener binds a per-conversation message callback.
func (n *Node) RegisterDeviceListener(nameOrAddress string, fn router.Listener) {
	n.router.RegisterDeviceListener(nameOrAddress, fn)
	if n.poller != nil {
		n.poller.Watch(n.resolver.Resolve(nameOrAddress))
	}
}

// UnregisterDeviceListener removes a per-conversation callback.
func (n *Node) UnregisterDeviceListener(nameOrAddress string) {
	n.router.UnregisterDeviceListener(nameOrAddress)
}

// refreshLoop runs discovery and session hygiene on an adaptive cadence:
// faster in emergency mode, slower when nothing is connected.
func (n *Node) refreshLoop(ctx context.Context) {
	timer := time.NewTimer(n.refreshInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := n.transport.Discover(ctx, false); err != nil {
				n.log.Debug("discovery refresh failed", zap.Error(err))
			}
			if merged := n.sessions.CleanupDuplicateSessions(); merged > 0 {
				n.notifyChanged()
			}
			timer.Reset(n.refreshInterval())
		}
	}
}

func (n *Node) refreshInterval() time.Duration {
	switch {
	case n.EmergencyActive():
		return n.refresh.Emergency
	case len(n.registry.DirectDevices()) > 0:
		return n.refresh.Normal
	default:
		return n.refresh.Disconnected
	}
}

// advertLoop re-gossips the direct peers on a cadence below the mesh entry
// TTL. Connect-time adverts alone would let stable multi-hop routes expire;
// neighbors refresh their entries from these and forward them along, so the
// whole chain stays alive without topology changes.
func (n *Node) advertLoop(ctx context.Context) {
	ticker := time.NewTicker(n.advertEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, peer := range n.registry.DirectDevices() {
				n.forwardAdvert(ctx, message.RelayAdvert{
					Origin:  peer,
					Hops:    1,
					TTL:     n.maxHops,
					Path:    []string{n.selfAddress},
					HeardAt: now,
				}, peer)
			}
		}
	}
}

// conversationLoop re-checks reachability on the short cadence used while
// conversations are open, so status chips flip promptly.
func (n *Node) conversationLoop(ctx context.Context) {
	ticker := time.NewTicker(n.refresh.Conversation)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.poller != nil {
				n.poller.Sweep()
			}
		}
	}
}
