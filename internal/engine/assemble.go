package engine

import (
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/delivery"
	"github.com/jkgulay/resqlink-sub002/internal/emergency"
	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/router"
	"github.com/jkgulay/resqlink-sub002/internal/session"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"github.com/jkgulay/resqlink-sub002/internal/transport"
	"go.uber.org/zap"
)

// AssembleConfig collects the tunables needed to build a complete node
// around a transport.
type AssembleConfig struct {
	Log                 *zap.Logger
	SelfAddress         string
	SelfName            string
	Transport           transport.Transport
	Metrics             *mesh.Metrics
	MaxHops             int
	PollInterval        time.Duration
	EntryTTL            time.Duration
	RebroadcastInterval time.Duration
	Refresh             RefreshIntervals
	// Location feeds SOS broadcasts; nil means position unknown.
	Location func() (lat, lon *float64)
}

// Assemble wires the full component graph behind a Node: identity, mesh
// state, stores, routing, delivery and the SOS controller.
func Assemble(cfg AssembleConfig) (*Node, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	resolver := identity.NewResolver(log)
	registry := mesh.NewRegistry(log, cfg.MaxHops)
	roles := mesh.NewRoleManager(log)
	messages := store.NewInMemoryMessages()
	sessionBackend := store.NewInMemorySessions()

	// The poller computes reachability flips before the node exists; the
	// callbacks bind late so those flips still reach the change listeners.
	var node *Node
	notify := func(string) {
		if node != nil {
			node.notifyChanged()
		}
	}
	poller := mesh.NewPoller(mesh.PollerConfig{
		Log:           log,
		Registry:      registry,
		Metrics:       cfg.Metrics,
		Interval:      cfg.PollInterval,
		EntryTTL:      cfg.EntryTTL,
		OnReachable:   notify,
		OnUnreachable: notify,
	})

	sessions := session.NewStore(session.Config{
		Log:      log,
		Sessions: sessionBackend,
		Messages: messages,
		Resolver: resolver,
		Metrics:  cfg.Metrics,
	})

	msgRouter := router.New(router.Config{
		Log:      log,
		Resolver: resolver,
		Messages: messages,
		Metrics:  cfg.Metrics,
		// A received message proves its sender is reachable right now,
		// even if no advert arrived yet.
		OnSenderProof: func(address string) {
			if !registry.IsDirectlyConnected(address) {
				registry.Observe(address, 1, time.Now())
			}
			poller.Sweep()
		},
	})

	deliv, err := delivery.NewEngine(delivery.Config{
		Log:          log,
		Resolver:     resolver,
		Registry:     registry,
		Messages:     messages,
		Sender:       cfg.Transport,
		Metrics:      cfg.Metrics,
		SelfAddress:  cfg.SelfAddress,
		AfterAttempt: poller.Sweep,
	})
	if err != nil {
		return nil, err
	}

	node, err = New(Config{
		Log:         log,
		SelfAddress: cfg.SelfAddress,
		SelfName:    cfg.SelfName,
		Transport:   cfg.Transport,
		Resolver:    resolver,
		Registry:    registry,
		Roles:       roles,
		Poller:      poller,
		Router:      msgRouter,
		Delivery:    deliv,
		Sessions:    sessions,
		Messages:    messages,
		Metrics:     cfg.Metrics,
		MaxHops:     cfg.MaxHops,
		Refresh:     cfg.Refresh,
		// Re-gossip well inside the TTL window so stable routes never expire.
		AdvertInterval: cfg.EntryTTL / 3,
	})
	if err != nil {
		return nil, err
	}

	// The SOS controller broadcasts through the node so the local echo and
	// the mesh fan-out stay in one code path.
	node.emergency = emergency.NewController(emergency.Config{
		Log:         log,
		Broadcaster: node,
		Metrics:     cfg.Metrics,
		SelfName:    cfg.SelfName,
		Interval:    cfg.RebroadcastInterval,
		Location:    cfg.Location,
	})
	return node, nil
}
