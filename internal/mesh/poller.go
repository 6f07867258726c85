package mesh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollerConfig wires dependencies and cadence for reachability polling.
type PollerConfig struct {
	Log      *zap.Logger
	Registry *Registry
	Metrics  *Metrics
	Interval time.Duration
	EntryTTL time.Duration
	// OnReachable fires when a watched address becomes reachable.
	OnReachable func(address string)
	// OnUnreachable fires when a watched address stops being reachable.
	OnUnreachable func(address string)
}

// Poller periodically re-checks whether watched devices appear in the mesh
// table. Relay announcements may race with listener registration; polling
// closes that window. It also runs the TTL sweep for stale entries.
type Poller struct {
	log           *zap.Logger
	registry      *Registry
	metrics       *Metrics
	interval      time.Duration
	entryTTL      time.Duration
	onReachable   func(string)
	onUnreachable func(string)

	mu      sync.Mutex
	watched map[string]bool // address -> last observed reachability
	once    sync.Once
}

// NewPoller builds a Poller. Interval defaults to 2s, TTL to 30s.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Second
	}
	return &Poller{
		log:           cfg.Log,
		registry:      cfg.Registry,
		metrics:       cfg.Metrics,
		interval:      cfg.Interval,
		entryTTL:      cfg.EntryTTL,
		onReachable:   cfg.OnReachable,
		onUnreachable: cfg.OnUnreachable,
		watched:       make(map[string]bool),
	}
}

// Watch registers an address for reachability-change notifications.
func (p *Poller) Watch(address string) {
	if address == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[address]; !ok {
		p.watched[address] = p.registry.IsReachable(address)
	}
}

// Unwatch stops notifications for an address.
func (p *Poller) Unwatch(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, address)
}

// Start launches the polling loop until ctx is canceled.
func (p *Poller) Start(ctx context.Context) {
	p.once.Do(func() {
		go p.loop(ctx)
	})
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// Sweep runs one reconciliation pass; exported for tests and for forcing a
// re-check after informative events (e.g. a received message).
func (p *Poller) Sweep() {
	p.sweep(time.Now())
}

func (p *Poller) sweep(now time.Time) {
	evicted := p.registry.EvictStale(now.Add(-p.entryTTL))
	for range evicted {
		p.metrics.RecordMeshEviction()
	}
	p.metrics.SetMeshEntries(len(p.registry.MeshDevices()))

	type change struct {
		address   string
		reachable bool
	}
	var changes []change

	p.mu.Lock()
	for addr, wasReachable := range p.watched {
		nowReachable := p.registry.IsReachable(addr)
		if nowReachable != wasReachable {
			p.watched[addr] = nowReachable
			changes = append(changes, change{addr, nowReachable})
		}
	}
	p.mu.Unlock()

	// Callbacks run outside the lock so they may watch/unwatch freely.
	for _, c := range changes {
		p.log.Debug("reachability changed",
			zap.String("address", c.address),
			zap.Bool("reachable", c.reachable))
		if c.reachable && p.onReachable != nil {
			p.onReachable(c.address)
		}
		if !c.reachable && p.onUnreachable != nil {
			p.onUnreachable(c.address)
		}
	}
}
