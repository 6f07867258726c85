package mesh

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is a relay-reachability record for one device.
type Entry struct {
	DeviceAddress string
	HopCount      int
	LastHeardAt   time.Time
}

// DefaultMaxHops is the advertisement hop limit before a route is discarded
// as a stale topology echo.
const DefaultMaxHops = 8

// Registry tracks direct-connection state and multi-hop mesh presence per
// device. Direct connections always supersede mesh entries.
type Registry struct {
	log     *zap.Logger
	maxHops int

	mu     sync.RWMutex
	direct map[string]struct{}
	mesh   map[string]Entry
}

// NewRegistry builds a reachability registry. maxHops <= 0 selects the default.
func NewRegistry(log *zap.Logger, maxHops int) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Registry{
		log:     log,
		maxHops: maxHops,
		direct:  make(map[string]struct{}),
		mesh:    make(map[string]Entry),
	}
}

// SetDirect marks a device as directly connected and drops any mesh entry
// for it.
func (r *Registry) SetDirect(address string) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.direct[address] = struct{}{}
	delete(r.mesh, address)
}

// ClearDirect removes the direct-connection mark.
func (r *Registry) ClearDirect(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.direct, address)
}

// Observe records a relay advertisement for a device. Returns false when the
// advertisement was ignored (direct device, hop limit, empty address).
// A claimed hop count of zero is normalized to one: zero is reserved for
// direct links.
func (r *Registry) Observe(address string, hops int, heardAt time.Time) bool {
	if address == "" || hops > r.maxHops {
		return false
	}
	if hops < 1 {
		hops = 1
	}
	if heardAt.IsZero() {
		heardAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, isDirect := r.direct[address]; isDirect {
		return false
	}
	r.mesh[address] = Entry{DeviceAddress: address, HopCount: hops, LastHeardAt: heardAt}
	return true
}

// IsDirectlyConnected reports whether the device has an active direct link.
func (r *Registry) IsDirectlyConnected(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.direct[address]
	return ok
}

// IsReachable reports delivery feasibility: a direct link or mesh presence.
func (r *Registry) IsReachable(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.direct[address]; ok {
		return true
	}
	_, ok := r.mesh[address]
	return ok
}

// HopCount returns 0 for direct or unknown devices and the last observed hop
// count otherwise. Policy decisions about "too many hops" belong to callers.
func (r *Registry) HopCount(address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.direct[address]; ok {
		return 0
	}
	if entry, ok := r.mesh[address]; ok {
		return entry.HopCount
	}
	return 0
}

// DirectDevices returns sorted addresses of directly connected devices.
func (r *Registry) DirectDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.direct))
	for addr := range r.direct {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// MeshDevices returns all relay entries sorted by address.
func (r *Registry) MeshDevices() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.mesh))
	for _, entry := range r.mesh {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceAddress < out[j].DeviceAddress })
	return out
}

// EvictStale removes mesh entries not heard since the cutoff and returns the
// evicted addresses.
func (r *Registry) EvictStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for addr, entry := range r.mesh {
		if entry.LastHeardAt.Before(cutoff) {
			delete(r.mesh, addr)
			removed = append(removed, addr)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		r.log.Debug("evicted stale mesh entries", zap.Strings("addresses", removed))
	}
	return removed
}
