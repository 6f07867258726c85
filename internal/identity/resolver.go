package identity

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Device captures a peer's stable address and its mutable display name.
type Device struct {
	Address           string
	DisplayName       string
	DirectlyConnected bool
	LastSeen          time.Time
}

// SessionRef carries the identity-bearing fields of a stored chat session,
// in resolution precedence order.
type SessionRef struct {
	DeviceAddress string
	DeviceID      string
	Metadata      map[string]string
	SessionID     string
}

// Resolver is the single source of truth for "who is this peer": it maps
// mutable display names to stable device addresses and back.
type Resolver struct {
	log   *zap.Logger
	nowFn func() time.Time

	mu        sync.RWMutex
	byAddress map[string]Device
	byName    map[string]string
}

// NewResolver builds an empty resolver.
func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		log:       log,
		nowFn:     time.Now,
		byAddress: make(map[string]Device),
		byName:    make(map[string]string),
	}
}

// Register records or refreshes the (address, displayName) mapping and
// stamps lastSeen. A lower-quality name never replaces a better one.
func (r *Resolver) Register(address, displayName string) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	dev, exists := r.byAddress[address]
	if !exists {
		dev = Device{Address: address}
	}
	dev.LastSeen = now

	if displayName != "" {
		// Every name ever announced keeps resolving to this address, so a
		// device renaming back to an old alias stays addressable. The quality
		// gate only decides which name the device record displays.
		r.byName[displayName] = address
		if displayName != dev.DisplayName &&
			(NameScore(displayName) > NameScore(dev.DisplayName) || dev.DisplayName == "") {
			if dev.DisplayName != "" {
				r.log.Debug("display name updated",
					zap.String("address", address),
					zap.String("old", dev.DisplayName),
					zap.String("new", displayName))
			}
			dev.DisplayName = displayName
		}
	}
	r.byAddress[address] = dev
}

// Resolve returns the canonical address for a display name or address.
// Unknown identifiers are returned unchanged, best-effort.
func (r *Resolver) Resolve(nameOrAddress string) string {
	if nameOrAddress == "" {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byAddress[nameOrAddress]; ok {
		return nameOrAddress
	}
	if addr, ok := r.byName[nameOrAddress]; ok {
		return addr
	}
	return nameOrAddress
}

// Known reports whether the identifier maps to a registered device.
func (r *Resolver) Known(nameOrAddress string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byAddress[nameOrAddress]; ok {
		return true
	}
	_, ok := r.byName[nameOrAddress]
	return ok
}

// ResolveSession extracts the device address from a session record using the
// precedence: address field > device id field > metadata deviceId > address
// derived from the session id > raw session id.
func (r *Resolver) ResolveSession(ref SessionRef) string {
	if ref.DeviceAddress != "" {
		return r.Resolve(ref.DeviceAddress)
	}
	if ref.DeviceID != "" {
		return r.Resolve(ref.DeviceID)
	}
	if id, ok := ref.Metadata["deviceId"]; ok && id != "" {
		return r.Resolve(id)
	}
	if addr := AddressFromSessionID(ref.SessionID); addr != "" {
		return r.Resolve(addr)
	}
	return ref.SessionID
}

// Touch refreshes lastSeen for a known device, returning false if unknown.
func (r *Resolver) Touch(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.byAddress[address]
	if !ok {
		return false
	}
	dev.LastSeen = r.nowFn()
	r.byAddress[address] = dev
	return true
}

// SetDirect flips the direct-connection flag for a device.
func (r *Resolver) SetDirect(address string, direct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.byAddress[address]
	if !ok {
		dev = Device{Address: address}
	}
	dev.DirectlyConnected = direct
	dev.LastSeen = r.nowFn()
	r.byAddress[address] = dev
}

// Device fetches a device by address.
func (r *Resolver) Device(address string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byAddress[address]
	return dev, ok
}

// Devices returns all known devices sorted by address.
func (r *Resolver) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.byAddress))
	for _, dev := range r.byAddress {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

const sessionIDPrefix = "chat_"

// SessionIDFor derives the deterministic chat session id for an address.
func SessionIDFor(address string) string {
	return sessionIDPrefix + strings.ToLower(address)
}

// AddressFromSessionID reverses SessionIDFor, returning "" when the id does
// not follow the derived pattern.
func AddressFromSessionID(sessionID string) string {
	if !strings.HasPrefix(sessionID, sessionIDPrefix) {
		return ""
	}
	return strings.TrimPrefix(sessionID, sessionIDPrefix)
}
