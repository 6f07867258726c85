package mesh

import (
	"sync"

	"go.uber.org/zap"
)

// Role is the local node's position in the ad-hoc topology.
type Role string

const (
	RoleNone   Role = "none"
	RoleHost   Role = "host"
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
)

func validRole(r Role) bool {
	switch r {
	case RoleNone, RoleHost, RoleClient, RoleRelay:
		return true
	}
	return false
}

// RoleManager negotiates the local connection role. A forced role is sticky
// until explicitly cleared; role changes requested mid-handshake are queued
// instead of interrupting the connection attempt.
type RoleManager struct {
	log *zap.Logger

	mu          sync.Mutex
	current     Role
	forced      Role
	isForced    bool
	handshaking bool
	queued      *roleRequest
}

type roleRequest struct {
	role  Role
	force bool
	clear bool
}

// NewRoleManager starts in the none role with automatic selection.
func NewRoleManager(log *zap.Logger) *RoleManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoleManager{log: log, current: RoleNone}
}

// CurrentRole returns the active role.
func (m *RoleManager) CurrentRole() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ForcedRole returns the pinned role, or none when not forced.
func (m *RoleManager) ForcedRole() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isForced {
		return RoleNone
	}
	return m.forced
}

// IsRoleForced reports whether the role is pinned.
func (m *RoleManager) IsRoleForced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isForced
}

// SetRole applies the automatic role selection. Ignored while a forced role
// is pinned; queued while a handshake is active.
func (m *RoleManager) SetRole(role Role) bool {
	if !validRole(role) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isForced {
		return false
	}
	if m.handshaking {
		m.queued = &roleRequest{role: role}
		return false
	}
	m.apply(role)
	return true
}

// ForceRole pins the role until ClearForcedRole. Survives reconnect attempts.
func (m *RoleManager) ForceRole(role Role) bool {
	if !validRole(role) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handshaking {
		m.queued = &roleRequest{role: role, force: true}
		return false
	}
	m.isForced = true
	m.forced = role
	m.apply(role)
	return true
}

// ClearForcedRole returns to automatic selection.
func (m *RoleManager) ClearForcedRole() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handshaking {
		m.queued = &roleRequest{clear: true}
		return
	}
	m.isForced = false
	m.forced = RoleNone
}

// BeginHandshake marks a connection attempt as active. Role requests made
// until EndHandshake are queued.
func (m *RoleManager) BeginHandshake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshaking = true
}

// EndHandshake finishes the attempt and applies any queued request.
func (m *RoleManager) EndHandshake() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handshaking = false
	req := m.queued
	m.queued = nil
	if req == nil {
		return
	}
	switch {
	case req.clear:
		m.isForced = false
		m.forced = RoleNone
	case req.force:
		m.isForced = true
		m.forced = req.role
		m.apply(req.role)
	case !m.isForced:
		m.apply(req.role)
	}
}

func (m *RoleManager) apply(role Role) {
	if m.current == role {
		return
	}
	m.log.Info("connection role changed",
		zap.String("from", string(m.current)),
		zap.String("to", string(role)),
		zap.Bool("forced", m.isForced))
	m.current = role
}
