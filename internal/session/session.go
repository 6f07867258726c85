// Package session consolidates chat sessions so that exactly one logical
// conversation exists per stable device address, no matter how often the
// peer renames or reconnects.
package session

import (
	"sort"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap"
)

// Store manages chat-session bookkeeping on top of the persistence layer.
type Store struct {
	log      *zap.Logger
	sessions store.SessionStore
	messages store.MessageStore
	resolver *identity.Resolver
	metrics  *mesh.Metrics
	nowFn    func() time.Time
}

// Config wires dependencies for the session store.
type Config struct {
	Log      *zap.Logger
	Sessions store.SessionStore
	Messages store.MessageStore
	Resolver *identity.Resolver
	Metrics  *mesh.Metrics
}

// NewStore builds a session store.
func NewStore(cfg Config) *Store {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Store{
		log:      cfg.Log,
		sessions: cfg.Sessions,
		messages: cfg.Messages,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		nowFn:    time.Now,
	}
}

// CreateOrUpdate ensures one session exists for the resolved device address,
// refreshing its name (quality-gated), connection info and metadata in place.
func (s *Store) CreateOrUpdate(address, deviceName, connectionType string, metadata map[string]string) store.Session {
	resolved := s.resolver.Resolve(address)
	sessionID := identity.SessionIDFor(resolved)
	now := s.nowFn()

	session, exists := s.sessions.Get(sessionID)
	if !exists {
		session = store.Session{
			SessionID:     sessionID,
			DeviceAddress: resolved,
			DeviceName:    deviceName,
			CreatedAt:     now,
		}
	} else if deviceName != "" && deviceName != session.DeviceName {
		if identity.NameScore(deviceName) > identity.NameScore(session.DeviceName) {
			s.log.Debug("session name upgraded",
				zap.String("session", sessionID),
				zap.String("old", session.DeviceName),
				zap.String("new", deviceName))
			session.DeviceName = deviceName
		}
	}

	session.DeviceAddress = resolved
	session.LastConnectionType = connectionType
	session.LastConnectionAt = now
	if session.Metadata == nil {
		session.Metadata = make(map[string]string, len(metadata)+1)
	}
	for k, v := range metadata {
		session.Metadata[k] = v
	}
	// The metadata bag must always carry the stable device id.
	session.Metadata["deviceId"] = resolved

	return s.sessions.Upsert(session)
}

// Session fetches the session for a device address, if present.
func (s *Store) Session(address string) (store.Session, bool) {
	resolved := s.resolver.Resolve(address)
	return s.sessions.Get(identity.SessionIDFor(resolved))
}

// Sessions lists all stored sessions.
func (s *Store) Sessions() []store.Session {
	return s.sessions.All()
}

// CleanupDuplicateSessions merges sessions that resolve to the same device
// address. The survivor is the session with the most messages (ties broken
// by earliest creation); all other sessions donate their messages and are
// deleted. Returns the number of sessions merged away.
func (s *Store) CleanupDuplicateSessions() int {
	groups := make(map[string][]store.Session)
	for _, session := range s.sessions.All() {
		addr := s.resolver.ResolveSession(identity.SessionRef{
			DeviceAddress: session.DeviceAddress,
			Metadata:      session.Metadata,
			SessionID:     session.SessionID,
		})
		groups[addr] = append(groups[addr], session)
	}

	merged := 0
	for addr, group := range groups {
		if len(group) < 2 {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			ci := s.messages.CountBySession(group[i].SessionID)
			cj := s.messages.CountBySession(group[j].SessionID)
			if ci != cj {
				return ci > cj
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		survivor := group[0]
		for _, loser := range group[1:] {
			moved := s.messages.ReassignSession(loser.SessionID, survivor.SessionID)
			if identity.NameScore(loser.DeviceName) > identity.NameScore(survivor.DeviceName) {
				survivor.DeviceName = loser.DeviceName
			}
			if loser.LastConnectionAt.After(survivor.LastConnectionAt) {
				survivor.LastConnectionAt = loser.LastConnectionAt
				survivor.LastConnectionType = loser.LastConnectionType
			}
			s.sessions.Delete(loser.SessionID)
			merged++
			s.log.Info("merged duplicate session",
				zap.String("survivor", survivor.SessionID),
				zap.String("loser", loser.SessionID),
				zap.String("address", addr),
				zap.Int("messages_moved", moved))
		}

		survivor.DeviceAddress = addr
		if survivor.Metadata == nil {
			survivor.Metadata = make(map[string]string, 1)
		}
		survivor.Metadata["deviceId"] = addr
		s.sessions.Upsert(survivor)
	}

	s.metrics.RecordSessionsMerged(merged)
	return merged
}
