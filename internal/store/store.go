// Package store defines the persistence contracts the engine depends on.
// The SQL column layout lives with the embedding application; these
// interfaces are the boundary, and the in-memory backends below are what the
// engine and its tests run against.
package store

import (
	"errors"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/message"
)

var (
	ErrDuplicateMessage  = errors.New("message id already stored")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSessionNotFound   = errors.New("session not found")
)

// Session is one logical conversation bound to a stable device address.
type Session struct {
	SessionID          string
	DeviceAddress      string
	DeviceName         string
	LastConnectionType string
	LastConnectionAt   time.Time
	CreatedAt          time.Time
	Metadata           map[string]string
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	cp := s
	if len(s.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	} else {
		cp.Metadata = nil
	}
	return cp
}

// MessageStore persists messages and their delivery status.
type MessageStore interface {
	Insert(msg message.Message) error
	UpdateStatus(messageID string, status message.Status) error
	Find(messageID string) (message.Message, bool)
	ByEndpoint(address string) []message.Message
	All(limit int) []message.Message
	CountBySession(sessionID string) int
	ReassignSession(fromSessionID, toSessionID string) int
}

// SessionStore persists chat sessions.
type SessionStore interface {
	Upsert(session Session) Session
	Get(sessionID string) (Session, bool)
	All() []Session
	Delete(sessionID string) bool
	UpdateMetadata(sessionID string, metadata map[string]string) bool
}
