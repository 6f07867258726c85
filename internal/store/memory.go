package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/message"
)

// InMemoryMessages is a map-backed MessageStore.
type InMemoryMessages struct {
	mu    sync.RWMutex
	byID  map[string]message.Message
	order []string
}

// NewInMemoryMessages builds an empty message store.
func NewInMemoryMessages() *InMemoryMessages {
	return &InMemoryMessages{byID: make(map[string]message.Message)}
}

// Insert stores a message, rejecting duplicate ids.
func (s *InMemoryMessages) Insert(msg message.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[msg.MessageID]; exists {
		return ErrDuplicateMessage
	}
	s.byID[msg.MessageID] = msg.Clone()
	s.order = append(s.order, msg.MessageID)
	return nil
}

// UpdateStatus applies a monotonic status transition.
func (s *InMemoryMessages) UpdateStatus(messageID string, status message.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Status == status {
		return nil
	}
	if !msg.Status.CanTransition(status) {
		return fmt.Errorf("%s -> %s: %w", msg.Status, status, ErrInvalidTransition)
	}
	msg.Status = status
	s.byID[messageID] = msg
	return nil
}

// Find fetches a message by id.
func (s *InMemoryMessages) Find(messageID string) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return message.Message{}, false
	}
	return msg.Clone(), true
}

// ByEndpoint returns messages for one endpoint in insertion order.
func (s *InMemoryMessages) ByEndpoint(address string) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, id := range s.order {
		if msg := s.byID[id]; msg.EndpointID == address {
			out = append(out, msg.Clone())
		}
	}
	return out
}

// All returns up to limit most recent messages by timestamp; limit <= 0
// returns everything.
func (s *InMemoryMessages) All(limit int) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]message.Message, 0, len(s.byID))
	for _, msg := range s.byID {
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// CountBySession counts messages attached to a chat session.
func (s *InMemoryMessages) CountBySession(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, msg := range s.byID {
		if msg.ChatSessionID == sessionID {
			n++
		}
	}
	return n
}

// ReassignSession moves all messages from one session to another, returning
// the number moved.
func (s *InMemoryMessages) ReassignSession(fromSessionID, toSessionID string) int {
	if fromSessionID == "" || fromSessionID == toSessionID {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for id, msg := range s.byID {
		if msg.ChatSessionID == fromSessionID {
			msg.ChatSessionID = toSessionID
			s.byID[id] = msg
			moved++
		}
	}
	return moved
}

// InMemorySessions is a map-backed SessionStore.
type InMemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]Session
	nowFn    func() time.Time
}

// NewInMemorySessions builds an empty session store.
func NewInMemorySessions() *InMemorySessions {
	return &InMemorySessions{
		sessions: make(map[string]Session),
		nowFn:    time.Now,
	}
}

// Upsert inserts or replaces a session, stamping CreatedAt on first sight.
func (s *InMemorySessions) Upsert(session Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[session.SessionID]; ok {
		session.CreatedAt = existing.CreatedAt
	} else if session.CreatedAt.IsZero() {
		session.CreatedAt = s.nowFn()
	}
	normalized := session.Clone()
	s.sessions[session.SessionID] = normalized
	return normalized.Clone()
}

// Get fetches a session by id.
func (s *InMemorySessions) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return session.Clone(), true
}

// All returns all sessions sorted by id.
func (s *InMemorySessions) All() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Delete removes a session by id.
func (s *InMemorySessions) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// UpdateMetadata merges keys into a session's metadata bag.
func (s *InMemorySessions) UpdateMetadata(sessionID string, metadata map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if session.Metadata == nil {
		session.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		session.Metadata[k] = v
	}
	s.sessions[sessionID] = session
	return true
}
