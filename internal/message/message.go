package message

import (
	"time"

	"github.com/google/uuid"
)

// Broadcast is the sentinel endpoint meaning "no specific target",
// used for emergency fan-out.
const Broadcast = "broadcast"

// Status tracks per-message delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status never regresses automatically.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
// pending -> sent|failed; sent -> delivered; everything else is frozen.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered
	default:
		return false
	}
}

// Type classifies message payloads.
type Type string

const (
	TypeText      Type = "text"
	TypeLocation  Type = "location"
	TypeEmergency Type = "emergency"
	TypeSOS       Type = "sos"
	TypeVoice     Type = "voice"
)

// Message is the unit of chat traffic moving through the engine.
type Message struct {
	MessageID     string    `json:"message_id"`
	EndpointID    string    `json:"endpoint_id"`
	FromUser      string    `json:"from_user"`
	Body          string    `json:"body"`
	Type          Type      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Status        Status    `json:"status"`
	IsMe          bool      `json:"is_me"`
	ChatSessionID string    `json:"chat_session_id,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	TTL           int       `json:"ttl,omitempty"`
	RoutePath     []string  `json:"route_path,omitempty"`
}

// New builds an outbound message with a fresh id and pending status.
func New(endpoint, fromUser, body string, typ Type) Message {
	return Message{
		MessageID:  uuid.NewString(),
		EndpointID: endpoint,
		FromUser:   fromUser,
		Body:       body,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		Status:     StatusPending,
		IsMe:       true,
	}
}

// IsBroadcast reports whether the message targets no specific endpoint.
func (m Message) IsBroadcast() bool {
	return m.EndpointID == "" || m.EndpointID == Broadcast || m.EndpointID == "unknown"
}

// Clone returns a deep copy safe to hand to listeners.
func (m Message) Clone() Message {
	cp := m
	if m.Latitude != nil {
		lat := *m.Latitude
		cp.Latitude = &lat
	}
	if m.Longitude != nil {
		lon := *m.Longitude
		cp.Longitude = &lon
	}
	cp.RoutePath = append([]string(nil), m.RoutePath...)
	return cp
}
