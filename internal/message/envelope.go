package message

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Envelope is the wire unit exchanged between peers: a typed JSON body
// behind a 4-byte big-endian length prefix.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types on the wire.
const (
	EnvelopeChat       = "chat"
	EnvelopeAck        = "ack"
	EnvelopeRelayAdv   = "relay_advert"
	EnvelopeHello      = "hello"
	EnvelopeDisconnect = "disconnect"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 1 << 20

// Ack confirms delivery of a message id back to its sender.
type Ack struct {
	MessageID string `json:"message_id"`
}

// Hello announces identity right after a link comes up.
type Hello struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

// RelayAdvert announces that a device is reachable through the sender.
type RelayAdvert struct {
	Origin  string    `json:"origin"`
	Hops    int       `json:"hops"`
	TTL     int       `json:"ttl"`
	Path    []string  `json:"path,omitempty"`
	HeardAt time.Time `json:"heard_at"`
}

// EncodeEnvelope serializes an envelope with its length prefix.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", len(payload))
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadEnvelope reads one length-prefixed envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// WrapChat packs a message into a chat envelope.
func WrapChat(from string, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal chat payload: %w", err)
	}
	return Envelope{Type: EnvelopeChat, From: from, Payload: payload}, nil
}

// UnwrapChat extracts the message from a chat envelope.
func UnwrapChat(env Envelope) (Message, error) {
	if env.Type != EnvelopeChat {
		return Message{}, fmt.Errorf("not a chat envelope: %s", env.Type)
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode chat payload: %w", err)
	}
	return msg, nil
}
