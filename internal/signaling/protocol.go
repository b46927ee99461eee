// Package signaling implements the WebSocket rendezvous used by the
// connect demo: two peers join a room, learn of each other, and swap
// endpoint candidate lists before hole punching.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the type of signaling message.
type MessageType string

const (
	// Client -> server
	MessageTypeJoin       MessageType = "JOIN"
	MessageTypeCandidates MessageType = "CANDIDATES"

	// Server -> client
	MessageTypeJoined     MessageType = "JOINED"
	MessageTypePeerJoined MessageType = "PEER_JOINED"
	MessageTypePeerLeft   MessageType = "PEER_LEFT"
	MessageTypeError      MessageType = "ERROR"
)

// Message is the envelope for all signaling traffic.
type Message struct {
	Type     MessageType     `json:"type"`
	PeerID   string          `json:"peer_id,omitempty"`   // sender, filled in by the server
	TargetID string          `json:"target_id,omitempty"` // recipient for directed messages
	RoomID   string          `json:"room_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// WithPayload sets the payload from any serializable value and returns
// the message for chaining.
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return m
	}
	m.Payload = data
	return m
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// JoinPayload accompanies JOIN.
type JoinPayload struct {
	DisplayName string `json:"display_name,omitempty"`
}

// JoinedPayload answers a JOIN with the assigned peer ID and the peers
// already present.
type JoinedPayload struct {
	PeerID string     `json:"peer_id"`
	Peers  []PeerInfo `json:"peers"`
}

// PeerInfo describes a peer in JOINED and PEER_JOINED messages.
type PeerInfo struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// CandidatesPayload carries endpoint candidates ("ip:port" strings) for
// hole punching, ordered most-preferred first.
type CandidatesPayload struct {
	Endpoints []string `json:"endpoints"`
}

// ErrorPayload accompanies ERROR.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage builds an ERROR message.
func NewErrorMessage(code, message string) *Message {
	return (&Message{Type: MessageTypeError}).WithPayload(ErrorPayload{Code: code, Message: message})
}
