package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// writeTimeout bounds a single WebSocket write to a peer.
const writeTimeout = 10 * time.Second

// Conn abstracts a WebSocket connection for testability. It is
// satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
}

// WebSocket message types (matching gorilla/websocket constants).
const (
	TextMessage = 1
)

// Peer is one connected client.
type Peer struct {
	ID          string
	DisplayName string
	RoomID      string
	JoinedAt    time.Time

	conn   Conn
	mu     sync.Mutex // protects conn writes and closed
	closed bool
}

// NewPeer wraps a WebSocket connection as a peer.
func NewPeer(id string, conn Conn) *Peer {
	return &Peer{
		ID:       id,
		conn:     conn,
		JoinedAt: time.Now(),
	}
}

// Info returns the peer's directory entry.
func (p *Peer) Info() PeerInfo {
	return PeerInfo{PeerID: p.ID, DisplayName: p.DisplayName}
}

// Send writes a message to the peer. Thread-safe.
func (p *Peer) Send(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s connection is closed", p.ID)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.conn.WriteMessage(TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// SendError sends an ERROR message to the peer.
func (p *Peer) SendError(code, message string) error {
	return p.Send(NewErrorMessage(code, message))
}

// Close closes the peer's connection. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
