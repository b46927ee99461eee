package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the peer side of the signaling protocol, used by the
// connect demo to rendezvous with the opposite peer.
type Client struct {
	conn   *websocket.Conn
	peerID string
	roomID string
}

// Dial connects to a signaling server's /ws endpoint
// (e.g. "ws://host:8080/ws").
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// PeerID returns the ID assigned by the server, once joined.
func (c *Client) PeerID() string { return c.peerID }

// Join enters a room and returns the join acknowledgment, which lists
// any peer already waiting.
func (c *Client) Join(roomID, displayName string) (*JoinedPayload, error) {
	join := (&Message{Type: MessageTypeJoin, RoomID: roomID}).
		WithPayload(JoinPayload{DisplayName: displayName})
	if err := c.send(join); err != nil {
		return nil, err
	}

	msg, err := c.read(10 * time.Second)
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeJoined {
		return nil, fmt.Errorf("unexpected reply to JOIN: %s", msg.Type)
	}

	var payload JoinedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return nil, err
	}
	c.peerID = payload.PeerID
	c.roomID = roomID
	return &payload, nil
}

// AwaitPeer blocks until another peer joins the room.
func (c *Client) AwaitPeer(timeout time.Duration) (*PeerInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.read(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if msg.Type != MessageTypePeerJoined {
			continue
		}
		var info PeerInfo
		if err := msg.DecodePayload(&info); err != nil {
			return nil, err
		}
		return &info, nil
	}
}

// SendCandidates sends an endpoint candidate list to the target peer.
func (c *Client) SendCandidates(targetID string, endpoints []string) error {
	msg := (&Message{Type: MessageTypeCandidates, TargetID: targetID, RoomID: c.roomID}).
		WithPayload(CandidatesPayload{Endpoints: endpoints})
	return c.send(msg)
}

// RecvCandidates blocks until a candidate list arrives, returning the
// sending peer's ID and its endpoints.
func (c *Client) RecvCandidates(timeout time.Duration) (string, []string, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.read(time.Until(deadline))
		if err != nil {
			return "", nil, err
		}
		if msg.Type != MessageTypeCandidates {
			continue
		}
		var payload CandidatesPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return "", nil, err
		}
		return msg.PeerID, payload.Endpoints, nil
	}
}

// Close closes the connection to the signaling server.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// read returns the next message, surfacing server-side ERRORs as
// errors.
func (c *Client) read(timeout time.Duration) (*Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read from signaling server: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse signaling message: %w", err)
	}
	if msg.Type == MessageTypeError {
		var payload ErrorPayload
		msg.DecodePayload(&payload)
		return nil, fmt.Errorf("signaling error %s: %s", payload.Code, payload.Message)
	}
	return &msg, nil
}
