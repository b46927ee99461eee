package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds signaling server configuration.
type Config struct {
	Addr string

	// ReadHeaderTimeout bounds the HTTP handshake; it must not bound
	// the long-lived WebSocket streams themselves.
	ReadHeaderTimeout time.Duration

	// Registry, when set, gets the server's collectors and is served
	// at /metrics.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 15 * time.Second,
	}
}

// Server is the WebSocket signaling server.
type Server struct {
	rooms    *RoomManager
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      *slog.Logger

	connectionsTotal prometheus.Counter

	httpServer        *http.Server
	addr              string
	readHeaderTimeout time.Duration
}

// NewServer creates a signaling server from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		rooms: NewRoomManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:               http.NewServeMux(),
		log:               logger,
		addr:              cfg.Addr,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)

	if cfg.Registry != nil {
		s.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vega_signaling_connections_total",
			Help: "WebSocket connections accepted.",
		})
		cfg.Registry.MustRegister(s.connectionsTotal)
		cfg.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vega_signaling_rooms",
			Help: "Rooms with at least one peer.",
		}, func() float64 { return float64(s.rooms.Count()) }))
		s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the server's HTTP handler, for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.readHeaderTimeout,
	}
	s.log.Info("signaling server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  s.rooms.Count(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if s.connectionsTotal != nil {
		s.connectionsTotal.Inc()
	}

	peer := NewPeer(uuid.NewString(), conn)
	s.log.Debug("peer connected", "peer", peer.ID, "remote", r.RemoteAddr)
	s.servePeer(peer, conn)
}

// servePeer runs a peer's read loop until disconnect.
func (s *Server) servePeer(peer *Peer, conn Conn) {
	defer func() {
		if roomID := peer.RoomID; roomID != "" {
			room := s.rooms.GetOrCreate(roomID)
			for _, other := range room.Others(peer.ID) {
				other.Send(&Message{Type: MessageTypePeerLeft, PeerID: peer.ID, RoomID: roomID})
			}
			s.rooms.Remove(roomID, peer.ID)
		}
		peer.Close()
		s.log.Debug("peer disconnected", "peer", peer.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.SendError("bad_message", "cannot parse message")
			continue
		}

		switch msg.Type {
		case MessageTypeJoin:
			s.handleJoin(peer, &msg)
		case MessageTypeCandidates:
			s.handleCandidates(peer, &msg)
		default:
			peer.SendError("unknown_type", "unsupported message type: "+string(msg.Type))
		}
	}
}

func (s *Server) handleJoin(peer *Peer, msg *Message) {
	if msg.RoomID == "" {
		peer.SendError("bad_join", "room_id is required")
		return
	}
	if peer.RoomID != "" {
		peer.SendError("bad_join", "already in a room")
		return
	}

	var payload JoinPayload
	if len(msg.Payload) > 0 {
		msg.DecodePayload(&payload)
	}
	peer.DisplayName = payload.DisplayName

	room := s.rooms.GetOrCreate(msg.RoomID)
	others, err := room.Join(peer)
	if err != nil {
		peer.SendError("room_full", err.Error())
		return
	}

	infos := make([]PeerInfo, 0, len(others))
	for _, other := range others {
		infos = append(infos, other.Info())
	}
	peer.Send((&Message{Type: MessageTypeJoined, RoomID: room.ID}).WithPayload(JoinedPayload{
		PeerID: peer.ID,
		Peers:  infos,
	}))

	for _, other := range others {
		other.Send((&Message{Type: MessageTypePeerJoined, PeerID: peer.ID, RoomID: room.ID}).
			WithPayload(peer.Info()))
	}
	s.log.Info("peer joined room", "peer", peer.ID, "room", room.ID, "size", room.Size())
}

// handleCandidates relays a candidate list to the target peer, or to
// every other peer in the room when no target is named.
func (s *Server) handleCandidates(peer *Peer, msg *Message) {
	if peer.RoomID == "" {
		peer.SendError("not_in_room", "join a room first")
		return
	}
	room := s.rooms.GetOrCreate(peer.RoomID)

	relay := &Message{
		Type:    MessageTypeCandidates,
		PeerID:  peer.ID,
		RoomID:  room.ID,
		Payload: msg.Payload,
	}
	if msg.TargetID != "" {
		target := room.Get(msg.TargetID)
		if target == nil {
			peer.SendError("no_such_peer", "target peer not in room: "+msg.TargetID)
			return
		}
		target.Send(relay)
		return
	}
	for _, other := range room.Others(peer.ID) {
		other.Send(relay)
	}
}
