package signaling

import (
	"fmt"
	"sync"
	"time"
)

// Room groups the peers trying to reach each other. The connect demo
// pairs exactly two peers, so rooms default to a capacity of two.
type Room struct {
	ID        string
	CreatedAt time.Time
	MaxPeers  int

	peers map[string]*Peer
	mu    sync.RWMutex
}

// NewRoom creates a room with the given ID and a capacity of two.
func NewRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		MaxPeers:  2,
		peers:     make(map[string]*Peer),
	}
}

// Add adds a peer to the room. Returns an error if the room is full.
func (r *Room) Add(peer *Peer) error {
	_, err := r.Join(peer)
	return err
}

// Join adds a peer and returns the peers that were already present, in
// one critical section so two concurrent joiners can't both see an
// empty room.
func (r *Room) Join(peer *Peer) ([]*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.MaxPeers > 0 && len(r.peers) >= r.MaxPeers {
		return nil, fmt.Errorf("room %s is full (max %d peers)", r.ID, r.MaxPeers)
	}
	others := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		others = append(others, p)
	}
	r.peers[peer.ID] = peer
	peer.RoomID = r.ID
	return others, nil
}

// Remove removes a peer from the room.
func (r *Room) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[peerID]; exists {
		peer.RoomID = ""
		delete(r.peers, peerID)
	}
}

// Get retrieves a peer by ID, or nil.
func (r *Room) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID]
}

// Peers returns a snapshot of all peers in the room.
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Others returns all peers except the named one.
func (r *Room) Others(peerID string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	others := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != peerID {
			others = append(others, p)
		}
	}
	return others
}

// Size returns the number of peers in the room.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RoomManager tracks rooms by ID.
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.Mutex
}

// NewRoomManager creates an empty room manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the room with the given ID, creating it if needed.
func (rm *RoomManager) GetOrCreate(id string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[id]
	if !ok {
		room = NewRoom(id)
		rm.rooms[id] = room
	}
	return room
}

// Remove drops a peer from its room and deletes the room once empty.
func (rm *RoomManager) Remove(roomID, peerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[roomID]
	if !ok {
		return
	}
	room.Remove(peerID)
	if room.Size() == 0 {
		delete(rm.rooms, roomID)
	}
}

// Count returns the number of active rooms.
func (rm *RoomManager) Count() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}
