// Package relay implements the caption relay: a room-scoped fan-out server
// that participants reach over WebSocket, gRPC or plain HTTP.
package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nadzzz/livecaption/internal/caption"
)

const peerQueueSize = 64

// Peer is a participant joined to a room.
type Peer struct {
	ID    string
	Room  string
	User  string
	Via   string
	queue chan caption.Envelope
}

// Outbox delivers envelopes addressed to the peer. It is closed when the
// peer leaves.
func (p *Peer) Outbox() <-chan caption.Envelope { return p.queue }

// RoomInfo summarizes a room.
type RoomInfo struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

// Hub tracks rooms and fans envelopes out to their members.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Peer
	log   *slog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Peer),
		log:   slog.With("component", "relay"),
	}
}

// Join adds a peer to room.
func (h *Hub) Join(room, user, via string) *Peer {
	p := &Peer{
		ID:    uuid.NewString(),
		Room:  room,
		User:  user,
		Via:   via,
		queue: make(chan caption.Envelope, peerQueueSize),
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Peer)
		h.rooms[room] = members
	}
	members[p.ID] = p
	n := len(members)
	h.mu.Unlock()

	h.log.Info("peer joined", "room", room, "user", user, "via", via, "peers", n)
	return p
}

// Leave removes p and tells the rest of the room that it hung up.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	members := h.rooms[p.Room]
	if _, ok := members[p.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(members, p.ID)
	if len(members) == 0 {
		delete(h.rooms, p.Room)
	}
	close(p.queue)
	h.mu.Unlock()

	h.log.Info("peer left", "room", p.Room, "user", p.User)
	data, _ := json.Marshal(map[string]string{"userName": p.User})
	h.Broadcast(p.Room, p.ID, caption.Envelope{Type: caption.TypePeerHangup, Sender: p.ID, Data: data})
}

// Broadcast sends env to every member of room except the peer with id
// from. Slow members lose the envelope. It returns the number of recipients.
func (h *Hub) Broadcast(room, from string, env caption.Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for id, p := range h.rooms[room] {
		if id == from {
			continue
		}
		select {
		case p.queue <- env:
			sent++
		default:
			h.log.Warn("peer queue full, dropping", "room", room, "user", p.User, "type", env.Type)
		}
	}
	return sent
}

// Rooms lists the active rooms in name order.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for name, members := range h.rooms {
		info := RoomInfo{Name: name}
		for _, p := range members {
			info.Users = append(info.Users, p.User)
		}
		sort.Strings(info.Users)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
