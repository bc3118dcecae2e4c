package room

import (
	"log/slog"
	"sync"
)

// Hub owns the live rooms of this process. A room exists while it has members.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to the named room, creating it on first use.
func (h *Hub) Join(name string, client *Client) (*Room, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[name]
	if !ok {
		rm = newRoom(h.log, name)
		h.rooms[name] = rm
	}
	return rm, rm.Join(client)
}

// Leave removes the connection and drops the room once it is empty.
func (h *Hub) Leave(name, connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[name]
	if !ok {
		return 0
	}
	n := rm.Leave(connID)
	if n == 0 {
		delete(h.rooms, name)
	}
	return n
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
