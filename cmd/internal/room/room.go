package room

import (
	"log/slog"
	"sync"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Room is the in-memory membership and fanout for one room name.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks:
// a member whose queue is full misses the envelope.
type Room struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client

	seenMu sync.Mutex
	seen   map[string]string
	order  []string
}

func newRoom(log *slog.Logger, name string) *Room {
	return &Room{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
		seen:    make(map[string]string),
	}
}

// Join adds client and returns the member count afterwards.
func (r *Room) Join(client *Client) int {
	r.mu.Lock()
	r.members[client.ConnID] = client
	n := len(r.members)
	r.mu.Unlock()

	r.log.Info("room.member.join", "room", r.Name, "conn_id", client.ConnID, "user_id", client.UserID, "members", n)
	return n
}

// Leave removes the connection, closes its client and returns the member count afterwards.
func (r *Room) Leave(connID string) int {
	r.mu.Lock()
	cl := r.members[connID]
	delete(r.members, connID)
	n := len(r.members)
	r.mu.Unlock()

	// Close after removal so no broadcaster still holds the client.
	if cl != nil {
		cl.Close()
		r.log.Info("room.member.leave", "room", r.Name, "conn_id", connID, "user_id", cl.UserID, "members", n)
	}
	return n
}

// Members returns the current member count.
func (r *Room) Members() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member and returns how many queued it.
func (r *Room) Broadcast(env v1.Envelope) int {
	return r.BroadcastExcept("", env)
}

// BroadcastExcept fans env out to every member but connID.
func (r *Room) BroadcastExcept(connID string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, m := range r.members {
		if id == connID {
			continue
		}
		if m.offer(env) {
			delivered++
		}
	}
	return delivered
}

// Accept registers a client message id for sender. When the same sender
// already used clientMsgID recently it returns the earlier server id and true.
func (r *Room) Accept(senderID, clientMsgID, serverMsgID string) (string, bool) {
	key := senderID + "\x00" + clientMsgID

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if prev, ok := r.seen[key]; ok {
		return prev, true
	}
	r.seen[key] = serverMsgID
	r.order = append(r.order, key)
	if len(r.order) > dedupeWindow {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return serverMsgID, false
}
