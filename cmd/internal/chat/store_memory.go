package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/identity"
)

// MemoryStore is an in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memConversation
}

type memConversation struct {
	typ           string
	updatedAt     time.Time
	lastMessageAt time.Time
	lastMessageID int64
	members       map[string]*memMember
}

type memMember struct {
	role   identity.Role
	unread int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memConversation)}
}

// Upsert creates or retypes a conversation and adds participants.
func (s *MemoryStore) Upsert(id, typ string, updatedAt time.Time, participants ...Participant) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		c = &memConversation{members: make(map[string]*memMember)}
		s.convs[id] = c
	}
	c.typ = typ
	if updatedAt.After(c.updatedAt) {
		c.updatedAt = updatedAt
	}
	for _, p := range participants {
		uid := identity.NormalizeUserID(p.UserID)
		if m, ok := c.members[uid]; ok {
			m.role = p.Role
			continue
		}
		c.members[uid] = &memMember{role: p.Role}
	}
}

// RecordMessage bumps the conversation's message cursor and every other participant's unread count.
func (s *MemoryStore) RecordMessage(id string, msgID int64, from string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[strings.TrimSpace(id)]
	if !ok {
		return false
	}
	c.lastMessageID = msgID
	c.lastMessageAt = at
	if at.After(c.updatedAt) {
		c.updatedAt = at
	}
	sender := identity.NormalizeUserID(from)
	for uid, m := range c.members {
		if uid != sender {
			m.unread++
		}
	}
	return true
}

// MarkRead clears userID's unread count in a conversation.
func (s *MemoryStore) MarkRead(id, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[strings.TrimSpace(id)]; ok {
		if m, ok := c.members[identity.NormalizeUserID(userID)]; ok {
			m.unread = 0
		}
	}
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	id = strings.TrimSpace(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	out := Conversation{ID: id, Type: c.typ}
	for uid, m := range c.members {
		out.Participants = append(out.Participants, Participant{UserID: uid, Role: m.role})
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		return out.Participants[i].UserID < out.Participants[j].UserID
	})
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context, userID string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	uid := identity.NormalizeUserID(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, c := range s.convs {
		m, ok := c.members[uid]
		if !ok {
			continue
		}
		st.Conversations++
		st.Unread += m.unread
		if c.updatedAt.After(st.UpdatedAt) {
			st.UpdatedAt = c.updatedAt
		}
		if c.lastMessageAt.After(st.LastMessageAt) {
			st.LastMessageAt = c.lastMessageAt
		}
		if c.lastMessageID > st.LastMessageID {
			st.LastMessageID = c.lastMessageID
		}
	}
	return st, nil
}
