package chat

import (
	"context"
	"errors"
	"time"

	"bazaar/cmd/identity"
)

// TypeSupport is the conversation type served by the support room.
const TypeSupport = "support"

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("chat: conversation not found")

// Participant is one member of a conversation.
type Participant struct {
	UserID string
	Role   identity.Role
}

// Conversation is the routing-relevant projection of a conversation row.
type Conversation struct {
	ID   string
	Type string // empty when unset

	// Participants are ordered by user id.
	Participants []Participant
}

// HasParticipant reports whether userID (any form of the same id) is a participant.
func (c Conversation) HasParticipant(userID string) bool {
	want := identity.NormalizeUserID(userID)
	for _, p := range c.Participants {
		if identity.NormalizeUserID(p.UserID) == want {
			return true
		}
	}
	return false
}

// FirstMember returns the first participant that is not an admin.
func (c Conversation) FirstMember() (Participant, bool) {
	for _, p := range c.Participants {
		if !p.Role.IsAdmin() {
			return p, true
		}
	}
	return Participant{}, false
}

// Stats aggregates every conversation a user participates in.
// Zero times mean "none".
type Stats struct {
	Conversations int64
	UpdatedAt     time.Time
	LastMessageAt time.Time
	LastMessageID int64
	Unread        int64
}

// Store is the conversation read boundary.
type Store interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	Stats(ctx context.Context, userID string) (Stats, error)
}
