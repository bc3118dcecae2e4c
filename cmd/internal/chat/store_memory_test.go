package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"bazaar/cmd/identity"
)

func TestMemoryStore_Conversation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	s.Upsert("c1", TypeSupport, now,
		Participant{UserID: "7", Role: identity.RoleAdmin},
		Participant{UserID: "042", Role: identity.RoleUser},
	)

	c, err := s.Conversation(context.Background(), " c1 ")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if c.Type != TypeSupport || len(c.Participants) != 2 {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	if !c.HasParticipant("7") || !c.HasParticipant("42") || c.HasParticipant("99") {
		t.Fatalf("participant lookup mismatch: %+v", c.Participants)
	}
	m, ok := c.FirstMember()
	if !ok || m.UserID != "42" {
		t.Fatalf("FirstMember=%+v ok=%v", m, ok)
	}

	if _, err := s.Conversation(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConversation_FirstMember_AdminsOnly(t *testing.T) {
	t.Parallel()

	c := Conversation{Participants: []Participant{{UserID: "1", Role: identity.RoleAdmin}}}
	if _, ok := c.FirstMember(); ok {
		t.Fatalf("expected no member")
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	empty, err := s.Stats(ctx, "42")
	if err != nil || empty != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v err=%v", empty, err)
	}

	s.Upsert("c1", TypeSupport, t0, Participant{UserID: "42", Role: identity.RoleUser}, Participant{UserID: "7", Role: identity.RoleAdmin})
	s.Upsert("c2", TypeSupport, t0.Add(time.Minute), Participant{UserID: "42", Role: identity.RoleUser})
	s.RecordMessage("c1", 10, "7", t0.Add(2*time.Minute))
	s.RecordMessage("c1", 11, "7", t0.Add(3*time.Minute))
	s.RecordMessage("c1", 12, "42", t0.Add(4*time.Minute))

	st, err := s.Stats(ctx, "42")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{
		Conversations: 2,
		UpdatedAt:     t0.Add(4 * time.Minute),
		LastMessageAt: t0.Add(4 * time.Minute),
		LastMessageID: 12,
		Unread:        2,
	}
	if st != want {
		t.Fatalf("Stats=%+v want %+v", st, want)
	}

	s.MarkRead("c1", "42")
	st, _ = s.Stats(ctx, "42")
	if st.Unread != 0 {
		t.Fatalf("unread=%d want 0 after MarkRead", st.Unread)
	}
}
