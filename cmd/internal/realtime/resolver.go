package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bazaar/cmd/internal/auth/session"
	"bazaar/cmd/internal/chat"
)

const maxConversationIDLen = 128

// ResolveKind classifies room resolution failures.
type ResolveKind uint8

const (
	KindConversationRequired ResolveKind = iota + 1
	KindNotFound
	KindNotSupported
	KindForbidden
	KindTargetNotFound
	KindStoreUnavailable
)

func (k ResolveKind) String() string {
	switch k {
	case KindConversationRequired:
		return "conversation_required"
	case KindNotFound:
		return "not_found"
	case KindNotSupported:
		return "not_supported"
	case KindForbidden:
		return "forbidden"
	case KindTargetNotFound:
		return "target_not_found"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// ResolveError is returned by Resolver.Resolve.
type ResolveError struct {
	Kind           ResolveKind
	ConversationID string
	Err            error
}

func (e *ResolveError) Error() string {
	msg := "realtime.Resolve: " + e.Kind.String()
	if e.ConversationID != "" {
		msg += fmt.Sprintf(" (conversation %q)", e.ConversationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Status maps the failure onto an HTTP status. Authorization outcomes collapse
// onto 403/404 so callers cannot tell which check failed.
func (e *ResolveError) Status() int {
	switch e.Kind {
	case KindConversationRequired:
		return http.StatusBadRequest
	case KindNotFound, KindTargetNotFound:
		return http.StatusNotFound
	case KindNotSupported, KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// PublicCode is the error code safe to show the caller.
func (e *ResolveError) PublicCode() string {
	switch e.Status() {
	case http.StatusBadRequest:
		return "conversation_required"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "unavailable"
	}
}

// ConversationReader is the conversation lookup the resolver needs.
type ConversationReader interface {
	Conversation(ctx context.Context, id string) (chat.Conversation, error)
}

// Resolver maps a caller onto the room it may join.
type Resolver struct {
	conversations ConversationReader
}

// NewResolver builds a Resolver.
func NewResolver(conversations ConversationReader) *Resolver {
	return &Resolver{conversations: conversations}
}

// Resolve returns the room for caller. Users always get their own room and any
// conversation id is ignored. Admins must name a support conversation they
// participate in and get the room of its first non-admin participant.
// Store failures fail closed.
func (r *Resolver) Resolve(ctx context.Context, caller session.Identity, conversationID string) (string, error) {
	if !caller.IsAdmin() {
		return RoomFor(caller.SubjectID), nil
	}

	id := strings.TrimSpace(conversationID)
	if id == "" {
		return "", &ResolveError{Kind: KindConversationRequired}
	}
	if len(id) > maxConversationIDLen {
		return "", &ResolveError{Kind: KindNotFound}
	}
	if r.conversations == nil {
		return "", &ResolveError{Kind: KindStoreUnavailable, ConversationID: id, Err: errors.New("no conversation store")}
	}

	conv, err := r.conversations.Conversation(ctx, id)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return "", &ResolveError{Kind: KindNotFound, ConversationID: id}
		}
		return "", &ResolveError{Kind: KindStoreUnavailable, ConversationID: id, Err: err}
	}

	if conv.Type != "" && conv.Type != chat.TypeSupport {
		return "", &ResolveError{Kind: KindNotSupported, ConversationID: id}
	}
	if !conv.HasParticipant(caller.SubjectID) {
		return "", &ResolveError{Kind: KindForbidden, ConversationID: id}
	}
	target, ok := conv.FirstMember()
	if !ok {
		return "", &ResolveError{Kind: KindTargetNotFound, ConversationID: id}
	}
	return RoomFor(target.UserID), nil
}
