package app

import (
	"context"
	"fmt"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/chat"
	"bazaar/cmd/security/password"
)

// Dev seed accounts. The demo user's support conversation is "support-42".
const (
	devAdminID      = "1"
	devUserID       = "42"
	devConversation = "support-42"
)

// seedDev creates an admin, a user and their support conversation in the
// in-memory stores. Password hashing is the slow part; it runs once at startup.
func seedDev(ctx context.Context, users identity.Creator, convs *chat.MemoryStore, pw password.Config, secret string, now time.Time) error {
	hash, err := pw.Hash(secret)
	if err != nil {
		return fmt.Errorf("seed: hash: %w", err)
	}

	for _, u := range []identity.User{
		{ID: devAdminID, Role: identity.RoleAdmin, Username: "admin", Email: "admin@bazaar.local", DisplayName: "Support", PasswordHash: hash},
		{ID: devUserID, Role: identity.RoleUser, Username: "demo", Email: "demo@bazaar.local", DisplayName: "Demo Buyer", PasswordHash: hash},
	} {
		if _, err := users.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed: user %s: %w", u.Username, err)
		}
	}

	convs.Upsert(devConversation, chat.TypeSupport, now,
		chat.Participant{UserID: devUserID, Role: identity.RoleUser},
		chat.Participant{UserID: devAdminID, Role: identity.RoleAdmin},
	)
	return nil
}
