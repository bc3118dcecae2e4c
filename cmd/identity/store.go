package identity

import (
	"context"
	"strings"
	"time"
)

// User is the projection of a marketplace account the auth and presence layers need.
type User struct {
	ID          string
	Role        Role
	Username    string
	Email       string
	DisplayName string
	AvatarURL   string

	// PasswordHash is the PHC Argon2id hash; empty disables password login.
	PasswordHash string

	// LastActivityAt is zero when the user has never been seen.
	LastActivityAt time.Time
}

// Ref returns the id reference of u.
func (u User) Ref() Ref { return RefForID(u.ID) }

// Store is the user persistence boundary.
//
// Lookups that find nothing return an ErrNotFound error; LastActivity distinguishes
// "no data" (found=false) from failure (err != nil).
type Store interface {
	UserByRef(ctx context.Context, ref Ref) (User, error)

	LastActivity(ctx context.Context, ref Ref) (at time.Time, found bool, err error)

	// TouchActivity advances last activity to at; it never moves it backwards.
	TouchActivity(ctx context.Context, ref Ref, at time.Time) error
}

// Creator is implemented by stores that accept new users (dev seeding, tooling).
type Creator interface {
	CreateUser(ctx context.Context, u User) (User, error)
}

func prepareUser(op string, u User) (User, error) {
	u.ID = NormalizeUserID(u.ID)
	if u.ID == "" {
		return User{}, invalid(op, "missing user id")
	}
	if strings.TrimSpace(u.Username) == "" && strings.TrimSpace(u.Email) == "" {
		return User{}, invalid(op, "username or email is required")
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	u.Role = ParseRole(string(u.Role))
	return u, nil
}
