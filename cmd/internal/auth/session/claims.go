package session

import "bazaar/cmd/identity"

// Identity is who the session belongs to.
type Identity struct {
	SubjectID   string        `json:"sub"`
	Role        identity.Role `json:"role"`
	Username    string        `json:"username,omitempty"`
	Email       string        `json:"email,omitempty"`
	DisplayName string        `json:"name,omitempty"`
	Avatar      string        `json:"avatar,omitempty"`
}

// IdentityOf projects a stored user onto session identity.
func IdentityOf(u identity.User) Identity {
	return Identity{
		SubjectID:   u.ID,
		Role:        u.Role,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Avatar:      u.AvatarURL,
	}
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool { return id.Role.IsAdmin() }

// Claims is the signed session payload.
type Claims struct {
	Identity

	// ExpiresAt is the absolute expiry in epoch seconds.
	ExpiresAt int64 `json:"exp"`
}

// ExpiryUnix implements token.Claims.
func (c Claims) ExpiryUnix() int64 { return c.ExpiresAt }
