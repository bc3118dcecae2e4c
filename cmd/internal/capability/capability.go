// Package capability mints and verifies the short-lived tokens that admit one
// WebSocket upgrade into one room.
//
// A capability token is signed under its own secret and purpose label, so neither a
// session cookie nor a capability for another room can stand in for it. Expiry is
// checked by the consumer (the room process) at accept time.
package capability

import (
	"errors"
	"strings"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/security/signer"
	"bazaar/cmd/security/token"
)

const (
	// Purpose labels the capability token family in key derivation.
	Purpose = "bazaar/capability/v1"

	// TTL is how long a minted capability admits an upgrade.
	TTL = 45 * time.Second
)

var (
	// ErrInvalid covers malformed, forged and expired capabilities.
	ErrInvalid = errors.New("capability invalid")

	// ErrRoomMismatch is returned when a valid capability names another room.
	ErrRoomMismatch = errors.New("capability room mismatch")

	// ErrConfigMissing is returned when no capability secret is configured.
	ErrConfigMissing = errors.New("capability secret not configured")
)

// Claims is the signed capability payload.
type Claims struct {
	Subject   string        `json:"sub"`
	Room      string        `json:"room"`
	Role      identity.Role `json:"role"`
	ExpiresAt int64         `json:"exp"`
}

// ExpiryUnix implements token.Claims.
func (c Claims) ExpiryUnix() int64 { return c.ExpiresAt }

// Minter issues capability tokens.
type Minter struct {
	tokens *token.Codec[Claims]
	ttl    time.Duration
}

// NewMinter returns a Minter signing under secret.
func NewMinter(secret token.SecretFunc) *Minter {
	return &Minter{tokens: token.NewCodec[Claims](Purpose, secret), ttl: TTL}
}

// Mint signs {subject, room, role, now+TTL}.
func (m *Minter) Mint(subject, room string, role identity.Role, now time.Time) (string, Claims, error) {
	subject = strings.TrimSpace(subject)
	room = strings.TrimSpace(room)
	if subject == "" || room == "" {
		return "", Claims{}, ErrInvalid
	}

	c := Claims{
		Subject:   subject,
		Room:      room,
		Role:      role,
		ExpiresAt: now.Add(m.ttl).Unix(),
	}
	tok, err := m.tokens.Seal(c)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			return "", Claims{}, ErrConfigMissing
		}
		return "", Claims{}, err
	}
	return tok, c, nil
}

// Verifier checks capability tokens on the consuming side.
type Verifier struct {
	tokens *token.Codec[Claims]
}

// NewVerifier returns a Verifier for tokens signed under secret.
func NewVerifier(secret token.SecretFunc) *Verifier {
	return &Verifier{tokens: token.NewCodec[Claims](Purpose, secret)}
}

// Verify accepts tok iff its signature matches, it has not expired and it names room.
func (v *Verifier) Verify(tok, room string, now time.Time) (Claims, error) {
	c, err := v.tokens.Open(strings.TrimSpace(tok), now)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			return Claims{}, ErrConfigMissing
		}
		return Claims{}, ErrInvalid
	}
	if c.Subject == "" || c.Room == "" {
		return Claims{}, ErrInvalid
	}
	if c.Room != room {
		return Claims{}, ErrRoomMismatch
	}
	return c, nil
}
