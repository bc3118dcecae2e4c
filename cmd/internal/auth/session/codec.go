package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/security/signer"
	"bazaar/cmd/security/token"
)

// Codec builds and verifies session tokens and their cookies.
type Codec struct {
	cfg    Config
	tokens *token.Codec[Claims]
}

// NewCodec constructs a Codec. The secret is read on every call.
func NewCodec(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		cfg:    cfg,
		tokens: token.NewCodec[Claims](Purpose, cfg.Secret),
	}, nil
}

// CookieName returns the session cookie name.
func (c *Codec) CookieName() string { return c.cfg.CookieName }

// Build signs a token for id that expires ttl after now (whole seconds; ttl <= 0 uses
// the configured default) and returns it with the matching cookie.
func (c *Codec) Build(id Identity, ttl time.Duration, now time.Time) (string, *http.Cookie, error) {
	id.SubjectID = strings.TrimSpace(id.SubjectID)
	if id.SubjectID == "" {
		return "", nil, ErrNoSubject
	}
	if id.Role == "" {
		id.Role = identity.RoleUser
	}

	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	exp := now.Unix() + secs

	tok, err := c.tokens.Seal(Claims{Identity: id, ExpiresAt: exp})
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			return "", nil, ErrConfigMissing
		}
		return "", nil, err
	}

	return tok, c.cookie(tok, int(secs), time.Unix(exp, 0).UTC()), nil
}

// Verify returns the claims of a valid, unexpired token.
func (c *Codec) Verify(tok string, now time.Time) (Claims, error) {
	claims, err := c.tokens.Open(strings.TrimSpace(tok), now)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			return Claims{}, ErrConfigMissing
		}
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.SubjectID) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest verifies the session cookie on r.
func (c *Codec) FromRequest(r *http.Request, now time.Time) (Claims, error) {
	ck, err := r.Cookie(c.cfg.CookieName)
	if err != nil || ck.Value == "" {
		return Claims{}, ErrInvalidToken
	}
	return c.Verify(ck.Value, now)
}

// Logout returns a cookie that makes the browser drop the session.
// Tokens already issued stay valid until they expire.
func (c *Codec) Logout() *http.Cookie {
	return c.cookie("", -1, time.Unix(0, 0).UTC())
}

func (c *Codec) cookie(value string, maxAge int, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.cfg.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}
