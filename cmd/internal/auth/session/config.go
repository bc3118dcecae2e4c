package session

import (
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/security/token"
)

// Purpose labels the session token family in key derivation.
const Purpose = "bazaar/session/v1"

// Config defines runtime configuration for session tokens.
type Config struct {
	// CookieName is the cookie carrying the token.
	CookieName string

	// TTL is the default token and cookie lifetime.
	TTL time.Duration

	// Secret returns the current session secret. Nil or empty fails closed.
	Secret token.SecretFunc
}

// DefaultConfig returns defaults without a secret.
func DefaultConfig() Config {
	return Config{
		CookieName: "bazaar_session",
		TTL:        7 * 24 * time.Hour,
	}
}

// Validate checks the static parts of the config. A missing secret is reported
// by Build/Verify as ErrConfigMissing so the process can still answer health checks.
func (c Config) Validate() error {
	name := strings.TrimSpace(c.CookieName)
	if name == "" || !validCookieName(name) {
		return ErrConfig
	}
	if c.TTL < time.Second {
		return ErrConfig
	}
	return nil
}

func validCookieName(name string) bool {
	return (&http.Cookie{Name: name, Value: "x"}).Valid() == nil
}
