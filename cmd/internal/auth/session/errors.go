package session

import "errors"

var (
	// ErrInvalidToken covers missing, malformed, forged and expired tokens alike.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfigMissing is returned when no session secret is configured.
	ErrConfigMissing = errors.New("session secret not configured")

	// ErrNoSubject is returned when building a token for an identity without a subject id.
	ErrNoSubject = errors.New("identity has no subject id")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
