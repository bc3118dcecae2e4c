package password

import (
	"crypto/rand"
	"fmt"
)

// Verifier checks login attempts with roughly uniform cost whether or not the account
// exists: unknown accounts are verified against a throwaway hash.
type Verifier struct {
	cfg   Config
	dummy string
}

// NewVerifier validates cfg and precomputes the throwaway hash.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	salt := make([]byte, cfg.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return &Verifier{cfg: cfg, dummy: cfg.format(rand.Text(), salt)}, nil
}

// Config returns the verifier's configuration.
func (v *Verifier) Config() Config { return v.cfg }

// Check reports whether password matches encoded. An empty encoded hash (unknown
// account or password login disabled) burns the same work and returns false.
func (v *Verifier) Check(encoded, password string) bool {
	if encoded == "" {
		_, _ = v.cfg.Verify(v.dummy, password)
		return false
	}
	ok, err := v.cfg.Verify(encoded, password)
	return err == nil && ok
}
