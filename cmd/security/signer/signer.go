package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// ErrUnavailable is returned when no signing secret is configured.
var ErrUnavailable = errors.New("signer: secret unavailable")

const derivedKeyLen = 32

// Signer signs and verifies payloads under a caller-provided secret.
type Signer struct {
	purpose string

	// Single-entry cache: the last derived key and the digest of the secret it came from.
	// A different secret (rotation) replaces the entry.
	cached atomic.Pointer[derivedKey]

	derivations atomic.Int64
}

type derivedKey struct {
	secretSum [sha256.Size]byte
	key       []byte
}

// New returns a Signer for the given purpose label (e.g. "bazaar/session/v1").
func New(purpose string) *Signer {
	return &Signer{purpose: strings.TrimSpace(purpose)}
}

// Purpose returns the domain-separation label of this signer.
func (s *Signer) Purpose() string { return s.purpose }

// Sign returns HMAC-SHA256(derived(secret), payload).
func (s *Signer) Sign(payload, secret []byte) ([]byte, error) {
	key, err := s.key(secret)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(payload)
	return m.Sum(nil), nil
}

// Verify reports whether sig is the signature of payload under secret.
// The comparison is constant-time over the full MAC.
func (s *Signer) Verify(payload, sig, secret []byte) bool {
	want, err := s.Sign(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sig)
}

func (s *Signer) key(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrUnavailable
	}

	sum := sha256.Sum256(secret)
	if c := s.cached.Load(); c != nil && c.secretSum == sum {
		return c.key, nil
	}

	key := make([]byte, derivedKeyLen)
	r := hkdf.New(sha256.New, secret, nil, []byte(s.purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	s.derivations.Add(1)
	s.cached.Store(&derivedKey{secretSum: sum, key: key})
	return key, nil
}
