package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"bazaar/cmd/security/signer"
)

const (
	// Separator splits the payload and signature segments.
	Separator = "."

	// MaxLen bounds accepted token size before any decoding work.
	MaxLen = 4096
)

var enc = base64.RawURLEncoding.Strict()

// Claims is implemented by every token family's payload.
type Claims interface {
	// ExpiryUnix returns the absolute expiry in epoch seconds.
	ExpiryUnix() int64
}

// SecretFunc returns the current secret. It is called on every Seal/Open so rotation
// takes effect without rebuilding the codec.
type SecretFunc func() []byte

// StaticSecret returns a SecretFunc for a fixed secret.
func StaticSecret(b []byte) SecretFunc {
	s := append([]byte(nil), b...)
	return func() []byte { return s }
}

// Codec seals and opens tokens carrying claims of type T.
type Codec[T Claims] struct {
	signer *signer.Signer
	secret SecretFunc
}

// NewCodec builds a codec for one token family.
func NewCodec[T Claims](purpose string, secret SecretFunc) *Codec[T] {
	if secret == nil {
		secret = func() []byte { return nil }
	}
	return &Codec[T]{signer: signer.New(purpose), secret: secret}
}

// Seal serializes and signs claims.
func (c *Codec[T]) Seal(claims T) (string, error) {
	secret := c.secret()
	if len(secret) == 0 {
		return "", signer.ErrUnavailable
	}

	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := enc.EncodeToString(body)

	sig, err := c.signer.Sign([]byte(payload), secret)
	if err != nil {
		return "", err
	}
	return payload + Separator + enc.EncodeToString(sig), nil
}

// Open verifies tok and returns its claims when the signature matches and expiry is
// strictly after now.
func (c *Codec[T]) Open(tok string, now time.Time) (T, error) {
	var zero T

	secret := c.secret()
	if len(secret) == 0 {
		return zero, signer.ErrUnavailable
	}
	if tok == "" || len(tok) > MaxLen {
		return zero, ErrInvalid
	}

	payload, sigPart, ok := strings.Cut(tok, Separator)
	if !ok || payload == "" || sigPart == "" || strings.Contains(sigPart, Separator) {
		return zero, ErrInvalid
	}

	sig, err := enc.DecodeString(sigPart)
	if err != nil {
		return zero, ErrInvalid
	}
	if !c.signer.Verify([]byte(payload), sig, secret) {
		return zero, ErrInvalid
	}

	body, err := enc.DecodeString(payload)
	if err != nil {
		return zero, ErrInvalid
	}

	var claims T
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claims); err != nil {
		return zero, ErrInvalid
	}
	if dec.More() {
		return zero, ErrInvalid
	}

	if claims.ExpiryUnix() <= now.Unix() {
		return zero, ErrInvalid
	}
	return claims, nil
}
