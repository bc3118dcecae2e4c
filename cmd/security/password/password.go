package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Version = argon2.Version

var b64 = base64.RawStdEncoding

type encodedHash struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

// Hash validates password against the policy and returns its PHC-encoded Argon2id hash.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	return c.format(password, salt), nil
}

func (c Config) format(password string, salt []byte) string {
	p := c.Params
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	)
}

// Verify reports whether password matches encoded.
// Malformed or unreasonably expensive hashes return (false, ErrInvalidHash).
func (c Config) Verify(encoded, password string) (bool, error) {
	h, err := parse(encoded)
	if err != nil {
		return false, err
	}
	if !withinBounds(h.params, c.Params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(
		[]byte(password),
		h.salt,
		h.params.Iterations,
		h.params.MemoryKiB,
		h.params.Parallelism,
		h.params.KeyLength,
	)
	return subtle.ConstantTimeCompare(key, h.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with parameters other than c's.
func (c Config) NeedsRehash(encoded string) bool {
	h, err := parse(encoded)
	if err != nil {
		return true
	}
	p := c.Params
	return h.params.MemoryKiB != p.MemoryKiB ||
		h.params.Iterations != p.Iterations ||
		h.params.Parallelism != p.Parallelism ||
		h.params.KeyLength != p.KeyLength
}

// Older, cheaper hashes verify; wildly larger ones are refused.
func withinBounds(got, limits Argon2idParams) bool {
	return got.MemoryKiB <= limits.MemoryKiB*2 &&
		got.Iterations <= limits.Iterations*2 &&
		uint32(got.Parallelism) <= uint32(limits.Parallelism)*2 &&
		got.SaltLength >= 8 && got.SaltLength <= 64 &&
		got.KeyLength >= 16 && got.KeyLength <= 128
}

func parse(encoded string) (encodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return encodedHash{}, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2Version) {
		return encodedHash{}, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return encodedHash{}, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return encodedHash{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) > 64 {
		return encodedHash{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) > 128 {
		return encodedHash{}, ErrInvalidHash
	}

	return encodedHash{
		params: Argon2idParams{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),        // #nosec G115 -- bounded above.
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded above.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded above.
		},
		salt: salt,
		key:  key,
	}, nil
}
