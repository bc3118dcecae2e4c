package app

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// minSecretBytes is the minimum HMAC secret length. Measured in bytes, not runes:
// the secret is used as raw key material.
const minSecretBytes = 32

// ValidateSecurityConfig enforces the edge's secret policy at startup.
// A misconfigured secret fails startup instead of degrading at request time.
func ValidateSecurityConfig(cfg Config) error {
	if err := checkSecret("BAZAAR_SESSION_SECRET", cfg.SessionSecret); err != nil {
		return err
	}
	if err := checkSecret("BAZAAR_CAPABILITY_SECRET", cfg.CapabilitySecret); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(cfg.SessionSecret), []byte(cfg.CapabilitySecret)) == 1 {
		return errors.New("security policy: BAZAAR_SESSION_SECRET and BAZAAR_CAPABILITY_SECRET must differ")
	}
	if cfg.AdminKey != "" {
		if err := checkSecret("BAZAAR_ADMIN_KEY", cfg.AdminKey); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRoomSecurityConfig is the room process subset: it only verifies capabilities
// and must know which browser origin to accept.
func ValidateRoomSecurityConfig(cfg Config) error {
	if err := checkSecret("BAZAAR_CAPABILITY_SECRET", cfg.CapabilitySecret); err != nil {
		return err
	}
	if cfg.PublicOrigin == "" {
		return errors.New("security policy: the room process requires BAZAAR_PUBLIC_ORIGIN")
	}
	return nil
}

func checkSecret(key, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("security policy: %s is missing", key)
	case len(v) < minSecretBytes:
		return fmt.Errorf("security policy: %s is too short (min %d bytes)", key, minSecretBytes)
	}
	return nil
}
