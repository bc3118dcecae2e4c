package authapi

import (
	"time"

	"bazaar/cmd/security/token"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	LoginUserWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration

	// AdminKey enables POST /session/admin when it returns a non-empty key.
	AdminKey token.SecretFunc
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:           1 << 20,
		LoginIPMax:             20,
		LoginIPWindow:          5 * time.Minute,
		LoginUserWindow:        15 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.LoginIPMax <= 0 {
		c.LoginIPMax = d.LoginIPMax
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = d.LoginIPWindow
	}
	if c.LoginUserWindow <= 0 {
		c.LoginUserWindow = d.LoginUserWindow
	}
	return c
}

func (c Config) lockoutTiers() []lockoutTier {
	tiers := make([]lockoutTier, 0, 3)
	for _, t := range []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	} {
		if t.Threshold > 0 && t.Duration > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}
