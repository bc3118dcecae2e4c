package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedKeys bounds throttle memory; past it, stale keys are swept on write.
const maxTrackedKeys = 50_000

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// loginThrottle counts failed logins per client IP (sliding window) and per
// identifier (progressive lockout). State is per process.
type loginThrottle struct {
	cfg   Config
	tiers []lockoutTier

	mu     sync.Mutex
	byIP   map[string][]time.Time
	byUser map[string][]time.Time
}

func newLoginThrottle(cfg Config) *loginThrottle {
	return &loginThrottle{
		cfg:    cfg,
		tiers:  cfg.lockoutTiers(),
		byIP:   make(map[string][]time.Time),
		byUser: make(map[string][]time.Time),
	}
}

// check reports whether a login attempt must be refused and for how long.
func (t *loginThrottle) check(ip, identifier string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip != "" {
		if blocked, retry := evaluateWindowThrottle(now, t.byIP[ip], t.cfg.LoginIPMax, t.cfg.LoginIPWindow); blocked {
			return true, retry
		}
	}
	if identifier != "" {
		if blocked, retry := evaluateProgressiveLockout(now, t.byUser[identifier], t.tiers); blocked {
			return true, retry
		}
	}
	return false, 0
}

func (t *loginThrottle) fail(ip, identifier string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip != "" {
		t.byIP[ip] = prepend(prune(t.byIP[ip], now.Add(-t.cfg.LoginIPWindow)), now)
	}
	if identifier != "" {
		t.byUser[identifier] = prepend(prune(t.byUser[identifier], now.Add(-t.userHorizon())), now)
	}
	if len(t.byIP)+len(t.byUser) > maxTrackedKeys {
		t.sweepLocked(now)
	}
}

// succeed forgets identifier failures after a successful login.
func (t *loginThrottle) succeed(identifier string) {
	t.mu.Lock()
	delete(t.byUser, identifier)
	t.mu.Unlock()
}

func (t *loginThrottle) userHorizon() time.Duration {
	h := t.cfg.LoginUserWindow
	for _, tier := range t.tiers {
		h = max(h, tier.Duration)
	}
	return h
}

func (t *loginThrottle) sweepLocked(now time.Time) {
	for k, v := range t.byIP {
		if v = prune(v, now.Add(-t.cfg.LoginIPWindow)); len(v) == 0 {
			delete(t.byIP, k)
		} else {
			t.byIP[k] = v
		}
	}
	for k, v := range t.byUser {
		if v = prune(v, now.Add(-t.userHorizon())); len(v) == 0 {
			delete(t.byUser, k)
		} else {
			t.byUser[k] = v
		}
	}
}

// prune keeps failures after cut. failures are newest first.
func prune(failures []time.Time, cut time.Time) []time.Time {
	for i, f := range failures {
		if !f.After(cut) {
			return failures[:i]
		}
	}
	return failures
}

func prepend(failures []time.Time, now time.Time) []time.Time {
	return append([]time.Time{now}, failures...)
}

// evaluateWindowThrottle blocks once limit failures fall inside window. The retry
// is the time until the oldest counted failure leaves the window.
func evaluateWindowThrottle(now time.Time, failures []time.Time, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	var inWindow []time.Time
	for _, f := range failures {
		if f.After(cut) {
			inWindow = append(inWindow, f)
		}
	}
	if len(inWindow) < limit {
		return false, 0
	}
	oldest := inWindow[0]
	for _, f := range inWindow[1:] {
		if f.Before(oldest) {
			oldest = f
		}
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout picks the highest tier whose threshold the failure
// count reaches and locks until the latest failure plus that tier's duration.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}

	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		until := latest.Add(tier.Duration)
		if now.Before(until) {
			return true, until.Sub(now)
		}
		return false, 0
	}
	return false, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, errRateLimited)
}
