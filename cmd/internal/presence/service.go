package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/chat"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultGrace  = 45 * time.Second
	defaultShards = 32

	storeReadTimeout = 2 * time.Second
)

// Source tells where a status answer came from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceStore  Source = "store"
	SourceNone   Source = "none"
)

// Status is a presence answer.
type Status struct {
	Online   bool
	LastSeen time.Time // zero when never seen
	Source   Source
}

// ActivityReader reads persisted last activity.
type ActivityReader interface {
	LastActivity(ctx context.Context, ref identity.Ref) (at time.Time, found bool, err error)
}

// ActivityWriter persists last activity.
type ActivityWriter interface {
	TouchActivity(ctx context.Context, ref identity.Ref, at time.Time) error
}

// UserResolver maps a username or email reference onto the stored user.
// identity.Store satisfies it.
type UserResolver interface {
	UserByRef(ctx context.Context, ref identity.Ref) (identity.User, error)
}

// StatsReader returns a user's conversation aggregate.
type StatsReader interface {
	Stats(ctx context.Context, userID string) (chat.Stats, error)
}

// Observer receives lookup outcomes. Implemented by the app's metrics.
type Observer interface {
	PresenceLookup(source string)
	StoreError(store, op string)
}

type nopObserver struct{}

func (nopObserver) PresenceLookup(string)     {}
func (nopObserver) StoreError(string, string) {}

// Config tunes the service.
type Config struct {
	// Window is the inclusive online window.
	Window time.Duration

	// Grace is how long a store read answers for its key.
	Grace time.Duration

	// Shards is the number of lock shards (rounded up to a power of two).
	Shards int
}

// Service is the presence cache. It is safe for concurrent use.
type Service struct {
	log      *slog.Logger
	cfg      Config
	activity ActivityReader
	stats    StatsReader
	users    UserResolver
	obs      Observer

	shards []shard
	mask   uint64
	reads  singleflight.Group
}

type shard struct {
	mu      sync.RWMutex
	last    map[string]time.Time
	reads   map[string]storeRead
	aliases map[string]alias
}

// alias is a cached username/email → id resolution.
type alias struct {
	readAt time.Time
	id     string // empty when the user does not exist
	failed bool
}

type storeRead struct {
	readAt time.Time
	last   time.Time
	found  bool
	failed bool // failures are cached for the grace period too
}

// Option configures a Service.
type Option func(*Service)

// WithObserver attaches metrics.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithUsers lets Status accept username and email references. Without it only
// id references share state with pings, which always arrive by id.
func WithUsers(u UserResolver) Option {
	return func(s *Service) {
		if u != nil {
			s.users = u
		}
	}
}

// NewService builds a Service. activity and stats may be nil (memory-only presence,
// fingerprints unavailable).
func NewService(log *slog.Logger, cfg Config, activity ActivityReader, stats StatsReader, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	n := defaultShards
	if cfg.Shards > 0 {
		n = 1
		for n < cfg.Shards {
			n <<= 1
		}
	}

	s := &Service{
		log:      log,
		cfg:      cfg,
		activity: activity,
		stats:    stats,
		obs:      nopObserver{},
		shards:   make([]shard, n),
		mask:     uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].last = make(map[string]time.Time)
		s.shards[i].reads = make(map[string]storeRead)
		s.shards[i].aliases = make(map[string]alias)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the online window.
func (s *Service) Window() time.Duration { return s.cfg.Window }

func (s *Service) shard(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.mask]
}

// RecordPing marks ref active at now. Callers pass id references. Older pings never move the record backwards.
func (s *Service) RecordPing(ref identity.Ref, now time.Time) {
	if ref.IsZero() {
		return
	}
	key := ref.Key()
	sh := s.shard(key)

	sh.mu.Lock()
	if now.After(sh.last[key]) {
		sh.last[key] = now
	}
	sh.mu.Unlock()
}

// LastPing returns the in-memory last activity for ref.
func (s *Service) LastPing(ref identity.Ref) (time.Time, bool) {
	key := ref.Key()
	sh := s.shard(key)

	sh.mu.RLock()
	t, ok := sh.last[key]
	sh.mu.RUnlock()
	return t, ok
}

// Online reports whether last is within the window of now (inclusive).
func (s *Service) Online(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= s.cfg.Window
}

// Status answers whether ref is online at now.
//
// Username and email references are first resolved to the user's id, so every
// name for one user reads the same record. An unknown user is offline with
// SourceNone. A fresh memory record answers without I/O. Otherwise the store is consulted
// (once per grace period per key, concurrent callers coalesced); a fresher store
// value is back-filled into memory. Store errors are logged and the memory answer
// stands.
func (s *Service) Status(ctx context.Context, ref identity.Ref, now time.Time) Status {
	ref, known := s.canonical(ctx, ref, now)
	if !known {
		s.obs.PresenceLookup(string(SourceNone))
		return Status{Source: SourceNone}
	}

	mem, hasMem := s.LastPing(ref)
	if hasMem && s.Online(mem, now) {
		s.obs.PresenceLookup(string(SourceMemory))
		return Status{Online: true, LastSeen: mem, Source: SourceMemory}
	}

	out := Status{Source: SourceNone}
	if hasMem {
		out = Status{LastSeen: mem, Source: SourceMemory}
	}

	if stored, found, ok := s.storeLastActivity(ctx, ref, now); ok && found && stored.After(out.LastSeen) {
		out = Status{LastSeen: stored, Source: SourceStore}
		s.RecordPing(ref, stored)
	}

	out.Online = s.Online(out.LastSeen, now)
	s.obs.PresenceLookup(string(out.Source))
	return out
}

// canonical returns the id reference for ref. known=false means ref names nobody.
// A failed lookup degrades to ref itself.
func (s *Service) canonical(ctx context.Context, ref identity.Ref, now time.Time) (identity.Ref, bool) {
	if ref.IsZero() {
		return identity.Ref{}, false
	}
	if ref.Kind == identity.RefID || s.users == nil {
		return ref, true
	}

	key := ref.Key()
	sh := s.shard(key)

	a, ok := s.cachedAlias(sh, key, now)
	if !ok {
		v, _, _ := s.reads.Do("alias|"+key, func() (any, error) {
			if a, ok := s.cachedAlias(sh, key, now); ok {
				return a, nil
			}

			readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeReadTimeout)
			defer cancel()

			rec := alias{readAt: now}
			u, err := s.users.UserByRef(readCtx, ref)
			switch {
			case err == nil:
				rec.id = u.ID
			case identity.IsNotFound(err):
			default:
				rec.failed = true
				s.obs.StoreError("users", "user_by_ref")
				s.log.Warn("presence.resolve.fail", "ref", ref.String(), "err", err)
			}

			sh.mu.Lock()
			sh.aliases[key] = rec
			sh.mu.Unlock()
			return rec, nil
		})
		a = v.(alias)
	}

	switch {
	case a.failed:
		return ref, true
	case a.id == "":
		return identity.Ref{}, false
	default:
		id := identity.RefForID(a.id)
		return id, !id.IsZero()
	}
}

func (s *Service) cachedAlias(sh *shard, key string, now time.Time) (alias, bool) {
	sh.mu.RLock()
	a, ok := sh.aliases[key]
	sh.mu.RUnlock()
	return a, ok && now.Sub(a.readAt) < s.cfg.Grace
}

// storeLastActivity returns the persisted value for ref, from the grace cache when
// possible. ok=false means the store is absent or failed within the grace period.
func (s *Service) storeLastActivity(ctx context.Context, ref identity.Ref, now time.Time) (time.Time, bool, bool) {
	if s.activity == nil {
		return time.Time{}, false, false
	}

	key := ref.Key()
	sh := s.shard(key)

	if r, ok := s.cachedRead(sh, key, now); ok {
		return r.last, r.found, !r.failed
	}

	v, _, _ := s.reads.Do(key, func() (any, error) {
		// A caller that missed the cache may arrive after the previous flight landed.
		if r, ok := s.cachedRead(sh, key, now); ok {
			return r, nil
		}

		// Detached from the caller so one disconnecting client does not fail the
		// shared flight and get cached as a store error.
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeReadTimeout)
		defer cancel()

		last, found, err := s.activity.LastActivity(readCtx, ref)
		rec := storeRead{readAt: now, last: last, found: found, failed: err != nil}
		if err != nil {
			s.obs.StoreError("activity", "last_activity")
			s.log.Warn("presence.store.fail", "ref", ref.String(), "err", err)
			rec.last, rec.found = time.Time{}, false
		}

		sh.mu.Lock()
		sh.reads[key] = rec
		sh.mu.Unlock()
		return rec, nil
	})

	rec := v.(storeRead)
	return rec.last, rec.found, !rec.failed
}

func (s *Service) cachedRead(sh *shard, key string, now time.Time) (storeRead, bool) {
	sh.mu.RLock()
	r, ok := sh.reads[key]
	sh.mu.RUnlock()
	return r, ok && now.Sub(r.readAt) < s.cfg.Grace
}

// Fingerprint returns an opaque tag that changes whenever the user's conversation
// aggregate changes, along with the aggregate itself.
func (s *Service) Fingerprint(ctx context.Context, userID string) (string, chat.Stats, error) {
	if s.stats == nil {
		return "", chat.Stats{}, ErrNoStats
	}
	st, err := s.stats.Stats(ctx, userID)
	if err != nil {
		s.obs.StoreError("chat", "stats")
		return "", chat.Stats{}, err
	}
	return FingerprintOf(st), st, nil
}

// SweepReads drops cached store reads and name resolutions whose grace period
// has passed at now.
// Memory ping records are kept for the life of the process.
func (s *Service) SweepReads(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, r := range sh.reads {
			if now.Sub(r.readAt) >= s.cfg.Grace {
				delete(sh.reads, k)
				removed++
			}
		}
		for k, a := range sh.aliases {
			if now.Sub(a.readAt) >= s.cfg.Grace {
				delete(sh.aliases, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
