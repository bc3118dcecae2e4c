package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bazaar/cmd/identity"
)

// DefaultWriteEvery bounds persisted activity writes per user.
const DefaultWriteEvery = 30 * time.Second

// Tracker records activity in memory on every ping and writes it through to the
// persisted store at most once per interval per user.
type Tracker struct {
	log   *slog.Logger
	svc   *Service
	store ActivityWriter
	every time.Duration
	obs   Observer

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// NewTracker builds a Tracker. store may be nil (memory only).
func NewTracker(log *slog.Logger, svc *Service, store ActivityWriter, every time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if every <= 0 {
		every = DefaultWriteEvery
	}
	return &Tracker{
		log:       log,
		svc:       svc,
		store:     store,
		every:     every,
		obs:       svc.obs,
		lastWrite: make(map[string]time.Time),
	}
}

// Ping records activity for ref at now.
func (t *Tracker) Ping(ctx context.Context, ref identity.Ref, now time.Time) {
	if ref.IsZero() {
		return
	}
	t.svc.RecordPing(ref, now)
	if t.store == nil || !t.due(ref.Key(), now) {
		return
	}

	if err := t.store.TouchActivity(ctx, ref, now); err != nil {
		t.obs.StoreError("activity", "touch_activity")
		t.log.Warn("presence.touch.fail", "ref", ref.String(), "err", err)

		// Let the next ping retry.
		t.mu.Lock()
		delete(t.lastWrite, ref.Key())
		t.mu.Unlock()
	}
}

func (t *Tracker) due(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastWrite[key]; ok && now.Sub(last) < t.every {
		return false
	}
	t.lastWrite[key] = now
	return true
}
