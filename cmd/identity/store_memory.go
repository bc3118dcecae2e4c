package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// CreateUser inserts u. Id, username and email must all be unused.
func (s *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, err := prepareUser(op, u)
	if err != nil {
		return User{}, err
	}
	un := NormalizeUsername(u.Username)
	em := NormalizeEmail(u.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[u.ID]; ok {
		return User{}, conflict(op, "id")
	}
	if _, ok := s.byUsername[un]; un != "" && ok {
		return User{}, conflict(op, "username")
	}
	if _, ok := s.byEmail[em]; em != "" && ok {
		return User{}, conflict(op, "email")
	}

	cp := u
	s.byID[u.ID] = &cp
	if un != "" {
		s.byUsername[un] = u.ID
	}
	if em != "" {
		s.byEmail[em] = u.ID
	}
	return u, nil
}

// UserByRef implements Store.
func (s *MemoryStore) UserByRef(ctx context.Context, ref Ref) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.lookupLocked(ref)
	if u == nil {
		return User{}, notFound("identity.UserByRef")
	}
	return *u, nil
}

// LastActivity implements Store.
func (s *MemoryStore) LastActivity(ctx context.Context, ref Ref) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.lookupLocked(ref)
	if u == nil || u.LastActivityAt.IsZero() {
		return time.Time{}, false, nil
	}
	return u.LastActivityAt, true, nil
}

// TouchActivity implements Store. Unknown users are ignored.
func (s *MemoryStore) TouchActivity(ctx context.Context, ref Ref, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.lookupLocked(ref); u != nil && at.After(u.LastActivityAt) {
		u.LastActivityAt = at
	}
	return nil
}

func (s *MemoryStore) lookupLocked(ref Ref) *User {
	v := strings.TrimSpace(ref.Value)
	var id string
	switch ref.Kind {
	case RefID:
		id = v
	case RefUsername:
		id = s.byUsername[v]
	case RefEmail:
		id = s.byEmail[v]
	}
	if id == "" {
		return nil
	}
	return s.byID[id]
}
