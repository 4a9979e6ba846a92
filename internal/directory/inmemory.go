package directory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process directory for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[Identity]*userRecord
	byCred  map[string]Identity
	applied map[string]struct{}
	history []CallRecord
}

type userRecord struct {
	profile Profile
	balance int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[Identity]*userRecord),
		byCred:  make(map[string]Identity),
		applied: make(map[string]struct{}),
	}
}

// AddUser registers a user and returns a fresh credential for it.
func (s *InMemoryStore) AddUser(id Identity, profile Profile, balance int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile.Avatar == "" {
		profile.Avatar = AutoAvatar(profile.Name)
	}
	s.users[id] = &userRecord{profile: profile, balance: balance}
	cred := uuid.NewString()
	s.byCred[cred] = id
	return cred
}

func (s *InMemoryStore) LookupByCredential(_ context.Context, credential string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCred[credential]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *InMemoryStore) Profile(_ context.Context, id Identity) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return u.profile, nil
}

func (s *InMemoryStore) Balance(_ context.Context, id Identity) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	return u.balance, nil
}

func (s *InMemoryStore) ApplyDelta(_ context.Context, id Identity, delta int64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	key := id + "\x00" + ref
	if _, done := s.applied[key]; done {
		return nil
	}
	if u.balance+delta < 0 {
		return ErrInsufficientFunds
	}
	u.balance += delta
	s.applied[key] = struct{}{}
	return nil
}

func (s *InMemoryStore) RecordHistory(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.SessionID == rec.SessionID {
			return nil
		}
	}
	s.history = append(s.history, rec)
	return nil
}

// History returns recorded calls in insertion order.
func (s *InMemoryStore) History() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *InMemoryStore) Close() error { return nil }

// AutoAvatar derives a placeholder avatar URL from the first letter of a name.
func AutoAvatar(name string) string {
	initial := "U"
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		initial = strings.ToUpper(trimmed[:1])
	}
	return fmt.Sprintf("https://api.dicebear.com/7.x/thumbs/svg?seed=%s", url.QueryEscape(initial))
}
