// Package inmem provides the default in-memory [kv.Store] implementation.
//
// Expiry is lazy: expired entries are dropped on read and swept
// opportunistically on write. The store is safe for concurrent use.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/wallbounce/wallbounce/pkg/kv"
)

// Compile-time check that *Store satisfies [kv.Store].
var _ kv.Store = (*Store)(nil)

// entry is one stored value with an optional deadline.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory key-value store with TTLs and string sets.
type Store struct {
	mu     sync.RWMutex
	values map[string]entry
	sets   map[string]map[string]struct{}

	// now is swapped in tests to control expiry.
	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		values: make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()

	if !ok || s.expired(e) {
		if ok {
			s.mu.Lock()
			// Re-check under the write lock; another writer may have
			// refreshed the key in between.
			if cur, still := s.values[key]; still && s.expired(cur) {
				delete(s.values, key)
			}
			s.mu.Unlock()
		}
		return nil, kv.ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.values[key] = e
	s.mu.Unlock()
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// SetAdd implements kv.Store.
func (s *Store) SetAdd(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	set, ok := s.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		s.sets[setKey] = set
	}
	set[member] = struct{}{}
	s.mu.Unlock()
	return nil
}

// SetMembers implements kv.Store.
func (s *Store) SetMembers(_ context.Context, setKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[setKey]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// SetRemove implements kv.Store.
func (s *Store) SetRemove(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	if set, ok := s.sets[setKey]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, setKey)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping implements kv.Store. The in-memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements kv.Store.
func (s *Store) Close() error { return nil }

// expired reports whether e has a deadline in the past.
func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}
