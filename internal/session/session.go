// Package session manages multi-turn sessions and the turn-indexed routing
// policy.
//
// Sessions are persisted write-through to the KV store under a TTL and served
// from an in-memory cache with per-session locks. A KV write failure is
// logged and surfaced as a non-fatal warning; the in-memory copy stays
// authoritative for the rest of the process lifetime.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/wallbounce/pkg/kv"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// ErrNotFound is returned by Load when the session does not exist or has
// expired.
var ErrNotFound = errors.New("session: not found")

// contextWindow is how many most-recent turns the contextual prompt carries.
const contextWindow = 4

// KV key prefixes.
const (
	sessionKeyPrefix = "session:"
	userSetPrefix    = "user_sessions:"
)

// Policy is the routing policy derived from a session for its next turn.
type Policy struct {
	// TurnIndex is the 1-based index of the turn this policy governs.
	TurnIndex int

	// MinProviders is the floor on successful provider responses.
	MinProviders int

	// AvoidVendors lists the vendors the registry should exclude. When the
	// exclusion cannot be honored without dropping below MinProviders, the
	// registry relaxes it.
	AvoidVendors []string

	// Mandatory is true when the rotation constraint comes from the
	// immediately preceding turn (turn 2). Relaxing a mandatory constraint
	// raises the rotation_relaxed warning; later turns prefer rotation but
	// tolerate repeats silently.
	Mandatory bool
}

// PolicyFloors exposes the per-turn minimum-provider floors so tuning does
// not require a code change. The zero value means the canonical floor.
type PolicyFloors struct {
	Turn2 int
	Turn3 int
	Later int // floor for turn >= 4 before the max(3, min(4, k)) cap
}

// Config configures a [Manager].
type Config struct {
	// Store is the KV backend sessions persist to.
	Store kv.Store

	// TTL is the session expiry, renewed on each access. Defaults to
	// [types.DefaultSessionTTL] if zero.
	TTL time.Duration

	// Floors overrides the canonical per-turn minimum-provider floors.
	Floors PolicyFloors

	// VendorOf resolves a provider id to its vendor. Rotation is computed
	// over vendors, not providers; the registry supplies this. Defaults to
	// the identity function.
	VendorOf func(providerID string) string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns session state. Safe for concurrent use; operations on
// distinct sessions never block each other.
type Manager struct {
	store    kv.Store
	ttl      time.Duration
	floors   PolicyFloors
	vendorOf func(string) string
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]*entry
}

// entry pairs a cached session with its per-session lock.
type entry struct {
	mu      sync.Mutex
	session types.Session
}

// NewManager creates a Manager backed by cfg.Store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = types.DefaultSessionTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	floors := cfg.Floors
	if floors.Turn2 <= 0 {
		floors.Turn2 = 2
	}
	if floors.Turn3 <= 0 {
		floors.Turn3 = 3
	}
	if floors.Later <= 0 {
		floors.Later = 3
	}
	vendorOf := cfg.VendorOf
	if vendorOf == nil {
		vendorOf = func(id string) string { return id }
	}
	return &Manager{
		store:    cfg.Store,
		ttl:      ttl,
		floors:   floors,
		vendorOf: vendorOf,
		now:      now,
		cache:    make(map[string]*entry),
	}, nil
}

// Create starts a new session and persists it. userID may be empty; when set
// the session id is added to the user's session index.
func (m *Manager) Create(ctx context.Context, userID string, sandbox types.SandboxLevel) (types.Session, error) {
	if sandbox == "" {
		sandbox = types.SandboxReadOnly
	}
	if !sandbox.IsValid() {
		return types.Session{}, types.InvalidInput(fmt.Sprintf("unknown sandbox level %q", sandbox))
	}

	now := m.now()
	s := types.Session{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastTouchedAt:  now,
		SandboxLevel:   sandbox,
	}

	e := &entry{session: s}
	m.mu.Lock()
	m.cache[s.ID] = e
	m.mu.Unlock()

	m.persist(ctx, &s)
	if userID != "" {
		if err := m.store.SetAdd(ctx, userSetPrefix+userID, s.ID); err != nil {
			slog.Warn("session: user index update failed",
				"session_id", s.ID, "error", err)
		}
	}
	return copySession(s), nil
}

// Load returns the session, renewing its TTL. Cache hits never touch the KV
// store beyond the TTL renewal.
func (m *Manager) Load(ctx context.Context, id string) (types.Session, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return types.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.LastTouchedAt = m.now()
	m.persist(ctx, &e.session)
	return copySession(e.session), nil
}

// AppendTurn commits one completed turn. Turn indices are contiguous from 1;
// a zero index is assigned automatically, a wrong one is rejected. Appends to
// the same session are serialized by the per-session lock.
func (m *Manager) AppendTurn(ctx context.Context, id string, turn types.Turn) (types.Session, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return types.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := len(e.session.Turns) + 1
	if turn.Index == 0 {
		turn.Index = next
	}
	if turn.Index != next {
		return types.Session{}, types.InvalidInput(
			fmt.Sprintf("turn index %d out of order, want %d", turn.Index, next))
	}

	e.session.Turns = append(e.session.Turns, turn)
	e.session.LastTouchedAt = m.now()
	m.persist(ctx, &e.session)
	return copySession(e.session), nil
}

// Delete removes the session from the cache, the KV store, and the owning
// user's index. Deleting an absent session is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.cache[id]
	delete(m.cache, id)
	m.mu.Unlock()

	var userID string
	if ok {
		e.mu.Lock()
		userID = e.session.UserID
		e.mu.Unlock()
	} else if raw, err := m.store.Get(ctx, sessionKeyPrefix+id); err == nil {
		var s types.Session
		if json.Unmarshal(raw, &s) == nil {
			userID = s.UserID
		}
	}

	if err := m.store.Delete(ctx, sessionKeyPrefix+id); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if userID != "" {
		if err := m.store.SetRemove(ctx, userSetPrefix+userID, id); err != nil {
			slog.Warn("session: user index cleanup failed",
				"session_id", id, "error", err)
		}
	}
	return nil
}

// ForUser lists the session ids indexed under userID.
func (m *Manager) ForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := m.store.SetMembers(ctx, userSetPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("session: list for user: %w", err)
	}
	return ids, nil
}

// DerivePolicy computes the routing policy for the session's next turn.
//
// Turn 1 runs direct with no rotation constraint. Turn 2 must avoid the
// vendors of turn 1. Turn 3 raises the floor to three providers and prefers
// vendors unseen on turns 1 and 2. From turn 4 on the floor is
// max(3, min(4, turn)) and avoiding the previous turn's vendors is preferred
// but not mandatory.
func (m *Manager) DerivePolicy(s types.Session) Policy {
	turn := len(s.Turns) + 1
	p := Policy{TurnIndex: turn}

	switch {
	case turn <= 1:
		p.MinProviders = types.DefaultMinProviders
	case turn == 2:
		p.MinProviders = m.floors.Turn2
		p.AvoidVendors = m.vendors(s.Turns[len(s.Turns)-1:])
		p.Mandatory = true
	case turn == 3:
		p.MinProviders = m.floors.Turn3
		p.AvoidVendors = m.vendors(s.Turns)
	default:
		floor := turn
		if floor > 4 {
			floor = 4
		}
		if floor < m.floors.Later {
			floor = m.floors.Later
		}
		p.MinProviders = floor
		p.AvoidVendors = m.vendors(s.Turns[len(s.Turns)-1:])
	}
	return p
}

// ContextPrompt builds the contextual prompt for the next turn: a framing
// header, the last [contextWindow] turns' query/answer pairs, then the new
// query. A session without turns yields the query unchanged. The format is
// stable; callers and tests depend on it.
func ContextPrompt(s types.Session, query string) string {
	if len(s.Turns) == 0 {
		return query
	}

	window := s.Turns
	if len(window) > contextWindow {
		window = window[len(window)-contextWindow:]
	}

	var b []byte
	b = fmt.Appendf(b, "Prior conversation (last %d of %d turns):\n\n", len(window), len(s.Turns))
	for _, t := range window {
		b = fmt.Appendf(b, "Turn %d:\nQ: %s\nA: %s\n\n", t.Index, t.Query, t.Consensus.Content)
	}
	b = fmt.Appendf(b, "Current query: %s", query)
	return string(b)
}

// lookup returns the cache entry for id, faulting it in from the KV store on
// a miss.
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	if e, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	raw, err := m.store.Get(ctx, sessionKeyPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	var s types.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent lookup may have won the race; keep its entry.
	if e, ok := m.cache[id]; ok {
		return e, nil
	}
	e := &entry{session: s}
	m.cache[id] = e
	return e, nil
}

// persist writes the session through to the KV store, renewing the TTL.
// Failures are non-fatal: the cached copy remains authoritative.
func (m *Manager) persist(ctx context.Context, s *types.Session) {
	raw, err := json.Marshal(s)
	if err != nil {
		slog.Warn("session: encode failed", "session_id", s.ID, "error", err)
		return
	}
	if err := m.store.Set(ctx, sessionKeyPrefix+s.ID, raw, m.ttl); err != nil {
		slog.Warn("session: persist failed, in-memory copy stays authoritative",
			"session_id", s.ID, "error", err)
	}
}

// vendors collects the distinct vendors used across the given turns,
// resolving each recorded provider id through the injected VendorOf.
func (m *Manager) vendors(turns []types.Turn) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range turns {
		for _, id := range t.ProviderIDs {
			v := m.vendorOf(id)
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// copySession returns a deep enough copy that callers cannot mutate the
// cached turns.
func copySession(s types.Session) types.Session {
	out := s
	out.Turns = make([]types.Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	return out
}
