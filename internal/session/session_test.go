package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/wallbounce/wallbounce/pkg/kv"
	"github.com/wallbounce/wallbounce/pkg/kv/inmem"
	"github.com/wallbounce/wallbounce/pkg/types"
)

func newManager(t *testing.T, store kv.Store) *Manager {
	t.Helper()
	if store == nil {
		store = inmem.New()
	}
	m, err := NewManager(Config{Store: store})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func turn(query, answer string, providers ...string) types.Turn {
	return types.Turn{
		Query:       query,
		Consensus:   types.Consensus{Content: answer, WinnerProviderID: first(providers)},
		ProviderIDs: providers,
	}
}

func first(xs []string) string {
	if len(xs) == 0 {
		return ""
	}
	return xs[0]
}

// failingStore wraps a Store and fails all writes.
type failingStore struct {
	kv.Store
}

func (f *failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestCreateLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	m := newManager(t, store)

	created, err := m.Create(context.Background(), "user-1", types.SandboxIsolated)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.ConversationID == "" {
		t.Fatal("create must assign ids")
	}

	loaded, err := m.Load(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SandboxLevel != types.SandboxIsolated || loaded.UserID != "user-1" {
		t.Fatalf("loaded session mismatch: %+v", loaded)
	}

	// A fresh manager over the same store must read the persisted copy.
	m2 := newManager(t, store)
	again, err := m2.Load(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("load from cold cache: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("cold load id = %s, want %s", again.ID, created.ID)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	if _, err := m.Load(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesSessionAndIndex(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	m := newManager(t, store)

	s, err := m.Create(context.Background(), "user-1", types.SandboxReadOnly)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Delete(context.Background(), s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Load(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session still loads: %v", err)
	}
	ids, err := m.ForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("user index still lists %v", ids)
	}
}

func TestForUserListsSessions(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	a, _ := m.Create(context.Background(), "user-1", types.SandboxReadOnly)
	b, _ := m.Create(context.Background(), "user-1", types.SandboxReadOnly)
	_, _ = m.Create(context.Background(), "user-2", types.SandboxReadOnly)

	ids, err := m.ForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("sessions = %v, want 2", ids)
	}
	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if !got[a.ID] || !got[b.ID] {
		t.Fatalf("sessions = %v, want %s and %s", ids, a.ID, b.ID)
	}
}

// ── turn append ──────────────────────────────────────────────────────────────

func TestAppendTurnAssignsContiguousIndices(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s, _ := m.Create(context.Background(), "", types.SandboxReadOnly)

	for i := 1; i <= 3; i++ {
		updated, err := m.AppendTurn(context.Background(), s.ID, turn(fmt.Sprintf("q%d", i), "a", "p1"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if got := updated.Turns[len(updated.Turns)-1].Index; got != i {
			t.Fatalf("turn index = %d, want %d", got, i)
		}
	}
}

func TestAppendTurnRejectsOutOfOrderIndex(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s, _ := m.Create(context.Background(), "", types.SandboxReadOnly)

	bad := turn("q", "a", "p1")
	bad.Index = 5
	_, err := m.AppendTurn(context.Background(), s.ID, bad)
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultInvalidInput {
		t.Fatalf("want invalid_input, got %v", err)
	}
}

func TestAppendedTurnsAreImmutableToCallers(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s, _ := m.Create(context.Background(), "", types.SandboxReadOnly)
	_, _ = m.AppendTurn(context.Background(), s.ID, turn("original", "a", "p1"))

	loaded, _ := m.Load(context.Background(), s.ID)
	loaded.Turns[0].Query = "mutated"

	again, _ := m.Load(context.Background(), s.ID)
	if again.Turns[0].Query != "original" {
		t.Fatal("caller mutation leaked into the cached session")
	}
}

func TestKVWriteFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	m := newManager(t, &failingStore{Store: inmem.New()})

	s, err := m.Create(context.Background(), "", types.SandboxReadOnly)
	if err != nil {
		t.Fatalf("create with failing backend: %v", err)
	}
	if _, err := m.AppendTurn(context.Background(), s.ID, turn("q", "a", "p1")); err != nil {
		t.Fatalf("append with failing backend: %v", err)
	}

	// The in-memory copy stays authoritative.
	loaded, err := m.Load(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(loaded.Turns))
	}
}

// ── routing policy ───────────────────────────────────────────────────────────

func sessionWithTurns(t *testing.T, m *Manager, turns ...types.Turn) types.Session {
	t.Helper()
	s, err := m.Create(context.Background(), "", types.SandboxReadOnly)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, tn := range turns {
		if s, err = m.AppendTurn(context.Background(), s.ID, tn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return s
}

func TestDerivePolicyTurnOne(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s := sessionWithTurns(t, m)

	p := m.DerivePolicy(s)
	if p.TurnIndex != 1 || p.MinProviders != 2 || len(p.AvoidVendors) != 0 {
		t.Fatalf("turn 1 policy = %+v", p)
	}
}

func TestDerivePolicyTurnTwoAvoidsPreviousVendors(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s := sessionWithTurns(t, m, turn("q1", "a1", "v1", "v2"))

	p := m.DerivePolicy(s)
	if p.TurnIndex != 2 || p.MinProviders != 2 {
		t.Fatalf("turn 2 policy = %+v", p)
	}
	if !p.Mandatory {
		t.Fatal("turn 2 rotation is mandatory")
	}
	if len(p.AvoidVendors) != 2 {
		t.Fatalf("avoid = %v, want vendors of turn 1", p.AvoidVendors)
	}
}

func TestDerivePolicyTurnThreeAvoidsAllPriorVendors(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)
	s := sessionWithTurns(t, m,
		turn("q1", "a1", "v1", "v2"),
		turn("q2", "a2", "v3"),
	)

	p := m.DerivePolicy(s)
	if p.TurnIndex != 3 || p.MinProviders != 3 {
		t.Fatalf("turn 3 policy = %+v", p)
	}
	if p.Mandatory {
		t.Fatal("turn 3 rotation is preferred, not mandatory")
	}
	if len(p.AvoidVendors) != 3 {
		t.Fatalf("avoid = %v, want union of turns 1 and 2", p.AvoidVendors)
	}
}

func TestDerivePolicyLaterTurnsFloor(t *testing.T) {
	t.Parallel()
	m := newManager(t, nil)

	tests := []struct {
		turns int
		want  int
	}{
		{3, 4},  // turn 4: max(3, min(4, 4)) = 4
		{4, 4},  // turn 5: capped at 4
		{9, 4},  // turn 10: still 4
	}
	for _, tt := range tests {
		var ts []types.Turn
		for i := 0; i < tt.turns; i++ {
			ts = append(ts, turn(fmt.Sprintf("q%d", i), "a", "v1"))
		}
		s := sessionWithTurns(t, m, ts...)

		p := m.DerivePolicy(s)
		if p.MinProviders != tt.want {
			t.Fatalf("turn %d floor = %d, want %d", tt.turns+1, p.MinProviders, tt.want)
		}
		if p.Mandatory {
			t.Fatalf("turn %d rotation must not be mandatory", tt.turns+1)
		}
	}
}

func TestDerivePolicyResolvesVendors(t *testing.T) {
	t.Parallel()
	vendorTable := map[string]string{"p1": "acme", "p2": "acme", "p3": "bolt"}
	m, err := NewManager(Config{
		Store:    inmem.New(),
		VendorOf: func(id string) string { return vendorTable[id] },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s := sessionWithTurns(t, m, turn("q1", "a1", "p1", "p2", "p3"))

	p := m.DerivePolicy(s)
	// Two providers share a vendor: rotation keys deduplicate to vendors.
	if len(p.AvoidVendors) != 2 {
		t.Fatalf("avoid = %v, want [acme bolt]", p.AvoidVendors)
	}
}

// ── contextual prompt ────────────────────────────────────────────────────────

func TestContextPromptFirstTurnPassesThrough(t *testing.T) {
	t.Parallel()
	s := types.Session{}
	if got := ContextPrompt(s, "hello"); got != "hello" {
		t.Fatalf("first turn prompt = %q, want the raw query", got)
	}
}

func TestContextPromptFormat(t *testing.T) {
	t.Parallel()
	s := types.Session{Turns: []types.Turn{
		{Index: 1, Query: "what is 6x7", Consensus: types.Consensus{Content: "42"}},
		{Index: 2, Query: "double it", Consensus: types.Consensus{Content: "84"}},
	}}

	got := ContextPrompt(s, "halve it")
	want := "Prior conversation (last 2 of 2 turns):\n\n" +
		"Turn 1:\nQ: what is 6x7\nA: 42\n\n" +
		"Turn 2:\nQ: double it\nA: 84\n\n" +
		"Current query: halve it"
	if got != want {
		t.Fatalf("prompt mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestContextPromptWindowsToLastFourTurns(t *testing.T) {
	t.Parallel()
	var turns []types.Turn
	for i := 1; i <= 6; i++ {
		turns = append(turns, types.Turn{
			Index:     i,
			Query:     fmt.Sprintf("q%d", i),
			Consensus: types.Consensus{Content: fmt.Sprintf("a%d", i)},
		})
	}
	s := types.Session{Turns: turns}

	got := ContextPrompt(s, "next")
	if strings.Contains(got, "q2") {
		t.Fatal("turn 2 should fall outside the window")
	}
	for i := 3; i <= 6; i++ {
		if !strings.Contains(got, fmt.Sprintf("q%d", i)) {
			t.Fatalf("turn %d missing from the window", i)
		}
	}
	if !strings.Contains(got, "last 4 of 6 turns") {
		t.Fatalf("header mismatch: %q", got)
	}
}
