package inmem

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/wallbounce/wallbounce/pkg/kv"
)

// ── values ───────────────────────────────────────────────────────────────────

func TestGetSetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	t.Run("get missing key", func(t *testing.T) {
		if _, err := s.Get(ctx, "absent"); err != kv.ErrNotFound {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got) != "v" {
			t.Fatalf("want v, got %q", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Set(ctx, "gone", []byte("x"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.Delete(ctx, "gone"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Get(ctx, "gone"); err != kv.ErrNotFound {
			t.Fatalf("want ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete absent key is a no-op", func(t *testing.T) {
		if err := s.Delete(ctx, "never-existed"); err != nil {
			t.Fatalf("delete absent: %v", err)
		}
	})
}

func TestValueIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	src := []byte("original")
	if err := s.Set(ctx, "k", src, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	src[0] = 'X' // caller mutation must not leak into the store

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored value mutated: %q", got)
	}

	got[0] = 'Y' // returned slice mutation must not leak either
	again, _ := s.Get(ctx, "k")
	if string(again) != "original" {
		t.Fatalf("returned slice aliased store: %q", again)
	}
}

// ── TTL ──────────────────────────────────────────────────────────────────────

func TestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	if err := s.Set(ctx, "short", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := s.Get(ctx, "short"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "short"); err != kv.ErrNotFound {
		t.Fatalf("want ErrNotFound after expiry, got %v", err)
	}
}

// ── sets ─────────────────────────────────────────────────────────────────────

func TestSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.SetAdd(ctx, "set", "a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := s.SetAdd(ctx, "set", "b"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	// Duplicate add is a no-op.
	if err := s.SetAdd(ctx, "set", "a"); err != nil {
		t.Fatalf("sadd dup: %v", err)
	}

	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	slices.Sort(members)
	if !slices.Equal(members, []string{"a", "b"}) {
		t.Fatalf("want [a b], got %v", members)
	}

	if err := s.SetRemove(ctx, "set", "a"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	members, _ = s.SetMembers(ctx, "set")
	if !slices.Equal(members, []string{"b"}) {
		t.Fatalf("want [b], got %v", members)
	}

	// Absent set yields an empty slice.
	members, err = s.SetMembers(ctx, "other")
	if err != nil || len(members) != 0 {
		t.Fatalf("want empty set, got %v / %v", members, err)
	}
}

// ── concurrency ──────────────────────────────────────────────────────────────

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = s.Set(ctx, "shared", []byte("v"), time.Minute)
				_, _ = s.Get(ctx, "shared")
				_ = s.SetAdd(ctx, "members", "m")
				_, _ = s.SetMembers(ctx, "members")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
