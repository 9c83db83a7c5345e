package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(start time.Time) (*MemoryStore, *time.Time) {
	s := NewMemoryStore(0)
	current := start
	s.now = func() time.Time { return current }
	return s, &current
}

func TestMemoryStore_AllowsUpToLimit(t *testing.T) {
	s, _ := newTestStore(time.Unix(1000, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := s.Admit(ctx, "u1", 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 3 - i - 1; d.Remaining != want {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, want, d.Remaining)
		}
	}

	d, _ := s.Admit(ctx, "u1", 3, time.Minute)
	if d.Allowed {
		t.Error("fourth request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining=0 on denial, got %d", d.Remaining)
	}
}

func TestMemoryStore_RetryAfterTracksOldest(t *testing.T) {
	start := time.Unix(1000, 0)
	s, now := newTestStore(start)
	ctx := context.Background()

	s.Admit(ctx, "u1", 2, time.Minute)
	*now = start.Add(10 * time.Second)
	s.Admit(ctx, "u1", 2, time.Minute)

	*now = start.Add(20 * time.Second)
	d, _ := s.Admit(ctx, "u1", 2, time.Minute)
	if d.Allowed {
		t.Fatal("expected denial at limit")
	}
	// Oldest admission at t=0 exits the window at t=60s; we are at t=20s.
	if d.RetryAfter != 40*time.Second {
		t.Errorf("expected retry after 40s, got %s", d.RetryAfter)
	}
	if want := start.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("expected reset at %s, got %s", want, d.ResetAt)
	}
}

func TestMemoryStore_WindowSlides(t *testing.T) {
	start := time.Unix(1000, 0)
	s, now := newTestStore(start)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Admit(ctx, "u1", 3, time.Minute)
	}
	if d, _ := s.Admit(ctx, "u1", 3, time.Minute); d.Allowed {
		t.Fatal("expected denial at limit")
	}

	// Advance past the window: all three admissions expire.
	*now = start.Add(61 * time.Second)
	d, _ := s.Admit(ctx, "u1", 3, time.Minute)
	if !d.Allowed {
		t.Error("expected admission after window slid")
	}
	if d.Remaining != 2 {
		t.Errorf("expected remaining=2, got %d", d.Remaining)
	}
}

func TestMemoryStore_IdentitiesAreIndependent(t *testing.T) {
	s, _ := newTestStore(time.Unix(1000, 0))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Admit(ctx, "u1", 5, time.Minute)
	}
	if d, _ := s.Admit(ctx, "u1", 5, time.Minute); d.Allowed {
		t.Fatal("u1 should be at its limit")
	}
	if d, _ := s.Admit(ctx, "u2", 5, time.Minute); !d.Allowed {
		t.Error("u2 should be unaffected by u1's usage")
	}
}

func TestMemoryStore_ConcurrentAdmitNeverOvershoots(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	const limit = 50
	const attempts = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := s.Admit(ctx, "shared", limit, time.Minute)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("expected exactly %d admissions, got %d", limit, allowed)
	}
}

func TestMemoryStore_SweepRemovesIdleIdentities(t *testing.T) {
	start := time.Unix(1000, 0)
	s, now := newTestStore(start)
	ctx := context.Background()

	s.Admit(ctx, "idle", 10, time.Minute)
	s.Admit(ctx, "active", 10, time.Minute)

	*now = start.Add(2 * time.Minute)
	s.Admit(ctx, "active", 10, time.Minute)
	s.sweep()

	usage := s.SnapshotUsage()
	if len(usage) != 1 {
		t.Fatalf("expected 1 identity after sweep, got %d", len(usage))
	}
	if usage[0].Identity != "active" {
		t.Errorf("expected active identity to survive, got %q", usage[0].Identity)
	}
}

func TestMemoryStore_SweepKeepsInWindowStamps(t *testing.T) {
	start := time.Unix(1000, 0)
	s, now := newTestStore(start)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := s.Admit(ctx, "u1", 3, time.Hour)
		if !d.Allowed {
			t.Fatalf("admit %d should be allowed", i+1)
		}
	}

	// A sweep firing well inside the hour window must not touch its stamps.
	*now = start.Add(10 * time.Minute)
	s.sweep()

	d, _ := s.Admit(ctx, "u1", 3, time.Hour)
	if d.Allowed {
		t.Fatal("admission allowed inside a full window after sweep")
	}
	if usage := s.SnapshotUsage(); len(usage) != 1 || usage[0].Count != 3 {
		t.Fatalf("expected 3 in-window stamps to survive the sweep, got %+v", usage)
	}

	// Once every stamp has aged out of the identity's window, the sweep
	// evicts the entry.
	*now = start.Add(61 * time.Minute)
	s.sweep()
	if usage := s.SnapshotUsage(); len(usage) != 0 {
		t.Fatalf("expected identity evicted after window expiry, got %+v", usage)
	}
}

func TestMemoryStore_SnapshotUsageSorted(t *testing.T) {
	s, _ := newTestStore(time.Unix(1000, 0))
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		s.Admit(ctx, id, 10, time.Minute)
		s.Admit(ctx, id, 10, time.Minute)
	}

	usage := s.SnapshotUsage()
	if len(usage) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(usage))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, u := range usage {
		if u.Identity != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], u.Identity)
		}
		if u.Count != 2 {
			t.Errorf("%s: expected count 2, got %d", u.Identity, u.Count)
		}
	}
}
