package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	if c, err := s.Get(ctx, "missing"); err != nil || c.Count != 0 {
		t.Fatalf("Get(missing) = %+v, %v", c, err)
	}
	start := clock.Now()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Increment(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if n != want {
			t.Fatalf("Increment() = %d, want %d", n, want)
		}
	}
	c, err := s.Get(ctx, "k")
	if err != nil || c.Count != 3 {
		t.Errorf("Get(k) = %+v, %v, want 3", c, err)
	}
	if !c.ExpiresAt.Equal(start.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, start.Add(time.Minute))
	}

	// A later increment does not extend the expiry.
	clock.Advance(59 * time.Second)
	if _, err := s.Increment(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Get(ctx, "k"); !c.ExpiresAt.Equal(start.Add(time.Minute)) {
		t.Errorf("expiry moved to %v", c.ExpiresAt)
	}
	clock.Advance(2 * time.Second)
	if c, _ := s.Get(ctx, "k"); c.Count != 0 {
		t.Errorf("expired key read %d", c.Count)
	}
	if n, _ := s.Increment(ctx, "k", time.Minute); n != 1 {
		t.Errorf("expired key restarted at %d, want 1", n)
	}
}

func TestMemoryStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(time.Hour)
	s.now = clock.Now
	defer s.Close()
	exerciseStore(t, s, clock)
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(time.Hour)
	s.now = clock.Now
	defer s.Close()

	ctx := context.Background()
	s.Increment(ctx, "short", time.Second)
	s.Increment(ctx, "long", time.Hour)
	clock.Advance(2 * time.Second)
	s.Sweep()
	if got := s.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Increment(ctx, "shared", time.Minute)
			}
		}()
	}
	wg.Wait()
	if c, _ := s.Get(ctx, "shared"); c.Count != 1000 {
		t.Errorf("count = %d, want 1000", c.Count)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	s.Close()
	s.Close()
	if _, err := s.Get(context.Background(), "k"); err != ErrStoreClosed {
		t.Errorf("Get after Close error = %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "counters.db"), time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	s.now = clock.Now
	defer s.Close()
	exerciseStore(t, s, clock)

	clock.Advance(2 * time.Minute)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	s.Increment(ctx, "k", time.Hour)
	s.Increment(ctx, "k", time.Hour)
	s.Close()

	s, err = NewSQLiteStore(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if c, _ := s.Get(ctx, "k"); c.Count != 2 {
		t.Errorf("count after reopen = %d, want 2", c.Count)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore("", time.Minute); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoresKeepPermanentCounters(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mem := NewMemoryStore(time.Hour)
	mem.now = clock.Now
	defer mem.Close()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "views.db"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sq.now = clock.Now
	defer sq.Close()

	ctx := context.Background()
	for name, s := range map[string]Store{"memory": mem, "sqlite": sq} {
		s.Increment(ctx, "views", 0)
		s.Increment(ctx, "views", 0)
		clock.Advance(1000 * time.Hour)
		if c, _ := s.Get(ctx, "views"); c.Count != 2 || !c.ExpiresAt.IsZero() {
			t.Errorf("%s: permanent counter = %+v, want 2 with no expiry", name, c)
		}
	}
	mem.Sweep()
	if n, _ := sq.Sweep(ctx); n != 0 {
		t.Errorf("sqlite sweep removed permanent counter")
	}
	if mem.Len() != 1 {
		t.Errorf("memory sweep removed permanent counter")
	}
}
