package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func TestLocalBackendRefill(t *testing.T) {
	c := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLocalBackend()
	l.now = c.now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := l.CheckRateLimit(ctx, "k", 3, 1, 1); !ok {
			t.Fatalf("request %d denied", i)
		}
	}
	if ok, remaining, _ := l.CheckRateLimit(ctx, "k", 3, 1, 1); ok || remaining != 0 {
		t.Fatalf("expected denial with 0 remaining, got %v %d", ok, remaining)
	}
	c.t = c.t.Add(2 * time.Second)
	if ok, remaining, _ := l.CheckRateLimit(ctx, "k", 3, 1, 1); !ok || remaining != 1 {
		t.Fatalf("after refill: %v %d", ok, remaining)
	}
}

type flakyBackend struct {
	err   error
	calls int
}

func (f *flakyBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	return false, 0, nil
}

func TestFallbackDegradesAndRecovers(t *testing.T) {
	c := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	primary := &flakyBackend{err: errors.New("redis down")}
	f := NewFallbackBackend(primary)
	f.now = c.now
	f.local.now = c.now
	ctx := context.Background()

	ok, _, err := f.CheckRateLimit(ctx, "k", 5, 1, 1)
	if err != nil || !ok || !f.Degraded() {
		t.Fatalf("expected local answer while degraded: %v %v %v", ok, err, f.Degraded())
	}
	calls := primary.calls
	f.CheckRateLimit(ctx, "k", 5, 1, 1)
	if primary.calls != calls {
		t.Fatal("primary probed before probeInterval")
	}

	primary.err = nil
	c.t = c.t.Add(probeInterval + time.Second)
	ok, _, _ = f.CheckRateLimit(ctx, "k", 5, 1, 1)
	if f.Degraded() {
		t.Fatal("backend still degraded after successful probe")
	}
	if ok {
		t.Fatal("expected the primary's denial after recovery")
	}
}

func TestBudget(t *testing.T) {
	if NewBudget(NewLocalBackend(), BudgetConfig{}) != nil {
		t.Fatal("zero burst should disable the budget")
	}
	var disabled *Budget
	if ok, err := disabled.Allow(context.Background()); !ok || err != nil {
		t.Fatal("nil budget must allow")
	}

	b := NewBudget(NewLocalBackend(), BudgetConfig{Burst: 2, Window: time.Hour})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := b.Allow(ctx); !ok {
			t.Fatalf("reply %d denied", i)
		}
	}
	if ok, _ := b.Allow(ctx); ok {
		t.Fatal("third reply within the window allowed")
	}
}

func TestBudgetFailsOpen(t *testing.T) {
	b := NewBudget(&flakyBackend{err: errors.New("boom")}, BudgetConfig{Burst: 1})
	ok, err := b.Allow(context.Background())
	if !ok || err == nil {
		t.Fatalf("Allow = %v, %v; want true with error", ok, err)
	}
}
