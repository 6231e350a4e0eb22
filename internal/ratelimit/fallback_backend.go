package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// FallbackBackend uses primary (Redis) until it errors, then local buckets,
// probing primary every probeInterval until it answers again.
type FallbackBackend struct {
	primary  Backend
	local    *LocalBackend
	degraded atomic.Bool
	probeMu  sync.Mutex
	lastTry  atomic.Int64 // unix nanos of the last probe
	now      func() time.Time
}

func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{
		primary: primary,
		local:   NewLocalBackend(),
		now:     time.Now,
	}
}

const probeInterval = 5 * time.Second

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		if f.now().Sub(time.Unix(0, f.lastTry.Load())) <= probeInterval || !f.probe(ctx) {
			return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
		}
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastTry.Store(f.now().UnixNano())
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}
	return allowed, remaining, nil
}

// probe checks primary synchronously; a batch makes few calls, so there is
// no background goroutine.
func (f *FallbackBackend) probe(ctx context.Context) bool {
	if !f.probeMu.TryLock() {
		return false
	}
	defer f.probeMu.Unlock()

	f.lastTry.Store(f.now().UnixNano())
	if _, _, err := f.primary.CheckRateLimit(ctx, "probe", 1000, 1000, 0); err != nil {
		return false
	}
	logging.Op().Info("rate-limit primary backend recovered")
	f.degraded.Store(false)
	return true
}

// Degraded reports whether local buckets are in use.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalBackend keeps buckets in process memory.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	now     func() time.Time
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

func (l *LocalBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(maxTokens), lastRefill: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(maxTokens), b.tokens+elapsed*refillRate)
		b.lastRefill = now
	}

	if b.tokens >= float64(requested) {
		b.tokens -= float64(requested)
		return true, int(b.tokens), nil
	}
	return false, int(b.tokens), nil
}
