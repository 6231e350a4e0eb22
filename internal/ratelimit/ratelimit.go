// Package ratelimit enforces the outbound reply budget with token buckets.
// Buckets live in Redis when the durable backend is Redis, so every process
// posting as the bot shares one budget; otherwise they are local.
package ratelimit

import (
	"context"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// Backend performs an atomic token bucket check.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// BudgetConfig describes how many replies may be sent per window.
type BudgetConfig struct {
	Key    string        // bucket key, default "replies"
	Burst  int           // bucket size; 0 disables the budget
	Window time.Duration // time to refill a full bucket, default 15m
}

// Budget is a named token bucket.
type Budget struct {
	backend Backend
	key     string
	burst   int
	rate    float64 // tokens per second
}

// NewBudget returns nil when cfg.Burst is not positive. A nil *Budget
// allows everything.
func NewBudget(backend Backend, cfg BudgetConfig) *Budget {
	if cfg.Burst <= 0 || backend == nil {
		return nil
	}
	if cfg.Key == "" {
		cfg.Key = "replies"
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Budget{
		backend: backend,
		key:     cfg.Key,
		burst:   cfg.Burst,
		rate:    float64(cfg.Burst) / cfg.Window.Seconds(),
	}
}

// Allow takes one token. Backend errors fail open: the platform's own
// rate limit still applies.
func (b *Budget) Allow(ctx context.Context) (bool, error) {
	if b == nil {
		return true, nil
	}
	allowed, remaining, err := b.backend.CheckRateLimit(ctx, b.key, b.burst, b.rate, 1)
	if err != nil {
		logging.Op().Warn("reply budget check failed, allowing", "key", b.key, "error", err)
		return true, err
	}
	if !allowed {
		logging.Op().Info("reply budget exhausted", "key", b.key, "burst", b.burst, "remaining", remaining)
	}
	return allowed, nil
}
