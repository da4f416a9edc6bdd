package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiterConfig is the token-bucket shape from §4.3: reservoir/refill
// per second, a max-in-flight cap, and a minimum inter-request gap.
type RateLimiterConfig struct {
	ReservoirPerSecond int
	RefillPerSecond    int
	MaxInFlight        int64
	MinGap             time.Duration
}

// DefaultRateLimiterConfig returns the spec's defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ReservoirPerSecond: 20,
		RefillPerSecond:    20,
		MaxInFlight:        10,
		MinGap:             50 * time.Millisecond,
	}
}

// RateLimiter is a token-bucket limiter plus an in-flight semaphore and a
// minimum inter-request gap, applied to every outgoing provider request.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastIssued time.Time

	inFlight *semaphore.Weighted
}

// NewRateLimiter builds a RateLimiter from cfg, falling back to defaults
// for any zero field.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.ReservoirPerSecond <= 0 {
		cfg.ReservoirPerSecond = DefaultRateLimiterConfig().ReservoirPerSecond
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultRateLimiterConfig().RefillPerSecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultRateLimiterConfig().MaxInFlight
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultRateLimiterConfig().MinGap
	}
	return &RateLimiter{
		cfg:      cfg,
		tokens:   float64(cfg.ReservoirPerSecond),
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Acquire blocks (respecting ctx) until a request may proceed: an
// in-flight slot is free, a token is available, and the minimum gap since
// the last issued request has elapsed. It returns a release func the
// caller must call when the request completes.
func (rl *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := rl.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := rl.waitForToken(ctx); err != nil {
		rl.inFlight.Release(1)
		return nil, err
	}

	return func() { rl.inFlight.Release(1) }, nil
}

func (rl *RateLimiter) waitForToken(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastRefill).Seconds()
		rl.tokens += elapsed * float64(rl.cfg.RefillPerSecond)
		if rl.tokens > float64(rl.cfg.ReservoirPerSecond) {
			rl.tokens = float64(rl.cfg.ReservoirPerSecond)
		}
		rl.lastRefill = now

		gapRemaining := rl.cfg.MinGap - now.Sub(rl.lastIssued)

		if rl.tokens >= 1 && gapRemaining <= 0 {
			rl.tokens--
			rl.lastIssued = now
			rl.mu.Unlock()
			return nil
		}

		wait := gapRemaining
		if rl.tokens < 1 {
			needed := time.Duration((1 - rl.tokens) / float64(rl.cfg.RefillPerSecond) * float64(time.Second))
			if needed > wait {
				wait = needed
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
