package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// BreakerState is one of the three circuit breaker states (§4.3).
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures the failure threshold and cooldown.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening, default 5
	Cooldown         time.Duration // default 60s
}

// DefaultBreakerConfig returns the spec's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 60 * time.Second}
}

// Breaker is a 3-state circuit breaker: closed -> open after N consecutive
// failures; open -> half-open after Cooldown; half-open -> closed on
// success or -> open on failure. While open, every call fails fast with
// apperr.CodeAPIUnavailable.
type Breaker struct {
	cfg     BreakerConfig
	metrics *metrics.Registry
	log     zerolog.Logger

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
}

// NewBreaker builds a Breaker in the closed state.
func NewBreaker(cfg BreakerConfig, metricsReg *metrics.Registry, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{cfg: cfg, metrics: metricsReg, log: log.With().Str("component", "circuit_breaker").Logger(), state: StateClosed}
}

// State returns the current state, transitioning open->half-open as a
// side effect if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
	}
}

// Allow reports whether a request may proceed right now, without
// executing it. Use Do for the common call-and-record pattern.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == StateOpen {
		metrics.Incr(ctx, b.metrics.BreakerRejected)
		return apperr.New(apperr.CodeAPIUnavailable, "circuit breaker open")
	}
	return nil
}

// RecordSuccess transitions half-open -> closed and resets the failure
// counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure counter, opening the
// breaker (from closed) once it reaches FailureThreshold, or re-opening
// immediately (from half-open).
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.open(ctx)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.FailureThreshold {
		b.open(ctx)
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open(ctx context.Context) {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveFail = b.cfg.FailureThreshold
	metrics.Incr(ctx, b.metrics.BreakerOpened)
	b.log.Warn().Msg("circuit breaker opened")
}

// Do runs fn if the breaker allows it, recording the outcome. Returns the
// breaker's fast-fail error without calling fn when open.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.Allow(ctx); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure(ctx)
		return err
	}
	b.RecordSuccess()
	return nil
}
