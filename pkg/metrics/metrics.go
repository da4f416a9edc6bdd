// Package metrics defines the otel instruments shared by the pools,
// circuit breaker, session engine, and outbound orchestrator, so every
// component records to the same meter instead of rolling its own counters.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Registry holds the instruments components read and write. NewNoop
// returns a Registry safe to use in tests; the package-level helpers
// (Add, AddUpDown, Observe, Incr) are no-ops on a nil instrument. A nil
// *Registry itself is not safe to read instruments from.
type Registry struct {
	meter metric.Meter

	PoolAcquired  metric.Int64Counter
	PoolReleased  metric.Int64Counter
	PoolQueued    metric.Int64Counter
	PoolTimeouts  metric.Int64Counter
	PoolFailures  metric.Int64Counter
	PoolActive    metric.Int64UpDownCounter
	PoolWaiting   metric.Int64UpDownCounter

	TTSActive  metric.Int64UpDownCounter
	TTSQueued  metric.Int64UpDownCounter
	TTSErrors  metric.Int64Counter

	BreakerOpened   metric.Int64Counter
	BreakerRejected metric.Int64Counter
	ProviderCalls   metric.Int64Counter

	OutboundActive metric.Int64UpDownCounter

	SchedulerQueueDepth metric.Int64UpDownCounter
	RetryScheduled      metric.Int64Counter

	SessionTimeToFirstAudio metric.Float64Histogram
	SpeculationsStarted     metric.Int64Counter
}

// New builds a Registry backed by the given meter, provided by the
// process-wide otel MeterProvider.
func New(meter metric.Meter) *Registry {
	r := &Registry{meter: meter}
	r.PoolAcquired, _ = meter.Int64Counter("agentcomms.pool.acquired")
	r.PoolReleased, _ = meter.Int64Counter("agentcomms.pool.released")
	r.PoolQueued, _ = meter.Int64Counter("agentcomms.pool.queued")
	r.PoolTimeouts, _ = meter.Int64Counter("agentcomms.pool.timeouts")
	r.PoolFailures, _ = meter.Int64Counter("agentcomms.pool.failures")
	r.PoolActive, _ = meter.Int64UpDownCounter("agentcomms.pool.active")
	r.PoolWaiting, _ = meter.Int64UpDownCounter("agentcomms.pool.waiting")

	r.TTSActive, _ = meter.Int64UpDownCounter("agentcomms.tts.active")
	r.TTSQueued, _ = meter.Int64UpDownCounter("agentcomms.tts.queued")
	r.TTSErrors, _ = meter.Int64Counter("agentcomms.tts.errors")

	r.BreakerOpened, _ = meter.Int64Counter("agentcomms.breaker.opened")
	r.BreakerRejected, _ = meter.Int64Counter("agentcomms.breaker.rejected")
	r.ProviderCalls, _ = meter.Int64Counter("agentcomms.provider.calls")

	r.OutboundActive, _ = meter.Int64UpDownCounter("agentcomms.outbound.active")

	r.SchedulerQueueDepth, _ = meter.Int64UpDownCounter("agentcomms.scheduler.queue_depth")
	r.RetryScheduled, _ = meter.Int64Counter("agentcomms.retry.scheduled")

	r.SessionTimeToFirstAudio, _ = meter.Float64Histogram("agentcomms.session.time_to_first_audio_ms")
	r.SpeculationsStarted, _ = meter.Int64Counter("agentcomms.session.speculations_started")
	return r
}

// NewNoop returns a Registry backed by otel's noop meter, whose
// instruments record nothing — safe for tests that don't want to wire an
// otel MeterProvider.
func NewNoop() *Registry {
	return New(noop.NewMeterProvider().Meter("agentcomms-noop"))
}

func incr(ctx context.Context, c metric.Int64Counter, attrs ...metric.AddOption) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, attrs...)
}

// Add increments an Int64Counter by delta, guarding against a nil
// instrument (e.g. when the meter failed to register it).
func Add(ctx context.Context, c metric.Int64Counter, delta int64) {
	if c == nil {
		return
	}
	c.Add(ctx, delta)
}

// AddUpDown adjusts an Int64UpDownCounter by delta, guarding nil.
func AddUpDown(ctx context.Context, c metric.Int64UpDownCounter, delta int64) {
	if c == nil {
		return
	}
	c.Add(ctx, delta)
}

// Observe records a value into a Float64Histogram, guarding nil.
func Observe(ctx context.Context, h metric.Float64Histogram, value float64) {
	if h == nil {
		return
	}
	h.Record(ctx, value)
}

// Incr increments an Int64Counter by one, guarding nil.
func Incr(ctx context.Context, c metric.Int64Counter) {
	incr(ctx, c)
}
