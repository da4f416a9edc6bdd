// Package sttpool implements C1: a bounded pool of live streaming STT
// connections with a strict FIFO wait queue, so that no more than N_STT
// upstream connections exist concurrently across the process.
package sttpool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// Options configure one streaming STT session (§4.1 acquire inputs).
type Options struct {
	Language       string
	EndpointingMS  int
	VAD            bool
	Model          string
	OnPartial      func(transcript string)
	OnFinal        func(transcript string)
	OnUtteranceEnd func()
	OnError        func(err error)
}

// Handle is a live streaming STT connection handed back by Acquire. It
// accepts audio frames and is torn down by Release.
type Handle interface {
	// Write submits one frame of caller audio to the upstream STT session.
	Write(frame []byte) error
	// Close tears down the upstream connection. Idempotent.
	Close() error
}

// Upstream creates a new upstream streaming STT connection for the given
// options. Implementations wrap a provider.StreamingProvider (e.g.
// omnivoice's Deepgram binding); the pool never talks to a provider
// directly so it stays provider-agnostic.
type Upstream interface {
	Open(ctx context.Context, clientID string, opts Options) (Handle, error)
}

// Config bounds the pool's behaviour, with the spec's defaults.
type Config struct {
	Capacity     int           // N_STT, default 20
	QueueTimeout time.Duration // default 30s
	MaxQueueLen  int           // default 50
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{Capacity: 20, QueueTimeout: 30 * time.Second, MaxQueueLen: 50}
}

type waiter struct {
	clientID string
	opts     Options
	deadline time.Time
	result   chan acquireResult
}

type acquireResult struct {
	handle Handle
	err    error
}

// Pool is the C1 bounded STT pool: single mutex-protected state machine of
// {active count, FIFO wait queue}, matching the teacher's single
// mutex-guarded map style generalized to a slot-counted resource.
type Pool struct {
	cfg      Config
	upstream Upstream
	metrics  *metrics.Registry
	log      zerolog.Logger

	mu       sync.Mutex
	active   int
	queue    *list.List // of *waiter
	handles  map[string]Handle

	// lifetime totals (§4.1 observable metrics)
	totalAcquired int64
	totalReleased int64
	totalQueued   int64
	totalTimeouts int64
	totalFailures int64
}

// New builds a Pool. metricsReg and log may be the Noop/zero values in
// tests.
func New(cfg Config, upstream Upstream, metricsReg *metrics.Registry, log zerolog.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		cfg:      cfg,
		upstream: upstream,
		metrics:  metricsReg,
		log:      log.With().Str("component", "sttpool").Logger(),
		queue:    list.New(),
		handles:  make(map[string]Handle),
	}
}

// Acquire reserves one STT slot for clientID and opens the upstream
// connection, queueing FIFO when the pool is saturated. It returns
// apperr.CodePoolTimeout if the wait exceeds QueueTimeout, and
// apperr.CodeQueueFull if the queue is already at MaxQueueLen.
func (p *Pool) Acquire(ctx context.Context, clientID string, opts Options) (Handle, error) {
	p.mu.Lock()
	if p.active < p.cfg.Capacity {
		p.active++
		p.mu.Unlock()
		return p.open(ctx, clientID, opts)
	}

	if p.queue.Len() >= p.cfg.MaxQueueLen {
		p.mu.Unlock()
		return nil, apperr.New(apperr.CodeQueueFull, "stt pool queue is full")
	}

	w := &waiter{
		clientID: clientID,
		opts:     opts,
		deadline: time.Now().Add(p.cfg.QueueTimeout),
		result:   make(chan acquireResult, 1),
	}
	elem := p.queue.PushBack(w)
	p.totalQueued++
	metrics.AddUpDown(ctx, p.metrics.PoolWaiting, 1)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.handle, res.err
	case <-timer.C:
		p.mu.Lock()
		p.removeQueued(elem)
		p.totalTimeouts++
		p.mu.Unlock()
		metrics.AddUpDown(ctx, p.metrics.PoolWaiting, -1)
		metrics.Incr(ctx, p.metrics.PoolTimeouts)
		return nil, apperr.New(apperr.CodePoolTimeout, "stt pool acquire timed out")
	case <-ctx.Done():
		p.mu.Lock()
		p.removeQueued(elem)
		p.mu.Unlock()
		metrics.AddUpDown(ctx, p.metrics.PoolWaiting, -1)
		return nil, ctx.Err()
	}
}

// removeQueued removes elem from the queue if still present; no-op if it
// was already dequeued by release(). Caller holds p.mu.
func (p *Pool) removeQueued(elem *list.Element) {
	for e := p.queue.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.queue.Remove(e)
			return
		}
	}
}

// open creates the upstream connection for a slot already reserved in
// active count. On provider failure the slot is released immediately —
// creation failures never hold a slot (§4.1).
func (p *Pool) open(ctx context.Context, clientID string, opts Options) (Handle, error) {
	h, err := p.upstream.Open(ctx, clientID, opts)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.totalFailures++
		p.mu.Unlock()
		metrics.Incr(ctx, p.metrics.PoolFailures)
		p.log.Warn().Err(err).Str("client_id", clientID).Msg("stt upstream creation failed")
		return nil, apperr.Wrap(apperr.CodeProviderError, "stt upstream creation failed", err)
	}

	p.mu.Lock()
	p.handles[clientID] = h
	p.totalAcquired++
	p.mu.Unlock()
	metrics.Incr(ctx, p.metrics.PoolAcquired)
	metrics.AddUpDown(ctx, p.metrics.PoolActive, 1)
	return h, nil
}

// Release tears down clientID's upstream connection and wakes the next
// FIFO waiter, if any. Idempotent: releasing an unknown/already-released
// clientID is a no-op.
func (p *Pool) Release(ctx context.Context, clientID string) {
	p.mu.Lock()
	h, ok := p.handles[clientID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.handles, clientID)
	p.active--
	p.totalReleased++
	metrics.Incr(ctx, p.metrics.PoolReleased)
	metrics.AddUpDown(ctx, p.metrics.PoolActive, -1)

	var next *waiter
	for {
		front := p.queue.Front()
		if front == nil {
			break
		}
		p.queue.Remove(front)
		w := front.Value.(*waiter)
		if time.Now().After(w.deadline) {
			// Already timed out; its Acquire call already returned.
			continue
		}
		next = w
		break
	}
	if next != nil {
		p.active++
	}
	p.mu.Unlock()

	_ = h.Close()

	if next != nil {
		metrics.AddUpDown(ctx, p.metrics.PoolWaiting, -1)
		handle, err := p.open(ctx, next.clientID, next.opts)
		next.result <- acquireResult{handle: handle, err: err}
	}
}

// Stats is a point-in-time snapshot of pool state (§4.1 observable
// metrics).
type Stats struct {
	Active         int
	Queued         int
	Capacity       int
	UtilisationPct float64
	TotalAcquired  int64
	TotalReleased  int64
	TotalQueued    int64
	TotalTimeouts  int64
	TotalFailures  int64
	StatusBucket   string
}

// Stats returns the current snapshot and alerting bucket (healthy <50%,
// moderate, high >=75%, critical >=90%).
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	util := float64(p.active) / float64(p.cfg.Capacity) * 100
	return Stats{
		Active:         p.active,
		Queued:         p.queue.Len(),
		Capacity:       p.cfg.Capacity,
		UtilisationPct: util,
		TotalAcquired:  p.totalAcquired,
		TotalReleased:  p.totalReleased,
		TotalQueued:    p.totalQueued,
		TotalTimeouts:  p.totalTimeouts,
		TotalFailures:  p.totalFailures,
		StatusBucket:   bucket(util),
	}
}

func bucket(util float64) string {
	switch {
	case util >= 90:
		return "critical"
	case util >= 75:
		return "high"
	case util >= 50:
		return "moderate"
	default:
		return "healthy"
	}
}
