// Package ttsqueue implements C2: a per-provider concurrency-limited
// synthesis dispatcher. Each provider tag gets its own {active, cap, FIFO
// queue}; the queue releases the slot when the synthesis task completes,
// success or failure, and never imposes its own timeout — cancellation is
// the caller's (the session's) responsibility.
package ttsqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/metrics"
)

// Config is a provider's concurrency cap.
type Config struct {
	Provider string
	Cap      int
}

type providerState struct {
	cap    int
	active int
	queue  *list.List // of chan struct{}
}

// Queue is the C2 TTS concurrency dispatcher across all providers.
type Queue struct {
	mu       sync.Mutex
	states   map[string]*providerState
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// New builds a Queue seeded with the given per-provider caps.
func New(caps []Config, metricsReg *metrics.Registry, log zerolog.Logger) *Queue {
	q := &Queue{
		states:  make(map[string]*providerState),
		metrics: metricsReg,
		log:     log.With().Str("component", "ttsqueue").Logger(),
	}
	for _, c := range caps {
		q.states[c.Provider] = &providerState{cap: c.Cap, queue: list.New()}
	}
	return q
}

func (q *Queue) stateFor(provider string) *providerState {
	s, ok := q.states[provider]
	if !ok {
		// Unknown providers default to a conservative cap of 1 rather than
		// panicking; operators should configure every provider they use.
		s = &providerState{cap: 1, queue: list.New()}
		q.states[provider] = s
	}
	return s
}

// Task is the synthesis callback run while holding a slot.
type Task func(ctx context.Context) ([]byte, error)

// Synthesize runs task under provider's concurrency cap, queueing FIFO on
// saturation, and releases the slot on completion (success or error).
func (q *Queue) Synthesize(ctx context.Context, provider string, task Task) ([]byte, error) {
	q.mu.Lock()
	s := q.stateFor(provider)
	if s.active < s.cap {
		s.active++
		q.mu.Unlock()
		metrics.AddUpDown(ctx, q.metrics.TTSActive, 1)
		return q.run(ctx, provider, task)
	}

	wait := make(chan struct{})
	elem := s.queue.PushBack(wait)
	q.mu.Unlock()
	metrics.AddUpDown(ctx, q.metrics.TTSQueued, 1)

	select {
	case <-wait:
		metrics.AddUpDown(ctx, q.metrics.TTSQueued, -1)
		metrics.AddUpDown(ctx, q.metrics.TTSActive, 1)
		return q.run(ctx, provider, task)
	case <-ctx.Done():
		q.mu.Lock()
		removeElem(s.queue, elem)
		q.mu.Unlock()
		metrics.AddUpDown(ctx, q.metrics.TTSQueued, -1)
		return nil, ctx.Err()
	}
}

func removeElem(l *list.List, target *list.Element) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == target {
			l.Remove(e)
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, provider string, task Task) ([]byte, error) {
	audio, err := task(ctx)

	q.mu.Lock()
	s := q.stateFor(provider)
	s.active--
	var next chan struct{}
	if front := s.queue.Front(); front != nil {
		s.queue.Remove(front)
		next = front.Value.(chan struct{})
		s.active++
	}
	q.mu.Unlock()

	metrics.AddUpDown(ctx, q.metrics.TTSActive, -1)
	if err != nil {
		metrics.Incr(ctx, q.metrics.TTSErrors)
	}
	if next != nil {
		close(next)
	}
	return audio, err
}

// OverThreshold reports whether provider's queue length is at or above the
// given threshold (§4.2 policy). The session does not call it and has no
// fallback provider to switch to.
func (q *Queue) OverThreshold(provider string, threshold int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.states[provider]
	if !ok {
		return false
	}
	return s.queue.Len() >= threshold
}

// Stats is a point-in-time snapshot for one provider.
type Stats struct {
	Provider string
	Active   int
	Cap      int
	Queued   int
}

// Stats returns a snapshot for every known provider.
func (q *Queue) Stats() []Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Stats, 0, len(q.states))
	for provider, s := range q.states {
		out = append(out, Stats{Provider: provider, Active: s.active, Cap: s.cap, Queued: s.queue.Len()})
	}
	return out
}

func (q *Queue) String() string {
	return fmt.Sprintf("ttsqueue(providers=%d)", len(q.states))
}
