package sttpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

type fakeHandle struct {
	closed bool
}

func (h *fakeHandle) Write(frame []byte) error { return nil }
func (h *fakeHandle) Close() error             { h.closed = true; return nil }

type fakeUpstream struct {
	mu      sync.Mutex
	opened  int
	failNth int // if > 0, the Nth Open call fails
}

func (u *fakeUpstream) Open(ctx context.Context, clientID string, opts Options) (Handle, error) {
	u.mu.Lock()
	u.opened++
	n := u.opened
	u.mu.Unlock()
	if u.failNth != 0 && n == u.failNth {
		return nil, assertErr
	}
	return &fakeHandle{}, nil
}

var assertErr = apperr.New(apperr.CodeProviderError, "upstream boom")

func TestAcquireWithinCapacity(t *testing.T) {
	p := New(Config{Capacity: 2, QueueTimeout: time.Second, MaxQueueLen: 5}, &fakeUpstream{}, metrics.NewNoop(), zerolog.Nop())

	h1, err := p.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)
	require.NotNil(t, h1)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, "moderate", stats.StatusBucket)
}

func TestAcquireQueuesWhenSaturated(t *testing.T) {
	p := New(Config{Capacity: 1, QueueTimeout: time.Second, MaxQueueLen: 5}, &fakeUpstream{}, metrics.NewNoop(), zerolog.Nop())

	_, err := p.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var queuedErr error
	var queuedHandle Handle
	wg.Add(1)
	go func() {
		defer wg.Done()
		queuedHandle, queuedErr = p.Acquire(context.Background(), "b", Options{})
	}()

	// give the goroutine time to land in the FIFO queue
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.Stats().Queued)

	p.Release(context.Background(), "a")
	wg.Wait()

	require.NoError(t, queuedErr)
	require.NotNil(t, queuedHandle)
	assert.Equal(t, 1, p.Stats().Active)
	assert.Equal(t, 0, p.Stats().Queued)
}

func TestAcquireQueueFullRejects(t *testing.T) {
	p := New(Config{Capacity: 1, QueueTimeout: time.Second, MaxQueueLen: 0}, &fakeUpstream{}, metrics.NewNoop(), zerolog.Nop())

	_, err := p.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "b", Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeQueueFull, apperr.CodeOf(err))
}

func TestAcquireTimesOutInQueue(t *testing.T) {
	p := New(Config{Capacity: 1, QueueTimeout: 10 * time.Millisecond, MaxQueueLen: 5}, &fakeUpstream{}, metrics.NewNoop(), zerolog.Nop())

	_, err := p.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "b", Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePoolTimeout, apperr.CodeOf(err))
}

func TestUpstreamFailureReleasesSlotWithoutHolding(t *testing.T) {
	p := New(Config{Capacity: 1, QueueTimeout: time.Second, MaxQueueLen: 5}, &fakeUpstream{failNth: 1}, metrics.NewNoop(), zerolog.Nop())

	_, err := p.Acquire(context.Background(), "a", Options{})
	require.Error(t, err)
	assert.Equal(t, 0, p.Stats().Active, "a failed open must not hold a slot")

	_, err = p.Acquire(context.Background(), "b", Options{})
	require.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(Config{Capacity: 1, QueueTimeout: time.Second, MaxQueueLen: 5}, &fakeUpstream{}, metrics.NewNoop(), zerolog.Nop())

	_, err := p.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)

	p.Release(context.Background(), "a")
	p.Release(context.Background(), "a") // no-op, must not panic or go negative
	assert.Equal(t, 0, p.Stats().Active)
}
