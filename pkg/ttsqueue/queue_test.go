package ttsqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/metrics"
)

func TestSynthesizeRunsImmediatelyUnderCap(t *testing.T) {
	q := New([]Config{{Provider: "elevenlabs", Cap: 2}}, metrics.NewNoop(), zerolog.Nop())

	audio, err := q.Synthesize(context.Background(), "elevenlabs", func(ctx context.Context) ([]byte, error) {
		return []byte("hi"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), audio)
}

func TestSynthesizeQueuesAtCapacity(t *testing.T) {
	q := New([]Config{{Provider: "elevenlabs", Cap: 1}}, metrics.NewNoop(), zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		q.Synthesize(context.Background(), "elevenlabs", func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	var ranSecond bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Synthesize(context.Background(), "elevenlabs", func(ctx context.Context) ([]byte, error) {
			ranSecond = true
			return nil, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ranSecond, "second task must wait for the first to finish")
	assert.True(t, q.OverThreshold("elevenlabs", 1))

	close(release)
	wg.Wait()
	assert.True(t, ranSecond)
}

func TestSynthesizeReleasesSlotOnError(t *testing.T) {
	q := New([]Config{{Provider: "elevenlabs", Cap: 1}}, metrics.NewNoop(), zerolog.Nop())

	_, err := q.Synthesize(context.Background(), "elevenlabs", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("synthesis failed")
	})
	require.Error(t, err)

	stats := q.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Active, "slot must be released even on task failure")
}

func TestSynthesizeUnknownProviderDefaultsToCapOne(t *testing.T) {
	q := New(nil, metrics.NewNoop(), zerolog.Nop())

	_, err := q.Synthesize(context.Background(), "unknown", func(ctx context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)
}

func TestSynthesizeContextCancelWhileQueued(t *testing.T) {
	q := New([]Config{{Provider: "elevenlabs", Cap: 1}}, metrics.NewNoop(), zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		q.Synthesize(context.Background(), "elevenlabs", func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Synthesize(ctx, "elevenlabs", func(ctx context.Context) ([]byte, error) {
			return nil, nil
		})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued synthesize did not return after context cancellation")
	}
	close(release)
}
