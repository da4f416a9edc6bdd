package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

type fakeStore struct {
	mu           sync.Mutex
	jobs         map[string]*calltypes.ScheduledJob
	deadLetters  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*calltypes.ScheduledJob)}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *calltypes.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*calltypes.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, job *calltypes.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) DueJobs(ctx context.Context, before time.Time, limit int) ([]*calltypes.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*calltypes.ScheduledJob
	for _, j := range s.jobs {
		if j.Status == calltypes.JobPending && !j.DueAt.After(before) {
			cp := *j
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) RecordDeadLetter(ctx context.Context, kind calltypes.JobKind, refID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, refID)
	return nil
}

func TestScheduleRejectsPastDueTime(t *testing.T) {
	s := New(DefaultConfig(), newFakeStore(), metrics.NewNoop(), zerolog.Nop())
	_, err := s.Schedule(context.Background(), "call-1", time.Now().Add(-time.Hour), "UTC", nil, nil, calltypes.JobKindScheduledCall, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeScheduleInPast, apperr.CodeOf(err))
}

func TestScheduleAndCancel(t *testing.T) {
	store := newFakeStore()
	s := New(DefaultConfig(), store, metrics.NewNoop(), zerolog.Nop())

	job, err := s.Schedule(context.Background(), "call-1", time.Now().Add(time.Hour), "UTC", nil, nil, calltypes.JobKindScheduledCall, "")
	require.NoError(t, err)
	assert.Equal(t, calltypes.JobPending, job.Status)

	require.NoError(t, s.Cancel(context.Background(), job.ID))

	updated, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, calltypes.JobCanceled, updated.Status)
}

func TestCancelRejectsAlreadyProcessedJob(t *testing.T) {
	store := newFakeStore()
	s := New(DefaultConfig(), store, metrics.NewNoop(), zerolog.Nop())

	job, err := s.Schedule(context.Background(), "call-1", time.Now().Add(time.Hour), "UTC", nil, nil, calltypes.JobKindScheduledCall, "")
	require.NoError(t, err)

	job.Status = calltypes.JobCompleted
	require.NoError(t, store.UpdateJob(context.Background(), job))

	err = s.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestRunDispatchesDueJobs(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	s := New(cfg, store, metrics.NewNoop(), zerolog.Nop())

	dispatched := make(chan string, 1)
	s.RegisterHandler(calltypes.JobKindScheduledCall, func(ctx context.Context, job *calltypes.ScheduledJob) error {
		dispatched <- job.CallID
		return nil
	})

	job := &calltypes.ScheduledJob{ID: "job-1", CallID: "call-1", DueAt: time.Now().Add(-time.Second), Status: calltypes.JobPending, Kind: calltypes.JobKindScheduledCall}
	require.NoError(t, store.CreateJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	select {
	case callID := <-dispatched:
		assert.Equal(t, "call-1", callID)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked for a due job")
	}
	cancel()
	s.Stop()

	time.Sleep(10 * time.Millisecond)
	updated, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, calltypes.JobCompleted, updated.Status)
}

func TestRunDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.WorkerMaxAttempts = 2
	s := New(cfg, store, metrics.NewNoop(), zerolog.Nop())

	s.RegisterHandler(calltypes.JobKindRetry, func(ctx context.Context, job *calltypes.ScheduledJob) error {
		return errors.New("dispatch failed")
	})

	job := &calltypes.ScheduledJob{ID: "job-2", CallID: "call-2", DueAt: time.Now().Add(-time.Second), Status: calltypes.JobPending, Kind: calltypes.JobKindRetry}
	require.NoError(t, store.CreateJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deadLetters) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
}
