package webhook

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/provider"
)

type fakeStore struct {
	mu    sync.Mutex
	calls map[string]*calltypes.Call
}

func newFakeStore(calls ...*calltypes.Call) *fakeStore {
	s := &fakeStore{calls: make(map[string]*calltypes.Call)}
	for _, c := range calls {
		s.calls[c.ID] = c
	}
	return s
}

func (s *fakeStore) FindByProviderCallID(ctx context.Context, providerCallID string) (*calltypes.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ProviderCallID == providerCallID {
			return c, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "not found")
}

func (s *fakeStore) GetCall(ctx context.Context, id string) (*calltypes.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "not found")
	}
	return c, nil
}

func (s *fakeStore) UpdateCall(ctx context.Context, call *calltypes.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = call
	return nil
}

type fakeRetryer struct {
	called bool
	err    error
}

func (f *fakeRetryer) ScheduleRetry(ctx context.Context, call *calltypes.Call) (*calltypes.RetryAttempt, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return &calltypes.RetryAttempt{ID: "retry-1"}, nil
}

type fakeActive struct {
	removed []string
}

func (f *fakeActive) RemoveActive(ctx context.Context, callID string) {
	f.removed = append(f.removed, callID)
}

func TestHandleLocatesByCustomFieldFallback(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging})
	d := New(Config{}, store, nil, nil, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{ProviderCallID: "PC1", CustomField: "call-1", Status: "in-progress"})
	require.NoError(t, err)

	updated, _ := store.GetCall(context.Background(), "call-1")
	assert.Equal(t, calltypes.StatusInProgress, updated.Status)
	assert.Equal(t, "PC1", updated.ProviderCallID)
	assert.NotNil(t, updated.StartedAt)
}

func TestHandleIgnoresAlreadyTerminalCall(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Status: calltypes.StatusCompleted})
	d := New(Config{}, store, nil, nil, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "failed"})
	require.NoError(t, err)

	updated, _ := store.GetCall(context.Background(), "call-1")
	assert.Equal(t, calltypes.StatusCompleted, updated.Status, "must remain untouched once terminal")
}

func TestHandleReturnsNotFoundForUnknownCall(t *testing.T) {
	store := newFakeStore()
	d := New(Config{}, store, nil, nil, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{ProviderCallID: "PC-missing"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestHandleNotifiesActiveCallsOnTerminalOutboundStatus(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging})
	active := &fakeActive{}
	d := New(Config{}, store, nil, active, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "completed"})
	require.NoError(t, err)
	assert.Contains(t, active.removed, "call-1")
}

func TestHandleSchedulesRetryOnFailureWhenAutoRetryEnabled(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging})
	retryer := &fakeRetryer{}
	d := New(Config{AutoRetry: true}, store, retryer, &fakeActive{}, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "no-answer"})
	require.NoError(t, err)
	assert.True(t, retryer.called)
}

func TestHandleSkipsRetryWhenAutoRetryDisabled(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging})
	retryer := &fakeRetryer{}
	d := New(Config{AutoRetry: false}, store, retryer, &fakeActive{}, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "no-answer"})
	require.NoError(t, err)
	assert.False(t, retryer.called)
}

func TestHandleSchedulesRetryOnVoicemailWhenAutoRetryEnabled(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging})
	retryer := &fakeRetryer{}
	d := New(Config{AutoRetry: true}, store, retryer, &fakeActive{}, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "voicemail"})
	require.NoError(t, err)

	updated, _ := store.GetCall(context.Background(), "call-1")
	assert.Equal(t, calltypes.StatusCompleted, updated.Status, "voicemail is a soft completion, not a failure")
	assert.True(t, retryer.called, "voicemail completions must still reach the retry gate")
}

func TestHandleSkipsRetryOfRetryByDefault(t *testing.T) {
	store := newFakeStore(&calltypes.Call{ID: "call-1", Direction: calltypes.DirectionOutbound, Status: calltypes.StatusRinging, RetryOf: "call-0"})
	retryer := &fakeRetryer{}
	d := New(Config{AutoRetry: true, AutoRetryForRetries: false}, store, retryer, &fakeActive{}, metrics.NewNoop(), zerolog.Nop())

	err := d.Handle(context.Background(), Event{CustomField: "call-1", Status: "no-answer"})
	require.NoError(t, err)
	assert.False(t, retryer.called)
}

func TestMapProviderStatusKnownValues(t *testing.T) {
	cases := []struct {
		in         string
		wantStatus calltypes.Status
		wantReason calltypes.FailureReason
	}{
		{"ringing", calltypes.StatusRinging, ""},
		{"in-progress", calltypes.StatusInProgress, ""},
		{"completed", calltypes.StatusCompleted, ""},
		{"no-answer", calltypes.StatusFailed, calltypes.FailureNoAnswer},
		{"busy", calltypes.StatusFailed, calltypes.FailureBusy},
		{"canceled", calltypes.StatusCanceled, calltypes.FailureCanceled},
		{"something-unexpected", calltypes.StatusFailed, calltypes.FailureInternal},
	}
	for _, tc := range cases {
		status, _, reason := mapProviderStatus(provider.CallStatus(tc.in))
		assert.Equal(t, tc.wantStatus, status, "in=%s", tc.in)
		assert.Equal(t, tc.wantReason, reason, "in=%s", tc.in)
	}
}
