package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/agent"
	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/provider"
)

type fakeStore struct {
	mu    sync.Mutex
	calls map[string]*calltypes.Call
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]*calltypes.Call)}
}

func (s *fakeStore) CreateCall(ctx context.Context, call *calltypes.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *call
	s.calls[call.ID] = &cp
	return nil
}

func (s *fakeStore) GetCall(ctx context.Context, id string) (*calltypes.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "call not found")
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) UpdateCall(ctx context.Context, call *calltypes.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *call
	s.calls[call.ID] = &cp
	return nil
}

func testAgents() *agent.Registry {
	reg := agent.NewRegistry()
	reg.Put(&agent.Agent{ID: "sales", Active: true})
	return reg
}

func newTestOrchestrator(t *testing.T, handler http.HandlerFunc, cfg Config) (*Orchestrator, *fakeStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := provider.New(provider.Config{BaseURL: srv.URL}, metrics.NewNoop(), zerolog.Nop())
	store := newFakeStore()
	o := New(cfg, testAgents(), client, store, metrics.NewNoop(), zerolog.Nop())
	return o, store
}

func okProviderHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"providerCallId":"PC1","status":"ringing"}`))
}

func TestInitiateRejectsInvalidPhoneNumber(t *testing.T) {
	o, _ := newTestOrchestrator(t, okProviderHandler, DefaultConfig())
	_, err := o.Initiate(context.Background(), InitiateRequest{Phone: "555-1234", AgentID: "sales"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidPhoneNumber, apperr.CodeOf(err))
}

func TestInitiateRejectsUnknownAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t, okProviderHandler, DefaultConfig())
	_, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "missing"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAgentNotFound, apperr.CodeOf(err))
}

func TestInitiateSucceeds(t *testing.T) {
	o, store := newTestOrchestrator(t, okProviderHandler, DefaultConfig())
	call, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "sales"})
	require.NoError(t, err)
	assert.Equal(t, "PC1", call.ProviderCallID)
	assert.Equal(t, calltypes.StatusRinging, call.Status)
	assert.Equal(t, 1, o.ActiveCount())

	persisted, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, calltypes.StatusRinging, persisted.Status)
}

func TestInitiateEnforcesConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentOutbound = 1
	o, _ := newTestOrchestrator(t, okProviderHandler, cfg)

	_, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "sales"})
	require.NoError(t, err)

	_, err = o.Initiate(context.Background(), InitiateRequest{Phone: "+15557654321", AgentID: "sales"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConcurrentLimitReached, apperr.CodeOf(err))
}

func TestInitiateMarksCallFailedOnProviderError(t *testing.T) {
	o, store := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, DefaultConfig())

	call, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "sales"})
	require.Error(t, err)
	require.Nil(t, call)
	assert.Equal(t, 0, o.ActiveCount(), "failed dispatch must release its active slot")

	// the call record was created (and persisted as failed) even though
	// Initiate itself returns an error.
	store.mu.Lock()
	var found *calltypes.Call
	for _, c := range store.calls {
		found = c
	}
	store.mu.Unlock()
	require.NotNil(t, found)
	assert.Equal(t, calltypes.StatusFailed, found.Status)
}

func TestDispatchScheduledUsesExistingCallRecord(t *testing.T) {
	o, store := newTestOrchestrator(t, okProviderHandler, DefaultConfig())

	pre := &calltypes.Call{ID: "call-1", Phone: "+15551234567", AgentID: "sales", Status: calltypes.StatusInitiated}
	require.NoError(t, store.CreateCall(context.Background(), pre))

	err := o.DispatchScheduled(context.Background(), "call-1")
	require.NoError(t, err)

	updated, err := store.GetCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "PC1", updated.ProviderCallID)
	assert.Equal(t, calltypes.StatusRinging, updated.Status)
	assert.Equal(t, 1, o.ActiveCount())
}

func TestDispatchScheduledRejectsTerminalCall(t *testing.T) {
	o, store := newTestOrchestrator(t, okProviderHandler, DefaultConfig())

	pre := &calltypes.Call{ID: "call-2", Phone: "+15551234567", AgentID: "sales", Status: calltypes.StatusCompleted}
	require.NoError(t, store.CreateCall(context.Background(), pre))

	err := o.DispatchScheduled(context.Background(), "call-2")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCallAlreadyCompleted, apperr.CodeOf(err))
}

func TestInitiateSetsRetryCountFromRequest(t *testing.T) {
	o, store := newTestOrchestrator(t, okProviderHandler, DefaultConfig())
	call, err := o.Initiate(context.Background(), InitiateRequest{
		Phone: "+15551234567", AgentID: "sales", RetryOf: "call-orig", RetryCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "call-orig", call.RetryOf)
	assert.Equal(t, 2, call.RetryCount)

	persisted, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.RetryCount)
}

func TestSweepStaleRemovesOldActiveEntriesAndReleasesSlot(t *testing.T) {
	o, _ := newTestOrchestrator(t, okProviderHandler, DefaultConfig())
	call, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "sales"})
	require.NoError(t, err)
	require.Equal(t, 1, o.ActiveCount())

	o.mu.Lock()
	o.active[call.ID] = time.Now().Add(-2 * staleActiveAge)
	o.mu.Unlock()

	o.sweepStale(context.Background())
	assert.Equal(t, 0, o.ActiveCount(), "stale active entry must be swept")
}

func TestCancelHangsUpAndMarksCanceled(t *testing.T) {
	var hungUp bool
	o, store := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/calls/PC1/hangup" {
			hungUp = true
			w.WriteHeader(http.StatusOK)
			return
		}
		okProviderHandler(w, r)
	}, DefaultConfig())

	call, err := o.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AgentID: "sales"})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background(), call.ID))
	assert.True(t, hungUp)
	assert.Equal(t, 0, o.ActiveCount())

	updated, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, calltypes.StatusCanceled, updated.Status)
}
