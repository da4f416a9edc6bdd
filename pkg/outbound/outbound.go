// Package outbound implements C5: validates, dispatches, and tracks
// outbound call initiation requests against the telephony provider,
// bounding how many calls may be simultaneously in flight process-wide.
package outbound

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/plexusone/agentcomms/pkg/agent"
	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/provider"
)

// e164 matches a bare E.164 phone number (§4.5 validation).
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Store is the subset of C8 the orchestrator needs to create and look up
// Call records.
type Store interface {
	CreateCall(ctx context.Context, call *calltypes.Call) error
	GetCall(ctx context.Context, id string) (*calltypes.Call, error)
	UpdateCall(ctx context.Context, call *calltypes.Call) error
}

// Config bounds outbound concurrency and bulk dispatch shaping (§4.5).
type Config struct {
	MaxConcurrentOutbound int           // process-wide cap on in-flight outbound calls
	BulkGap               time.Duration // minimum gap between successive bulk initiations
	AppID                 string
	FromNumber            string
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentOutbound: 10, BulkGap: 1 * time.Second}
}

// staleActiveAge is how long a call may sit in the active-calls map with no
// terminal webhook before it is swept, per §4.5 active-calls cleanup.
const staleActiveAge = time.Hour

// Orchestrator is the C5 outbound call orchestrator.
type Orchestrator struct {
	cfg     Config
	agents  *agent.Registry
	client  *provider.Client
	store   Store
	metrics *metrics.Registry
	log     zerolog.Logger

	mu sync.Mutex
	// pending is reservations taken before a call ID exists.
	pending int
	// active maps call ID to the time it entered the active set.
	active map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds an Orchestrator.
func New(cfg Config, agents *agent.Registry, client *provider.Client, store Store, metricsReg *metrics.Registry, log zerolog.Logger) *Orchestrator {
	if cfg.MaxConcurrentOutbound <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg:     cfg,
		agents:  agents,
		client:  client,
		store:   store,
		metrics: metricsReg,
		log:     log.With().Str("component", "outbound").Logger(),
		active:  make(map[string]time.Time),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run periodically sweeps the active-calls map for entries older than
// staleActiveAge — calls whose terminal webhook never arrived, which would
// otherwise permanently occupy a concurrency slot (§4.5).
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.sweepStale(ctx)
		}
	}
}

// Stop signals Run to exit.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
}

func (o *Orchestrator) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-staleActiveAge)
	var stale []string
	o.mu.Lock()
	for id, enteredAt := range o.active {
		if enteredAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		o.removeActive(ctx, id)
		o.log.Warn().Str("call_id", id).Msg("swept stale active call entry, terminal webhook never arrived")
	}
}

// InitiateRequest is the input to Initiate (§4.5 initiate).
type InitiateRequest struct {
	Phone        string
	AgentID      string
	ScheduledFor *time.Time
	RetryOf      string
	RetryCount   int
	Metadata     map[string]any
}

// Initiate validates the request, reserves a concurrency slot, creates the
// Call record, and calls the provider to place the call (§4.5). It returns
// the created Call on success, with ProviderCallID populated.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*calltypes.Call, error) {
	if !e164.MatchString(req.Phone) {
		return nil, apperr.New(apperr.CodeInvalidPhoneNumber, "phone number must be E.164").
			WithDetails(map[string]any{"phone": req.Phone})
	}

	ag, ok := o.agents.Get(req.AgentID)
	if !ok {
		return nil, apperr.New(apperr.CodeAgentNotFound, "agent not found or inactive").
			WithDetails(map[string]any{"agent_id": req.AgentID})
	}

	if !o.reservePending() {
		return nil, apperr.New(apperr.CodeConcurrentLimitReached, "max concurrent outbound calls reached")
	}
	pendingHeld := true
	defer func() {
		if pendingHeld {
			o.releasePending()
		}
	}()

	call := &calltypes.Call{
		ID:           ulid.Make().String(),
		Direction:    calltypes.DirectionOutbound,
		Phone:        req.Phone,
		AgentID:      ag.ID,
		Status:       calltypes.StatusInitiated,
		SubStatus:    calltypes.SubStatusQueued,
		CreatedAt:    time.Now(),
		ScheduledFor: req.ScheduledFor,
		RetryOf:      req.RetryOf,
		RetryCount:   req.RetryCount,
		Metadata:     req.Metadata,
	}

	if err := o.store.CreateCall(ctx, call); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to persist call record", err)
	}

	// Hand the pending reservation off to the active-calls map, now keyed
	// by the real call ID so it can be swept and inspected by ID.
	o.mu.Lock()
	o.pending--
	o.active[call.ID] = time.Now()
	o.mu.Unlock()
	pendingHeld = false
	metrics.AddUpDown(ctx, o.metrics.OutboundActive, 1)

	now := time.Now()
	call.InitiatedAt = &now
	resp, err := o.client.MakeCall(ctx, provider.MakeCallRequest{
		From:        o.cfg.FromNumber,
		To:          req.Phone,
		AppID:       o.cfg.AppID,
		CustomField: call.ID,
	})
	if err != nil {
		call.Status = calltypes.StatusFailed
		call.FailureReason = classifyInitiateFailure(err)
		call.EndedAt = &now
		_ = o.store.UpdateCall(ctx, call)
		o.removeActive(ctx, call.ID)
		return nil, err
	}

	call.ProviderCallID = resp.ProviderCallID
	call.Status = calltypes.StatusRinging
	call.SubStatus = calltypes.SubStatusRinging
	if err := o.store.UpdateCall(ctx, call); err != nil {
		o.log.Error().Err(err).Str("call_id", call.ID).Msg("failed to persist post-dial call state")
	}

	return call, nil
}

func classifyInitiateFailure(err error) calltypes.FailureReason {
	switch apperr.CodeOf(err) {
	case apperr.CodeRateLimited:
		return calltypes.FailureRateLimited
	case apperr.CodeAPIUnavailable:
		return calltypes.FailureAPIUnavailable
	case apperr.CodeNetworkError:
		return calltypes.FailureNetworkError
	default:
		return calltypes.FailureInternal
	}
}

// DispatchScheduled places the provider call for a Call record that
// already exists (created ahead of time by the schedule_call tool),
// rather than minting a new one the way Initiate does. The scheduler's
// dispatch handler for JobKindScheduledCall calls this; JobKindRetry jobs
// go through Initiate instead, which creates the retry's own Call record.
func (o *Orchestrator) DispatchScheduled(ctx context.Context, callID string) error {
	call, err := o.store.GetCall(ctx, callID)
	if err != nil {
		return apperr.Wrap(apperr.CodeNotFound, "scheduled call not found", err)
	}
	if call.Status.IsTerminal() {
		return apperr.New(apperr.CodeCallAlreadyCompleted, "call already reached a terminal status")
	}

	if !o.reservePending() {
		return apperr.New(apperr.CodeConcurrentLimitReached, "max concurrent outbound calls reached")
	}
	pendingHeld := true
	defer func() {
		if pendingHeld {
			o.releasePending()
		}
	}()

	o.mu.Lock()
	o.pending--
	o.active[call.ID] = time.Now()
	o.mu.Unlock()
	pendingHeld = false
	metrics.AddUpDown(ctx, o.metrics.OutboundActive, 1)

	now := time.Now()
	call.InitiatedAt = &now
	resp, err := o.client.MakeCall(ctx, provider.MakeCallRequest{
		From:        o.cfg.FromNumber,
		To:          call.Phone,
		AppID:       o.cfg.AppID,
		CustomField: call.ID,
	})
	if err != nil {
		call.Status = calltypes.StatusFailed
		call.FailureReason = classifyInitiateFailure(err)
		call.EndedAt = &now
		_ = o.store.UpdateCall(ctx, call)
		o.removeActive(ctx, call.ID)
		return err
	}

	call.ProviderCallID = resp.ProviderCallID
	call.Status = calltypes.StatusRinging
	call.SubStatus = calltypes.SubStatusRinging
	if err := o.store.UpdateCall(ctx, call); err != nil {
		o.log.Error().Err(err).Str("call_id", call.ID).Msg("failed to persist post-dial call state")
	}
	return nil
}

// Cancel removes id from the active-calls map and hangs up the provider
// call if still connected (§4.5 cancel).
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	call, err := o.store.GetCall(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeNotFound, "call not found", err)
	}
	if call.Status.IsTerminal() {
		return apperr.New(apperr.CodeCallAlreadyCompleted, "call already reached a terminal status")
	}

	if call.ProviderCallID != "" {
		if err := o.client.Hangup(ctx, call.ProviderCallID); err != nil {
			o.log.Warn().Err(err).Str("call_id", id).Msg("provider hangup failed during cancel")
		}
	}

	call.Status = calltypes.StatusCanceled
	call.FailureReason = calltypes.FailureCanceled
	now := time.Now()
	call.EndedAt = &now
	call.ApplyDuration()
	if err := o.store.UpdateCall(ctx, call); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to persist canceled call", err)
	}

	o.removeActive(ctx, id)
	return nil
}

// BulkRequest is one item of a bulk dial batch.
type BulkRequest struct {
	Phone    string
	AgentID  string
	Metadata map[string]any
}

// BulkResult pairs a bulk request with its outcome.
type BulkResult struct {
	Request BulkRequest
	Call    *calltypes.Call
	Err     error
}

// Bulk dispatches a batch of outbound calls rate-shaped by cfg.BulkGap and
// bounded by cfg.MaxConcurrentOutbound, so a large batch cannot itself spin
// up one goroutine per item (§4.5 bulk).
func (o *Orchestrator) Bulk(ctx context.Context, reqs []BulkRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(o.cfg.MaxConcurrentOutbound)

	ticker := time.NewTicker(max(o.cfg.BulkGap, time.Millisecond))
	defer ticker.Stop()

	for i, r := range reqs {
		i, r := i, r
		select {
		case <-ticker.C:
		case <-grpCtx.Done():
		}
		grp.Go(func() error {
			call, err := o.Initiate(grpCtx, InitiateRequest{Phone: r.Phone, AgentID: r.AgentID, Metadata: r.Metadata})
			results[i] = BulkResult{Request: r, Call: call, Err: err}
			return nil // individual failures don't abort the batch
		})
	}
	_ = grp.Wait()
	return results
}

// ActiveCount returns the number of calls currently tracked as in flight.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// reservePending claims one concurrency slot before a Call record (and
// therefore its ID) exists yet, so two simultaneous Initiate calls can't
// both slip past the cap while the ID is still being minted.
func (o *Orchestrator) reservePending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending+len(o.active) >= o.cfg.MaxConcurrentOutbound {
		return false
	}
	o.pending++
	return true
}

func (o *Orchestrator) releasePending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending--
}

// removeActive drops id from the active-calls map, e.g. once a webhook
// reports a terminal status (§4.9) or Cancel completes.
func (o *Orchestrator) removeActive(ctx context.Context, id string) {
	o.mu.Lock()
	_, ok := o.active[id]
	delete(o.active, id)
	o.mu.Unlock()
	if ok {
		metrics.AddUpDown(ctx, o.metrics.OutboundActive, -1)
	}
}

// RemoveActive is the exported form removeActive, used by the webhook
// dispatcher (C9) when a provider status update reaches a terminal state.
func (o *Orchestrator) RemoveActive(ctx context.Context, id string) {
	o.removeActive(ctx, id)
}
