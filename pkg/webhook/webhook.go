// Package webhook implements C9: translates telephony provider status
// callbacks into Call state transitions, and fans terminal failures out
// to the retry engine (C7) and terminal outbound statuses to the
// orchestrator's active-calls map (C5), per §4.9.
package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/provider"
)

// Event is one provider status callback, matching the wire shape of the
// provider's webhook payload (§6): `{CallSid, CallStatus, CustomField,
// CallDuration, RecordingUrl}`, genericized to our own field names since
// the HTTP-layer JSON binding is outside this package's scope.
type Event struct {
	ProviderCallID string
	Status         provider.CallStatus
	CustomField    string // our own call-id, for the lookup fallback
	Duration       time.Duration
	RecordingURL   string
}

// Store is the C8 slice the dispatcher needs: call lookup by either key,
// plus the same CRUD every other component uses to persist mutations.
type Store interface {
	FindByProviderCallID(ctx context.Context, providerCallID string) (*calltypes.Call, error)
	GetCall(ctx context.Context, id string) (*calltypes.Call, error)
	UpdateCall(ctx context.Context, call *calltypes.Call) error
}

// Retryer is the C7 slice invoked on terminal failure when auto-retry is
// enabled.
type Retryer interface {
	ScheduleRetry(ctx context.Context, call *calltypes.Call) (*calltypes.RetryAttempt, error)
}

// ActiveCalls is the C5 slice the dispatcher notifies on terminal
// outbound status so a call's concurrency slot is released.
type ActiveCalls interface {
	RemoveActive(ctx context.Context, callID string)
}

// Config toggles auto-retry behaviour (§6 environment keys).
type Config struct {
	AutoRetry           bool
	AutoRetryForRetries bool
}

// Dispatcher is the C9 webhook dispatcher.
type Dispatcher struct {
	cfg     Config
	store   Store
	retryer Retryer
	active  ActiveCalls
	metrics *metrics.Registry
	log     zerolog.Logger
}

// New builds a Dispatcher. active may be nil if inbound-only (no
// outbound orchestrator to notify).
func New(cfg Config, store Store, retryer Retryer, active ActiveCalls, metricsReg *metrics.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		retryer: retryer,
		active:  active,
		metrics: metricsReg,
		log:     log.With().Str("component", "webhook").Logger(),
	}
}

// Handle processes one provider status event (§4.9). It is idempotent:
// a webhook delivered twice for an already-terminal call is a no-op.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	call, err := d.locate(ctx, ev)
	if err != nil {
		return err
	}

	if call.Status.IsTerminal() {
		d.log.Debug().Str("call_id", call.ID).Str("status", string(call.Status)).
			Msg("webhook received for already-terminal call, ignoring")
		return nil
	}

	status, subStatus, reason := mapProviderStatus(ev.Status)
	call.Status = status
	call.SubStatus = subStatus
	if reason != "" {
		call.FailureReason = reason
	}
	if ev.Duration > 0 {
		call.Duration = ev.Duration
	}
	if ev.RecordingURL != "" {
		call.RecordingURL = ev.RecordingURL
	}
	if status == calltypes.StatusInProgress && call.StartedAt == nil {
		now := time.Now()
		call.StartedAt = &now
	}
	if status.IsTerminal() && call.EndedAt == nil {
		now := time.Now()
		call.EndedAt = &now
		call.ApplyDuration()
	}

	if err := d.store.UpdateCall(ctx, call); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to persist webhook status update", err)
	}

	if status.IsTerminal() {
		d.onTerminal(ctx, call)
	}
	return nil
}

// locate finds the Call by providerCallId, falling back to customField
// (our own call-id) per §4.9.
func (d *Dispatcher) locate(ctx context.Context, ev Event) (*calltypes.Call, error) {
	if ev.ProviderCallID != "" {
		call, err := d.store.FindByProviderCallID(ctx, ev.ProviderCallID)
		if err == nil && call != nil {
			return call, nil
		}
	}
	if ev.CustomField != "" {
		call, err := d.store.GetCall(ctx, ev.CustomField)
		if err == nil && call != nil {
			if call.ProviderCallID == "" {
				call.ProviderCallID = ev.ProviderCallID
			}
			return call, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "no call found for webhook event").
		WithDetails(map[string]any{"provider_call_id": ev.ProviderCallID, "custom_field": ev.CustomField})
}

// onTerminal fans a terminal call out to C7 (if a failure and auto-retry
// is enabled) and C5 (to release the outbound concurrency slot).
func (d *Dispatcher) onTerminal(ctx context.Context, call *calltypes.Call) {
	if d.active != nil && call.Direction == calltypes.DirectionOutbound {
		d.active.RemoveActive(ctx, call.ID)
	}

	// Voicemail is modeled as a "soft" terminal completion (StatusCompleted
	// + FailureVoicemail), not a hard failure, so the eligibility check has
	// to look at FailureReason alongside Status to catch it.
	failed := call.Status == calltypes.StatusFailed || call.Status == calltypes.StatusCanceled
	voicemail := call.Status == calltypes.StatusCompleted && call.FailureReason == calltypes.FailureVoicemail
	if !failed && !voicemail {
		return
	}
	if !d.cfg.AutoRetry {
		return
	}
	if call.RetryOf != "" && !d.cfg.AutoRetryForRetries {
		return
	}
	if d.retryer == nil {
		return
	}

	if _, err := d.retryer.ScheduleRetry(ctx, call); err != nil {
		if apperr.CodeOf(err) == apperr.CodeRetryNotScheduled {
			d.log.Debug().Str("call_id", call.ID).Err(err).Msg("retry not scheduled")
			return
		}
		d.log.Warn().Str("call_id", call.ID).Err(err).Msg("failed to schedule retry after terminal failure")
	}
}

// mapProviderStatus translates a provider CallStatus into our internal
// status/sub-status/failure-reason triple (§4.9 "maps provider status to
// our status and sub-status").
func mapProviderStatus(s provider.CallStatus) (calltypes.Status, calltypes.SubStatus, calltypes.FailureReason) {
	switch strings.ToLower(string(s)) {
	case "queued", "initiated":
		return calltypes.StatusInitiated, calltypes.SubStatusQueued, ""
	case "ringing":
		return calltypes.StatusRinging, calltypes.SubStatusRinging, ""
	case "in-progress", "in_progress", "answered":
		return calltypes.StatusInProgress, calltypes.SubStatusConnected, ""
	case "completed":
		return calltypes.StatusCompleted, "", ""
	case "no-answer", "no_answer", "noanswer":
		return calltypes.StatusFailed, calltypes.SubStatusNoAnswer, calltypes.FailureNoAnswer
	case "busy":
		return calltypes.StatusFailed, calltypes.SubStatusBusy, calltypes.FailureBusy
	case "voicemail":
		return calltypes.StatusCompleted, calltypes.SubStatusVoicemail, calltypes.FailureVoicemail
	case "failed":
		return calltypes.StatusFailed, "", calltypes.FailureNetworkError
	case "canceled", "cancelled":
		return calltypes.StatusCanceled, "", calltypes.FailureCanceled
	default:
		return calltypes.StatusFailed, "", calltypes.FailureInternal
	}
}
