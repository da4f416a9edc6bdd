// Package retry implements C7: classifies why an outbound call failed,
// decides whether it's worth retrying, and schedules the retry through
// C6 with exponential backoff, jitter, and an off-peak delay adjustment.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// Policy is one failure class's retry behaviour (§4.7 policy table).
type Policy struct {
	Retryable      bool
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64 // e.g. 0.2 = +/-20%
}

// PolicyTable maps a failure reason to its retry policy.
type PolicyTable map[calltypes.FailureReason]Policy

// DefaultPolicyTable is the spec's failure-classification table (§4.7,
// §7). Voicemail is retryable at a reduced attempt count (Open Question:
// resolved in favor of retrying voicemail drops twice, since a human may
// pick up on a second attempt, rather than treating it as a dead end).
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		calltypes.FailureNoAnswer:       {Retryable: true, MaxAttempts: 3, BaseDelay: 5 * time.Minute, MaxDelay: 2 * time.Hour, JitterFraction: 0.1},
		calltypes.FailureBusy:           {Retryable: true, MaxAttempts: 3, BaseDelay: 10 * time.Minute, MaxDelay: 30 * time.Minute, JitterFraction: 0.1},
		calltypes.FailureVoicemail:      {Retryable: true, MaxAttempts: 2, BaseDelay: 30 * time.Minute, MaxDelay: 4 * time.Hour, JitterFraction: 0.1},
		calltypes.FailureNetworkError:   {Retryable: true, MaxAttempts: 5, BaseDelay: 1 * time.Minute, MaxDelay: 15 * time.Minute, JitterFraction: 0.1},
		calltypes.FailureRateLimited:    {Retryable: true, MaxAttempts: 5, BaseDelay: 1 * time.Minute, MaxDelay: 20 * time.Minute, JitterFraction: 0.1},
		calltypes.FailureAPIUnavailable: {Retryable: true, MaxAttempts: 5, BaseDelay: 1 * time.Minute, MaxDelay: 15 * time.Minute, JitterFraction: 0.1},
		calltypes.FailureNoResponse:     {Retryable: true, MaxAttempts: 3, BaseDelay: 5 * time.Minute, MaxDelay: 30 * time.Minute, JitterFraction: 0.1},
		calltypes.FailureConnectionLost: {Retryable: true, MaxAttempts: 1, BaseDelay: 0, MaxDelay: 0, JitterFraction: 0.1},
		calltypes.FailureInvalidNumber:  {Retryable: false},
		calltypes.FailureCanceled:       {Retryable: false},
		calltypes.FailureInternal:       {Retryable: false},
	}
}

// Store is the C8 slice retry needs: RetryAttempt CRUD plus a lookup for
// idempotency/attempt-counting.
type Store interface {
	CreateRetryAttempt(ctx context.Context, attempt *calltypes.RetryAttempt) error
	GetRetryAttempt(ctx context.Context, id string) (*calltypes.RetryAttempt, error)
	UpdateRetryAttempt(ctx context.Context, attempt *calltypes.RetryAttempt) error
	PendingRetryForCall(ctx context.Context, callID string) (*calltypes.RetryAttempt, error) // nil, nil if none
	CountRetryAttempts(ctx context.Context, originalCallID string) (int, error)
}

// Scheduler is the subset of C6 retry needs to place the follow-up job.
type Scheduler interface {
	Schedule(ctx context.Context, callID string, dueAt time.Time, tz string, bhp *calltypes.BusinessHoursPolicy, rec *calltypes.Recurrence, kind calltypes.JobKind, retryAttemptID string) (*calltypes.ScheduledJob, error)
	Cancel(ctx context.Context, id string) error
}

// Config bounds off-peak shifting on top of the per-class backoff.
type Config struct {
	Timezone     string
	OffPeakStart string // "HH:MM", non-urgent retries are shifted into this low-traffic window
	OffPeakEnd   string
	AvoidOffPeak bool
}

// Retryer is the C7 retry engine.
type Retryer struct {
	cfg       Config
	policies  PolicyTable
	store     Store
	scheduler Scheduler
	metrics   *metrics.Registry
	log       zerolog.Logger
}

// New builds a Retryer.
func New(cfg Config, policies PolicyTable, store Store, sched Scheduler, metricsReg *metrics.Registry, log zerolog.Logger) *Retryer {
	if policies == nil {
		policies = DefaultPolicyTable()
	}
	return &Retryer{
		cfg:       cfg,
		policies:  policies,
		store:     store,
		scheduler: sched,
		metrics:   metricsReg,
		log:       log.With().Str("component", "retry").Logger(),
	}
}

// ScheduleRetry classifies call's failure and, if retryable and under the
// policy's attempt cap, schedules a retry call through C6 (§4.7).
// Retry-of-retry is always rejected: a call that is itself a retry never
// gets its own retry scheduled, and no Config setting changes that.
func (r *Retryer) ScheduleRetry(ctx context.Context, call *calltypes.Call) (*calltypes.RetryAttempt, error) {
	if call.RetryOf != "" {
		return nil, apperr.New(apperr.CodeRetryNotScheduled, "retry-of-retry is not allowed")
	}

	policy, ok := r.policies[call.FailureReason]
	if !ok || !policy.Retryable {
		return nil, apperr.New(apperr.CodeRetryNotScheduled, "failure reason is not retryable").
			WithDetails(map[string]any{"failure_reason": string(call.FailureReason)})
	}

	if existing, err := r.store.PendingRetryForCall(ctx, call.ID); err == nil && existing != nil {
		return existing, nil // idempotent: a retry is already pending for this call
	}

	count, err := r.store.CountRetryAttempts(ctx, call.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to count prior retry attempts", err)
	}
	if count >= policy.MaxAttempts {
		return nil, apperr.New(apperr.CodeRetryNotScheduled, "retry attempt cap reached").
			WithDetails(map[string]any{"attempts": count, "max_attempts": policy.MaxAttempts})
	}

	delay := computeDelay(policy, count+1)
	dueAt := time.Now().Add(delay)
	if r.cfg.AvoidOffPeak {
		dueAt = shiftIntoOffPeak(dueAt, r.cfg.Timezone, r.cfg.OffPeakStart, r.cfg.OffPeakEnd)
	}

	attempt := &calltypes.RetryAttempt{
		ID:             ulid.Make().String(),
		OriginalCallID: call.ID,
		AttemptNumber:  count + 1,
		DueAt:          dueAt,
		Status:         calltypes.RetryPending,
		FailureReason:  call.FailureReason,
		CreatedAt:      time.Now(),
	}
	if err := r.store.CreateRetryAttempt(ctx, attempt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to persist retry attempt", err)
	}

	if _, err := r.scheduler.Schedule(ctx, call.ID, dueAt, r.cfg.Timezone, nil, nil, calltypes.JobKindRetry, attempt.ID); err != nil {
		attempt.Status = calltypes.RetryFailed
		_ = r.store.UpdateRetryAttempt(ctx, attempt)
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to schedule retry job", err)
	}

	metrics.Incr(ctx, r.metrics.RetryScheduled)
	return attempt, nil
}

// CancelRetries cancels any pending retry attempt for callID, e.g. when
// an operator intervenes manually (§4.7 cancelRetries).
func (r *Retryer) CancelRetries(ctx context.Context, callID string) error {
	attempt, err := r.store.PendingRetryForCall(ctx, callID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to look up pending retry", err)
	}
	if attempt == nil {
		return apperr.New(apperr.CodeRetryNotFound, "no pending retry for this call")
	}
	attempt.Status = calltypes.RetryCanceled
	if err := r.store.UpdateRetryAttempt(ctx, attempt); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to persist canceled retry", err)
	}
	return nil
}

// computeDelay returns an exponential backoff delay for attemptNumber
// (1-indexed), capped at policy.MaxDelay, with +/- JitterFraction jitter
// to avoid every failed call in a batch retrying in lockstep.
func computeDelay(policy Policy, attemptNumber int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if policy.JitterFraction <= 0 {
		return delay
	}
	jitter := float64(delay) * policy.JitterFraction
	offset := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(delay) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// shiftIntoOffPeak moves t forward to the next [offPeakStart, offPeakEnd)
// window start in tz if t falls outside that window, landing non-urgent
// retries in the configured low-traffic window the way adjustForBusinessHours
// lands a scheduled call inside its allowed hours (§4.7 off-peak adjustment).
func shiftIntoOffPeak(t time.Time, tz, start, end string) time.Time {
	if start == "" || end == "" {
		return t
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	startH, startM := parseHHMM(start)
	endH, endM := parseHHMM(end)
	windowStart := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, loc)
	windowEnd := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)

	if windowEnd.Before(windowStart) {
		// Window wraps past midnight (e.g. 22:00-07:00).
		if local.After(windowStart) || local.Before(windowEnd) {
			return local // already inside the wrapped window
		}
		return windowStart
	}

	if !local.Before(windowStart) && local.Before(windowEnd) {
		return local // already inside the window
	}
	if local.Before(windowStart) {
		return windowStart
	}
	return windowStart.AddDate(0, 0, 1)
}

func parseHHMM(s string) (int, int) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	return h, m
}
