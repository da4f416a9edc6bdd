// Package scheduler implements C6: a durable delayed-job queue. Jobs are
// persisted (via Store, backed by pkg/storage) so a process restart never
// loses a pending scheduled call or retry; the in-memory piece is only the
// poll loop and per-kind dispatch handlers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// Store is the C8 persistence contract's scheduled-job slice.
type Store interface {
	CreateJob(ctx context.Context, job *calltypes.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*calltypes.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *calltypes.ScheduledJob) error
	DueJobs(ctx context.Context, before time.Time, limit int) ([]*calltypes.ScheduledJob, error)
	RecordDeadLetter(ctx context.Context, kind calltypes.JobKind, refID string, reason string) error
}

// Handler dispatches one due job. A non-nil error counts as an attempt
// failure for WorkerMaxAttempts purposes.
type Handler func(ctx context.Context, job *calltypes.ScheduledJob) error

// Config bounds the scheduler's poll loop (§4.6).
type Config struct {
	PollInterval     time.Duration // default 5s
	BatchSize        int           // jobs fetched per poll, default 50
	WorkerMaxAttempts int          // default 3
	DispatchWorkers  int           // bounded concurrency for due-job dispatch, default 10
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, BatchSize: 50, WorkerMaxAttempts: 3, DispatchWorkers: 10}
}

// Scheduler is the C6 delayed job queue.
type Scheduler struct {
	cfg     Config
	store   Store
	metrics *metrics.Registry
	log     zerolog.Logger

	mu       sync.Mutex
	handlers map[calltypes.JobKind]Handler
	attempts map[string]int // in-memory attempt counter per job ID, reset on dead-letter

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler. RegisterHandler must be called for every
// JobKind dispatched before Run starts.
func New(cfg Config, store Store, metricsReg *metrics.Registry, log zerolog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		metrics:  metricsReg,
		log:      log.With().Str("component", "scheduler").Logger(),
		handlers: make(map[calltypes.JobKind]Handler),
		attempts: make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterHandler wires a dispatch function for a JobKind.
func (s *Scheduler) RegisterHandler(kind calltypes.JobKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Schedule creates a new ScheduledJob for callID at dueAt, adjusted
// forward to the next allowed window if a BusinessHoursPolicy is given
// (§4.6 schedule).
func (s *Scheduler) Schedule(ctx context.Context, callID string, dueAt time.Time, tz string, bhp *calltypes.BusinessHoursPolicy, rec *calltypes.Recurrence, kind calltypes.JobKind, retryAttemptID string) (*calltypes.ScheduledJob, error) {
	if dueAt.Before(time.Now()) {
		return nil, apperr.New(apperr.CodeScheduleInPast, "scheduled time is in the past")
	}

	adjusted := dueAt
	if bhp != nil {
		adjusted = adjustForBusinessHours(dueAt, tz, bhp)
	}

	job := &calltypes.ScheduledJob{
		ID:                  ulid.Make().String(),
		CallID:              callID,
		DueAt:               adjusted,
		Timezone:            tz,
		Status:              calltypes.JobPending,
		BusinessHoursPolicy: bhp,
		Recurrence:          rec,
		CreatedAt:           time.Now(),
		Kind:                kind,
		RetryAttemptID:      retryAttemptID,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to persist scheduled job", err)
	}
	metrics.AddUpDown(ctx, s.metrics.SchedulerQueueDepth, 1)
	return job, nil
}

// Cancel marks a pending job canceled; a job that is no longer pending
// is left as it is and Cancel returns a CodeConflict error.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeNotFound, "scheduled job not found", err)
	}
	if job.Status != calltypes.JobPending {
		return apperr.New(apperr.CodeConflict, "scheduled job is no longer pending")
	}
	job.Status = calltypes.JobCanceled
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to persist canceled job", err)
	}
	metrics.AddUpDown(ctx, s.metrics.SchedulerQueueDepth, -1)
	return nil
}

// Reschedule moves a pending job's due time.
func (s *Scheduler) Reschedule(ctx context.Context, id string, newDueAt time.Time) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeNotFound, "scheduled job not found", err)
	}
	if job.Status != calltypes.JobPending {
		return apperr.New(apperr.CodeConflict, "scheduled job is no longer pending")
	}
	if job.BusinessHoursPolicy != nil {
		newDueAt = adjustForBusinessHours(newDueAt, job.Timezone, job.BusinessHoursPolicy)
	}
	job.DueAt = newDueAt
	return s.store.UpdateJob(ctx, job)
}

// Run polls for due jobs until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.cfg.DispatchWorkers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-s.stop:
			wg.Wait()
			return
		case <-ticker.C:
			jobs, err := s.store.DueJobs(ctx, time.Now(), s.cfg.BatchSize)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to fetch due jobs")
				continue
			}
			for _, job := range jobs {
				job := job
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					s.dispatch(ctx, job)
				}()
			}
		}
	}
}

// Stop signals Run to exit after in-flight dispatches finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) dispatch(ctx context.Context, job *calltypes.ScheduledJob) {
	s.mu.Lock()
	handler, ok := s.handlers[job.Kind]
	s.mu.Unlock()
	if !ok {
		s.log.Error().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("no handler registered for job kind")
		return
	}

	job.Status = calltypes.JobProcessing
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job processing")
	}

	err := handler(ctx, job)
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	now := time.Now()
	job.ProcessedAt = &now
	job.Status = calltypes.JobCompleted
	metrics.AddUpDown(ctx, s.metrics.SchedulerQueueDepth, -1)

	if job.Recurrence != nil {
		if next, ok := nextOccurrence(job); ok {
			if job.BusinessHoursPolicy != nil {
				next = adjustForBusinessHours(next, job.Timezone, job.BusinessHoursPolicy)
			}
			job.NextRun = &next
			followUp := &calltypes.ScheduledJob{
				ID:                  ulid.Make().String(),
				CallID:              job.CallID,
				DueAt:               next,
				Timezone:            job.Timezone,
				Status:              calltypes.JobPending,
				BusinessHoursPolicy: job.BusinessHoursPolicy,
				Recurrence:          job.Recurrence,
				CreatedAt:           time.Now(),
				Kind:                job.Kind,
			}
			if err := s.store.CreateJob(ctx, followUp); err != nil {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to schedule recurrence follow-up")
			} else {
				metrics.AddUpDown(ctx, s.metrics.SchedulerQueueDepth, 1)
			}
		}
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist completed job")
	}

	s.mu.Lock()
	delete(s.attempts, job.ID)
	s.mu.Unlock()
}

func (s *Scheduler) handleFailure(ctx context.Context, job *calltypes.ScheduledJob, cause error) {
	s.mu.Lock()
	s.attempts[job.ID]++
	attempts := s.attempts[job.ID]
	s.mu.Unlock()

	if attempts >= s.cfg.WorkerMaxAttempts {
		job.Status = calltypes.JobFailed
		_ = s.store.UpdateJob(ctx, job)
		if err := s.store.RecordDeadLetter(ctx, job.Kind, job.ID, cause.Error()); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record dead letter")
		}
		metrics.AddUpDown(ctx, s.metrics.SchedulerQueueDepth, -1)
		s.mu.Lock()
		delete(s.attempts, job.ID)
		s.mu.Unlock()
		s.log.Error().Err(cause).Str("job_id", job.ID).Int("attempts", attempts).Msg("job exhausted retry attempts, dead-lettered")
		return
	}

	job.Status = calltypes.JobPending
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue failed job")
	}
	s.log.Warn().Err(cause).Str("job_id", job.ID).Int("attempts", attempts).Msg("job dispatch failed, will retry")
}

// adjustForBusinessHours moves t forward to the next moment that falls
// within policy's allowed days and HH:MM window in its timezone, leaving
// t unchanged if it already qualifies (§4.6 business-hours policy).
func adjustForBusinessHours(t time.Time, tz string, policy *calltypes.BusinessHoursPolicy) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	startH, startM := parseHHMM(policy.Start)
	endH, endM := parseHHMM(policy.End)

	for day := 0; day < 8; day++ {
		candidate := local.AddDate(0, 0, day)
		if day > 0 {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), startH, startM, 0, 0, loc)
		}
		if !allowedDay(candidate.Weekday(), policy.AllowedDays) {
			continue
		}
		windowStart := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), startH, startM, 0, 0, loc)
		windowEnd := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), endH, endM, 0, 0, loc)
		if day == 0 {
			if local.After(windowEnd) {
				continue
			}
			if local.Before(windowStart) {
				return windowStart
			}
			return local
		}
		return windowStart
	}
	return local
}

func allowedDay(d time.Weekday, allowed []time.Weekday) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == d {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (int, int) {
	if len(s) != 5 || s[2] != ':' {
		return 9, 0
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	return h, m
}

// nextOccurrence computes the next due time for a recurring job, honoring
// EndAt/MaxOccurrences (§4.6 recurrence).
func nextOccurrence(job *calltypes.ScheduledJob) (time.Time, bool) {
	rec := job.Recurrence
	interval := rec.Interval
	if interval <= 0 {
		interval = 1
	}

	var next time.Time
	switch rec.Frequency {
	case calltypes.FrequencyDaily:
		next = job.DueAt.AddDate(0, 0, interval)
	case calltypes.FrequencyWeekly:
		next = job.DueAt.AddDate(0, 0, 7*interval)
	case calltypes.FrequencyMonthly:
		next = job.DueAt.AddDate(0, interval, 0)
	default:
		return time.Time{}, false
	}

	if rec.EndAt != nil && next.After(*rec.EndAt) {
		return time.Time{}, false
	}
	if rec.MaxOccurrences > 0 && rec.Occurrences+1 >= rec.MaxOccurrences {
		return time.Time{}, false
	}
	rec.Occurrences++
	return next, true
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	InFlightDispatches int
}
