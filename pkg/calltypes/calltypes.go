// Package calltypes holds the data model shared by every component: Call,
// ScheduledJob, RetryAttempt, and TranscriptTurn, exactly as described in
// the system's data model (direction, lifecycle status, retry linkage,
// business-hours/recurrence policy, and append-only transcripts).
package calltypes

import "time"

// Direction is the direction of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the lifecycle status of a Call.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether s is one of the append-only terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// SubStatus is the outbound-call sub-status.
type SubStatus string

const (
	SubStatusQueued    SubStatus = "queued"
	SubStatusRinging   SubStatus = "ringing"
	SubStatusConnected SubStatus = "connected"
	SubStatusNoAnswer  SubStatus = "no-answer"
	SubStatusBusy      SubStatus = "busy"
	SubStatusVoicemail SubStatus = "voicemail"
)

// FailureReason enumerates the terminal failure classes a Call can carry.
type FailureReason string

const (
	FailureNoAnswer       FailureReason = "no-answer"
	FailureBusy           FailureReason = "busy"
	FailureVoicemail      FailureReason = "voicemail"
	FailureInvalidNumber  FailureReason = "invalid-number"
	FailureNetworkError   FailureReason = "network-error"
	FailureRateLimited    FailureReason = "rate-limited"
	FailureAPIUnavailable FailureReason = "api-unavailable"
	FailureCanceled       FailureReason = "canceled"
	FailureNoResponse     FailureReason = "no-response"
	FailureConnectionLost FailureReason = "connection-lost"
	FailureInternal       FailureReason = "internal-error"
)

// Call is the central entity: one phone call, inbound or outbound.
type Call struct {
	ID             string
	Direction      Direction
	Phone          string // E.164
	AgentID        string
	Status         Status
	SubStatus      SubStatus
	CreatedAt      time.Time
	ScheduledFor   *time.Time
	InitiatedAt    *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Duration       time.Duration
	RetryCount     int
	RetryOf        string // empty if not a retry
	FailureReason  FailureReason
	ProviderCallID string
	RecordingURL   string
	Metadata       map[string]any
	Transcript     []TranscriptTurn
}

// Validate checks two invariants of the data model: retry-count linkage
// and started<=ended ordering. Duration is not checked against the
// started/ended timestamps.
func (c *Call) Validate() error {
	if c.StartedAt != nil && c.EndedAt != nil && c.StartedAt.After(*c.EndedAt) {
		return errInvariant("started-at must be <= ended-at")
	}
	if c.RetryOf != "" && c.RetryCount < 1 {
		return errInvariant("retry-count must be retry-of's retry-count + 1")
	}
	return nil
}

// ApplyDuration sets Duration from StartedAt/EndedAt when both are present,
// per invariant (c): duration = ended-at - started-at.
func (c *Call) ApplyDuration() {
	if c.StartedAt != nil && c.EndedAt != nil {
		c.Duration = c.EndedAt.Sub(*c.StartedAt)
	}
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

// JobStatus is the lifecycle status of a ScheduledJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobCanceled   JobStatus = "canceled"
	JobFailed     JobStatus = "failed"
)

// RecurrenceFrequency is how a recurring ScheduledJob repeats.
type RecurrenceFrequency string

const (
	FrequencyDaily   RecurrenceFrequency = "daily"
	FrequencyWeekly  RecurrenceFrequency = "weekly"
	FrequencyMonthly RecurrenceFrequency = "monthly"
)

// Recurrence describes a repeating schedule.
type Recurrence struct {
	Frequency      RecurrenceFrequency
	Interval       int
	EndAt          *time.Time
	MaxOccurrences int
	Occurrences    int // how many instances of this recurrence have run so far
}

// BusinessHoursPolicy restricts due-at adjustment to an allowed window.
type BusinessHoursPolicy struct {
	Start       string // "HH:MM"
	End         string // "HH:MM"
	Timezone    string // IANA zone
	AllowedDays []time.Weekday
}

// ScheduledJob is a durable delayed-job queue entry.
type ScheduledJob struct {
	ID                  string
	CallID              string
	DueAt               time.Time
	Timezone            string
	Status              JobStatus
	BusinessHoursPolicy *BusinessHoursPolicy
	Recurrence          *Recurrence
	NextRun             *time.Time
	ProcessedAt         *time.Time
	CreatedAt           time.Time
	// Kind distinguishes a scheduled-call job from a retry job so the
	// scheduler dispatches it to the correct handler (§4.6).
	Kind           JobKind
	RetryAttemptID string
}

// JobKind is which handler a ScheduledJob's dispatch uses.
type JobKind string

const (
	JobKindScheduledCall JobKind = "scheduled-call"
	JobKindRetry         JobKind = "retry"
)

// RetryStatus mirrors JobStatus but is kept distinct because a RetryAttempt
// outlives its ScheduledJob (it also tracks the resulting call's outcome).
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryProcessing RetryStatus = "processing"
	RetryCompleted  RetryStatus = "completed"
	RetryFailed     RetryStatus = "failed"
	RetryCanceled   RetryStatus = "canceled"
)

// RetryAttempt records one scheduled retry of a failed Call.
type RetryAttempt struct {
	ID             string
	OriginalCallID string
	RetryCallID    string // set once C5 creates the retry Call
	AttemptNumber  int
	DueAt          time.Time
	Status         RetryStatus
	FailureReason  FailureReason
	CreatedAt      time.Time
}

// Speaker is who produced a TranscriptTurn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptTurn is one append-only turn of a call's transcript.
type TranscriptTurn struct {
	CallID    string
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}
