// Package session implements C4: the per-call state machine that
// multiplexes a streaming STT connection, the LLM, and streaming TTS, with
// speculative ("early") LLM invocation while the caller is still
// speaking (§4.4).
//
// A Session owns its STT handle and current TTS task exclusively; every
// write to its mutable fields happens on the single goroutine started by
// Run, which drains a session-local event channel. This is the
// single-writer-per-session discipline §5 requires, modeled as an actor
// rather than as callback listeners, so there is nothing to leak on
// release.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/agent"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/kb"
	"github.com/plexusone/agentcomms/pkg/llm"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/sttpool"
	"github.com/plexusone/agentcomms/pkg/ttsqueue"
)

// State is one of the session lifecycle states (§4.4.1).
type State string

const (
	StateOpening   State = "opening"
	StateGreeting  State = "greeting"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
	StateEnding    State = "ending"
	StateClosed    State = "closed"
)

// AudioTransport is the raw bidirectional audio byte stream to/from the
// provider, already decoded/encoded to telephony wire format by the
// transport layer below us (§6 media socket). It mirrors the omnivoice
// transport.Connection shape the teacher's callmanager used directly.
type AudioTransport interface {
	WriteAudio(frame []byte) error
	ReadAudio(buf []byte) (int, error)
}

// CallHandle is what the session needs from the active provider call.
type CallHandle interface {
	Hangup(ctx context.Context) error
	Transport() AudioTransport
}

// TranscriptSink persists transcript turns; the session buffers and
// flushes through it (§4.8's batching is implemented by the sink).
type TranscriptSink interface {
	Append(ctx context.Context, turn calltypes.TranscriptTurn) error
	Flush(ctx context.Context, callID string) error
}

// CallRecorder finalizes the Call record at session close.
type CallRecorder interface {
	MarkStarted(ctx context.Context, callID string, at time.Time) error
	MarkEnded(ctx context.Context, callID string, at time.Time, status calltypes.Status, reason calltypes.FailureReason) error
}

// Config bounds session-wide timeouts and thresholds, all with the
// spec's defaults.
type Config struct {
	SpecThreshold      int           // default 3 words
	SilenceBackstop    time.Duration // default 1000ms
	MaxCallDuration    time.Duration // default 30min
	MaxIdle            time.Duration // default 30s
	FrameSize          int           // outbound frame payload size in bytes
	GoodbyeWait        time.Duration // time allotted for the goodbye line to finish
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		SpecThreshold:   3,
		SilenceBackstop: 1000 * time.Millisecond,
		MaxCallDuration: 30 * time.Minute,
		MaxIdle:         30 * time.Second,
		FrameSize:       320, // 20ms of 8kHz 16-bit mono linear PCM
		GoodbyeWait:     3 * time.Second,
	}
}

// Timings records the per-utterance and per-session timing counters
// (§4.4.7), emitted at session close.
type Timings struct {
	TimeToFirstPartial   time.Duration
	TimeToFinal          time.Duration
	SpeculativeOffset    time.Duration
	LLMTimeToFirstToken  time.Duration
	TTSTimeToFirstChunk  time.Duration
	TimeToFirstAudio     time.Duration
	UtteranceDuration    time.Duration
	AudioBytesSent       int64
}

// Deps bundles every external collaborator a Session needs, all injected
// so tests can substitute fakes (design notes: no global singletons).
type Deps struct {
	STTPool   *sttpool.Pool
	TTSQueue  *ttsqueue.Queue
	LLM       *llm.Client
	KB        kb.Retriever
	Sink      TranscriptSink
	Recorder  CallRecorder
	Metrics   *metrics.Registry
	Log       zerolog.Logger
	TTSVoice  func(agentID string) (provider, voiceID string)
	// Synthesize performs the actual provider speech synthesis call for
	// one line of text; pkg/ttsqueue only accounts for concurrency and
	// queueing around it.
	Synthesize func(ctx context.Context, provider, voiceID, text string) ([]byte, error)
}

// Session is the per-call runtime object (§3 Session entity, §4.4).
type Session struct {
	cfg  Config
	deps Deps

	callID string
	agent  *agent.Agent
	call   CallHandle

	log zerolog.Logger

	events chan event
	done   chan struct{}

	// Fields below are only ever touched from the Run goroutine.
	state              State
	speculating        bool
	partialTranscript  string
	pendingFinal       string
	specSnapshot       string
	specResultText     string
	specDone           bool
	awaitingFinal      bool
	gen                uint64
	specStarted        time.Time
	lastAudioActivity  time.Time
	utteranceStart     time.Time
	firstPartialAt     time.Time
	seq                uint64
	closeOnce          sync.Once
	closeReason        calltypes.FailureReason
	finalStatus        calltypes.Status
	timings            Timings
	ttsCancel          context.CancelFunc
	greetingCache      *GreetingCache
	conversation       []llm.Message
	endingGoodbyeSent  bool

	// sttMu guards sttHandle, the one piece of state the audio-ingest
	// goroutine (pumpAudio) touches outside the actor loop: round-tripping
	// every 20ms inbound frame through the event channel would add
	// needless latency to the STT hot path.
	sttMu     sync.Mutex
	sttHandle sttpool.Handle
}

func (s *Session) setSTTHandle(h sttpool.Handle) {
	s.sttMu.Lock()
	s.sttHandle = h
	s.sttMu.Unlock()
}

func (s *Session) getSTTHandle() sttpool.Handle {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	return s.sttHandle
}

// New builds a Session for one call. Run must be called to drive it.
func New(callID string, ag *agent.Agent, call CallHandle, cfg Config, deps Deps, cache *GreetingCache) *Session {
	return &Session{
		cfg:           cfg,
		deps:          deps,
		callID:        callID,
		agent:         ag,
		call:          call,
		log:           deps.Log.With().Str("component", "session").Str("call_id", callID).Logger(),
		events:        make(chan event, 64),
		done:          make(chan struct{}),
		state:         StateOpening,
		finalStatus:   calltypes.StatusInProgress,
		greetingCache: cache,
	}
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the final lifecycle status; only meaningful after Done
// is closed.
func (s *Session) Status() calltypes.Status { return s.finalStatus }

// State returns the current lifecycle state, safe to call after Done
// closes; mid-call it is a best-effort snapshot since state only ever
// changes from the Run goroutine.
func (s *Session) State() State { return s.state }

// Post enqueues an externally-observed event (STT callback, socket close,
// hangup request) onto the session's single-writer input channel. It
// never blocks the caller for long: the channel is buffered, and a full
// channel drops the event with a log rather than stalling the provider's
// I/O goroutine.
func (s *Session) Post(ev event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("event", ev.kind()).Msg("session event channel full, dropping event")
	}
}

// Run drives the session from opening to closed. It must be called
// exactly once, typically from the goroutine that owns the media socket.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxCallDuration)
	defer cancel()

	s.onOpen(ctx)

	idleTimer := time.NewTimer(s.cfg.MaxIdle)
	defer idleTimer.Stop()
	silenceTimer := time.NewTimer(s.cfg.SilenceBackstop)
	defer silenceTimer.Stop()
	stopTimer(silenceTimer)

	for s.state != StateClosed {
		select {
		case <-ctx.Done():
			s.transitionEnding(ctx, calltypes.FailureNoResponse)
			s.onClose(ctx)
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
			resetTimer(idleTimer, s.cfg.MaxIdle)
			if s.state == StateListening && s.partialTranscript != "" {
				resetTimer(silenceTimer, s.cfg.SilenceBackstop)
			} else {
				stopTimer(silenceTimer)
			}
		case <-idleTimer.C:
			s.transitionEnding(ctx, calltypes.FailureNoResponse)
		case <-silenceTimer.C:
			s.onSilenceBackstop(ctx)
		}

		if s.state == StateEnding {
			s.onClose(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// onOpen implements opening -> greeting -> listening (§4.4.1).
func (s *Session) onOpen(ctx context.Context) {
	s.state = StateGreeting
	if err := s.deps.Recorder.MarkStarted(ctx, s.callID, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("failed to mark call started")
	}

	handle, err := s.deps.STTPool.Acquire(ctx, s.callID, sttpool.Options{
		Language:       s.agent.Language,
		EndpointingMS:  s.agent.EndpointingMS,
		VAD:            true,
		Model:          "default",
		OnPartial:      s.PostPartialTranscript,
		OnFinal:        s.PostFinalTranscript,
		OnUtteranceEnd: s.PostUtteranceEnd,
		OnError:        s.PostSTTError,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to acquire stt slot")
		s.transitionEnding(ctx, calltypes.FailureConnectionLost)
		return
	}
	s.setSTTHandle(handle)
	go s.pumpAudio(ctx)

	s.speak(ctx, s.agent.EffectiveGreeting(), true)
	s.state = StateListening
	s.utteranceStart = time.Now()
	s.lastAudioActivity = time.Now()
}

// pumpAudio forwards inbound caller audio from the call transport to the
// current STT handle until the session closes or the transport errors.
// It runs on its own goroutine, outside the actor loop, to keep the
// per-frame hot path off the event channel (§5 latency budget).
func (s *Session) pumpAudio(ctx context.Context) {
	transport := s.call.Transport()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		n, err := transport.ReadAudio(buf)
		if err != nil {
			s.PostSocketClosed()
			return
		}
		if n == 0 {
			continue
		}

		handle := s.getSTTHandle()
		if handle == nil {
			continue
		}
		if werr := handle.Write(buf[:n]); werr != nil {
			s.PostSTTError(werr)
			return
		}
	}
}

// handle dispatches one event to the appropriate state-transition logic.
func (s *Session) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case partialTranscriptEvent:
		s.onPartial(ctx, e.text)
	case finalTranscriptEvent:
		s.onFinal(ctx, e.text)
	case utteranceEndEvent:
		s.onUtteranceEnd(ctx)
	case speechStartedEvent:
		s.lastAudioActivity = time.Now()
	case sttErrorEvent:
		s.onSTTError(ctx, e.err)
	case specResultEvent:
		s.onSpecResult(ctx, e)
	case socketClosedEvent:
		s.transitionEnding(ctx, calltypes.FailureConnectionLost)
	case hangupEvent:
		s.transitionEnding(ctx, calltypes.FailureCanceled)
	default:
		s.log.Warn().Str("event", ev.kind()).Msg("unknown session event, ignoring")
	}
}

// onSilenceBackstop fires the utterance-end as a backstop when no partial
// has arrived for SilenceBackstop while partial text is non-empty
// (§4.4.3). Idempotent via onUtteranceEnd's own guard.
func (s *Session) onSilenceBackstop(ctx context.Context) {
	if s.state == StateListening && s.partialTranscript != "" {
		s.onUtteranceEnd(ctx)
	}
}

func (s *Session) onSTTError(ctx context.Context, err error) {
	s.log.Warn().Err(err).Msg("stt upstream error mid-call")
	s.deps.STTPool.Release(ctx, s.callID)

	handle, rerr := s.deps.STTPool.Acquire(ctx, s.callID, sttpool.Options{
		Language:       s.agent.Language,
		EndpointingMS:  s.agent.EndpointingMS,
		VAD:            true,
		Model:          "default",
		OnPartial:      s.PostPartialTranscript,
		OnFinal:        s.PostFinalTranscript,
		OnUtteranceEnd: s.PostUtteranceEnd,
		OnError:        s.PostSTTError,
	})
	if rerr != nil {
		s.transitionEnding(ctx, calltypes.FailureConnectionLost)
		return
	}
	s.setSTTHandle(handle)
}

// transitionEnding moves listening|speaking -> ending (§4.4.1). Speaks a
// final goodbye line first when the session is still expected to close
// politely (i.e. not already abruptly torn down).
func (s *Session) transitionEnding(ctx context.Context, reason calltypes.FailureReason) {
	if s.state == StateEnding || s.state == StateClosed {
		return
	}
	s.state = StateEnding
	s.closeReason = reason

	if reason != calltypes.FailureConnectionLost && !s.endingGoodbyeSent {
		s.endingGoodbyeSent = true
		s.speak(ctx, s.agent.EffectiveGoodbye(), false)
	}
}

// onClose implements ending -> closed (§4.4.1): release the STT slot,
// cancel any TTS task, flush the transcript, persist the final status.
func (s *Session) onClose(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.ttsCancel != nil {
			s.ttsCancel()
		}
		s.deps.STTPool.Release(ctx, s.callID)

		if err := s.call.Hangup(context.WithoutCancel(ctx)); err != nil {
			s.log.Debug().Err(err).Msg("hangup at session close (likely already disconnected)")
		}

		if err := s.deps.Sink.Flush(ctx, s.callID); err != nil {
			s.log.Error().Err(err).Msg("failed to flush transcript")
		}

		status := calltypes.StatusCompleted
		if s.closeReason != "" && s.closeReason != calltypes.FailureCanceled {
			status = calltypes.StatusFailed
		}
		if s.closeReason == calltypes.FailureCanceled {
			status = calltypes.StatusCanceled
		}
		if err := s.deps.Recorder.MarkEnded(ctx, s.callID, time.Now(), status, s.closeReason); err != nil {
			s.log.Error().Err(err).Msg("failed to mark call ended")
		}
		s.finalStatus = status

		metrics.Observe(ctx, s.deps.Metrics.SessionTimeToFirstAudio, float64(s.timings.TimeToFirstAudio.Milliseconds()))
		s.log.Info().
			Dur("time_to_first_audio", s.timings.TimeToFirstAudio).
			Dur("utterance_duration", s.timings.UtteranceDuration).
			Int64("audio_bytes_sent", s.timings.AudioBytesSent).
			Msg("session closed")

		s.state = StateClosed
	})
}

// nextSeq returns the next monotonically increasing, contiguous
// per-session outbound audio sequence number, starting at 1 (§5, testable
// property 6).
func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// persistTurn appends one transcript turn to the sink, preserving
// observation order (§5 ordering guarantees).
func (s *Session) persistTurn(ctx context.Context, speaker calltypes.Speaker, text string) {
	if err := s.deps.Sink.Append(ctx, calltypes.TranscriptTurn{
		CallID:    s.callID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to persist transcript turn")
	}
}

func fallbackApology() string {
	return "I'm sorry, I'm having trouble processing that right now. Could you say that again?"
}
