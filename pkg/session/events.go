package session

// event is the closed set of inputs the session actor consumes, each
// posted from the STT upstream callbacks or the socket/call lifecycle
// (§4.4.2).
type event interface {
	kind() string
}

type partialTranscriptEvent struct{ text string }

func (partialTranscriptEvent) kind() string { return "partial_transcript" }

type finalTranscriptEvent struct{ text string }

func (finalTranscriptEvent) kind() string { return "final_transcript" }

type utteranceEndEvent struct{}

func (utteranceEndEvent) kind() string { return "utterance_end" }

type speechStartedEvent struct{}

func (speechStartedEvent) kind() string { return "speech_started" }

type sttErrorEvent struct{ err error }

func (sttErrorEvent) kind() string { return "stt_error" }

type socketClosedEvent struct{}

func (socketClosedEvent) kind() string { return "socket_closed" }

type hangupEvent struct{}

func (hangupEvent) kind() string { return "hangup" }

// PostPartialTranscript feeds an interim STT hypothesis into the session.
func (s *Session) PostPartialTranscript(text string) { s.Post(partialTranscriptEvent{text: text}) }

// PostFinalTranscript feeds a finalized STT segment into the session.
func (s *Session) PostFinalTranscript(text string) { s.Post(finalTranscriptEvent{text: text}) }

// PostUtteranceEnd signals the STT provider's own end-of-utterance marker.
func (s *Session) PostUtteranceEnd() { s.Post(utteranceEndEvent{}) }

// PostSpeechStarted resets the idle timer on renewed caller audio activity.
func (s *Session) PostSpeechStarted() { s.Post(speechStartedEvent{}) }

// PostSTTError reports an STT upstream failure mid-call.
func (s *Session) PostSTTError(err error) { s.Post(sttErrorEvent{err: err}) }

// PostSocketClosed signals the media socket dropped unexpectedly.
func (s *Session) PostSocketClosed() { s.Post(socketClosedEvent{}) }

// PostHangup requests a graceful, immediate call teardown.
func (s *Session) PostHangup() { s.Post(hangupEvent{}) }
