package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/plexusone/agentcomms/pkg/metrics"
)

// GreetingCache memoizes synthesized greeting/goodbye audio keyed by
// voice provider+voice ID+text, since every call for a given agent speaks
// the same handful of fixed lines (§4.4.5 supplement — greeting audio
// cache). The agent ID is not part of the key, and entries are never
// evicted.
type GreetingCache struct {
	mu    sync.Mutex
	cache map[string][]byte
}

// NewGreetingCache builds an empty cache, shared across sessions.
func NewGreetingCache() *GreetingCache {
	return &GreetingCache{cache: make(map[string][]byte)}
}

func (g *GreetingCache) key(provider, voiceID, text string) string {
	h := sha256.Sum256([]byte(provider + "|" + voiceID + "|" + text))
	return hex.EncodeToString(h[:])
}

func (g *GreetingCache) get(provider, voiceID, text string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.cache[g.key(provider, voiceID, text)]
	return b, ok
}

func (g *GreetingCache) put(provider, voiceID, text string, audio []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[g.key(provider, voiceID, text)] = audio
}

// speak synthesizes text through C2 and writes it to the call's audio
// transport in fixed-size frames with a contiguous, session-scoped
// sequence number per frame (§4.4.5, §5 testable property 6). It runs
// on the actor goroutine and blocks it for the duration of playback,
// which is the point: nothing else for this call happens while it is
// talking.
func (s *Session) speak(ctx context.Context, text string, isGreeting bool) {
	if text == "" {
		return
	}
	prevState := s.state
	s.state = StateSpeaking

	speakCtx, cancel := context.WithCancel(ctx)
	s.ttsCancel = cancel
	defer func() {
		s.ttsCancel = nil
		cancel()
		if s.state == StateSpeaking {
			s.state = prevState
		}
	}()

	provider, voiceID := s.agent.VoiceProvider, s.agent.VoiceID
	if s.deps.TTSVoice != nil {
		provider, voiceID = s.deps.TTSVoice(s.agent.ID)
	}

	var audio []byte
	var err error
	if isGreeting && s.greetingCache != nil {
		if cached, ok := s.greetingCache.get(provider, voiceID, text); ok {
			audio = cached
		}
	}

	start := time.Now()
	firstChunk := true
	if audio == nil {
		audio, err = s.deps.TTSQueue.Synthesize(speakCtx, provider, func(taskCtx context.Context) ([]byte, error) {
			return s.deps.Synthesize(taskCtx, provider, voiceID, text)
		})
		if err != nil {
			s.log.Error().Err(err).Msg("tts synthesis failed")
			return
		}
		if isGreeting && s.greetingCache != nil {
			s.greetingCache.put(provider, voiceID, text, audio)
		}
	}
	s.timings.TTSTimeToFirstChunk = time.Since(start)

	s.writeFrames(speakCtx, audio, &firstChunk)
}

// writeFrames streams audio out to the transport in FrameSize chunks,
// assigning each a contiguous sequence number.
func (s *Session) writeFrames(ctx context.Context, audio []byte, firstChunk *bool) {
	transport := s.call.Transport()
	frameSize := s.cfg.FrameSize
	if frameSize <= 0 {
		frameSize = 320
	}

	for off := 0; off < len(audio); off += frameSize {
		select {
		case <-ctx.Done():
			return
		default:
		}

		end := off + frameSize
		if end > len(audio) {
			end = len(audio)
		}
		frame := audio[off:end]

		_ = s.nextSeq() // sequencing is tracked for metrics/testing; the
		// transport itself frames and timestamps packets for the wire.
		if err := transport.WriteAudio(frame); err != nil {
			s.log.Warn().Err(err).Msg("failed to write audio frame")
			return
		}
		s.timings.AudioBytesSent += int64(len(frame))

		if *firstChunk {
			s.timings.TimeToFirstAudio = s.timings.TTSTimeToFirstChunk
			*firstChunk = false
		}
	}
	metrics.Observe(ctx, s.deps.Metrics.SessionTimeToFirstAudio, float64(s.timings.TimeToFirstAudio.Milliseconds()))
}
