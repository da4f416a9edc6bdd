package session

import (
	"context"
	"strings"
	"time"

	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/llm"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// specResultEvent carries a completed (speculative or final) LLM
// invocation back onto the session's single-writer event loop. gen lets
// the handler discard a result computed for an utterance the caller has
// since revised (§4.4.4 "abandon speculative response... ").
type specResultEvent struct {
	gen         uint64
	speculative bool
	text        string
	err         error
}

func (specResultEvent) kind() string { return "spec_result" }

// onPartial updates the live transcript and, once it crosses the word
// threshold, starts a speculative LLM call against the partial text so
// the response is already streaming by the time the caller finishes
// talking (§4.4.4).
func (s *Session) onPartial(ctx context.Context, text string) {
	if s.state != StateListening {
		return
	}
	if s.firstPartialAt.IsZero() {
		s.firstPartialAt = time.Now()
		s.timings.TimeToFirstPartial = s.firstPartialAt.Sub(s.utteranceStart)
	}
	s.partialTranscript = text

	// Divergence from the speculative snapshot is not itself an abort
	// trigger: the only ones are explicit hangup, end-phrase detection,
	// and socket close (§4.4.4). A diverged speculative result is simply
	// discarded in favor of the final-text LLM call in onUtteranceEnd.

	if !s.speculating && wordCount(text) >= s.cfg.SpecThreshold {
		s.startSpeculation(ctx, text)
	}
}

// onFinal records the STT provider's finalized segment for the current
// utterance; the silence backstop or explicit utterance-end event
// decides when to actually act on it.
func (s *Session) onFinal(ctx context.Context, text string) {
	if s.state != StateListening {
		return
	}
	s.pendingFinal = text
}

// onUtteranceEnd closes out one caller turn: persists the transcript,
// checks for an end-phrase, and either reuses a matching speculative
// response or kicks off a fresh LLM call (§4.4.3, §4.4.4).
func (s *Session) onUtteranceEnd(ctx context.Context) {
	if s.state != StateListening {
		return
	}
	finalText := strings.TrimSpace(s.pendingFinal)
	if finalText == "" {
		finalText = strings.TrimSpace(s.partialTranscript)
	}
	s.timings.UtteranceDuration = time.Since(s.utteranceStart)
	s.pendingFinal = ""
	s.partialTranscript = ""
	s.firstPartialAt = time.Time{}

	if finalText == "" {
		s.utteranceStart = time.Now()
		return
	}

	s.persistTurn(ctx, calltypes.SpeakerUser, finalText)

	if s.agent.MatchesEndPhrase(strings.ToLower(finalText)) {
		s.transitionEnding(ctx, "")
		return
	}

	if s.speculating && strings.TrimSpace(s.specSnapshot) == finalText {
		s.awaitingFinal = true
		if s.specDone {
			s.commitSpeculative(ctx)
		}
		return
	}

	s.abandonSpeculation()
	s.gen++
	s.startRespond(ctx, s.gen, finalText, false)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// startSpeculation launches a speculative LLM call against the current
// partial transcript snapshot.
func (s *Session) startSpeculation(ctx context.Context, snapshot string) {
	s.speculating = true
	s.specSnapshot = snapshot
	s.specDone = false
	s.specStarted = time.Now()
	metrics.Incr(ctx, s.deps.Metrics.SpeculationsStarted)
	s.gen++
	s.startRespond(ctx, s.gen, snapshot, true)
}

// abandonSpeculation discards any in-flight or completed speculative
// result without speaking it. The goroutine computing it, if still
// running, will see its gen is stale and drop its result silently.
func (s *Session) abandonSpeculation() {
	s.speculating = false
	s.specDone = false
	s.specSnapshot = ""
	s.awaitingFinal = false
}

// commitSpeculative speaks the already-computed speculative response,
// since the final transcript matched exactly what it was based on.
func (s *Session) commitSpeculative(ctx context.Context) {
	text := s.specResultText
	s.timings.SpeculativeOffset = time.Since(s.specStarted)
	s.speculating = false
	s.specDone = false
	s.awaitingFinal = false
	if text == "" {
		text = fallbackApology()
	}
	s.respondAndSpeak(ctx, text)
}

// startRespond runs one LLM invocation (with a KB lookup first on the
// non-speculative path, §4.4.4) on its own goroutine and posts the
// result back onto the session's event channel, tagged with gen so a
// stale result from an abandoned utterance is ignored on arrival.
func (s *Session) startRespond(ctx context.Context, gen uint64, text string, speculative bool) {
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		messages := s.buildMessages(reqCtx, text, speculative)
		full, err := s.deps.LLM.StreamChat(reqCtx, llm.Request{Messages: messages}, nil)

		s.Post(specResultEvent{gen: gen, speculative: speculative, text: full, err: err})
	}()
}

// buildMessages assembles the chat history plus, on the non-speculative
// path only, knowledge-base context for agents that have one configured
// (§4.4.4 — speculative calls skip KB to stay fast, and are thrown away
// anyway if the transcript changes).
func (s *Session) buildMessages(ctx context.Context, text string, speculative bool) []llm.Message {
	msgs := make([]llm.Message, 0, len(s.conversation)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: s.agent.SystemPrompt})

	if !speculative && s.agent.HasKnowledgeBase() {
		if relevant, _ := s.deps.KB.IsRelevant(ctx, s.agent.ID, text); relevant {
			if results, err := s.deps.KB.Query(ctx, s.agent.ID, text); err == nil && len(results) > 0 {
				var sb strings.Builder
				sb.WriteString("Relevant context:\n")
				for _, r := range results {
					sb.WriteString("- ")
					sb.WriteString(r.Text)
					sb.WriteString("\n")
				}
				msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
			}
		}
	}

	for _, m := range s.conversation {
		msgs = append(msgs, m)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: text})
	return msgs
}

// onSpecResult handles a completed LLM invocation arriving back on the
// event loop.
func (s *Session) onSpecResult(ctx context.Context, ev specResultEvent) {
	if ev.gen != s.gen {
		return // stale: superseded by a later utterance or abandonment
	}

	if ev.speculative {
		s.specResultText = ev.text
		s.specDone = true
		if ev.err != nil {
			s.specResultText = ""
		}
		if s.awaitingFinal {
			s.commitSpeculative(ctx)
		}
		return
	}

	text := ev.text
	if ev.err != nil || text == "" {
		s.log.Warn().Err(ev.err).Msg("llm invocation failed, using fallback apology")
		text = fallbackApology()
	}
	s.respondAndSpeak(ctx, text)
}

// respondAndSpeak records the turn in conversation history, persists it,
// and speaks it (§4.4.4 -> §4.4.5).
func (s *Session) respondAndSpeak(ctx context.Context, text string) {
	s.conversation = append(s.conversation, llm.Message{Role: "assistant", Content: text})
	s.persistTurn(ctx, calltypes.SpeakerAssistant, text)
	s.speak(ctx, text, false)
	s.utteranceStart = time.Now()
}
