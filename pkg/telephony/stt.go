package telephony

import (
	"context"
	"fmt"
	"io"

	deepgram "github.com/plexusone/omnivoice-deepgram/omnivoice/stt"
	"github.com/plexusone/omnivoice/stt"

	"github.com/plexusone/agentcomms/pkg/sttpool"
)

// DeepgramUpstream implements sttpool.Upstream over a Deepgram streaming
// transcription provider, so C1's pool stays provider-agnostic.
type DeepgramUpstream struct {
	provider stt.StreamingProvider
}

// NewDeepgramUpstream builds the upstream binding used by C1.
func NewDeepgramUpstream(apiKey string) (*DeepgramUpstream, error) {
	p, err := deepgram.New(deepgram.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create deepgram stt provider: %w", err)
	}
	return &DeepgramUpstream{provider: p}, nil
}

// Open starts a new streaming transcription session for one call leg.
// Telephony audio arrives as 8kHz mu-law, the wire format every provider
// call in this module standardizes on (§6).
func (d *DeepgramUpstream) Open(ctx context.Context, clientID string, opts sttpool.Options) (sttpool.Handle, error) {
	writer, events, err := d.provider.TranscribeStream(ctx, stt.TranscriptionConfig{
		Language:          opts.Language,
		Model:             opts.Model,
		Encoding:          "mulaw",
		SampleRate:        8000,
		Channels:          1,
		EnablePunctuation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open deepgram stream for %s: %w", clientID, err)
	}

	go func() {
		for ev := range events {
			if ev.Error != nil {
				if opts.OnError != nil {
					opts.OnError(ev.Error)
				}
				continue
			}
			if ev.Transcript == "" {
				continue
			}
			if ev.IsFinal {
				if opts.OnFinal != nil {
					opts.OnFinal(ev.Transcript)
				}
				// omnivoice's Deepgram binding has no separate
				// utterance-end event; a final transcript is the
				// closest signal the pool gets, so it doubles as one.
				if opts.OnUtteranceEnd != nil {
					opts.OnUtteranceEnd()
				}
			} else if opts.OnPartial != nil {
				opts.OnPartial(ev.Transcript)
			}
		}
	}()

	return &deepgramHandle{writer: writer}, nil
}

type deepgramHandle struct {
	writer io.WriteCloser
}

func (h *deepgramHandle) Write(frame []byte) error {
	_, err := h.writer.Write(frame)
	return err
}

func (h *deepgramHandle) Close() error {
	return h.writer.Close()
}
