package telephony

import (
	"bytes"
	"context"
	"fmt"

	elevenlabs "github.com/plexusone/elevenlabs-go"
	elevenlabstts "github.com/plexusone/elevenlabs-go/omnivoice/tts"
	"github.com/plexusone/omnivoice/tts"
)

// Synthesizer produces the session.Deps.Synthesize function ttsqueue
// (C2) calls through, collecting one streamed ElevenLabs synthesis into
// a single mu-law byte buffer ready for the telephony transport.
type Synthesizer struct {
	provider tts.StreamingProvider
}

// NewSynthesizer builds the ElevenLabs-backed speech synthesizer.
func NewSynthesizer(apiKey string) (*Synthesizer, error) {
	client, err := elevenlabs.NewClient(elevenlabs.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs client: %w", err)
	}
	return &Synthesizer{provider: elevenlabstts.NewWithClient(client)}, nil
}

// Synthesize matches session.Deps.Synthesize's signature. provider is
// accepted for interface symmetry with multi-vendor deployments but
// this binding only ever talks to ElevenLabs.
func (s *Synthesizer) Synthesize(ctx context.Context, provider, voiceID, text string) ([]byte, error) {
	stream, err := s.provider.SynthesizeStream(ctx, text, tts.SynthesisConfig{
		VoiceID:      voiceID,
		OutputFormat: "ulaw", // native mu-law, the transport's wire format
		SampleRate:   8000,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs synthesis failed: %w", err)
	}

	var buf bytes.Buffer
	for chunk := range stream {
		if chunk.Error != nil {
			return nil, fmt.Errorf("elevenlabs stream error: %w", chunk.Error)
		}
		if len(chunk.Audio) > 0 {
			buf.Write(chunk.Audio)
		}
		if chunk.IsFinal {
			break
		}
	}
	return buf.Bytes(), nil
}
