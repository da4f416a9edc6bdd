// Package telephony adapts the Twilio-backed omnivoice call system and
// the ElevenLabs/Deepgram streaming providers into the extension points
// the rest of the module is built against: C4's session.CallHandle /
// session.AudioTransport, C1's sttpool.Upstream, and the speech
// synthesis function C4 calls through session.Deps.Synthesize.
//
// It replaces the teacher's single in-memory callmanager.Manager, which
// owned one call end to end, with three narrow bridges wired into the
// pools and the session engine instead of owning call lifecycle itself.
package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"

	twiliocallsystem "github.com/plexusone/omnivoice-twilio/callsystem"
	"github.com/plexusone/omnivoice/callsystem"

	"github.com/plexusone/agentcomms/pkg/session"
)

// CallSystemConfig configures the Twilio-backed call system.
type CallSystemConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	WebhookURL  string
}

// System wraps the Twilio call system, handing out session.CallHandle
// values for live calls as the webhook/media-socket layer accepts them.
type System struct {
	cs callsystem.CallSystem
}

// NewSystem dials up the Twilio call system binding.
func NewSystem(cfg CallSystemConfig) (*System, error) {
	cs, err := twiliocallsystem.New(
		twiliocallsystem.WithAccountSID(cfg.AccountSID),
		twiliocallsystem.WithAuthToken(cfg.AuthToken),
		twiliocallsystem.WithPhoneNumber(cfg.PhoneNumber),
		twiliocallsystem.WithWebhookURL(cfg.WebhookURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create twilio call system: %w", err)
	}
	return &System{cs: cs}, nil
}

// Dial places an outbound call through the provider and wraps the
// resulting leg as a session.CallHandle once the callee answers.
func (s *System) Dial(ctx context.Context, to string) (session.CallHandle, error) {
	call, err := s.cs.Dial(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("dial via call system: %w", err)
	}
	return &callHandle{call: call}, nil
}

// Wrap adapts an already-live callsystem.Call (e.g. one accepted off an
// inbound media-socket webhook) into a session.CallHandle.
func (s *System) Wrap(call callsystem.Call) session.CallHandle {
	return &callHandle{call: call}
}

// AcceptMediaStream upgrades an inbound media-stream webhook request
// (the Twilio <Connect><Stream> callback) and wraps the resulting call
// leg as a session.CallHandle, mirroring Dial's outbound counterpart.
func (s *System) AcceptMediaStream(w http.ResponseWriter, r *http.Request) (session.CallHandle, error) {
	call, err := s.cs.AcceptWebSocket(w, r)
	if err != nil {
		return nil, fmt.Errorf("accept media stream: %w", err)
	}
	return &callHandle{call: call}, nil
}

// Close releases the underlying call system, if it holds a persistent
// connection (e.g. a media-stream WebSocket server).
func (s *System) Close() error {
	if closer, ok := s.cs.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// callHandle bridges callsystem.Call into session.CallHandle.
type callHandle struct {
	call callsystem.Call
}

func (h *callHandle) Hangup(ctx context.Context) error {
	return h.call.Hangup(ctx)
}

func (h *callHandle) Transport() session.AudioTransport {
	t := h.call.Transport()
	if t == nil {
		return nil
	}
	return &audioTransport{in: t.AudioIn(), out: t.AudioOut()}
}

// audioTransport bridges the teacher's io.Writer/io.Reader transport
// pair into the session engine's frame-oriented AudioTransport.
type audioTransport struct {
	in  io.Writer
	out io.Reader
}

func (t *audioTransport) WriteAudio(frame []byte) error {
	_, err := t.in.Write(frame)
	return err
}

func (t *audioTransport) ReadAudio(buf []byte) (int, error) {
	return t.out.Read(buf)
}
