// Package main is the entry point for agentcomms: a real-time voice AI
// calling platform fronted by an admin MCP surface.
//
// agentcomms wires together the bounded STT/TTS resource pools, the
// circuit-breaker-protected provider client, the outbound call
// orchestrator, the durable scheduler and retry engine, SQL persistence,
// and the webhook dispatcher that ties provider status callbacks back
// into all of the above.
//
// Usage:
//
//	export AGENTCOMMS_PHONE_ACCOUNT_SID=your_twilio_sid
//	export AGENTCOMMS_PHONE_AUTH_TOKEN=your_twilio_token
//	export AGENTCOMMS_PHONE_NUMBER=+15551234567
//	export ELEVENLABS_API_KEY=...
//	export DEEPGRAM_API_KEY=...
//	export NGROK_AUTHTOKEN=...
//	./agentcomms
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpkit "github.com/plexusone/mcpkit/runtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/plexusone/agentcomms/pkg/agent"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/config"
	"github.com/plexusone/agentcomms/pkg/kb"
	"github.com/plexusone/agentcomms/pkg/llm"
	"github.com/plexusone/agentcomms/pkg/metrics"
	"github.com/plexusone/agentcomms/pkg/outbound"
	"github.com/plexusone/agentcomms/pkg/provider"
	"github.com/plexusone/agentcomms/pkg/retry"
	"github.com/plexusone/agentcomms/pkg/scheduler"
	"github.com/plexusone/agentcomms/pkg/session"
	"github.com/plexusone/agentcomms/pkg/storage"
	"github.com/plexusone/agentcomms/pkg/sttpool"
	"github.com/plexusone/agentcomms/pkg/telephony"
	"github.com/plexusone/agentcomms/pkg/tools"
	"github.com/plexusone/agentcomms/pkg/ttsqueue"
	"github.com/plexusone/agentcomms/pkg/webhook"

	omnichat "github.com/plexusone/omnichat"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bhp, policies, err := config.LoadPolicy(os.Getenv("AGENTCOMMS_POLICY_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load policy file: %w", err)
	}
	if bhp != nil {
		cfg.BusinessHours = bhp
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "agentcomms").Logger()
	meter := otel.Meter("agentcomms")
	metricsReg := metrics.New(meter)

	db, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate storage: %w", err)
	}

	agents, err := agent.LoadDir(cfg.AgentDir)
	if err != nil {
		return fmt.Errorf("failed to load agent bundles from %s: %w", cfg.AgentDir, err)
	}

	sttUpstream, err := telephony.NewDeepgramUpstream(cfg.DeepgramAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create deepgram upstream: %w", err)
	}
	sttPool := sttpool.New(cfg.STTPool, sttUpstream, metricsReg, logger)

	ttsQueue := ttsqueue.New(cfg.TTSProviderConfigs(), metricsReg, logger)

	synth, err := telephony.NewSynthesizer(cfg.ElevenLabsAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create speech synthesizer: %w", err)
	}

	chatBackend := omnichat.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"))
	llmClient := llm.New(chatBackend, 30*time.Second)

	providerCfg := provider.Config{
		BaseURL:     cfg.PhoneBaseURL,
		AccountSID:  cfg.PhoneAccountSID,
		AuthToken:   cfg.PhoneAuthToken,
		HTTPTimeout: 10 * time.Second,
		RateLimiter: cfg.RateLimiter,
		Breaker:     cfg.Breaker,
	}
	providerClient := provider.New(providerCfg, metricsReg, logger)

	cfg.Outbound.FromNumber = cfg.PhoneNumber
	orchestrator := outbound.New(cfg.Outbound, agents, providerClient, db, metricsReg, logger)
	go orchestrator.Run(ctx)
	defer orchestrator.Stop()

	sched := scheduler.New(cfg.Scheduler, db, metricsReg, logger)
	sched.RegisterHandler(calltypes.JobKindScheduledCall, func(ctx context.Context, job *calltypes.ScheduledJob) error {
		return orchestrator.DispatchScheduled(ctx, job.CallID)
	})
	sched.RegisterHandler(calltypes.JobKindRetry, func(ctx context.Context, job *calltypes.ScheduledJob) error {
		return dispatchRetry(ctx, db, orchestrator, job)
	})
	go sched.Run(ctx)
	defer sched.Stop()

	retryer := retry.New(cfg.RetryConfig, policies, db, sched, metricsReg, logger)

	dispatcher := webhook.New(cfg.Webhook, db, retryer, orchestrator, metricsReg, logger)

	sessionDeps := session.Deps{
		STTPool:    sttPool,
		TTSQueue:   ttsQueue,
		LLM:        llmClient,
		KB:         kb.Noop{},
		Sink:       db,
		Recorder:   db,
		Metrics:    metricsReg,
		Log:        logger,
		TTSVoice:   func(agentID string) (string, string) { return "elevenlabs", cfg.TTSVoice },
		Synthesize: synth.Synthesize,
	}
	sessionCfg := cfg.Session
	greetings := session.NewGreetingCache()

	callSystem, err := telephony.NewSystem(telephony.CallSystemConfig{
		AccountSID:  cfg.PhoneAccountSID,
		AuthToken:   cfg.PhoneAuthToken,
		PhoneNumber: cfg.PhoneNumber,
		WebhookURL:  cfg.PhoneBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create telephony call system: %w", err)
	}
	defer func() { _ = callSystem.Close() }()

	log.Println("starting agentcomms MCP server...")

	rt := mcpkit.New(&mcp.Implementation{Name: "agentcomms", Version: "v0.1.0"}, nil)
	tools.RegisterTools(rt, tools.Deps{
		Outbound:  orchestrator,
		Scheduler: sched,
		STTPool:   sttPool,
		TTSQueue:  ttsQueue,
		Agents:    agents,
		Store:     db,
	})

	httpOpts := &mcpkit.HTTPServerOptions{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Path: "/mcp",
		Ngrok: &mcpkit.NgrokOptions{
			Authtoken: cfg.NgrokAuthToken,
			Domain:    cfg.NgrokDomain,
		},
		OnReady: func(result *mcpkit.HTTPServerResult) {
			log.Printf("MCP server ready")
			log.Printf("  Local:  %s", result.LocalURL)
			log.Printf("  Public: %s", result.PublicURL)
			registerProviderWebhooks(dispatcher, result.PublicURL)
			registerMediaStream(ctx, callSystem, db, agents, sessionCfg, sessionDeps, greetings, logger)
		},
	}

	_, err = rt.ServeHTTP(ctx, httpOpts)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// dispatchRetry mints a fresh outbound call for a due retry job, and
// folds its ID back onto the RetryAttempt record so later lookups (and
// the retry-of-retry guard) can find it.
func dispatchRetry(ctx context.Context, db *storage.DB, orchestrator *outbound.Orchestrator, job *calltypes.ScheduledJob) error {
	original, err := db.GetCall(ctx, job.CallID)
	if err != nil {
		return fmt.Errorf("load original call %s for retry: %w", job.CallID, err)
	}

	call, err := orchestrator.Initiate(ctx, outbound.InitiateRequest{
		Phone:      original.Phone,
		AgentID:    original.AgentID,
		RetryOf:    original.ID,
		RetryCount: original.RetryCount + 1,
	})
	if err != nil {
		return fmt.Errorf("dispatch retry for call %s: %w", original.ID, err)
	}

	if job.RetryAttemptID == "" {
		return nil
	}
	attempt, err := db.GetRetryAttempt(ctx, job.RetryAttemptID)
	if err != nil {
		return nil // best-effort bookkeeping; the retry itself already went out
	}
	attempt.RetryCallID = call.ID
	attempt.Status = calltypes.RetryCompleted
	return db.UpdateRetryAttempt(ctx, attempt)
}

// registerProviderWebhooks sets up the HTTP handlers the telephony
// provider calls back into: TwiML generation for new calls and the
// status callback that feeds C9. The media stream handler is registered
// separately, by registerMediaStream.
func registerProviderWebhooks(dispatcher *webhook.Dispatcher, publicURL string) {
	http.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		callID := r.FormValue("CustomField")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s/media-stream?call_id=%s">
            <Parameter name="direction" value="both"/>
        </Stream>
    </Connect>
</Response>`, publicURL, callID)
	})

	http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ev := webhook.Event{
			ProviderCallID: r.FormValue("CallSid"),
			Status:         provider.CallStatus(r.FormValue("CallStatus")),
			CustomField:    r.FormValue("CustomField"),
		}
		if d := r.FormValue("CallDuration"); d != "" {
			if secs, err := time.ParseDuration(d + "s"); err == nil {
				ev.Duration = secs
			}
		}
		ev.RecordingURL = r.FormValue("RecordingUrl")

		if err := dispatcher.Handle(r.Context(), ev); err != nil {
			log.Printf("webhook dispatch error: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("provider webhooks configured:")
	log.Printf("  Voice:  %s/voice", publicURL)
	log.Printf("  Status: %s/status", publicURL)
}

// registerMediaStream wires the media-socket webhook: each connecting
// stream is looked up against its Call record for the agent persona,
// wrapped as a session.CallHandle, and handed to a fresh Session run for
// the lifetime of that one call.
func registerMediaStream(ctx context.Context, callSystem *telephony.System, db *storage.DB, agents *agent.Registry, cfg session.Config, deps session.Deps, greetings *session.GreetingCache, logger zerolog.Logger) {
	http.HandleFunc("/media-stream", func(w http.ResponseWriter, r *http.Request) {
		callID := r.URL.Query().Get("call_id")
		if callID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}

		call, err := db.GetCall(r.Context(), callID)
		if err != nil {
			logger.Error().Err(err).Str("call_id", callID).Msg("call record not found for media stream")
			http.Error(w, "unknown call", http.StatusNotFound)
			return
		}
		ag, ok := agents.Get(call.AgentID)
		if !ok {
			logger.Error().Str("call_id", callID).Str("agent_id", call.AgentID).Msg("agent not found for media stream")
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}

		handle, err := callSystem.AcceptMediaStream(w, r)
		if err != nil {
			logger.Error().Err(err).Str("call_id", callID).Msg("failed to accept media stream")
			http.Error(w, "media stream error", http.StatusInternalServerError)
			return
		}

		sess := session.New(callID, ag, handle, cfg, deps, greetings)
		sess.Run(ctx)
	})
}
