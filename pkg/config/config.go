// Package config loads process-wide configuration for agentcomms: the
// env-driven settings every component needs at construction, plus a YAML
// layer for the business-hours policy and retry policy table overrides
// that are too structured to carry comfortably as env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/outbound"
	"github.com/plexusone/agentcomms/pkg/provider"
	"github.com/plexusone/agentcomms/pkg/retry"
	"github.com/plexusone/agentcomms/pkg/scheduler"
	"github.com/plexusone/agentcomms/pkg/session"
	"github.com/plexusone/agentcomms/pkg/storage"
	"github.com/plexusone/agentcomms/pkg/sttpool"
	"github.com/plexusone/agentcomms/pkg/ttsqueue"
	"github.com/plexusone/agentcomms/pkg/webhook"
)

// Config holds all configuration for the agentcomms server.
type Config struct {
	// Server settings
	Port int

	// Phone provider settings
	PhoneProvider   string // "twilio" or "telnyx"
	PhoneAccountSID string
	PhoneAuthToken  string
	PhoneBaseURL    string
	PhoneAppID      string
	PhoneNumber     string // E.164 format, e.g., +15551234567

	// ElevenLabs TTS settings
	ElevenLabsAPIKey string
	TTSVoice         string // ElevenLabs voice ID (e.g., "Rachel")
	TTSModel         string // ElevenLabs model (e.g., "eleven_turbo_v2_5")
	TTSProviderCaps  map[string]int

	// Deepgram STT settings
	DeepgramAPIKey string
	STTModel       string // Deepgram model (e.g., "nova-2")
	STTLanguage    string // BCP-47 language code (e.g., "en-US")

	// ngrok settings, for local development against the provider's webhook
	NgrokAuthToken string
	NgrokDomain    string // optional custom domain

	// Agent bundles
	AgentDir string

	// Component configs, each with the spec's defaults pre-applied;
	// LoadFromEnv only overrides the fields an env var names.
	STTPool   sttpool.Config
	Outbound  outbound.Config
	Scheduler scheduler.Config
	Session   session.Config
	Storage   storage.Config
	Webhook   webhook.Config
	RateLimiter provider.RateLimiterConfig
	Breaker     provider.BreakerConfig

	// Retry / business-hours policy, loadable from YAML (see LoadPolicy).
	RetryConfig  retry.Config
	BusinessHours *calltypes.BusinessHoursPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            3333,
		PhoneProvider:   "twilio",
		TTSVoice:        "Rachel",
		TTSModel:        "eleven_turbo_v2_5",
		TTSProviderCaps: map[string]int{"elevenlabs": 10},
		STTModel:        "nova-2",
		STTLanguage:     "en-US",
		AgentDir:        "agents",

		STTPool:     sttpool.DefaultConfig(),
		Outbound:    outbound.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		Session:     session.DefaultConfig(),
		RateLimiter: provider.DefaultRateLimiterConfig(),
		Breaker:     provider.DefaultBreakerConfig(),
		Storage:     storage.Config{DSN: "agentcomms.db?_pragma=busy_timeout(5000)", MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour},
		Webhook:     webhook.Config{AutoRetry: true, AutoRetryForRetries: false},
		RetryConfig: retry.Config{Timezone: "UTC", AvoidOffPeak: false},
	}
}

// LoadFromEnv loads configuration from environment variables, per §6's
// "environment / configuration keys recognised".
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if port := os.Getenv("AGENTCOMMS_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Port = p
		}
	}

	if provider := os.Getenv("AGENTCOMMS_PHONE_PROVIDER"); provider != "" {
		cfg.PhoneProvider = provider
	}
	cfg.PhoneAccountSID = os.Getenv("AGENTCOMMS_PHONE_ACCOUNT_SID")
	cfg.PhoneAuthToken = os.Getenv("AGENTCOMMS_PHONE_AUTH_TOKEN")
	cfg.PhoneBaseURL = os.Getenv("AGENTCOMMS_PHONE_BASE_URL")
	cfg.PhoneAppID = os.Getenv("AGENTCOMMS_PHONE_APP_ID")
	cfg.PhoneNumber = os.Getenv("AGENTCOMMS_PHONE_NUMBER")
	cfg.Outbound.FromNumber = cfg.PhoneNumber
	cfg.Outbound.AppID = cfg.PhoneAppID

	cfg.ElevenLabsAPIKey = firstNonEmpty(os.Getenv("AGENTCOMMS_ELEVENLABS_API_KEY"), os.Getenv("ELEVENLABS_API_KEY"))
	if voice := os.Getenv("AGENTCOMMS_TTS_VOICE"); voice != "" {
		cfg.TTSVoice = voice
	}
	if model := os.Getenv("AGENTCOMMS_TTS_MODEL"); model != "" {
		cfg.TTSModel = model
	}

	cfg.DeepgramAPIKey = firstNonEmpty(os.Getenv("AGENTCOMMS_DEEPGRAM_API_KEY"), os.Getenv("DEEPGRAM_API_KEY"))
	if model := os.Getenv("AGENTCOMMS_STT_MODEL"); model != "" {
		cfg.STTModel = model
	}
	if lang := os.Getenv("AGENTCOMMS_STT_LANGUAGE"); lang != "" {
		cfg.STTLanguage = lang
	}

	if v := envInt("AGENTCOMMS_STT_POOL_SIZE"); v > 0 {
		cfg.STTPool.Capacity = v
	}
	if v := envDuration("AGENTCOMMS_STT_QUEUE_TIMEOUT_MS"); v > 0 {
		cfg.STTPool.QueueTimeout = v
	}
	if v := envInt("AGENTCOMMS_STT_MAX_QUEUE"); v > 0 {
		cfg.STTPool.MaxQueueLen = v
	}

	if v := envInt("AGENTCOMMS_SPEC_THRESHOLD"); v > 0 {
		cfg.Session.SpecThreshold = v
	}
	if v := envDuration("AGENTCOMMS_SILENCE_BACKSTOP_MS"); v > 0 {
		cfg.Session.SilenceBackstop = v
	}
	if v := envDurationSeconds("AGENTCOMMS_MAX_CALL_DURATION_S"); v > 0 {
		cfg.Session.MaxCallDuration = v
	}
	if v := envDurationSeconds("AGENTCOMMS_MAX_IDLE_S"); v > 0 {
		cfg.Session.MaxIdle = v
	}

	if v := envInt("AGENTCOMMS_MAX_CONCURRENT_OUTBOUND"); v > 0 {
		cfg.Outbound.MaxConcurrentOutbound = v
	}

	cfg.RetryConfig.OffPeakStart = os.Getenv("AGENTCOMMS_OFF_PEAK_START")
	cfg.RetryConfig.OffPeakEnd = os.Getenv("AGENTCOMMS_OFF_PEAK_END")
	if tz := os.Getenv("AGENTCOMMS_TIMEZONE"); tz != "" {
		cfg.RetryConfig.Timezone = tz
	}
	cfg.RetryConfig.AvoidOffPeak = envBool("AGENTCOMMS_AVOID_OFF_PEAK")
	cfg.Webhook.AutoRetry = envBoolDefault("AGENTCOMMS_AUTO_RETRY", true)
	cfg.Webhook.AutoRetryForRetries = envBool("AGENTCOMMS_AUTO_RETRY_FOR_RETRIES")

	cfg.Storage.DSN = firstNonEmpty(os.Getenv("AGENTCOMMS_DATABASE_DSN"), cfg.Storage.DSN)

	cfg.NgrokAuthToken = firstNonEmpty(os.Getenv("AGENTCOMMS_NGROK_AUTHTOKEN"), os.Getenv("NGROK_AUTHTOKEN"))
	cfg.NgrokDomain = os.Getenv("AGENTCOMMS_NGROK_DOMAIN")

	if dir := os.Getenv("AGENTCOMMS_AGENT_DIR"); dir != "" {
		cfg.AgentDir = dir
	}

	return cfg, cfg.Validate()
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	var missing []string

	if c.PhoneAccountSID == "" {
		missing = append(missing, "AGENTCOMMS_PHONE_ACCOUNT_SID")
	}
	if c.PhoneAuthToken == "" {
		missing = append(missing, "AGENTCOMMS_PHONE_AUTH_TOKEN")
	}
	if c.PhoneNumber == "" {
		missing = append(missing, "AGENTCOMMS_PHONE_NUMBER")
	}
	if c.ElevenLabsAPIKey == "" {
		missing = append(missing, "AGENTCOMMS_ELEVENLABS_API_KEY or ELEVENLABS_API_KEY")
	}
	if c.DeepgramAPIKey == "" {
		missing = append(missing, "AGENTCOMMS_DEEPGRAM_API_KEY or DEEPGRAM_API_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// TTSProviderConfigs converts TTSProviderCaps into the slice ttsqueue.New
// expects.
func (c *Config) TTSProviderConfigs() []ttsqueue.Config {
	out := make([]ttsqueue.Config, 0, len(c.TTSProviderCaps))
	for name, n := range c.TTSProviderCaps {
		out = append(out, ttsqueue.Config{Provider: name, Cap: n})
	}
	return out
}

// policyFile is the on-disk YAML shape for business-hours + retry policy
// overrides, kept distinct from Agent bundles since they're process-wide
// rather than per-agent.
type policyFile struct {
	BusinessHours *calltypes.BusinessHoursPolicy `yaml:"business_hours"`
	RetryPolicies map[string]retryPolicyYAML     `yaml:"retry_policies"`
}

type retryPolicyYAML struct {
	Retryable      bool   `yaml:"retryable"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelay      string `yaml:"base_delay"`
	MaxDelay       string `yaml:"max_delay"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// LoadPolicy reads the business-hours policy and any retry policy
// overrides from a YAML file, layering them on top of
// retry.DefaultPolicyTable(). A missing file is not an error: defaults
// apply untouched.
func LoadPolicy(path string) (*calltypes.BusinessHoursPolicy, retry.PolicyTable, error) {
	table := retry.DefaultPolicyTable()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, table, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("parse policy file: %w", err)
	}

	for reason, py := range pf.RetryPolicies {
		policy := retry.Policy{Retryable: py.Retryable, MaxAttempts: py.MaxAttempts, JitterFraction: py.JitterFraction}
		if d, err := time.ParseDuration(py.BaseDelay); err == nil {
			policy.BaseDelay = d
		}
		if d, err := time.ParseDuration(py.MaxDelay); err == nil {
			policy.MaxDelay = d
		}
		table[calltypes.FailureReason(reason)] = policy
	}

	return pf.BusinessHours, table, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	return time.Duration(envInt(key)) * time.Millisecond
}

func envDurationSeconds(key string) time.Duration {
	return time.Duration(envInt(key)) * time.Second
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "yes"
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}
