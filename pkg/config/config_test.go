package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAgentcommsEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AGENTCOMMS_PORT", "AGENTCOMMS_PHONE_PROVIDER", "AGENTCOMMS_PHONE_ACCOUNT_SID",
		"AGENTCOMMS_PHONE_AUTH_TOKEN", "AGENTCOMMS_PHONE_BASE_URL", "AGENTCOMMS_PHONE_APP_ID",
		"AGENTCOMMS_PHONE_NUMBER", "AGENTCOMMS_ELEVENLABS_API_KEY", "ELEVENLABS_API_KEY",
		"AGENTCOMMS_TTS_VOICE", "AGENTCOMMS_TTS_MODEL", "AGENTCOMMS_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY",
		"AGENTCOMMS_STT_MODEL", "AGENTCOMMS_STT_LANGUAGE", "AGENTCOMMS_STT_POOL_SIZE",
		"AGENTCOMMS_STT_QUEUE_TIMEOUT_MS", "AGENTCOMMS_STT_MAX_QUEUE", "AGENTCOMMS_SPEC_THRESHOLD",
		"AGENTCOMMS_SILENCE_BACKSTOP_MS", "AGENTCOMMS_MAX_CALL_DURATION_S", "AGENTCOMMS_MAX_IDLE_S",
		"AGENTCOMMS_MAX_CONCURRENT_OUTBOUND", "AGENTCOMMS_OFF_PEAK_START", "AGENTCOMMS_OFF_PEAK_END",
		"AGENTCOMMS_TIMEZONE", "AGENTCOMMS_AVOID_OFF_PEAK", "AGENTCOMMS_AUTO_RETRY",
		"AGENTCOMMS_AUTO_RETRY_FOR_RETRIES", "AGENTCOMMS_DATABASE_DSN", "AGENTCOMMS_NGROK_AUTHTOKEN",
		"NGROK_AUTHTOKEN", "AGENTCOMMS_NGROK_DOMAIN", "AGENTCOMMS_AGENT_DIR",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfigHasSensibleDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3333, cfg.Port)
	assert.Equal(t, "twilio", cfg.PhoneProvider)
	assert.Equal(t, 10, cfg.TTSProviderCaps["elevenlabs"])
}

func TestLoadFromEnvRequiresCredentials(t *testing.T) {
	clearAgentcommsEnv(t)
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTCOMMS_PHONE_ACCOUNT_SID")
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	clearAgentcommsEnv(t)
	t.Setenv("AGENTCOMMS_PHONE_ACCOUNT_SID", "AC123")
	t.Setenv("AGENTCOMMS_PHONE_AUTH_TOKEN", "secret")
	t.Setenv("AGENTCOMMS_PHONE_NUMBER", "+15551234567")
	t.Setenv("AGENTCOMMS_ELEVENLABS_API_KEY", "el-key")
	t.Setenv("AGENTCOMMS_DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("AGENTCOMMS_PORT", "8080")
	t.Setenv("AGENTCOMMS_STT_POOL_SIZE", "20")
	t.Setenv("AGENTCOMMS_MAX_CONCURRENT_OUTBOUND", "5")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "AC123", cfg.PhoneAccountSID)
	assert.Equal(t, "+15551234567", cfg.PhoneNumber)
	assert.Equal(t, cfg.PhoneNumber, cfg.Outbound.FromNumber)
	assert.Equal(t, 20, cfg.STTPool.Capacity)
	assert.Equal(t, 5, cfg.Outbound.MaxConcurrentOutbound)
}

func TestLoadFromEnvFallsBackToUnprefixedAPIKeys(t *testing.T) {
	clearAgentcommsEnv(t)
	t.Setenv("AGENTCOMMS_PHONE_ACCOUNT_SID", "AC123")
	t.Setenv("AGENTCOMMS_PHONE_AUTH_TOKEN", "secret")
	t.Setenv("AGENTCOMMS_PHONE_NUMBER", "+15551234567")
	t.Setenv("ELEVENLABS_API_KEY", "fallback-el")
	t.Setenv("DEEPGRAM_API_KEY", "fallback-dg")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "fallback-el", cfg.ElevenLabsAPIKey)
	assert.Equal(t, "fallback-dg", cfg.DeepgramAPIKey)
}

func TestTTSProviderConfigsConvertsMap(t *testing.T) {
	cfg := &Config{TTSProviderCaps: map[string]int{"elevenlabs": 3}}
	out := cfg.TTSProviderConfigs()
	require.Len(t, out, 1)
	assert.Equal(t, "elevenlabs", out[0].Provider)
	assert.Equal(t, 3, out[0].Cap)
}

func TestLoadPolicyMissingFileReturnsDefaults(t *testing.T) {
	bhp, table, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, bhp)
	assert.NotEmpty(t, table)
}

func TestLoadPolicyParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
business_hours:
  start: "09:00"
  end: "17:00"
retry_policies:
  no_answer:
    retryable: true
    max_attempts: 7
    base_delay: 2m
    max_delay: 1h
    jitter_fraction: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	bhp, table, err := LoadPolicy(path)
	require.NoError(t, err)
	require.NotNil(t, bhp)
	assert.Equal(t, "09:00", bhp.Start)

	policy := table["no_answer"]
	assert.True(t, policy.Retryable)
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 2*time.Minute, policy.BaseDelay)
	assert.Equal(t, time.Hour, policy.MaxDelay)
}
