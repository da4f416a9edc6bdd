package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

func TestMakeCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC_test", user)
		assert.Equal(t, "secret", pass)

		var req MakeCallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+15551234567", req.To)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(MakeCallResponse{ProviderCallID: "PC123", Status: "ringing"})
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:    srv.URL,
		AccountSID: "AC_test",
		AuthToken:  "secret",
	}, metrics.NewNoop(), zerolog.Nop())

	resp, err := c.MakeCall(context.Background(), MakeCallRequest{From: "+10000000000", To: "+15551234567"})
	require.NoError(t, err)
	assert.Equal(t, "PC123", resp.ProviderCallID)
}

func TestMakeCallClassifiesErrors(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		wantCode   apperr.Code
	}{
		{"unauthorized", http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"rate limited", http.StatusTooManyRequests, apperr.CodeRateLimited},
		{"server error", http.StatusInternalServerError, apperr.CodeNetworkError},
		{"other error", http.StatusBadRequest, apperr.CodeProviderError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL}, metrics.NewNoop(), zerolog.Nop())
			_, err := c.MakeCall(context.Background(), MakeCallRequest{To: "+15551234567"})
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, apperr.CodeOf(err))
		})
	}
}

func TestRepeatedFailuresOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL,
		Breaker: BreakerConfig{FailureThreshold: 2},
	}, metrics.NewNoop(), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := c.MakeCall(context.Background(), MakeCallRequest{To: "+15551234567"})
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, c.BreakerState())

	_, err := c.MakeCall(context.Background(), MakeCallRequest{To: "+15551234567"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAPIUnavailable, apperr.CodeOf(err))
}
