// Package provider implements C3: the outbound-call-initiation,
// teardown, and status-lookup client against the telephony provider's
// HTTP API, wrapped by a token-bucket RateLimiter and a 3-state Breaker.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexusone/agentcomms/pkg/apperr"
	"github.com/plexusone/agentcomms/pkg/metrics"
)

// CallStatus is the provider's reported status for a call.
type CallStatus string

// MakeCallRequest is the request body for call initiation (§4.3,
// customField must round-trip through provider webhooks as our call ID).
type MakeCallRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	AppID       string `json:"appId"`
	CustomField string `json:"customField"`
}

// MakeCallResponse is what the provider returns for a new call.
type MakeCallResponse struct {
	ProviderCallID string     `json:"providerCallId"`
	Status         CallStatus `json:"status"`
}

// CallDetails is the provider's status/duration/direction lookup result.
type CallDetails struct {
	Status    CallStatus    `json:"status"`
	Duration  time.Duration `json:"duration"`
	Direction string        `json:"direction"`
}

// Config configures the HTTP client to the telephony provider.
type Config struct {
	BaseURL     string
	AccountSID  string
	AuthToken   string
	HTTPTimeout time.Duration
	RateLimiter RateLimiterConfig
	Breaker     BreakerConfig
}

// Client is the C3 provider client.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *RateLimiter
	breaker *Breaker
	metrics *metrics.Registry
	log     zerolog.Logger
}

// New builds a Client. metricsReg and log follow every other
// component's convention of being passed in at construction.
func New(cfg Config, metricsReg *metrics.Registry, log zerolog.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: NewRateLimiter(cfg.RateLimiter),
		breaker: NewBreaker(cfg.Breaker, metricsReg, log),
		metrics: metricsReg,
		log:     log.With().Str("component", "provider_client").Logger(),
	}
}

// BreakerState exposes the circuit breaker's current state for stats
// reporting.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// MakeCall initiates an outbound call (§4.3 makeCall).
func (c *Client) MakeCall(ctx context.Context, req MakeCallRequest) (*MakeCallResponse, error) {
	var out MakeCallResponse
	err := c.do(ctx, http.MethodPost, "/calls", req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Hangup tears down an in-progress call by provider call ID.
func (c *Client) Hangup(ctx context.Context, providerCallID string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+providerCallID+"/hangup", nil, nil)
}

// GetDetails fetches status/duration/direction for a provider call ID.
func (c *Client) GetDetails(ctx context.Context, providerCallID string) (*CallDetails, error) {
	var out CallDetails
	if err := c.do(ctx, http.MethodGet, "/calls/"+providerCallID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecordingURL fetches the recording URL for a provider call ID, or
// empty string if none exists.
func (c *Client) GetRecordingURL(ctx context.Context, providerCallID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/calls/"+providerCallID+"/recording", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// do performs one rate-limited, circuit-breaker-protected HTTP request,
// classifying non-2xx responses per §4.3: 401 -> fatal auth error (no
// retry here, surfaced as-is); 429 -> RateLimited; 5xx/timeout ->
// NetworkError; others -> ProviderError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.breaker.Allow(ctx); err != nil {
		return err
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	classified := c.doRequest(ctx, method, path, body, out)
	metrics.Incr(ctx, c.metrics.ProviderCalls)

	if classified != nil && apperr.CodeOf(classified) != apperr.CodeUnauthorized {
		c.breaker.RecordFailure(ctx)
	} else {
		c.breaker.RecordSuccess()
	}
	return classified
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeProviderError, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.CodeProviderError, "build request", err)
	}
	httpReq.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("provider request failed")
		return apperr.Wrap(apperr.CodeNetworkError, "provider request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.New(apperr.CodeUnauthorized, "provider rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.New(apperr.CodeRateLimited, "provider rate limit exceeded")
	case resp.StatusCode >= 500:
		return apperr.New(apperr.CodeNetworkError, fmt.Sprintf("provider server error: %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return apperr.New(apperr.CodeProviderError, fmt.Sprintf("provider error: %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Wrap(apperr.CodeProviderError, "decode response", err)
		}
	}
	return nil
}
