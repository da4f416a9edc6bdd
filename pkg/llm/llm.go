// Package llm wraps the omnichat streaming chat-completion client for the
// session engine's speculative and final LLM invocations (§4.4.4, §6).
package llm

import (
	"context"
	"time"

	omnichat "github.com/plexusone/omnichat"
)

// Message is one chat turn.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Request is one LLM invocation's input.
type Request struct {
	Model    string
	Messages []Message
}

// Client streams chat completions with a 30s default timeout (§5) and
// supports cancellation.
type Client struct {
	backend omnichat.Client
	timeout time.Duration
}

// New wraps an omnichat.Client.
func New(backend omnichat.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{backend: backend, timeout: timeout}
}

// StreamChat streams token chunks to onToken until the model finishes, the
// context is canceled, or the timeout elapses. Returns the full
// concatenated response.
func (c *Client) StreamChat(ctx context.Context, req Request, onToken func(chunk string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]omnichat.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, omnichat.Message{Role: m.Role, Content: m.Content})
	}

	stream, err := c.backend.StreamChat(ctx, omnichat.ChatRequest{Model: req.Model, Messages: msgs})
	if err != nil {
		return "", err
	}

	var full string
	for chunk := range stream {
		if chunk.Err != nil {
			return full, chunk.Err
		}
		if chunk.Delta != "" {
			full += chunk.Delta
			if onToken != nil {
				onToken(chunk.Delta)
			}
		}
		if chunk.Done {
			break
		}
	}
	return full, nil
}
