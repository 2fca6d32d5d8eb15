// Package agent bridges conversational turns aimed at the agent recipient to
// an external synchronous responder.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Request is the body sent to the external responder.
type Request struct {
	Content string `json:"content"`
	ChatID  string `json:"chatId"`
}

// Responder performs one blocking request/response exchange.
type Responder interface {
	Respond(ctx context.Context, req Request) (json.RawMessage, error)
}

type responseBody struct {
	Data json.RawMessage `json:"data"`
}

// HTTPResponder posts requests as JSON and expects `{"data": {...}}` back.
type HTTPResponder struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPResponder creates a responder for url. A nil client uses
// http.DefaultClient; the per-call deadline comes from the context.
func NewHTTPResponder(url string, client *http.Client, logger zerolog.Logger) (*HTTPResponder, error) {
	if url == "" {
		return nil, errors.New("agent url cannot be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResponder{
		url:    url,
		client: client,
		logger: logger.With().Str("component", "AgentResponder").Logger(),
	}, nil
}

func (r *HTTPResponder) Respond(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	r.logger.Debug().Str("chat_id", req.ChatID).Msg("Calling agent responder")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent responded with status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var decoded responseBody
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return nil, errors.New("agent response has no data")
	}
	return decoded.Data, nil
}
