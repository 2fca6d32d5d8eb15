package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// Notification is the content of one push.
type Notification struct {
	Title string
	Body  string
	Sound string
	Data  any
}

type expoRequest struct {
	To    []relay.DeviceToken `json:"to"`
	Sound string              `json:"sound"`
	Title string              `json:"title"`
	Body  string              `json:"body"`
	Data  any                 `json:"data,omitempty"`
}

// ExpoGateway sends pushes through an Expo-compatible HTTP push endpoint.
// The whole batch succeeds or fails as one call.
type ExpoGateway struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewExpoGateway creates a gateway posting to url.
func NewExpoGateway(url string, client *http.Client, logger zerolog.Logger) (*ExpoGateway, error) {
	if url == "" {
		return nil, errors.New("push gateway url cannot be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ExpoGateway{
		url:    url,
		client: client,
		logger: logger.With().Str("component", "ExpoGateway").Logger(),
	}, nil
}

func (g *ExpoGateway) SendPush(ctx context.Context, tokens []relay.DeviceToken, n Notification) error {
	body, err := json.Marshal(expoRequest{
		To:    tokens,
		Sound: n.Sound,
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway responded with status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	g.logger.Debug().Int("tokens", len(tokens)).RawJSON("response", jsonOrNull(snippet)).Msg("Push accepted")
	return nil
}

func jsonOrNull(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	return []byte("null")
}
