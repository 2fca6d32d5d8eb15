// Package notify is the push-notification fallback for recipients who have no
// live channel anywhere in the cluster.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// TokenResolver maps users to their registered device tokens.
type TokenResolver interface {
	ResolveTokens(ctx context.Context, userIDs []string) ([]relay.DeviceToken, error)
}

// PushGateway sends one batched push.
type PushGateway interface {
	SendPush(ctx context.Context, tokens []relay.DeviceToken, n Notification) error
}

// Config tunes the fallback Service.
type Config struct {
	Title   string
	Sound   string
	Timeout time.Duration
}

// pushData is attached to every push so the client can route the tap.
type pushData struct {
	Sender relay.UserRef   `json:"sender"`
	Action relay.Action    `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Service implements relay.Notifier.
type Service struct {
	cfg      Config
	tokens   TokenResolver
	gateway  PushGateway
	reporter relay.ErrorReporter
	logger   zerolog.Logger
}

// NewService creates the fallback service.
func NewService(cfg Config, tokens TokenResolver, gateway PushGateway, reporter relay.ErrorReporter, logger zerolog.Logger) (*Service, error) {
	if tokens == nil || gateway == nil {
		return nil, errors.New("token resolver and push gateway are required")
	}
	if cfg.Title == "" {
		cfg.Title = "New message"
	}
	if cfg.Sound == "" {
		cfg.Sound = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if reporter == nil {
		reporter = relay.ErrorReporterFunc(func(context.Context, *relay.DeliveryError) {})
	}
	return &Service{
		cfg:      cfg,
		tokens:   tokens,
		gateway:  gateway,
		reporter: reporter,
		logger:   logger.With().Str("component", "NotificationFallback").Logger(),
	}, nil
}

// Notify resolves tokens for every offline user and sends a single push that
// carries the trigger payload. Failures are reported and returned; they are
// never surfaced to the client.
func (s *Service) Notify(ctx context.Context, offlineUserIDs []string, trigger relay.TriggerEvent) error {
	if len(offlineUserIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	log := s.logger.With().Str("sender", trigger.Sender.ID).Int("users", len(offlineUserIDs)).Logger()

	tokens, err := s.tokens.ResolveTokens(ctx, offlineUserIDs)
	if err != nil {
		s.reporter.Report(ctx, &relay.DeliveryError{Kind: relay.TokenResolutionFailure, Err: err})
		return fmt.Errorf("failed to resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		log.Debug().Msg("No device tokens registered for offline users")
		return nil
	}

	n := Notification{
		Title: s.cfg.Title,
		Body:  bodyOf(trigger.Data),
		Sound: s.cfg.Sound,
		Data:  pushData{Sender: trigger.Sender, Action: trigger.Action, Data: trigger.Data},
	}
	if err := s.gateway.SendPush(ctx, tokens, n); err != nil {
		s.reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PushGatewayFailure, Err: err})
		return fmt.Errorf("failed to send push: %w", err)
	}

	log.Info().Int("tokens", len(tokens)).Msg("Push notification sent")
	return nil
}

// bodyOf renders the payload as notification text: string payloads as-is,
// anything else as its JSON.
func bodyOf(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return string(data)
}
