// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/internal/agent"
	"github.com/tinywideclouds/go-trigger-relay/internal/notify"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// ErrChannelClosed is returned by Channel.Send after Close.
var ErrChannelClosed = errors.New("channel closed")

// --- Channel ---

// Channel is a relay.Channel that records every frame it is sent.
type Channel struct {
	id     string
	userID string

	mu      sync.Mutex
	frames  []relay.Frame
	sendErr error
	arrived chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func NewChannel(userID string) *Channel {
	return &Channel{
		id:      uuid.NewString(),
		userID:  userID,
		arrived: make(chan struct{}, 1024),
		done:    make(chan struct{}),
	}
}

func (c *Channel) ID() string            { return c.id }
func (c *Channel) UserID() string        { return c.userID }
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send fails on a done context like a socket write past its deadline.
func (c *Channel) Send(ctx context.Context, frame relay.Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	select {
	case c.arrived <- struct{}{}:
	default:
	}
	return nil
}

// FailSends makes every later Send return err.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Close marks the channel as disconnected.
func (c *Channel) Close() { c.closeOnce.Do(func() { close(c.done) }) }

// Frames returns a copy of everything sent so far.
func (c *Channel) Frames() []relay.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Frame(nil), c.frames...)
}

// Events decodes every trigger frame sent so far.
func (c *Channel) Events() []relay.OutboundEvent {
	var out []relay.OutboundEvent
	for _, f := range c.Frames() {
		if f.Event != relay.EventTrigger {
			continue
		}
		var ev relay.OutboundEvent
		if err := json.Unmarshal(f.Data, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// Arrived signals once per recorded frame.
func (c *Channel) Arrived() <-chan struct{} { return c.arrived }

// --- Notification fallback ---

// TokenStore is an in-memory notify.TokenResolver.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string][]relay.DeviceToken
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string][]relay.DeviceToken)}
}

// Register adds device tokens for a user.
func (s *TokenStore) Register(userID string, tokens ...relay.DeviceToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = append(s.tokens[userID], tokens...)
}

func (s *TokenStore) ResolveTokens(_ context.Context, userIDs []string) ([]relay.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relay.DeviceToken
	for _, id := range userIDs {
		out = append(out, s.tokens[id]...)
	}
	return out, nil
}

// PushGateway logs pushes instead of sending them and remembers each batch.
type PushGateway struct {
	logger zerolog.Logger

	mu      sync.Mutex
	batches []PushBatch
}

// PushBatch is one recorded SendPush call.
type PushBatch struct {
	Tokens       []relay.DeviceToken
	Notification notify.Notification
}

func NewPushGateway(logger zerolog.Logger) *PushGateway {
	return &PushGateway{logger: logger.With().Str("component", "LogPushGateway").Logger()}
}

func (g *PushGateway) SendPush(_ context.Context, tokens []relay.DeviceToken, n notify.Notification) error {
	g.logger.Info().Int("tokens", len(tokens)).Str("title", n.Title).Str("body", n.Body).Msg("[FAKES-PUSH] SendPush called.")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, PushBatch{Tokens: tokens, Notification: n})
	return nil
}

// Batches returns every recorded push.
func (g *PushGateway) Batches() []PushBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PushBatch(nil), g.batches...)
}

// --- Agent ---

// EchoResponder answers every request with its own content.
type EchoResponder struct{}

func NewEchoResponder() *EchoResponder { return &EchoResponder{} }

func (EchoResponder) Respond(ctx context.Context, req agent.Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"content": req.Content, "chatId": req.ChatID})
}
