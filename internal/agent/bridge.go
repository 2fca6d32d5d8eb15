package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

const (
	defaultTimeout = 30 * time.Second
	// emitTimeout bounds each frame written to the origin. Emits never share
	// the responder's deadline, so typing:stop always follows typing:start.
	emitTimeout = 10 * time.Second
)

var (
	typingStart = json.RawMessage(`"start"`)
	typingStop  = json.RawMessage(`"stop"`)
)

// ErrorReply is the payload sent in place of a response when the responder
// fails, so the client is never left waiting.
type ErrorReply struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Bridge implements relay.AgentBridge. Every emit goes to the originating
// channel only.
type Bridge struct {
	responder Responder
	timeout   time.Duration
	reporter  relay.ErrorReporter
	logger    zerolog.Logger
}

// NewBridge creates a Bridge. timeout bounds each responder call.
func NewBridge(responder Responder, timeout time.Duration, reporter relay.ErrorReporter, logger zerolog.Logger) (*Bridge, error) {
	if responder == nil {
		return nil, errors.New("responder cannot be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if reporter == nil {
		reporter = relay.ErrorReporterFunc(func(context.Context, *relay.DeliveryError) {})
	}
	return &Bridge{
		responder: responder,
		timeout:   timeout,
		reporter:  reporter,
		logger:    logger.With().Str("component", "AgentBridge").Logger(),
	}, nil
}

// Converse emits typing:start, calls the responder, then emits typing:stop
// followed by either the response or an ErrorReply. If origin disconnects
// while the call is in flight the call is cancelled and nothing more is sent.
func (b *Bridge) Converse(ctx context.Context, origin relay.Channel, agent relay.UserRef, trigger relay.TriggerEvent) {
	log := b.logger.With().Str("sender", trigger.Sender.ID).Str("agent", agent.ID).Logger()

	b.emit(ctx, origin, agent, relay.ActionTyping, typingStart, log)

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	go func() {
		select {
		case <-origin.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()

	req := buildRequest(trigger)
	reply, err := b.responder.Respond(callCtx, req)

	select {
	case <-origin.Done():
		log.Debug().Msg("Sender disconnected during agent call. Abandoning reply.")
		return
	default:
	}

	b.emit(ctx, origin, agent, relay.ActionTyping, typingStop, log)

	if err != nil {
		b.reporter.Report(context.WithoutCancel(ctx), &relay.DeliveryError{Kind: relay.AgentCallFailure, UserID: trigger.Sender.ID, Err: err})
		b.emit(ctx, origin, agent, relay.ActionSend, errorReply(err), log)
		return
	}
	b.emit(ctx, origin, agent, relay.ActionSend, reply, log)
}

func (b *Bridge) emit(ctx context.Context, origin relay.Channel, agent relay.UserRef, action relay.Action, data json.RawMessage, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	frame, err := relay.NewFrame(relay.EventTrigger, relay.OutboundEvent{Sender: &agent, Action: action, Data: data})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build agent frame")
		return
	}
	if err := origin.Send(ctx, frame); err != nil {
		log.Warn().Err(err).Str("agent_action", string(action)).Msg("Failed to emit agent frame")
	}
}

func errorReply(err error) json.RawMessage {
	reply := ErrorReply{Error: "agent_error", Message: "The assistant could not answer right now."}
	if errors.Is(err, context.DeadlineExceeded) {
		reply = ErrorReply{Error: "agent_timeout", Message: "The assistant took too long to answer."}
	}
	data, _ := json.Marshal(reply)
	return data
}

// buildRequest extracts the message text and conversation id from the
// trigger payload. A string payload is the content itself; an object may
// carry content (or message) and chatId. The chat id defaults to the sender.
func buildRequest(trigger relay.TriggerEvent) Request {
	req := Request{ChatID: trigger.Sender.ID}
	if len(trigger.Data) == 0 {
		return req
	}

	var text string
	if err := json.Unmarshal(trigger.Data, &text); err == nil {
		req.Content = text
		return req
	}

	var fields struct {
		Content *string `json:"content"`
		Message *string `json:"message"`
		ChatID  string  `json:"chatId"`
	}
	if err := json.Unmarshal(trigger.Data, &fields); err == nil {
		if fields.ChatID != "" {
			req.ChatID = fields.ChatID
		}
		switch {
		case fields.Content != nil:
			req.Content = *fields.Content
			return req
		case fields.Message != nil:
			req.Content = *fields.Message
			return req
		}
	}

	req.Content = string(trigger.Data)
	return req
}
