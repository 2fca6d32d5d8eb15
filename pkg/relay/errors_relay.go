package relay

import (
	"context"
	"fmt"
)

// ErrorKind classifies a scoped delivery failure.
type ErrorKind string

const (
	PresenceQueryFailure   ErrorKind = "presence_query"
	PublishFailure         ErrorKind = "publish"
	AgentCallFailure       ErrorKind = "agent_call"
	TokenResolutionFailure ErrorKind = "token_resolution"
	PushGatewayFailure     ErrorKind = "push_gateway"
)

// DeliveryError is a failure scoped to one recipient or one fallback batch.
// None of them are fatal; they are classified and handed to an ErrorReporter.
type DeliveryError struct {
	Kind   ErrorKind
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure for %s: %v", e.Kind, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrorReporter receives classified failures for observability.
type ErrorReporter interface {
	Report(ctx context.Context, err *DeliveryError)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(ctx context.Context, err *DeliveryError)

func (f ErrorReporterFunc) Report(ctx context.Context, err *DeliveryError) { f(ctx, err) }
