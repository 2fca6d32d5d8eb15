// Package telemetry owns the relay's OpenTelemetry instruments and the
// observability side of error reporting.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// MeterName is the instrumentation scope used when no meter is supplied.
const MeterName = "go-trigger-relay"

// Instruments groups the relay's metrics. A nil *Instruments records nothing.
type Instruments struct {
	triggers   metric.Int64Counter
	recipients metric.Int64Counter
	fallbacks  metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewInstruments registers the relay instruments on meter, falling back to
// the global meter provider when meter is nil.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	var (
		inst Instruments
		err  error
	)
	if inst.triggers, err = meter.Int64Counter("relay_triggers_total",
		metric.WithDescription("Trigger events processed, by action")); err != nil {
		return nil, fmt.Errorf("failed to create triggers counter: %w", err)
	}
	if inst.recipients, err = meter.Int64Counter("relay_recipients_total",
		metric.WithDescription("Recipients classified, by status")); err != nil {
		return nil, fmt.Errorf("failed to create recipients counter: %w", err)
	}
	if inst.fallbacks, err = meter.Int64Counter("relay_fallback_batches_total",
		metric.WithDescription("Push fallback batches dispatched")); err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}
	if inst.errors, err = meter.Int64Counter("relay_delivery_errors_total",
		metric.WithDescription("Scoped delivery failures, by kind")); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	if inst.duration, err = meter.Float64Histogram("relay_dispatch_duration_seconds",
		metric.WithDescription("Time to route one trigger event"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return &inst, nil
}

func (i *Instruments) TriggerHandled(ctx context.Context, action relay.Action, elapsed time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", string(action)))
	i.triggers.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (i *Instruments) RecipientClassified(ctx context.Context, status relay.Status) {
	if i == nil {
		return
	}
	i.recipients.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (i *Instruments) FallbackBatch(ctx context.Context) {
	if i == nil {
		return
	}
	i.fallbacks.Add(ctx, 1)
}

func (i *Instruments) DeliveryFailed(ctx context.Context, kind relay.ErrorKind) {
	if i == nil {
		return
	}
	i.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// Reporter is the relay.ErrorReporter used in production: it logs each
// failure with structured fields and counts it by kind.
type Reporter struct {
	logger      zerolog.Logger
	instruments *Instruments
}

// NewReporter creates a Reporter. instruments may be nil.
func NewReporter(logger zerolog.Logger, instruments *Instruments) *Reporter {
	return &Reporter{
		logger:      logger.With().Str("component", "ErrorReporter").Logger(),
		instruments: instruments,
	}
}

func (r *Reporter) Report(ctx context.Context, err *relay.DeliveryError) {
	if err == nil {
		return
	}
	r.instruments.DeliveryFailed(ctx, err.Kind)

	event := r.logger.Warn()
	if err.Kind == relay.PushGatewayFailure || err.Kind == relay.TokenResolutionFailure {
		event = r.logger.Error()
	}
	event.Err(err.Err).
		Str("kind", string(err.Kind)).
		Str("user", err.UserID).
		Msg("Delivery failure")
}
