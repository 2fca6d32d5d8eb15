package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

func setupInstruments(t *testing.T) (*telemetry.Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	inst, err := telemetry.NewInstruments(provider.Meter(telemetry.MeterName))
	require.NoError(t, err)
	return inst, reader
}

// sums collects every int64 sum data point keyed by metric name and the
// value of attrKey (empty when the point has no such attribute).
func sums(t *testing.T, reader *sdkmetric.ManualReader, attrKey attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attrKey)
				out[m.Name+"/"+v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestInstruments_Record(t *testing.T) {
	inst, reader := setupInstruments(t)
	ctx := context.Background()

	inst.TriggerHandled(ctx, relay.ActionSend, 5*time.Millisecond)
	inst.TriggerHandled(ctx, relay.ActionSend, 7*time.Millisecond)
	inst.RecipientClassified(ctx, relay.StatusOnline)
	inst.RecipientClassified(ctx, relay.StatusOffline)
	inst.RecipientClassified(ctx, relay.StatusOffline)
	inst.FallbackBatch(ctx)

	assert.Equal(t, int64(2), sums(t, reader, "action")["relay_triggers_total/send"])

	byStatus := sums(t, reader, "status")
	assert.Equal(t, int64(1), byStatus["relay_recipients_total/online"])
	assert.Equal(t, int64(2), byStatus["relay_recipients_total/offline"])
	assert.Equal(t, int64(1), byStatus["relay_fallback_batches_total/"])
}

func TestInstruments_NilIsSafe(t *testing.T) {
	var inst *telemetry.Instruments
	ctx := context.Background()

	assert.NotPanics(t, func() {
		inst.TriggerHandled(ctx, relay.ActionPing, time.Millisecond)
		inst.RecipientClassified(ctx, relay.StatusOnline)
		inst.FallbackBatch(ctx)
		inst.DeliveryFailed(ctx, relay.PublishFailure)
	})
}

func TestNewInstruments_GlobalMeter(t *testing.T) {
	inst, err := telemetry.NewInstruments(nil)
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestReporter_LogsAndCounts(t *testing.T) {
	inst, reader := setupInstruments(t)
	var buf bytes.Buffer
	reporter := telemetry.NewReporter(zerolog.New(&buf), inst)
	ctx := context.Background()

	reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PresenceQueryFailure, UserID: "bob", Err: errors.New("timeout")})
	reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PushGatewayFailure, Err: errors.New("503")})
	reporter.Report(ctx, nil)

	byKind := sums(t, reader, "kind")
	assert.Equal(t, int64(1), byKind["relay_delivery_errors_total/presence_query"])
	assert.Equal(t, int64(1), byKind["relay_delivery_errors_total/push_gateway"])

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "warn", first["level"])
	assert.Equal(t, "presence_query", first["kind"])
	assert.Equal(t, "bob", first["user"])
	assert.Equal(t, "timeout", first["error"])
	assert.Equal(t, "error", second["level"])
	assert.Equal(t, "ErrorReporter", second["component"])
}
