package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mjasion/balena-home/ruuvi_gateway"

// OutcomeKey is the attribute recording how a sensor message was handled
const OutcomeKey = attribute.Key("outcome")

// Instruments are the service's own counters. They record into whatever
// meter provider is registered globally, a no-op one unless OpenTelemetry
// is enabled.
type Instruments struct {
	envelopes      metric.Int64Counter
	sensors        metric.Int64Counter
	decodeFailures metric.Int64Counter
	pushes         metric.Int64Counter
}

// NewInstruments creates the counters on the given meter provider. A nil
// provider falls back to the global one.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		inst Instruments
		err  error
	)

	inst.envelopes, err = meter.Int64Counter("ruuvi.ingest.envelopes",
		metric.WithDescription("Ingestion envelopes accepted from gateways"))
	if err != nil {
		return nil, fmt.Errorf("failed to create envelopes counter: %w", err)
	}

	inst.sensors, err = meter.Int64Counter("ruuvi.ingest.sensors",
		metric.WithDescription("Sensor messages processed, by decode outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sensors counter: %w", err)
	}

	inst.decodeFailures, err = meter.Int64Counter("ruuvi.decode.failures",
		metric.WithDescription("Framing and format failures reported by the decoder"))
	if err != nil {
		return nil, fmt.Errorf("failed to create decode failures counter: %w", err)
	}

	inst.pushes, err = meter.Int64Counter("ruuvi.remotewrite.pushes",
		metric.WithDescription("Remote write pushes, by result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pushes counter: %w", err)
	}

	return &inst, nil
}

// Envelope counts one accepted envelope
func (i *Instruments) Envelope(ctx context.Context) {
	i.envelopes.Add(ctx, 1)
}

// Sensor counts one processed sensor message with its outcome and the
// number of failures the decoder reported for it.
func (i *Instruments) Sensor(ctx context.Context, outcome string, failures int) {
	i.sensors.Add(ctx, 1, metric.WithAttributes(OutcomeKey.String(outcome)))
	if failures > 0 {
		i.decodeFailures.Add(ctx, int64(failures))
	}
}

// Push counts one remote write push attempt cycle
func (i *Instruments) Push(ctx context.Context, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	i.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
