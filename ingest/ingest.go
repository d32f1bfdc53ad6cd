package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/gateway"
	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
	"github.com/mjasion/balena-home/ruuvi_gateway/telemetry"
)

const tracerName = "github.com/mjasion/balena-home/ruuvi_gateway/ingest"

// Summary counts the outcomes of one ingestion call
type Summary struct {
	Decoded      int
	NoVendorData int
	Undecodable  int
}

func (s *Summary) add(status ruuvi.Status) {
	switch status {
	case ruuvi.StatusDecoded:
		s.Decoded++
	case ruuvi.StatusNoVendorData:
		s.NoVendorData++
	default:
		s.Undecodable++
	}
}

// Ingester decodes gateway traffic and applies it to the store. Decoding
// always happens before the store lock is taken. Decode problems are
// logged and counted here; they never remove or blank a stored sensor.
type Ingester struct {
	store       *store.Store
	logger      *telemetry.ContextLogger
	instruments *telemetry.Instruments
	tracer      trace.Tracer
}

// New creates an Ingester writing into st
func New(st *store.Store, logger *zap.Logger, instruments *telemetry.Instruments) *Ingester {
	return &Ingester{
		store:       st,
		logger:      telemetry.NewContextLogger(logger),
		instruments: instruments,
		tracer:      otel.Tracer(tracerName),
	}
}

// Envelope ingests a batch posted by the gateway. The gateway record and all
// decoded sensors become visible together.
func (i *Ingester) Envelope(ctx context.Context, env *gateway.Envelope) Summary {
	ctx, span := i.tracer.Start(ctx, "ingest.Envelope",
		trace.WithAttributes(
			attribute.String("gateway.id", env.GatewayID),
			attribute.Int("gateway.tags", len(env.Tags)),
		),
	)
	defer span.End()

	var summary Summary
	sensors := make([]store.Sensor, 0, len(env.Tags))
	for _, tag := range env.Tags {
		sensor, outcome := i.decode(ctx, env.GatewayID, tag)
		summary.add(outcome.Status)
		if outcome.Status == ruuvi.StatusDecoded {
			sensors = append(sensors, sensor)
		}
	}

	i.store.Apply(store.Gateway{
		ID:      env.GatewayID,
		Updated: env.Timestamp,
		Nonce:   env.Nonce,
	}, sensors)

	if i.instruments != nil {
		i.instruments.Envelope(ctx)
	}
	span.SetAttributes(
		attribute.Int("ingest.decoded", summary.Decoded),
		attribute.Int("ingest.no_vendor_data", summary.NoVendorData),
		attribute.Int("ingest.undecodable", summary.Undecodable),
	)

	i.logger.WithTraceContext(ctx).Debug("envelope ingested",
		zap.String("gateway", env.GatewayID),
		zap.Int("decoded", summary.Decoded),
		zap.Int("no_vendor_data", summary.NoVendorData),
		zap.Int("undecodable", summary.Undecodable),
	)

	return summary
}

// Single ingests one advertisement relayed outside an envelope, as the MQTT
// and local BLE sources deliver them. The gateway record is refreshed with
// no nonce.
func (i *Ingester) Single(ctx context.Context, gatewayID string, at time.Time, tag gateway.Tag) ruuvi.Outcome {
	sensor, outcome := i.decode(ctx, gatewayID, tag)

	i.store.UpsertGateway(at, nil, gatewayID)
	if outcome.Status == ruuvi.StatusDecoded {
		i.store.UpsertSensor(sensor.ID, sensor.LastSeen, sensor.RSSI, sensor.Reading)
	}
	return outcome
}

// Message ingests an MQTT message
func (i *Ingester) Message(ctx context.Context, msg *gateway.Message) ruuvi.Outcome {
	return i.Single(ctx, msg.GatewayID, msg.GatewayTimestamp, msg.Tag)
}

func (i *Ingester) decode(ctx context.Context, gatewayID string, tag gateway.Tag) (store.Sensor, ruuvi.Outcome) {
	ctx, span := i.tracer.Start(ctx, "ingest.Sensor",
		trace.WithAttributes(attribute.String("sensor.id", tag.ID)),
	)
	defer span.End()

	outcome := ruuvi.DecodeAdvertisement(tag.Data)

	span.SetAttributes(
		attribute.String("decode.status", outcome.Status.String()),
		attribute.Int("decode.candidates", outcome.Candidates),
	)
	if outcome.Reading != nil {
		span.SetAttributes(attribute.String("decode.format", outcome.Reading.Format().String()))
	}
	if outcome.Status != ruuvi.StatusDecoded {
		span.SetStatus(codes.Error, outcome.Status.String())
	}

	i.report(ctx, gatewayID, tag, outcome)
	if i.instruments != nil {
		i.instruments.Sensor(ctx, outcome.Status.String(), len(outcome.Failures))
	}

	return store.Sensor{
		ID:       tag.ID,
		LastSeen: tag.Timestamp,
		RSSI:     tag.RSSI,
		Reading:  outcome.Reading,
	}, outcome
}

func (i *Ingester) report(ctx context.Context, gatewayID string, tag gateway.Tag, outcome ruuvi.Outcome) {
	if outcome.Status == ruuvi.StatusDecoded && len(outcome.Failures) == 0 {
		return
	}

	logger := i.logger.WithTraceContext(ctx).With(
		zap.String("sensor", tag.ID),
		zap.String("gateway", gatewayID),
		zap.String("payload", fmt.Sprintf("%X", tag.Data)),
	)

	for _, err := range outcome.Failures {
		logger.Warn("failed to decode advertisement", zap.Error(err))
	}

	switch outcome.Status {
	case ruuvi.StatusNoVendorData:
		logger.Warn("no Ruuvi manufacturer data in advertisement")
	case ruuvi.StatusUndecodable:
		logger.Warn("keeping previous reading, no candidate decoded",
			zap.Int("candidates", outcome.Candidates))
	}
}
