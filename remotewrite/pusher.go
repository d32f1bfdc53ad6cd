package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/exposition"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
	"github.com/mjasion/balena-home/ruuvi_gateway/telemetry"
)

const (
	tracerName  = "github.com/mjasion/balena-home/ruuvi_gateway/remotewrite"
	maxAttempts = 3
)

// ErrNothingToPush is returned before the first ingestion
var ErrNothingToPush = errors.New("nothing ingested yet")

// Pusher periodically sends the store contents to a Prometheus
// remote_write endpoint.
type Pusher struct {
	url         string
	username    string
	password    string
	schedule    string
	client      *http.Client
	store       *store.Store
	names       exposition.Labeler
	instruments *telemetry.Instruments
	logger      *zap.Logger

	now     func() time.Time
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	lastPush time.Time
}

// New creates a Pusher. names and instruments may be nil.
func New(cfg config.RemoteWriteConfig, st *store.Store, names exposition.Labeler, instruments *telemetry.Instruments, logger *zap.Logger) *Pusher {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	return &Pusher{
		url:         cfg.URL,
		username:    cfg.Username,
		password:    cfg.Password,
		schedule:    cfg.Schedule,
		client:      httpClient,
		store:       st,
		names:       names,
		instruments: instruments,
		logger:      logger,
		now:         time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		},
	}
}

// Start runs the push schedule until ctx is done. A push still running
// when the next one is due makes the next one skip.
func (p *Pusher) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.schedule, func() {
		if err := p.PushSnapshot(ctx); err != nil && !errors.Is(err, ErrNothingToPush) {
			p.logger.Error("remote write failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid remote write schedule %q: %w", p.schedule, err)
	}

	p.logger.Info("remote write pusher started", zap.String("schedule", p.schedule))
	c.Start()

	<-ctx.Done()
	p.logger.Info("remote write pusher stopping")
	<-c.Stop().Done()
	return nil
}

// PushSnapshot pushes the current store contents, stamped with the push time
func (p *Pusher) PushSnapshot(ctx context.Context) error {
	snap := p.store.Snapshot()
	if snap.Gateway.Updated.Equal(store.NeverUpdated) && len(snap.Sensors) == 0 {
		p.logger.Debug("nothing to push yet")
		return ErrNothingToPush
	}

	series := BuildTimeSeries(exposition.Collect(snap, p.names), p.now())
	err := p.Push(ctx, series)
	if p.instruments != nil {
		p.instruments.Push(ctx, err)
	}
	return err
}

// BuildTimeSeries converts exposition samples to remote write series, one
// sample each, all stamped with at.
func BuildTimeSeries(samples []exposition.Sample, at time.Time) []prompb.TimeSeries {
	ts := at.UnixMilli()
	series := make([]prompb.TimeSeries, 0, len(samples))
	for _, s := range samples {
		// Samples share label slices; build a fresh one per series
		labels := make([]prompb.Label, 0, len(s.Labels)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: s.Name})
		for _, l := range s.Labels {
			labels = append(labels, prompb.Label{Name: l.Name, Value: l.Value})
		}
		slices.SortFunc(labels, func(a, b prompb.Label) int {
			return strings.Compare(a.Name, b.Name)
		})

		series = append(series, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: s.Value, Timestamp: ts}},
		})
	}
	return series
}

// Push sends series with up to three attempts, backing off between them
func (p *Pusher) Push(ctx context.Context, series []prompb.TimeSeries) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "remotewrite.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("remotewrite.series", len(series))),
	)
	defer span.End()

	if len(series) == 0 {
		span.SetStatus(codes.Ok, "no series to push")
		return nil
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: series})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal protobuf")
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)
	span.SetAttributes(
		attribute.Int("remotewrite.protobuf_size_bytes", len(data)),
		attribute.Int("remotewrite.compressed_size_bytes", len(compressed)),
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.pushOnce(ctx, compressed)
		if err == nil {
			p.mu.Lock()
			p.lastPush = p.now()
			p.mu.Unlock()

			p.logger.Debug("pushed metrics",
				zap.Int("series", len(series)),
				zap.Int("attempt", attempt),
			)
			span.SetAttributes(attribute.Int("remotewrite.successful_attempt", attempt))
			span.SetStatus(codes.Ok, "metrics pushed")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("remotewrite.attempt", attempt),
			attribute.String("error", err.Error()),
		))

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push metrics after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, msg)
	}
	return nil
}

// lastPushTime returns the time of the last successful push
func (p *Pusher) lastPushTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}
