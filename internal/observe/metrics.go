// Package observe carries the observability plumbing shared by the voice
// session, the web layer and the providers: OpenTelemetry instruments bridged
// to Prometheus, tracing helpers that tie spans to slog records, and the HTTP
// middleware that applies both to every request.
//
// Production code uses [DefaultMetrics], bound to the global meter provider
// installed by [InitProvider]. Tests build their own instruments with
// [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicecoach"

// Metrics holds the application's instruments. OTel instruments synchronise
// internally; a *Metrics may be shared freely.
type Metrics struct {
	// ── Voice session ───────────────────────────────────────────────────

	ActiveSessions metric.Int64UpDownCounter
	// SessionStarts carries status: ok, permission_denied,
	// device_unavailable, connection_error, cancelled or error.
	SessionStarts   metric.Int64Counter
	ConnectDuration metric.Float64Histogram
	TeardownErrors  metric.Int64Counter

	// ── Audio ───────────────────────────────────────────────────────────

	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter
	DecodeErrors  metric.Int64Counter
	// Turns carries role: user or model.
	Turns metric.Int64Counter

	// ── Providers and HTTP ──────────────────────────────────────────────

	// ProviderErrors carries provider and kind.
	ProviderErrors metric.Int64Counter
	// HTTPRequestDuration carries method and path, the path being the mux
	// route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets span a fast regional handshake to a stalled one.
var connectBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// instruments collects creation errors so NewMetrics can report all of them
// at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		ActiveSessions:  in.upDown("voicecoach.voice.sessions.active", "Number of live voice sessions."),
		SessionStarts:   in.counter("voicecoach.voice.session.starts", "Voice session start attempts by outcome."),
		ConnectDuration: in.seconds("voicecoach.voice.connect.duration", "Latency of opening the model connection.", connectBuckets...),
		TeardownErrors:  in.counter("voicecoach.voice.teardown.errors", "Resource release failures during session teardown."),

		FramesSent:    in.counter("voicecoach.voice.frames.sent", "Capture frames sent to the model."),
		FramesDropped: in.counter("voicecoach.voice.frames.dropped", "Capture frames discarded after close or on write failure."),
		DecodeErrors:  in.counter("voicecoach.voice.decode.errors", "Malformed inbound audio segments dropped."),
		Turns:         in.counter("voicecoach.voice.turns", "Chat messages materialised at turn boundaries by role."),

		ProviderErrors:      in.counter("voicecoach.provider.errors", "Provider errors by provider and kind."),
		HTTPRequestDuration: in.seconds("voicecoach.http.request.duration", "HTTP request latency by method and route."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments bound to
// [otel.GetMeterProvider]. The global provider delegates to whatever
// [InitProvider] installs later, so calling this before telemetry setup is
// fine.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordSessionStart counts one start attempt ending in status.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTurn counts one materialised chat message.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordProviderError counts one provider failure of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
