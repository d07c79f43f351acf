// Package observe provides the observability primitives for speechlink:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus format by the exporter installed in [InitProvider]. Tests should
// build their own instance with [NewMetrics] and a manual reader rather than
// use [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speechlink metrics.
const meterName = "github.com/MrWong99/speechlink"

// Recognition outcome values for the "status" attribute.
const (
	StatusRecognized = "recognized"
	StatusNoMatch    = "no_match"
	StatusError      = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// RecognitionDuration tracks the wall time of a Recognize call, from dial
	// to connection close. Attributes: mode, format, status.
	RecognitionDuration metric.Float64Histogram

	// TokenDuration tracks how long token acquisition took.
	TokenDuration metric.Float64Histogram

	// Recognitions counts finished recognition calls. Attributes: mode, status.
	Recognitions metric.Int64Counter

	// FramesReceived counts inbound protocol messages. Attribute: path.
	FramesReceived metric.Int64Counter

	// AudioChunksSent counts binary audio messages written.
	AudioChunksSent metric.Int64Counter

	// RecognitionErrors counts failed calls. Attribute: kind
	// (connect, decode, protocol, invalid_request, other).
	RecognitionErrors metric.Int64Counter

	// ActiveSessions tracks the number of open recognition connections.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Recognition of a short
// utterance takes one to a few seconds; long dictations run to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognitionDuration, err = m.Float64Histogram("speechlink.recognition.duration",
		metric.WithDescription("Duration of a recognition call from connect to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokenDuration, err = m.Float64Histogram("speechlink.token.duration",
		metric.WithDescription("Latency of bearer token acquisition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Recognitions, err = m.Int64Counter("speechlink.recognitions",
		metric.WithDescription("Total recognition calls by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("speechlink.frames.received",
		metric.WithDescription("Total inbound protocol messages by path."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksSent, err = m.Int64Counter("speechlink.audio.chunks",
		metric.WithDescription("Total audio messages sent."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("speechlink.recognition.errors",
		metric.WithDescription("Total failed recognition calls by error kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("speechlink.active_sessions",
		metric.WithDescription("Number of open recognition connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("speechlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRecognition records the duration and outcome of one recognition call.
func (m *Metrics) RecordRecognition(ctx context.Context, mode, format, status string, d time.Duration) {
	m.RecognitionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("format", format),
			attribute.String("status", status),
		),
	)
	m.Recognitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordFrames adds n received messages for path.
func (m *Metrics) RecordFrames(ctx context.Context, path string, n int) {
	m.FramesReceived.Add(ctx, int64(n), metric.WithAttributes(attribute.String("path", path)))
}

// RecordError records a failed recognition call of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
