// Package observe provides the observability primitives for parley:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so that the same instruments are
// scraped from /metrics. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks ticket fetch plus socket dial latency. Use with
	// attribute.String("outcome", "ok"|"error").
	ConnectDuration metric.Float64Histogram

	// TicketRequests counts ticket issuances by status.
	TicketRequests metric.Int64Counter

	// ReconnectAttempts counts reconnect decisions. Use with
	// attribute.String("outcome", "scheduled"|"exhausted").
	ReconnectAttempts metric.Int64Counter

	// ChunksSent counts capture chunks written to the socket.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts capture chunks that never reached the socket. Use
	// with attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// PlaybackItems counts playback queue outcomes by result.
	PlaybackItems metric.Int64Counter

	// MessagesReceived counts inbound frames by protocol kind.
	MessagesReceived metric.Int64Counter

	// MisclassifiedErrors counts "error" messages that carried assistant text.
	MisclassifiedErrors metric.Int64Counter

	// SessionErrors counts errors surfaced to the caller. Use with
	// attribute.String("kind", ...), attribute.Bool("recoverable", ...).
	SessionErrors metric.Int64Counter

	// StateTransitions counts call state changes by target state.
	StateTransitions metric.Int64Counter

	// ActiveCalls tracks calls between StartCall and teardown.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.connect.duration",
		metric.WithDescription("Latency of ticket acquisition and socket dial."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.TicketRequests, "parley.ticket.requests", "Total ticket issuance requests by status."},
		{&met.ReconnectAttempts, "parley.reconnect.attempts", "Reconnect decisions by outcome."},
		{&met.ChunksSent, "parley.audio.chunks.sent", "Capture chunks written to the socket."},
		{&met.ChunksDropped, "parley.audio.chunks.dropped", "Capture chunks dropped by reason."},
		{&met.PlaybackItems, "parley.playback.items", "Playback queue items by result."},
		{&met.MessagesReceived, "parley.messages.received", "Inbound frames by protocol kind."},
		{&met.MisclassifiedErrors, "parley.errors.misclassified", "Error messages reclassified as assistant text."},
		{&met.SessionErrors, "parley.session.errors", "Errors surfaced to the caller by kind."},
		{&met.StateTransitions, "parley.session.transitions", "Call state transitions by target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("parley.active_calls",
		metric.WithDescription("Number of calls in progress."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordTicketRequest records one ticket issuance with its status.
func (m *Metrics) RecordTicketRequest(ctx context.Context, status string) {
	m.TicketRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordConnect records the duration of one connect step.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconnect records a reconnect decision.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordChunkDropped records a capture chunk that was not sent.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPlayback records n playback items that ended with result.
func (m *Metrics) RecordPlayback(ctx context.Context, result string, n int) {
	m.PlaybackItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
}

// RecordMessage records one inbound frame of the given kind.
func (m *Metrics) RecordMessage(ctx context.Context, kind string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionError records one surfaced error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind, code string, recoverable bool) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("code", code),
			attribute.String("recoverable", strconv.FormatBool(recoverable)),
		),
	)
}

// RecordTransition records a state change into state to.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
