// Package observe provides application-wide observability primitives for
// audioknife: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all audioknife metrics.
const meterName = "github.com/audioknife/audioknife"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ConversationDuration tracks wall-clock conversation lifetime from Start
	// to terminal event. Use with attributes:
	//   attribute.String("service", ...), attribute.String("terminal", "stopped"|"error")
	ConversationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EventsDispatched counts server events delivered to the transport. Use
	// with attribute: attribute.String("kind", ...)
	EventsDispatched metric.Int64Counter

	// PacedAudioSeconds accumulates seconds of audio paced through the media
	// scheduler toward the client.
	PacedAudioSeconds metric.Float64Counter

	// SchedulerThrottles counts full-buffer yields of the media scheduler,
	// i.e. how often the buffered-audio cap was already in flight.
	SchedulerThrottles metric.Int64Counter

	// InputDrops counts inbound events dropped because a conversation's
	// input channel was full or its modality did not match. Use with
	// attribute: attribute.String("reason", ...)
	InputDrops metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BillingReports counts billing report groups emitted on terminal
	// events. Use with attribute: attribute.String("sink", "client"|"postgres")
	BillingReports metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversations across all
	// connections.
	ActiveConversations metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open client connections.
	ActiveConnections metric.Int64UpDownCounter
}

// conversationBuckets defines histogram bucket boundaries (in seconds) for
// conversation lifetimes, which range from sub-second synthesize calls to
// multi-minute dialogs.
var conversationBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConversationDuration, err = m.Float64Histogram("audioknife.conversation.duration",
		metric.WithDescription("Conversation lifetime from Start to terminal event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(conversationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("audioknife.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsDispatched, err = m.Int64Counter("audioknife.events.dispatched",
		metric.WithDescription("Total server events delivered to the transport by kind."),
	); err != nil {
		return nil, err
	}
	if met.PacedAudioSeconds, err = m.Float64Counter("audioknife.scheduler.paced_audio",
		metric.WithDescription("Seconds of audio paced through the media scheduler."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.SchedulerThrottles, err = m.Int64Counter("audioknife.scheduler.throttles",
		metric.WithDescription("Full-buffer yields of the media scheduler."),
	); err != nil {
		return nil, err
	}
	if met.InputDrops, err = m.Int64Counter("audioknife.input.drops",
		metric.WithDescription("Inbound events dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("audioknife.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("audioknife.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BillingReports, err = m.Int64Counter("audioknife.billing.reports",
		metric.WithDescription("Billing report groups emitted on terminal events by sink."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("audioknife.active_conversations",
		metric.WithDescription("Number of live conversations across all connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("audioknife.active_connections",
		metric.WithDescription("Number of open client connections."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConversationEnd records one finished conversation: its lifetime
// histogram sample and the active-conversation gauge decrement.
func (m *Metrics) RecordConversationEnd(ctx context.Context, service, terminal string, seconds float64) {
	m.ConversationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("terminal", terminal),
		),
	)
	m.ActiveConversations.Add(ctx, -1)
}

// RecordEventDispatched increments the dispatched-event counter for kind.
func (m *Metrics) RecordEventDispatched(ctx context.Context, kind string) {
	m.EventsDispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordInputDrop increments the input-drop counter with the given reason.
func (m *Metrics) RecordInputDrop(ctx context.Context, reason string) {
	m.InputDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBillingReports counts n billing reports delivered to the named sink,
// "client" for in-stream events or "postgres" for the report store.
func (m *Metrics) RecordBillingReports(ctx context.Context, sink string, n int64) {
	if n <= 0 {
		return
	}
	m.BillingReports.Add(ctx, n,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}
