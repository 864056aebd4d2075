// Package telemetry wires OpenTelemetry tracing and the relay's call counters.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway"

// Setup initialises tracing for the given service.
//
// Tracing is opt-in: when endpoint is empty or enabled is false, Setup returns
// a no-op shutdown function and no global provider is registered.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName, endpoint string, enabled bool) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint = strings.TrimSpace(endpoint)
	if !enabled || endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the relay's counters. A nil *Metrics records nothing.
type Metrics struct {
	forwarded metric.Int64Counter
	dropped   metric.Int64Counter
	bargeIns  metric.Int64Counter
	malformed metric.Int64Counter
	active    metric.Int64UpDownCounter
}

// NewMetrics registers the counters on meter, or on the global meter provider
// when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		m   Metrics
		err error
	)
	if m.forwarded, err = meter.Int64Counter("relay.media.forwarded",
		metric.WithDescription("Caller audio frames forwarded to the AI leg.")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("relay.media.dropped",
		metric.WithDescription("Caller audio frames dropped, by reason.")); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("relay.bargein",
		metric.WithDescription("Times the caller interrupted AI playback.")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("relay.events.malformed",
		metric.WithDescription("Inbound frames that could not be decoded, by leg.")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("relay.calls.active",
		metric.WithDescription("Calls currently relayed.")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) MediaForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.forwarded.Add(ctx, 1)
}

func (m *Metrics) MediaDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) BargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.bargeIns.Add(ctx, 1)
}

func (m *Metrics) MalformedEvent(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("leg", source)))
}

// CallStarted and CallEnded track concurrently relayed calls.
func (m *Metrics) CallStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *Metrics) CallEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
}
