package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelOptions configures the OpenTelemetry-backed Bundle.
type OTelOptions struct {
	// TracerProvider and MeterProvider are optional. When one is nil, that
	// half is disabled: spans are no-ops, or metric recordings are dropped.
	// The globally registered otel providers are not consulted.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// InstrumentationName is used as the tracer/meter name. Defaults to
	// "github.com/theater-project/theater".
	InstrumentationName string
	// Base is an application logger to delegate structured log lines to.
	// Required: telemetry.otel does not itself implement log formatting.
	Base Logger
}

// NewOTel builds a Bundle whose Tracer and Metrics are backed by
// OpenTelemetry, and whose Logger delegates to opts.Base.
func NewOTel(opts OTelOptions) (Bundle, error) {
	if opts.Base == nil {
		return Bundle{}, fmt.Errorf("telemetry: base logger is required")
	}
	name := opts.InstrumentationName
	if name == "" {
		name = "github.com/theater-project/theater"
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer(name)
	}
	var meter metric.Meter
	if opts.MeterProvider != nil {
		meter = opts.MeterProvider.Meter(name)
	}
	m, err := newOTelMetrics(meter)
	if err != nil {
		return Bundle{}, fmt.Errorf("telemetry: build metrics: %w", err)
	}
	return Bundle{
		Logger:  opts.Base,
		Metrics: m,
		Tracer:  otelTracer{tracer: tracer},
	}, nil
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if t.tracer == nil {
		return ctx, noopSpan{}
	}
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprint(value)))
}

func (s otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) End() { s.span.End() }

// otelMetrics adapts the Metrics interface onto lazily-created OTel
// instruments, keyed by name, matching the teacher's pattern of caching
// instruments rather than recreating them per call.
type otelMetrics struct {
	meter    metric.Meter
	counters map[string]metric.Int64Counter
	hists    map[string]metric.Int64Histogram
	gauges   map[string]metric.Float64Gauge
}

func newOTelMetrics(meter metric.Meter) (*otelMetrics, error) {
	return &otelMetrics{
		meter:    meter,
		counters: make(map[string]metric.Int64Counter),
		hists:    make(map[string]metric.Int64Histogram),
		gauges:   make(map[string]metric.Float64Gauge),
	}, nil
}

func (m *otelMetrics) IncrCounter(name string, delta int64, tags ...string) {
	if m.meter == nil {
		return
	}
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), delta, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *otelMetrics) RecordDuration(name string, nanos int64, tags ...string) {
	if m.meter == nil {
		return
	}
	h, ok := m.hists[name]
	if !ok {
		var err error
		h, err = m.meter.Int64Histogram(name, metric.WithUnit("ns"))
		if err != nil {
			return
		}
		m.hists[name] = h
	}
	h.Record(context.Background(), nanos, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *otelMetrics) SetGauge(name string, value float64, tags ...string) {
	if m.meter == nil {
		return
	}
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
