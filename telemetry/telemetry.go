// Package telemetry provides the runtime's logging, metrics, and tracing
// seams. Core packages depend only on the interfaces here, never on a
// concrete backend, mirroring the teacher's agents/runtime/engine split
// between WorkflowContext (interface) and the Temporal binding.
package telemetry

import (
	"context"
)

type (
	// Logger is a structured, leveled logger. Key/value pairs follow the
	// convention of alternating key, value, key, value, ... arguments.
	Logger interface {
		Debug(msg string, kv ...any)
		Info(msg string, kv ...any)
		Warn(msg string, kv ...any)
		Error(msg string, kv ...any)
		// With returns a Logger that prepends kv to every subsequent call.
		With(kv ...any) Logger
	}

	// Metrics records counters and durations for runtime operations. Names
	// follow a dotted convention, e.g. "theater.actor.spawn".
	Metrics interface {
		IncrCounter(name string, delta int64, tags ...string)
		RecordDuration(name string, nanos int64, tags ...string)
		SetGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans around significant operations (guest calls, host
	// calls, supervision transitions). Implementations not wired to a real
	// tracing backend may return a no-op Span.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span represents one traced operation.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)

// Bundle groups the three telemetry seams so they can be threaded through
// constructors as a single value, matching how the teacher's
// WorkflowContext exposes Logger()/Metrics()/Tracer() together.
type Bundle struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// NoOp returns a Bundle whose components discard everything. Useful as a
// default when an embedder does not wire a telemetry backend.
func NoOp() Bundle {
	return Bundle{Logger: noopLogger{}, Metrics: noopMetrics{}, Tracer: noopTracer{}}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)    {}
func (noopLogger) Info(string, ...any)     {}
func (noopLogger) Warn(string, ...any)     {}
func (noopLogger) Error(string, ...any)    {}
func (n noopLogger) With(...any) Logger    { return n }

type noopMetrics struct{}

func (noopMetrics) IncrCounter(string, int64, ...string)    {}
func (noopMetrics) RecordDuration(string, int64, ...string) {}
func (noopMetrics) SetGauge(string, float64, ...string)     {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}
