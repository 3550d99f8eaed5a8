// Package telemetry defines the logging, metrics, and tracing interfaces
// consumed by every orchestration-core package. No package in this module
// reaches for a global logger or tracer: constructors accept these
// interfaces through a functional option, a config struct or a plain
// parameter, defaulting to the no-op implementations in noop.go so tests
// never need a real backend.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and timer helpers for engine instrumentation
// (effect_executed, effect_skipped, duplicate_tool_call, tick_started,
// stalled_agent_finalised).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code remains agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
