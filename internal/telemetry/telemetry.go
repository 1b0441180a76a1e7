// Package telemetry provides the structured logging, metrics, and tracing
// surface shared by every component, plus the TraceContext value that
// carries a correlation ID and span parentage across asynchronous
// boundaries (engine runs, rate-limit persistence, store access, I/O).
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the core. Implementations
// typically delegate to Clue but the interface is intentionally small so tests
// can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so core code can remain agnostic of the
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

// TraceContext carries a correlation ID and span parentage across every
// asynchronous boundary a call chain may cross: engine runs, rate-limit
// persistence, the agent monitor store, prompt/memory file I/O, control-bus
// delivery (§3, §5 of SPEC_FULL.md). It is immutable; Child derives a new
// value that keeps the correlation ID but records a new parent span.
type TraceContext struct {
	CorrelationID string
	StartTime     time.Time
	Attributes    map[string]string
	Tags          []string
	ParentSpanID  string
}

// NewTraceContext mints a fresh TraceContext with a new correlation ID.
func NewTraceContext() TraceContext {
	return TraceContext{
		CorrelationID: uuid.NewString(),
		StartTime:     time.Now(),
		Attributes:    map[string]string{},
	}
}

// Child derives a child TraceContext that keeps the correlation ID but moves
// the parent span forward. Callers use this when entering a new component
// (e.g., Step Executor calling the Fallback Runner) so nested spans still
// resolve back to the same correlation ID.
func (t TraceContext) Child(spanID string) TraceContext {
	attrs := make(map[string]string, len(t.Attributes))
	for k, v := range t.Attributes {
		attrs[k] = v
	}
	return TraceContext{
		CorrelationID: t.CorrelationID,
		StartTime:     t.StartTime,
		Attributes:    attrs,
		Tags:          append([]string(nil), t.Tags...),
		ParentSpanID:  spanID,
	}
}

type traceCtxKey struct{}

// WithTraceContext attaches a TraceContext to ctx.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceCtxKey{}, tc)
}

// TraceContextFrom extracts the TraceContext previously attached to ctx, if
// any. Child goroutines spawned from ctx (e.g., a parallel step group)
// inherit it automatically because it travels on the context value chain.
func TraceContextFrom(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceCtxKey{}).(TraceContext)
	return tc, ok
}
