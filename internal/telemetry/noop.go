package telemetry

import "context"

// NoopLogger discards every log message. cmd/codemachine selects it over
// ClueLogger when CODEMACHINE_PLAIN_LOGS is set, and package tests across
// the module use it in place of wiring up goa.design/clue/log. Unlike
// ClueLogger it never reads the TraceContext carried on ctx (§3, §5,
// §9's correlation ID would have nowhere to go), so the type only needs
// to satisfy Logger — Metrics and Tracer have no caller-visible no-op
// requirement anywhere in this module and are intentionally not
// duplicated here.
type NoopLogger struct{}

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}
