// Package engine defines the streaming contract every AI back-end
// implements (§4.2 of SPEC_FULL.md) and the Registry that holds one
// immutable Engine per back-end along with the process-wide Auth Cache.
//
// The contract is modelled the way the teacher models a durable workflow
// activity's result stream (runtime/agent/model.Client/Streamer and
// runtime/agent/model.Chunk), generalized from a conversation/Part model
// down to the plain text-or-telemetry-or-result chunk stream this core
// actually needs, and folded onto a single cancellable context instead of
// a bespoke cancel token.
package engine

import (
	"context"
	"time"
)

// ChunkKind tags one element of a Run stream.
type ChunkKind string

const (
	ChunkData      ChunkKind = "data"
	ChunkErrorData ChunkKind = "error-data"
	ChunkTelemetry ChunkKind = "telemetry"
	ChunkResult    ChunkKind = "result"
)

// Telemetry is the parsed usage/cost data an engine can report mid-stream
// or in its final Result (§3 AgentTelemetry). Additive fields must be
// non-decreasing across successive reports for the same run; Duration is
// recomputed, not accumulated.
type Telemetry struct {
	TokensIn  int
	TokensOut int
	Cached    *int
	Cost      *float64
	Duration  time.Duration
}

// Result is the single terminal chunk of a Run stream (§4.2). Exactly one
// Result chunk ends a non-cancelled stream; a cancelled stream ends
// without one.
type Result struct {
	Stdout             string
	Stderr             string
	IsRateLimitError   bool
	RateLimitResetsAt  *time.Time
	RetryAfterSeconds  *int
}

// Chunk is a tagged variant: Data/ErrorData carry Text, Telemetry chunks
// carry TelemetryData, Result chunks carry ResultData. Exactly one of the
// payload fields is populated, matching Kind.
type Chunk struct {
	Kind          ChunkKind
	Text          string
	TelemetryData *Telemetry
	ResultData    *Result
}

// RunOptions carries everything a Run invocation needs. Cancellation is
// carried by ctx (passed separately to Run), not by a field here, per Go
// idiom; the teacher's cancel-token field becomes the context argument.
type RunOptions struct {
	Prompt        string
	Model         string
	WorkingDir    string
	TelemetrySink func(Telemetry)
}

// Auth exposes the three operations §4.2 requires of every engine's
// authentication surface. Implementations may be no-ops for engines that
// need no auth handshake (e.g. the mock engine).
type Auth interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	EnsureAuth(ctx context.Context) error
	ClearAuth(ctx context.Context) error
}

// Engine is one immutable, registered back-end (§3 Engine). Identity is
// by ID; two Engines with the same ID are considered the same engine.
type Engine interface {
	ID() string
	Name() string
	Order() int
	Experimental() bool
	DefaultModel() string
	Auth() Auth
	// Run streams chunks for one prompt. The returned channel is closed
	// when the stream ends, whether by completion, error, or ctx
	// cancellation. A non-cancelled stream's last chunk has Kind ==
	// ChunkResult.
	Run(ctx context.Context, opts RunOptions) (<-chan Chunk, error)
}
