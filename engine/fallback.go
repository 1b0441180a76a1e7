package engine

import (
	"context"
	"fmt"
	"time"
)

// RateLimitManager is the subset of the Rate-Limit Manager (§4.3) the
// Fallback Runner consults. Defined here, implemented by package
// ratelimit, to avoid engine importing ratelimit (which itself has no
// need to know about engines).
type RateLimitManager interface {
	IsEngineAvailable(engineID string) bool
	MarkRateLimited(engineID string, resetsAt *time.Time, retryAfterSeconds *int)
}

// RunWithFallbackInput is the Fallback Runner's input record (§4.4).
type RunWithFallbackInput struct {
	PrimaryEngine  string
	RunOptions     RunOptions
	Chain          []string
	MaxAttempts    int
	ExcludeEngines []string
	OnEngineSwitch func(from, to string)
	// OnChunk receives every data/error-data/telemetry chunk from every
	// attempt, verbatim, in arrival order (§4.4: "chunks from a failed
	// attempt are still forwarded"). May be nil.
	OnChunk func(Chunk)
}

// RunWithFallbackOutput is the Fallback Runner's output record (§4.4).
type RunWithFallbackOutput struct {
	Result             Result
	EngineUsed         string
	FellBack           bool
	RateLimitedEngines []string
}

// Runner is the Engine Fallback Runner (E): tries a primary engine, then
// a configured chain, then any remaining registered engine, skipping
// candidates that are rate-limited or unauthenticated, and returns the
// first success or, if every candidate is exhausted, the last failing
// result.
type Runner struct {
	registry   *Registry
	rateLimits RateLimitManager
}

// NewRunner constructs a Fallback Runner over registry and rateLimits.
func NewRunner(registry *Registry, rateLimits RateLimitManager) *Runner {
	return &Runner{registry: registry, rateLimits: rateLimits}
}

// candidates builds the de-duplicated, excluded-filtered try order: the
// primary engine, then the configured chain, then every other registered
// engine ordered by Order() (§4.4 step 1).
func (r *Runner) candidates(in RunWithFallbackInput) []string {
	excluded := make(map[string]bool, len(in.ExcludeEngines))
	for _, id := range in.ExcludeEngines {
		excluded[id] = true
	}

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || excluded[id] || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(in.PrimaryEngine)
	for _, id := range in.Chain {
		add(id)
	}
	for _, e := range r.registry.List() {
		add(e.ID())
	}
	return out
}

// RunWithFallback executes the algorithm of §4.4.
func (r *Runner) RunWithFallback(ctx context.Context, in RunWithFallbackInput) (RunWithFallbackOutput, error) {
	candidateIDs := r.candidates(in)

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(candidateIDs)
	}

	var rateLimited []string
	var lastResult Result
	fellBack := false

	attempts := 0
	for i, id := range candidateIDs {
		if attempts >= maxAttempts {
			break
		}

		if !r.rateLimits.IsEngineAvailable(id) {
			continue
		}

		eng, err := r.registry.Get(id)
		if err != nil {
			continue
		}

		authed, err := r.registry.IsAuthenticated(ctx, id)
		if err != nil || !authed {
			continue
		}

		attempts++

		result, runErr := r.attempt(ctx, eng, in.RunOptions, in.OnChunk)
		if runErr != nil {
			if IsRateLimitError(runErr) {
				result = Result{Stderr: runErr.Error(), IsRateLimitError: true}
			} else {
				lastResult = Result{Stderr: runErr.Error()}
				continue
			}
		}

		if result.IsRateLimitError {
			rateLimited = append(rateLimited, id)
			resetsAt := result.RateLimitResetsAt
			retryAfter := result.RetryAfterSeconds
			r.rateLimits.MarkRateLimited(id, resetsAt, retryAfter)

			lastResult = result
			if in.OnEngineSwitch != nil && i+1 < len(candidateIDs) {
				in.OnEngineSwitch(id, candidateIDs[i+1])
			}
			continue
		}

		return RunWithFallbackOutput{
			Result:             result,
			EngineUsed:         id,
			FellBack:           id != in.PrimaryEngine,
			RateLimitedEngines: rateLimited,
		}, nil
	}

	if lastResult.Stderr == "" {
		lastResult.Stderr = fmt.Sprintf("no available engine among %d candidate(s)", len(candidateIDs))
	}
	if len(rateLimited) > 0 {
		fellBack = true
	}

	return RunWithFallbackOutput{
		Result:             lastResult,
		EngineUsed:         "",
		FellBack:           fellBack,
		RateLimitedEngines: rateLimited,
	}, nil
}

// attempt runs one engine to completion, forwarding data/error-data/
// telemetry chunks to onChunk and returning the terminal Result. It
// returns an error when eng.Run itself fails, when a Result chunk
// carries no ResultData, or when the stream ends without ever producing
// a Result chunk (e.g. ctx cancellation).
func (r *Runner) attempt(ctx context.Context, eng Engine, opts RunOptions, onChunk func(Chunk)) (Result, error) {
	stream, err := eng.Run(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	for chunk := range stream {
		switch chunk.Kind {
		case ChunkResult:
			if onChunk != nil {
				onChunk(chunk)
			}
			if chunk.ResultData == nil {
				return Result{}, fmt.Errorf("engine %s produced an empty result chunk", eng.ID())
			}
			result := *chunk.ResultData
			if result.IsRateLimitError && result.RateLimitResetsAt == nil && result.RetryAfterSeconds == nil {
				seconds := DefaultRetryAfterSeconds
				result.RetryAfterSeconds = &seconds
			}
			return result, nil
		default:
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{}, fmt.Errorf("engine %s stream ended without a result", eng.ID())
}
