package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"codemachine.dev/core/engine"
)

// messagesClient captures the subset of the Anthropic SDK used by Claude,
// following the teacher's MessagesClient interface
// (features/model/anthropic/client.go) so tests can substitute a fake.
type messagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Claude is the `claude` engine (§3, §6): streams the Anthropic Messages
// API and translates SSE events into engine.Chunk.
type Claude struct {
	client       messagesClient
	apiKey       string
	defaultModel string
	order        int
	maxTokens    int64
}

// NewClaude constructs a Claude engine from an API key. defaultModel is
// used whenever a run does not specify one (§4.1 engine-model resolution).
func NewClaude(apiKey, defaultModel string, order int) *Claude {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Claude{
		client:       &client.Messages,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		order:        order,
		maxTokens:    8192,
	}
}

func (c *Claude) ID() string           { return "claude" }
func (c *Claude) Name() string         { return "Claude" }
func (c *Claude) Order() int           { return c.order }
func (c *Claude) Experimental() bool   { return false }
func (c *Claude) DefaultModel() string { return c.defaultModel }
func (c *Claude) Auth() engine.Auth    { return apiKeyAuth{key: c.apiKey} }

// Run streams one prompt through the Anthropic Messages API (§4.2).
func (c *Claude) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	params := sdk.MessageNewParams{
		MaxTokens: c.maxTokens,
		Model:     sdk.Model(model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(opts.Prompt)),
		},
	}

	stream := c.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if rateLimited, resetAt, retryAfter := claudeRateLimit(err); rateLimited {
			return claudeImmediateRateLimit(resetAt, retryAfter), nil
		}
		return nil, fmt.Errorf("claude: start stream: %w", err)
	}

	ch := make(chan engine.Chunk, 32)
	go runClaudeStream(ctx, stream, ch, opts.TelemetrySink)
	return ch, nil
}

// claudeImmediateRateLimit builds a one-shot stream reporting a
// synchronous rate-limit response as a Result chunk (§4.2 "result{...
// isRateLimitError}") rather than a returned error, so the Fallback
// Runner's MarkRateLimited call gets the engine's own reset timing.
func claudeImmediateRateLimit(resetAt *time.Time, retryAfter *int) <-chan engine.Chunk {
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
		IsRateLimitError:  true,
		RateLimitResetsAt: resetAt,
		RetryAfterSeconds: retryAfter,
	}}
	close(ch)
	return ch
}

func runClaudeStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], ch chan<- engine.Chunk, sink func(engine.Telemetry)) {
	defer close(ch)
	defer stream.Close()

	var stdout, stopReason string
	var telemetry engine.Telemetry
	start := time.Now()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				stdout += delta.Text
				if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkData, Text: delta.Text}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			telemetry.TokensIn = int(ev.Usage.InputTokens)
			telemetry.TokensOut = int(ev.Usage.OutputTokens)
			telemetry.Duration = time.Since(start)
			if sink != nil {
				sink(telemetry)
			}
			if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkTelemetry, TelemetryData: &telemetry}) {
				return
			}
		}
		_ = stopReason
	}

	if err := stream.Err(); err != nil {
		if rateLimited, resetAt, retryAfter := claudeRateLimit(err); rateLimited {
			emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
				IsRateLimitError:  true,
				RateLimitResetsAt: resetAt,
				RetryAfterSeconds: retryAfter,
			}})
			return
		}
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkErrorData, Text: err.Error()})
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stderr: err.Error()}})
		return
	}

	emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: stdout}})
}

// emit sends chunk on ch unless ctx is done first; reports whether the
// send happened.
func emit(ctx context.Context, ch chan<- engine.Chunk, chunk engine.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// claudeRateLimit classifies a synchronous Anthropic SDK error as a rate
// limit (§4.2: status 429, or one of the textual markers) and, when the
// SDK exposes response headers, extracts Retry-After.
func claudeRateLimit(err error) (isRateLimit bool, resetAt *time.Time, retryAfterSeconds *int) {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					return true, sleepRetryAfter(secs), &secs
				}
			}
			return true, nil, nil
		}
		return false, nil, nil
	}
	if engine.IsRateLimitError(err) {
		return true, nil, nil
	}
	return false, nil, nil
}
