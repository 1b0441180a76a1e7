package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"codemachine.dev/core/engine"
)

// completionsClient captures the subset of the OpenAI SDK used by Codex,
// mirrored after messagesClient's shape for the Anthropic engine so both
// providers test the same way.
type completionsClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Codex is the `codex` engine (§3, §6): streams OpenAI chat completions.
type Codex struct {
	client       completionsClient
	apiKey       string
	defaultModel string
	order        int
}

// NewCodex constructs a Codex engine from an API key.
func NewCodex(apiKey, defaultModel string, order int) *Codex {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Codex{
		client:       &client.Chat.Completions,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		order:        order,
	}
}

func (c *Codex) ID() string           { return "codex" }
func (c *Codex) Name() string         { return "Codex" }
func (c *Codex) Order() int           { return c.order }
func (c *Codex) Experimental() bool   { return false }
func (c *Codex) DefaultModel() string { return c.defaultModel }
func (c *Codex) Auth() engine.Auth    { return apiKeyAuth{key: c.apiKey} }

// Run streams one prompt through the OpenAI chat completions API (§4.2).
func (c *Codex) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(opts.Prompt),
		},
	}

	stream := c.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if rateLimited, resetAt, retryAfter := codexRateLimit(err); rateLimited {
			return codexImmediateRateLimit(resetAt, retryAfter), nil
		}
		return nil, fmt.Errorf("codex: start stream: %w", err)
	}

	ch := make(chan engine.Chunk, 32)
	go runCodexStream(ctx, stream, ch, opts.TelemetrySink)
	return ch, nil
}

func codexImmediateRateLimit(resetAt *time.Time, retryAfter *int) <-chan engine.Chunk {
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
		IsRateLimitError:  true,
		RateLimitResetsAt: resetAt,
		RetryAfterSeconds: retryAfter,
	}}
	close(ch)
	return ch
}

func runCodexStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- engine.Chunk, sink func(engine.Telemetry)) {
	defer close(ch)
	defer stream.Close()

	var stdout string
	var telemetry engine.Telemetry
	start := time.Now()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				stdout += delta
				if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkData, Text: delta}) {
					return
				}
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			telemetry.TokensIn = int(chunk.Usage.PromptTokens)
			telemetry.TokensOut = int(chunk.Usage.CompletionTokens)
			telemetry.Duration = time.Since(start)
			if sink != nil {
				sink(telemetry)
			}
			if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkTelemetry, TelemetryData: &telemetry}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if rateLimited, resetAt, retryAfter := codexRateLimit(err); rateLimited {
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

// codexRateLimit classifies a synchronous OpenAI SDK error as a rate
// limit (§4.2: status 429 or a recognised textual marker).
func codexRateLimit(err error) (isRateLimit bool, resetAt *time.Time, retryAfterSeconds *int) {
	var apiErr *openai.Error
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
