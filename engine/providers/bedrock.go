package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"codemachine.dev/core/engine"
)

// runtimeClient captures the subset of the AWS Bedrock runtime client
// used by Bedrock, mirroring the teacher's RuntimeClient interface
// (features/model/bedrock/client.go) so tests can substitute a fake.
type runtimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Bedrock is the `bedrock` engine (§5: registered as an additional
// back-end with no built-in preset selecting it by default). Uses the
// AWS Bedrock Converse API in streaming mode.
type Bedrock struct {
	runtime      runtimeClient
	defaultModel string
	order        int
}

// NewBedrock constructs a Bedrock engine over an already-configured AWS
// Bedrock runtime client (credentials resolved the standard AWS SDK way
// — environment, shared config, or instance profile).
func NewBedrock(runtime *bedrockruntime.Client, defaultModel string, order int) *Bedrock {
	return &Bedrock{runtime: runtime, defaultModel: defaultModel, order: order}
}

func (b *Bedrock) ID() string           { return "bedrock" }
func (b *Bedrock) Name() string         { return "Bedrock" }
func (b *Bedrock) Order() int           { return b.order }
func (b *Bedrock) Experimental() bool   { return true }
func (b *Bedrock) DefaultModel() string { return b.defaultModel }
func (b *Bedrock) Auth() engine.Auth    { return alwaysAuthed{} }

// Run streams one prompt through the Bedrock Converse streaming API
// (§4.2), following the teacher's bedrockStreamer event loop.
func (b *Bedrock) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	model := opts.Model
	if model == "" {
		model = b.defaultModel
	}

	out, err := b.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: opts.Prompt}},
			},
		},
	})
	if err != nil {
		if rateLimited, retryAfter := bedrockRateLimit(err); rateLimited {
			return bedrockImmediateRateLimit(retryAfter), nil
		}
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	ch := make(chan engine.Chunk, 32)
	go runBedrockStream(ctx, out.GetStream(), ch, opts.TelemetrySink)
	return ch, nil
}

func bedrockImmediateRateLimit(retryAfterSeconds int) <-chan engine.Chunk {
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
		IsRateLimitError:  true,
		RateLimitResetsAt: sleepRetryAfter(retryAfterSeconds),
		RetryAfterSeconds: &retryAfterSeconds,
	}}
	close(ch)
	return ch
}

func runBedrockStream(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, ch chan<- engine.Chunk, sink func(engine.Telemetry)) {
	defer close(ch)
	defer stream.Close()

	var stdout string
	var telemetry engine.Telemetry
	start := time.Now()

	for event := range stream.Events() {
		switch v := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if textDelta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && textDelta.Value != "" {
				stdout += textDelta.Value
				if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkData, Text: textDelta.Value}) {
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				telemetry.TokensIn = int(v.Value.Usage.InputTokens)
				telemetry.TokensOut = int(v.Value.Usage.OutputTokens)
				telemetry.Duration = time.Since(start)
				if sink != nil {
					sink(telemetry)
				}
				emit(ctx, ch, engine.Chunk{Kind: engine.ChunkTelemetry, TelemetryData: &telemetry})
			}
		}
	}

	if err := stream.Err(); err != nil {
		if rateLimited, retryAfter := bedrockRateLimit(err); rateLimited {
			emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
				Stdout:            stdout,
				IsRateLimitError:  true,
				RateLimitResetsAt: sleepRetryAfter(retryAfter),
				RetryAfterSeconds: &retryAfter,
			}})
			return
		}
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkErrorData, Text: err.Error()})
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: stdout, Stderr: err.Error()}})
		return
	}

	emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: stdout}})
}

// bedrockRateLimit classifies a Bedrock/smithy API error as a rate limit
// (§4.2: status 429, or the ThrottlingException/ServiceQuotaExceeded
// error codes Bedrock uses in place of a bare HTTP status).
func bedrockRateLimit(err error) (isRateLimit bool, retryAfterSeconds int) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := strings.ToLower(apiErr.ErrorCode())
		if strings.Contains(code, "throttling") || strings.Contains(code, "quotaexceeded") {
			return true, engine.DefaultRetryAfterSeconds
		}
		return false, 0
	}
	if engine.IsRateLimitError(err) {
		return true, engine.DefaultRetryAfterSeconds
	}
	return false, 0
}
