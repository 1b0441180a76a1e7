package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codemachine.dev/core/engine"
)

// geminiBaseURL mirrors the teacher's hand-rolled HTTP Gemini client
// (nevindra-oasis/provider/gemini.Gemini): no SDK exists for Gemini in
// the retrieval pack, so this engine is a direct HTTP/SSE client in the
// same shape, adapted from a conversation/tool model down to this
// module's plain prompt-in/chunk-stream-out contract.
var geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini is the `gemini` engine (§3, §6).
type Gemini struct {
	apiKey       string
	defaultModel string
	order        int
	httpClient   *http.Client
}

// NewGemini constructs a Gemini engine from an API key.
func NewGemini(apiKey, defaultModel string, order int) *Gemini {
	return &Gemini{apiKey: apiKey, defaultModel: defaultModel, order: order, httpClient: &http.Client{}}
}

func (g *Gemini) ID() string           { return "gemini" }
func (g *Gemini) Name() string         { return "Gemini" }
func (g *Gemini) Order() int           { return g.order }
func (g *Gemini) Experimental() bool   { return false }
func (g *Gemini) DefaultModel() string { return g.defaultModel }
func (g *Gemini) Auth() engine.Auth    { return apiKeyAuth{key: g.apiKey} }

// Run streams one prompt through the Gemini streamGenerateContent SSE
// endpoint (§4.2), following the teacher's processStreamChunk/scanner
// shape.
func (g *Gemini) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	model := opts.Model
	if model == "" {
		model = g.defaultModel
	}

	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": opts.Prompt}},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal body: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", geminiBaseURL, model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == 429 || resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := int(geminiRetryDelay(string(respBody)).Seconds())
			if retryAfter <= 0 {
				retryAfter = engine.DefaultRetryAfterSeconds
			}
			return geminiImmediateRateLimit(retryAfter), nil
		}
		return nil, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan engine.Chunk, 32)
	go runGeminiStream(ctx, resp.Body, ch, opts.TelemetrySink)
	return ch, nil
}

func geminiImmediateRateLimit(retryAfterSeconds int) <-chan engine.Chunk {
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{
		IsRateLimitError:  true,
		RateLimitResetsAt: sleepRetryAfter(retryAfterSeconds),
		RetryAfterSeconds: &retryAfterSeconds,
	}}
	close(ch)
	return ch
}

// runGeminiStream reads the SSE body line by line, extracting text
// deltas and usage from each "data: {...}" event, matching the teacher's
// processStreamChunk.
func runGeminiStream(ctx context.Context, body io.ReadCloser, ch chan<- engine.Chunk, sink func(engine.Telemetry)) {
	defer close(ch)
	defer body.Close()

	var stdout string
	var telemetry engine.Telemetry
	start := time.Now()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var parsed geminiStreamChunk
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}

		if text := parsed.text(); text != "" {
			stdout += text
			if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkData, Text: text}) {
				return
			}
		}

		if parsed.UsageMetadata != nil {
			telemetry.TokensIn = parsed.UsageMetadata.PromptTokenCount
			telemetry.TokensOut = parsed.UsageMetadata.CandidatesTokenCount
			telemetry.Duration = time.Since(start)
			if sink != nil {
				sink(telemetry)
			}
			if !emit(ctx, ch, engine.Chunk{Kind: engine.ChunkTelemetry, TelemetryData: &telemetry}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkErrorData, Text: err.Error()})
		emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stderr: err.Error()}})
		return
	}

	emit(ctx, ch, engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: stdout}})
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c geminiStreamChunk) text() string {
	if len(c.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Candidates[0].Content.Parts {
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

// geminiRetryDelay extracts the retryDelay from a Gemini error body
// carrying a google.rpc.RetryInfo detail, matching the teacher's
// parseRetryInfo. Returns 0 if not found or unparseable.
func geminiRetryDelay(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}
