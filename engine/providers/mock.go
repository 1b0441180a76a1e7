// Package providers wires the concrete, third-party-backed engines into
// the engine.Registry: claude (anthropic-sdk-go), codex (openai-go),
// gemini (hand-rolled HTTP, following nevindra-oasis/provider/gemini),
// cursor (CLI subprocess, following nevindra-oasis/code.SubprocessRunner),
// bedrock (aws-sdk-go-v2/bedrockruntime), and mock (CODEMACHINE_MOCK_ENGINE,
// §6).
package providers

import (
	"context"
	"time"

	"codemachine.dev/core/engine"
)

// Mock plays back a fixed, scripted Result without calling any back-end.
// Selected when CODEMACHINE_MOCK_ENGINE is set (§6) or registered directly
// by tests that want a deterministic engine without network access.
type Mock struct {
	Scripted func(opts engine.RunOptions) engine.Result
	order    int
}

// NewMock constructs a Mock engine. When scripted is nil, Run always
// succeeds with opts.Prompt echoed back as Stdout.
func NewMock(scripted func(opts engine.RunOptions) engine.Result, order int) *Mock {
	if scripted == nil {
		scripted = func(opts engine.RunOptions) engine.Result {
			return engine.Result{Stdout: opts.Prompt}
		}
	}
	return &Mock{Scripted: scripted, order: order}
}

func (m *Mock) ID() string           { return "mock" }
func (m *Mock) Name() string         { return "Mock" }
func (m *Mock) Order() int           { return m.order }
func (m *Mock) Experimental() bool   { return false }
func (m *Mock) DefaultModel() string { return "mock-model" }
func (m *Mock) Auth() engine.Auth    { return alwaysAuthed{} }

func (m *Mock) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	ch := make(chan engine.Chunk, 2)
	go func() {
		defer close(ch)
		result := m.Scripted(opts)
		select {
		case ch <- engine.Chunk{Kind: engine.ChunkData, Text: result.Stdout}:
		case <-ctx.Done():
			return
		}
		if opts.TelemetrySink != nil {
			opts.TelemetrySink(engine.Telemetry{TokensIn: len(opts.Prompt), TokensOut: len(result.Stdout)})
		}
		select {
		case ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &result}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// alwaysAuthed is the §4.2 Auth no-op for engines that need no
// authentication handshake.
type alwaysAuthed struct{}

func (alwaysAuthed) IsAuthenticated(context.Context) (bool, error) { return true, nil }
func (alwaysAuthed) EnsureAuth(context.Context) error              { return nil }
func (alwaysAuthed) ClearAuth(context.Context) error               { return nil }

// apiKeyAuth reports authenticated iff an API key was configured at
// construction; EnsureAuth/ClearAuth are no-ops since these engines have
// no interactive login flow to trigger or revoke (§4.2).
type apiKeyAuth struct{ key string }

func (a apiKeyAuth) IsAuthenticated(context.Context) (bool, error) { return a.key != "", nil }
func (a apiKeyAuth) EnsureAuth(context.Context) error              { return nil }
func (a apiKeyAuth) ClearAuth(context.Context) error               { return nil }

// sleepRetryAfter turns a §4.2 retry-after hint into a concrete
// resetsAt instant, used by providers that detect rate limits from a
// synchronous HTTP response rather than a streamed Result.
func sleepRetryAfter(seconds int) *time.Time {
	t := time.Now().Add(time.Duration(seconds) * time.Second)
	return &t
}
