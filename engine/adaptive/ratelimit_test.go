package adaptive

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"codemachine.dev/core/engine"
)

type staticAuth struct{}

func (staticAuth) IsAuthenticated(context.Context) (bool, error) { return true, nil }
func (staticAuth) EnsureAuth(context.Context) error              { return nil }
func (staticAuth) ClearAuth(context.Context) error               { return nil }

type fakeEngine struct {
	runErr error

	runCalls int
}

func (f *fakeEngine) ID() string           { return "fake" }
func (f *fakeEngine) Name() string         { return "Fake" }
func (f *fakeEngine) Order() int           { return 0 }
func (f *fakeEngine) Experimental() bool   { return false }
func (f *fakeEngine) DefaultModel() string { return "fake-model" }
func (f *fakeEngine) Auth() engine.Auth    { return staticAuth{} }

func (f *fakeEngine) Run(_ context.Context, _ engine.RunOptions) (<-chan engine.Chunk, error) {
	f.runCalls++
	if f.runErr != nil {
		return nil, f.runErr
	}
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: "ok"}}
	close(ch)
	return ch, nil
}

func drain(ch <-chan engine.Chunk) {
	for range ch {
	}
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	fake := &fakeEngine{runErr: errors.New("HTTP 429: rate limit exceeded")}
	wrapped := limiter.Middleware()(fake)

	_, err := wrapped.Run(context.Background(), engine.RunOptions{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	fake := &fakeEngine{}
	wrapped := limiter.Middleware()(fake)

	ch, err := wrapped.Run(context.Background(), engine.RunOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(ch)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccessDoesNotFollowNonRateLimitError(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	initialTPM := limiter.currentTPM

	fake := &fakeEngine{runErr: errors.New("invalid request")}
	wrapped := limiter.Middleware()(fake)

	_, err := wrapped.Run(context.Background(), engine.RunOptions{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM != initialTPM {
		t.Fatalf("expected TPM to stay unchanged for a non-rate-limit error, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RejectsRequestBeyondBurstWithoutRunningEngine(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	fake := &fakeEngine{}
	wrapped := limiter.Middleware()(fake)

	longPrompt := make([]byte, 600)
	for i := range longPrompt {
		longPrompt[i] = 'a'
	}

	_, err := wrapped.Run(context.Background(), engine.RunOptions{Prompt: string(longPrompt)})
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if fake.runCalls != 0 {
		t.Fatalf("expected underlying engine not to be called, got %d calls", fake.runCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(engine.RunOptions{Prompt: "short"})
	big := estimateTokens(engine.RunOptions{Prompt: "this is a much longer message"})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
}
