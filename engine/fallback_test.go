package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine.dev/core/engine"
)

// fakeRateLimits is a minimal in-memory RateLimitManager stand-in for
// these tests; package ratelimit has its own full test suite against the
// real persistence-backed manager.
type fakeRateLimits struct {
	unavailable map[string]bool
	marked      []string
}

func newFakeRateLimits() *fakeRateLimits {
	return &fakeRateLimits{unavailable: make(map[string]bool)}
}

func (f *fakeRateLimits) IsEngineAvailable(id string) bool { return !f.unavailable[id] }

func (f *fakeRateLimits) MarkRateLimited(id string, _ *time.Time, _ *int) {
	f.unavailable[id] = true
	f.marked = append(f.marked, id)
}

type staticAuth struct{ authed bool }

func (a staticAuth) IsAuthenticated(context.Context) (bool, error) { return a.authed, nil }
func (a staticAuth) EnsureAuth(context.Context) error              { return nil }
func (a staticAuth) ClearAuth(context.Context) error               { return nil }

// mockEngine plays back a fixed Result, optionally reporting a rate
// limit, matching the spec §8 scenario mocks.
type mockEngine struct {
	id               string
	order            int
	authed           bool
	result           engine.Result
	rateLimited      bool
	retryAfterSecs   *int
}

func (m *mockEngine) ID() string             { return m.id }
func (m *mockEngine) Name() string           { return m.id }
func (m *mockEngine) Order() int             { return m.order }
func (m *mockEngine) Experimental() bool     { return false }
func (m *mockEngine) DefaultModel() string   { return "mock-model" }
func (m *mockEngine) Auth() engine.Auth      { return staticAuth{authed: m.authed} }

func (m *mockEngine) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	ch := make(chan engine.Chunk, 2)
	result := m.result
	result.IsRateLimitError = m.rateLimited
	result.RetryAfterSeconds = m.retryAfterSecs
	ch <- engine.Chunk{Kind: engine.ChunkData, Text: "working"}
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &result}
	close(ch)
	return ch, nil
}

func TestRunWithFallback_SinglePrimarySucceeds(t *testing.T) {
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	registry.Register(&mockEngine{id: "mock", authed: true, result: engine.Result{Stdout: "OK"}})

	runner := engine.NewRunner(registry, newFakeRateLimits())
	out, err := runner.RunWithFallback(context.Background(), engine.RunWithFallbackInput{
		PrimaryEngine: "mock",
	})

	require.NoError(t, err)
	assert.Equal(t, "mock", out.EngineUsed)
	assert.False(t, out.FellBack)
	assert.Equal(t, "OK", out.Result.Stdout)
	assert.Empty(t, out.RateLimitedEngines)
}

func TestRunWithFallback_RateLimitTriggersFallback(t *testing.T) {
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	secs := 60
	registry.Register(&mockEngine{id: "m1", order: 1, authed: true, rateLimited: true, retryAfterSecs: &secs})
	registry.Register(&mockEngine{id: "m2", order: 2, authed: true, result: engine.Result{Stdout: "OK"}})

	rl := newFakeRateLimits()
	var switched [2]string
	runner := engine.NewRunner(registry, rl)
	out, err := runner.RunWithFallback(context.Background(), engine.RunWithFallbackInput{
		PrimaryEngine: "m1",
		Chain:         []string{"m2"},
		OnEngineSwitch: func(from, to string) {
			switched[0], switched[1] = from, to
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "m2", out.EngineUsed)
	assert.True(t, out.FellBack)
	assert.Equal(t, []string{"m1"}, out.RateLimitedEngines)
	assert.Equal(t, [2]string{"m1", "m2"}, switched)
	assert.False(t, rl.IsEngineAvailable("m1"))
}

func TestRunWithFallback_ExcludedEngineNeverRuns(t *testing.T) {
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	registry.Register(&mockEngine{id: "m1", authed: true, result: engine.Result{Stdout: "should not run"}})
	registry.Register(&mockEngine{id: "m2", order: 1, authed: true, result: engine.Result{Stdout: "OK"}})

	runner := engine.NewRunner(registry, newFakeRateLimits())
	out, err := runner.RunWithFallback(context.Background(), engine.RunWithFallbackInput{
		PrimaryEngine:  "m1",
		Chain:          []string{"m2"},
		ExcludeEngines: []string{"m1"},
	})

	require.NoError(t, err)
	assert.Equal(t, "m2", out.EngineUsed)
	assert.NotEqual(t, "m1", out.EngineUsed)
}

func TestRunWithFallback_UnauthenticatedEngineSkipped(t *testing.T) {
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	registry.Register(&mockEngine{id: "m1", authed: false, result: engine.Result{Stdout: "should not run"}})
	registry.Register(&mockEngine{id: "m2", order: 1, authed: true, result: engine.Result{Stdout: "OK"}})

	runner := engine.NewRunner(registry, newFakeRateLimits())
	out, err := runner.RunWithFallback(context.Background(), engine.RunWithFallbackInput{
		PrimaryEngine: "m1",
		Chain:         []string{"m2"},
	})

	require.NoError(t, err)
	assert.Equal(t, "m2", out.EngineUsed)
}

func TestRunWithFallback_AllExhausted(t *testing.T) {
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	secs := 60
	registry.Register(&mockEngine{id: "m1", authed: true, rateLimited: true, retryAfterSecs: &secs})

	runner := engine.NewRunner(registry, newFakeRateLimits())
	out, err := runner.RunWithFallback(context.Background(), engine.RunWithFallbackInput{
		PrimaryEngine: "m1",
	})

	require.NoError(t, err)
	assert.Empty(t, out.EngineUsed)
	assert.Contains(t, out.RateLimitedEngines, "m1")
	assert.True(t, out.FellBack)
}

func TestAuthCache_CachesWithinTTL(t *testing.T) {
	cache := engine.NewAuthCache(time.Hour)
	calls := 0
	check := func(context.Context) (bool, error) {
		calls++
		return true, nil
	}

	ok1, err := cache.IsAuthenticated(context.Background(), "e1", check)
	require.NoError(t, err)
	ok2, err := cache.IsAuthenticated(context.Background(), "e1", check)
	require.NoError(t, err)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, 1, calls)
}

func TestAuthCache_InvalidateForcesRecheck(t *testing.T) {
	cache := engine.NewAuthCache(time.Hour)
	calls := 0
	check := func(context.Context) (bool, error) {
		calls++
		return true, nil
	}

	_, _ = cache.IsAuthenticated(context.Background(), "e1", check)
	cache.Invalidate("e1")
	_, _ = cache.IsAuthenticated(context.Background(), "e1", check)

	assert.Equal(t, 2, calls)
}

func TestIsRateLimitError_RecognisesMarkers(t *testing.T) {
	cases := []string{
		"received HTTP 429 from upstream",
		"quota exceeded for this billing period",
		"Rate limit reached, slow down",
		"RESOURCE_EXHAUSTED: too many requests",
	}
	for _, msg := range cases {
		assert.True(t, engine.IsRateLimitError(errString(msg)), msg)
	}
	assert.False(t, engine.IsRateLimitError(errString("connection refused")))
	assert.False(t, engine.IsRateLimitError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
