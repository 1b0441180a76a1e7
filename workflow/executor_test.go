package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine.dev/core/bus"
	"codemachine.dev/core/engine"
	"codemachine.dev/core/monitor"
	"codemachine.dev/core/step"
)

type staticAuth struct{}

func (staticAuth) IsAuthenticated(context.Context) (bool, error) { return true, nil }
func (staticAuth) EnsureAuth(context.Context) error              { return nil }
func (staticAuth) ClearAuth(context.Context) error               { return nil }

// blockingEngine blocks until its context is cancelled (to let a test
// deliver a skip/stop signal mid-run), then ends its stream without a
// Result chunk — exactly what engine.Runner.attempt treats as an error.
type blockingEngine struct {
	id      string
	entered chan struct{}
}

func (e *blockingEngine) ID() string           { return e.id }
func (e *blockingEngine) Name() string         { return e.id }
func (e *blockingEngine) Order() int           { return 0 }
func (e *blockingEngine) Experimental() bool   { return false }
func (e *blockingEngine) DefaultModel() string { return "m" }
func (e *blockingEngine) Auth() engine.Auth    { return staticAuth{} }

func (e *blockingEngine) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	ch := make(chan engine.Chunk)
	go func() {
		defer close(ch)
		if e.entered != nil {
			select {
			case e.entered <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// instantEngine completes immediately with a successful result.
type instantEngine struct{ id string }

func (e *instantEngine) ID() string           { return e.id }
func (e *instantEngine) Name() string         { return e.id }
func (e *instantEngine) Order() int           { return 0 }
func (e *instantEngine) Experimental() bool   { return false }
func (e *instantEngine) DefaultModel() string { return "m" }
func (e *instantEngine) Auth() engine.Auth    { return staticAuth{} }

func (e *instantEngine) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	ch := make(chan engine.Chunk, 1)
	ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: "ok"}}
	close(ch)
	return ch, nil
}

// rateLimitedEngine reports a rate-limit result until its shared
// togglingRateLimits flips available, then succeeds — standing in for
// an engine whose rate limit has actually reset.
type rateLimitedEngine struct {
	id string
	rl *togglingRateLimits
}

func (e *rateLimitedEngine) ID() string           { return e.id }
func (e *rateLimitedEngine) Name() string         { return e.id }
func (e *rateLimitedEngine) Order() int           { return 0 }
func (e *rateLimitedEngine) Experimental() bool   { return false }
func (e *rateLimitedEngine) DefaultModel() string { return "m" }
func (e *rateLimitedEngine) Auth() engine.Auth    { return staticAuth{} }

func (e *rateLimitedEngine) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	ch := make(chan engine.Chunk, 1)
	if e.rl.IsEngineAvailable(e.id) {
		ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{Stdout: "ok"}}
	} else {
		ch <- engine.Chunk{Kind: engine.ChunkResult, ResultData: &engine.Result{IsRateLimitError: true}}
	}
	close(ch)
	return ch, nil
}

// togglingRateLimits starts every engine unavailable and flips to
// available once Flip is called, simulating the reset the Rate-Limit
// Manager would observe once an entry's resetsAt passes.
type togglingRateLimits struct {
	mu        sync.Mutex
	available bool
}

func (r *togglingRateLimits) IsEngineAvailable(string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *togglingRateLimits) Flip() {
	r.mu.Lock()
	r.available = true
	r.mu.Unlock()
}

func newStepExecutor(t *testing.T, engines ...engine.Engine) *step.Executor {
	t.Helper()
	cache := engine.NewAuthCache(time.Minute)
	registry := engine.NewRegistry(cache)
	for _, e := range engines {
		registry.Register(e)
	}
	store, err := monitor.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return &step.Executor{
		Registry:      registry,
		Runner:        engine.NewRunner(registry, noopRateLimits{}),
		Monitor:       store,
		DefaultEngine: engines[0].ID(),
	}
}

type noopRateLimits struct{}

func (noopRateLimits) IsEngineAvailable(string) bool            { return true }
func (noopRateLimits) MarkRateLimited(string, *time.Time, *int) {}

func moduleStep(name string) Step {
	return Step{Kind: StepModule, AgentName: name, Options: ModuleOptions{Prompt: "go"}}
}

func TestRun_CompletesAllModuleSteps(t *testing.T) {
	ex := New([]Step{moduleStep("a"), moduleStep("b")}, newStepExecutor(t, &instantEngine{id: "claude"}), nil, nil, nil)

	err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ex.State())
	assert.Equal(t, 2, ex.Index())
}

func TestRun_StopSignalTransitionsToStopped(t *testing.T) {
	entered := make(chan struct{})
	b := bus.New()
	ex := New([]Step{moduleStep("a")}, newStepExecutor(t, &blockingEngine{id: "claude", entered: entered}), b, nil, nil)

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	<-entered
	b.Emit(bus.KindStop, nil)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, StateStopped, ex.State())
}

func TestRun_SkipSignalAdvancesPastCurrentStep(t *testing.T) {
	entered := make(chan struct{})
	b := bus.New()
	ex := New([]Step{moduleStep("a"), moduleStep("b")},
		newStepExecutor(t, &blockingEngine{id: "claude", entered: entered}), b, nil, nil)

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	<-entered
	b.Emit(bus.KindSkip, nil)

	// The second step runs against the same blocking engine, so Run
	// will block again on it; stop the workflow to observe the index
	// advanced past step "a" before that second block.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ex.Index())
	b.Emit(bus.KindStop, nil)
	<-done
}

func TestRun_PauseBlocksAdvancementUntilResume(t *testing.T) {
	b := bus.New()
	ex := New([]Step{moduleStep("a"), moduleStep("b")}, newStepExecutor(t, &instantEngine{id: "claude"}), b, nil, nil)

	b.Emit(bus.KindPause, nil)

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatePaused, ex.State())
	assert.Equal(t, 0, ex.Index())

	b.Emit(bus.KindModeChange, bus.ModeChangeEvent{AutonomousMode: true})

	require.NoError(t, <-done)
	assert.Equal(t, StateCompleted, ex.State())
}

func TestRun_LoopRewindsUntilMaxIterationsRespectingSkipList(t *testing.T) {
	steps := []Step{
		moduleStep("seed"),
		moduleStep("body"),
		{Kind: StepLoop, BackSteps: 2, MaxIterations: 3, SkipList: []string{"seed"}},
		moduleStep("after"),
	}
	ex := New(steps, newStepExecutor(t, &instantEngine{id: "claude"}), nil, nil, nil)

	require.NoError(t, ex.Run(context.Background()))
	assert.Equal(t, StateCompleted, ex.State())
	assert.Equal(t, 3, ex.loopIterations[2])
}

func TestRun_CheckpointAutoContinuesInAutonomousMode(t *testing.T) {
	steps := []Step{
		{Kind: StepUICheckpoint, Reason: "confirm"},
		moduleStep("after"),
	}
	ex := New(steps, newStepExecutor(t, &instantEngine{id: "claude"}), nil, nil, nil)

	require.NoError(t, ex.Run(context.Background()))
	assert.Equal(t, StateCompleted, ex.State())
}

func TestRun_CheckpointWaitsForInputWhenNotAutonomous(t *testing.T) {
	b := bus.New()
	steps := []Step{
		{Kind: StepUICheckpoint, Reason: "confirm"},
		moduleStep("after"),
	}
	ex := New(steps, newStepExecutor(t, &instantEngine{id: "claude"}), b, nil, nil)
	ex.autonomousMode = false

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCheckpoint, ex.State())

	b.Emit(bus.KindInput, bus.InputEvent{Prompt: "go"})

	require.NoError(t, <-done)
	assert.Equal(t, StateCompleted, ex.State())
}

func TestRun_RateLimitWaitingRecoversWhenEngineAvailable(t *testing.T) {
	rl := &togglingRateLimits{}
	ex := New([]Step{moduleStep("a")}, newStepExecutor(t, &rateLimitedEngine{id: "claude", rl: rl}), nil, rl, []string{"claude"})
	ex.PollInterval = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateRateLimitWaiting, ex.State())
	rl.Flip()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow never recovered from rate_limit_waiting")
	}
	assert.Equal(t, StateCompleted, ex.State())
}
