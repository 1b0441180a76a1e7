// Package workflow implements the Workflow Executor (I), §4.7: a
// step-driven state machine that runs a flat list of typed steps,
// delegating Module and CoordinatorScript steps to the Step Executor
// (H) and handling pause/skip/stop/checkpoint control signals delivered
// over the Control Bus (A). Shaped after the teacher's in-memory
// workflow engine (runtime/agent/engine/inmem/engine.go): a status map
// guarded by a mutex, a goroutine that drives execution to completion,
// and signal delivery decoupled from the run loop itself — generalized
// here from a replay engine driving Temporal-style activities to a
// cooperative loop driving Step Executor invocations directly.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"codemachine.dev/core/bus"
	"codemachine.dev/core/internal/coreerr"
	"codemachine.dev/core/step"
)

// RateLimitManager is the subset of the Rate-Limit Manager the executor
// polls while StateRateLimitWaiting, to learn when any configured
// engine has become available again (§4.7).
type RateLimitManager interface {
	IsEngineAvailable(engineID string) bool
}

// Executor drives Steps to completion, one at a time, reacting to
// Control Bus signals along the way.
type Executor struct {
	Steps        []Step
	StepExecutor *step.Executor
	Bus          *bus.Bus
	RateLimits   RateLimitManager
	// Engines is the set of engine ids consulted while
	// StateRateLimitWaiting: the executor resumes as soon as any one of
	// them reports available again.
	Engines []string
	// WorkingDir is passed through to every Module/CoordinatorScript
	// step invocation.
	WorkingDir string
	// PollInterval bounds the cadence of the rate_limit_waiting re-check
	// (§4.7 "polled at a bounded cadence"). Defaults to 5s.
	PollInterval time.Duration
	// StateDir, if non-empty, is the directory tracking.json and
	// controller-state.json are persisted under (§6). A zero value
	// disables persistence — used by tests that don't need it.
	StateDir string

	mu              sync.Mutex
	state           State
	index           int
	loopIterations  map[int]int
	loopSkip        map[string]bool
	autonomousMode  bool
	currentCancel   context.CancelFunc
	unsubscribe     []bus.Unsubscribe
	pauseRequested  chan struct{}
	resumeRequested chan struct{}
	skipRequested   chan struct{}
	stopRequested   chan struct{}
	inputEvents     chan bus.InputEvent
}

// New constructs an Executor over steps, wiring Control Bus
// subscriptions. Callers must call Close when done to release them.
func New(steps []Step, stepExecutor *step.Executor, b *bus.Bus, rateLimits RateLimitManager, engines []string) *Executor {
	e := &Executor{
		Steps:           steps,
		StepExecutor:    stepExecutor,
		Bus:             b,
		RateLimits:      rateLimits,
		Engines:         engines,
		PollInterval:    5 * time.Second,
		state:           StateIdle,
		loopIterations:  make(map[int]int),
		autonomousMode:  true,
		pauseRequested:  make(chan struct{}, 1),
		resumeRequested: make(chan struct{}, 1),
		skipRequested:   make(chan struct{}, 1),
		stopRequested:   make(chan struct{}, 1),
		inputEvents:     make(chan bus.InputEvent, 1),
	}
	if b != nil {
		e.subscribe()
	}
	return e
}

func (e *Executor) subscribe() {
	notify := func(ch chan struct{}) func(any) {
		return func(any) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	e.unsubscribe = append(e.unsubscribe,
		e.Bus.Subscribe(bus.KindPause, notify(e.pauseRequested)),
		e.Bus.Subscribe(bus.KindSkip, notify(e.skipRequested)),
		e.Bus.Subscribe(bus.KindStop, notify(e.stopRequested)),
		e.Bus.Subscribe(bus.KindUserStop, notify(e.stopRequested)),
		e.Bus.Subscribe(bus.KindModeChange, func(payload any) {
			ev, ok := payload.(bus.ModeChangeEvent)
			if !ok {
				return
			}
			e.mu.Lock()
			e.autonomousMode = ev.AutonomousMode
			e.mu.Unlock()
			if ev.AutonomousMode {
				select {
				case e.resumeRequested <- struct{}{}:
				default:
				}
			}
		}),
		e.Bus.Subscribe(bus.KindInput, func(payload any) {
			ev, ok := payload.(bus.InputEvent)
			if !ok {
				return
			}
			select {
			case e.inputEvents <- ev:
			default:
			}
		}),
	)
}

// Close releases the executor's Control Bus subscriptions.
func (e *Executor) Close() {
	for _, unsub := range e.unsubscribe {
		unsub()
	}
	e.unsubscribe = nil
}

// State returns the executor's current state under lock.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Index returns the current step index under lock.
func (e *Executor) Index() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// setState validates and commits a transition under the executor's
// mutex (§4.7 "atomicity"). An invalid transition is reported on the
// Control Bus as an error and never committed.
func (e *Executor) setState(to State) error {
	e.mu.Lock()
	from := e.state
	if !CanTransition(from, to) {
		e.mu.Unlock()
		err := coreerr.Newf(coreerr.CodeWorkflowAborted, nil, "invalid workflow transition %s -> %s", from, to)
		e.emitError(err, "invalid-transition", nil)
		return err
	}
	e.state = to
	e.mu.Unlock()
	e.persistControllerState()
	return nil
}

func (e *Executor) emitError(err error, reason string, agentID *int) {
	if e.Bus == nil {
		return
	}
	ev := bus.ErrorEvent{Error: err, Reason: reason}
	if agentID != nil {
		ev.AgentID = *agentID
	}
	e.Bus.Emit(bus.KindError, ev)
}

// Run drives every step to completion, honoring pause/skip/stop signals
// and loop/checkpoint/rate-limit transitions, until the workflow reaches
// a terminal state (§4.7).
func (e *Executor) Run(ctx context.Context) error {
	if err := e.setState(StateRunning); err != nil {
		return err
	}

	for {
		if err := e.awaitRunnable(ctx); err != nil {
			return err
		}

		e.mu.Lock()
		idx := e.index
		e.mu.Unlock()

		if idx >= len(e.Steps) {
			return e.setState(StateCompleted)
		}

		s := e.Steps[idx]

		if stopped, err := e.checkStop(); stopped {
			return err
		}

		if s.Kind == StepLoop {
			e.handleLoop(idx, s)
			continue
		}

		skip := false
		e.mu.Lock()
		if e.loopSkip != nil && e.loopSkip[s.AgentName] {
			skip = true
		}
		e.mu.Unlock()

		if skip {
			e.advance()
			continue
		}

		if s.Kind == StepUICheckpoint {
			if err := e.handleCheckpoint(ctx, s); err != nil {
				return err
			}
			continue
		}

		if err := e.runStep(ctx, s); err != nil {
			if errors.Is(err, errRateLimited) {
				if err := e.waitForRateLimit(ctx); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, errSkippedByUser) {
				e.persistTracking()
				e.advance()
				continue
			}
			if errors.Is(err, errStoppedByUser) {
				return e.doStop()
			}
			_ = e.setState(StateError)
			e.emitError(err, "step-failed", nil)
			return err
		}

		e.persistTracking()
		e.advance()
	}
}

// awaitRunnable blocks while paused or while stop/mode signals arrive,
// returning once the executor may advance, or an error if stopped.
func (e *Executor) awaitRunnable(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopRequested:
			return e.doStop()
		case <-e.pauseRequested:
			if err := e.setState(StatePaused); err != nil {
				return err
			}
		default:
		}

		e.mu.Lock()
		paused := e.state == StatePaused
		e.mu.Unlock()
		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopRequested:
			return e.doStop()
		case <-e.resumeRequested:
			if err := e.setState(StateRunning); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) checkStop() (bool, error) {
	select {
	case <-e.stopRequested:
		return true, e.doStop()
	default:
		return false, nil
	}
}

func (e *Executor) doStop() error {
	if err := e.setState(StateStopping); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.currentCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := e.setState(StateStopped); err != nil {
		return err
	}
	return coreerr.New(coreerr.CodeWorkflowAborted, "workflow stopped by signal", nil)
}

var (
	errRateLimited   = errors.New("workflow: all candidate engines rate-limited")
	errSkippedByUser = errors.New("workflow: step skipped by user signal")
	errStoppedByUser = errors.New("workflow: step stopped by user signal")
)

// runStep executes one non-loop, non-checkpoint step, recursing into
// Parallel/Sequential children, and is cancellation-aware so a `skip`
// signal arriving mid-run can tear down the in-flight engine call.
func (e *Executor) runStep(ctx context.Context, s Step) error {
	stepCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.currentCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.currentCancel = nil
		e.mu.Unlock()
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- e.dispatchStep(stepCtx, s) }()

	select {
	case <-e.skipRequested:
		cancel()
		<-done
		return errSkippedByUser
	case <-e.stopRequested:
		cancel()
		<-done
		return errStoppedByUser
	case err := <-done:
		return err
	}
}

func (e *Executor) dispatchStep(ctx context.Context, s Step) error {
	switch s.Kind {
	case StepModule:
		result, err := e.StepExecutor.Execute(ctx, step.ModuleInput{
			StepName:   s.AgentName,
			Prompt:     s.Options.Prompt,
			WorkingDir: e.WorkingDir,
			Tier:       s.Options.Tier,
		})
		if err != nil {
			if len(result.Output.RateLimitedEngines) > 0 && result.Output.EngineUsed == "" {
				return errRateLimited
			}
			return err
		}
		return nil
	case StepCoordinatorScript:
		_, err := e.StepExecutor.ExecuteCoordinatorScript(ctx, step.CoordinatorScriptInput{
			StepName:   s.AgentName,
			Script:     s.Script,
			WorkingDir: e.WorkingDir,
		})
		return err
	case StepParallel:
		var wg sync.WaitGroup
		errs := make([]error, len(s.Children))
		for i, child := range s.Children {
			wg.Add(1)
			go func(i int, child Step) {
				defer wg.Done()
				errs[i] = e.dispatchStep(ctx, child)
			}(i, child)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	case StepSequential:
		for _, child := range s.Children {
			if err := e.dispatchStep(ctx, child); err != nil {
				return err
			}
		}
		return nil
	default:
		return coreerr.Newf(coreerr.CodeWorkflowInvalidStepType, nil, "unsupported step kind %q", s.Kind)
	}
}

// handleLoop implements §4.7's loop semantics: rewind by backSteps while
// iteration < maxIterations, skipping any re-executed step whose agent
// name is in skipList; yield past the loop once maxIterations is hit.
func (e *Executor) handleLoop(idx int, s Step) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loopIterations[idx]++
	if e.loopIterations[idx] < s.MaxIterations {
		skip := make(map[string]bool, len(s.SkipList))
		for _, name := range s.SkipList {
			skip[name] = true
		}
		e.loopSkip = skip
		e.index = idx - s.BackSteps
		if e.index < 0 {
			e.index = 0
		}
		return
	}

	e.loopSkip = nil
	e.index = idx + 1
}

func (e *Executor) advance() {
	e.mu.Lock()
	e.index++
	e.mu.Unlock()
}

// handleCheckpoint transitions to StateCheckpoint and blocks until an
// InputEvent resumes it (or autonomous mode auto-continues), matching
// the Control Bus's delivery of input signals to both the Workflow
// Executor and the Input Provider as independent subscribers.
func (e *Executor) handleCheckpoint(ctx context.Context, s Step) error {
	e.mu.Lock()
	auto := e.autonomousMode
	e.mu.Unlock()

	if auto {
		e.advance()
		return nil
	}

	if err := e.setState(StateCheckpoint); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopRequested:
		return e.doStop()
	case <-e.inputEvents:
		if err := e.setState(StateRunning); err != nil {
			return err
		}
		e.advance()
		return nil
	}
}

// waitForRateLimit implements §4.7's rate_limit_waiting re-entry: poll
// RateLimits at PollInterval until any configured engine is available.
func (e *Executor) waitForRateLimit(ctx context.Context) error {
	if err := e.setState(StateRateLimitWaiting); err != nil {
		return err
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if e.anyEngineAvailable() {
			return e.setState(StateRunning)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopRequested:
			return e.doStop()
		case <-ticker.C:
		}
	}
}

func (e *Executor) anyEngineAvailable() bool {
	if e.RateLimits == nil {
		return true
	}
	for _, id := range e.Engines {
		if e.RateLimits.IsEngineAvailable(id) {
			return true
		}
	}
	return false
}
