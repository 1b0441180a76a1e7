// Package adaptive provides an engine.Engine middleware that applies an
// AIMD-style adaptive token bucket on top of any registered back-end — the
// "Additional... Adaptive cluster limiter" supplemented detail: a
// self-tuning budget that backs off on rate-limit signals and probes back
// up on sustained success, optionally coordinated across processes via a
// Pulse replicated map. It sits in front of, not inside, the Rate-Limit
// Manager (D): D tracks hard per-engine cooldowns learned from a
// rate-limited response; this package tries to avoid triggering one in the
// first place by throttling call volume ahead of time.
package adaptive

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"codemachine.dev/core/engine"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of an engine.Engine. It estimates the token cost of each prompt,
	// blocks callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to rate-limiting signals from
	// the wrapped engine.
	//
	// The limiter is process-local unless constructed with a Pulse
	// replicated map (see NewAdaptiveRateLimiter) and sits at the Engine
	// Registry boundary. Callers construct one instance per engine and wrap
	// it with Middleware before registering it.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedEngine struct {
		next    engine.Engine
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set, it coordinates capacity
// across processes using a Pulse replicated map; otherwise it operates as a
// process-local limiter.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter constructs an AdaptiveRateLimiter configured with an
// initial tokens-per-minute budget and an upper bound. The limiter uses a
// simple AIMD strategy and is used internally by the cluster-aware
// constructor.
//
// initialTPM and maxTPM are expressed in tokens per minute. When maxTPM is
// zero or less than initialTPM, it is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Default to a conservative budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns an engine.Engine middleware that enforces the adaptive
// tokens-per-minute limit around Run.
func (l *AdaptiveRateLimiter) Middleware() func(engine.Engine) engine.Engine {
	return func(next engine.Engine) engine.Engine {
		if next == nil {
			return nil
		}
		return &limitedEngine{
			next:    next,
			limiter: l,
		}
	}
}

func (e *limitedEngine) ID() string           { return e.next.ID() }
func (e *limitedEngine) Name() string         { return e.next.Name() }
func (e *limitedEngine) Order() int           { return e.next.Order() }
func (e *limitedEngine) Experimental() bool   { return e.next.Experimental() }
func (e *limitedEngine) DefaultModel() string { return e.next.DefaultModel() }
func (e *limitedEngine) Auth() engine.Auth    { return e.next.Auth() }

// Run enforces the limiter before delegating to the wrapped engine, then
// watches the returned stream for its terminal Result to decide whether to
// back off or probe upward.
func (e *limitedEngine) Run(ctx context.Context, opts engine.RunOptions) (<-chan engine.Chunk, error) {
	if err := e.limiter.wait(ctx, opts); err != nil {
		return nil, err
	}

	in, err := e.next.Run(ctx, opts)
	if err != nil {
		e.limiter.observe(err, nil)
		return nil, err
	}

	out := make(chan engine.Chunk, cap(in))
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Kind == engine.ChunkResult {
				e.limiter.observe(nil, chunk.ResultData)
			}
			out <- chunk
		}
	}()
	return out, nil
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, opts engine.RunOptions) error {
	tokens := estimateTokens(opts)
	return l.limiter.WaitN(ctx, tokens)
}

// observe adjusts the budget from one completed Run: a synchronous error
// classified as a rate limit, or a streamed terminal Result flagged
// IsRateLimitError, both trigger backoff; anything else that completed
// without error probes the budget back up. A non-rate-limit error neither
// backs off nor probes, since it says nothing about capacity.
func (l *AdaptiveRateLimiter) observe(err error, result *engine.Result) {
	switch {
	case err != nil:
		if engine.IsRateLimitError(err) {
			l.backoff()
		}
	case result != nil && result.IsRateLimitError:
		l.backoff()
	default:
		l.probe()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onBackoff

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onProbe

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// prompt. It converts prompt length to tokens using a fixed ratio, and adds
// a small buffer for system prompts and provider overhead.
func estimateTokens(opts engine.RunOptions) int {
	charCount := len(opts.Prompt)
	if charCount <= 0 {
		// Minimal non-zero estimate so callers still incur limiter costs even
		// when the prompt is extremely small.
		return 500
	}
	// Approximate 1 token per ~3 characters, then add a fixed buffer for
	// system prompts and provider framing.
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// replaceTPM updates the limiter effective budget to the given value,
// clamped to the configured [minTPM, maxTPM] range.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Best-effort initialization: if the key does not exist yet, seed it with
	// the initial value. A concurrent writer may still win; we refresh below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// When seeding the shared budget fails, fall back to a process-local
			// limiter so callers still make progress instead of treating the
			// cluster map as partially initialized.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	min := l.minTPM
	max := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalBackoff(context.Background(), m, key, min)
		},
		func(_ float64) {
			go globalProbe(context.Background(), m, key, step, max)
		},
	)

	// Watch for external changes to the shared budget and reconcile the local
	// limiter when they occur.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
