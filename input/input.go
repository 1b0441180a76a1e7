// Package input implements the Input Provider (J), §4.9: a queue of
// pending prompts the UI feeds to a waiting `UICheckpoint` step, plus
// the autonomous/manual mode toggle that decides whether checkpoints
// pause for that queue or auto-continue past it.
//
// Shaped after the Workflow Executor's own Control Bus subscription
// (workflow.Executor.subscribe): both listen to bus.KindModeChange
// independently, and the Provider emits the bus.KindInput events the
// executor listens for, matching the dataflow note that the
// Control Bus "delivers... input signals... to I and the Input
// Provider (J)" as parallel, uncoordinated listeners of the same event
// kinds.
package input

import (
	"context"
	"sync"

	"codemachine.dev/core/bus"
	"codemachine.dev/core/internal/telemetry"
)

// Provider queues prompts destined for the currently active checkpoint
// and tracks the autonomous-mode flag (§4.9).
type Provider struct {
	Bus    *bus.Bus
	Logger telemetry.Logger

	mu             sync.Mutex
	active         bool
	monitoringID   string
	queue          []string
	autonomousMode bool
	unsubscribe    []bus.Unsubscribe
}

// New constructs a Provider and subscribes it to mode-change events on
// b. b may be nil for tests that drive the queue directly without a bus.
func New(b *bus.Bus, logger telemetry.Logger) *Provider {
	p := &Provider{Bus: b, Logger: logger, autonomousMode: true}
	if b != nil {
		p.unsubscribe = append(p.unsubscribe, b.Subscribe(bus.KindModeChange, func(payload any) {
			ev, ok := payload.(bus.ModeChangeEvent)
			if !ok {
				return
			}
			p.mu.Lock()
			p.autonomousMode = ev.AutonomousMode
			p.mu.Unlock()
		}))
	}
	return p
}

// Close releases the Provider's Control Bus subscriptions.
func (p *Provider) Close() {
	for _, unsub := range p.unsubscribe {
		unsub()
	}
	p.unsubscribe = nil
}

// Activate marks the queue as belonging to monitoringID — the agent ID
// of the checkpoint currently blocking on input. Failures here (none
// are currently possible, but the signature matches §4.9's "failures in
// activate/deactivate are caught and logged; they never abort the
// workflow") are logged rather than returned to the caller.
func (p *Provider) Activate(ctx context.Context, monitoringID string) {
	p.mu.Lock()
	p.active = true
	p.monitoringID = monitoringID
	p.mu.Unlock()
	if p.Logger != nil {
		p.Logger.Info(ctx, "input provider activated", "monitoringId", monitoringID)
	}
}

// Deactivate clears the active checkpoint, discarding its monitoring
// ID but preserving any still-queued prompts for the next checkpoint.
func (p *Provider) Deactivate(ctx context.Context) {
	p.mu.Lock()
	p.active = false
	p.monitoringID = ""
	p.mu.Unlock()
	if p.Logger != nil {
		p.Logger.Info(ctx, "input provider deactivated")
	}
}

// Enqueue appends prompt to the pending queue.
func (p *Provider) Enqueue(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, prompt)
}

// Peek returns the next pending prompt without removing it, and whether
// one exists.
func (p *Provider) Peek() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	return p.queue[0], true
}

// Advance removes the next pending prompt from the queue, if any, and
// emits it on the Control Bus as a bus.KindInput event so a waiting
// Workflow Executor checkpoint resumes.
func (p *Provider) Advance() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	prompt := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	if p.Bus != nil {
		p.Bus.Emit(bus.KindInput, bus.InputEvent{Prompt: prompt})
	}
}

// Skip advances past the active checkpoint without a prompt, emitting a
// bus.KindInput event with Skip set.
func (p *Provider) Skip() {
	if p.Bus != nil {
		p.Bus.Emit(bus.KindInput, bus.InputEvent{Skip: true})
	}
}

// AutonomousMode reports the current mode-change state (§4.9): true
// auto-continues past checkpoints, false pauses at every one.
func (p *Provider) AutonomousMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autonomousMode
}

// Active reports whether a checkpoint currently owns the queue, and its
// monitoring ID.
func (p *Provider) Active() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitoringID, p.active
}
