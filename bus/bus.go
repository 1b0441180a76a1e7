// Package bus implements the Control Bus (§4.1 of SPEC_FULL.md): a
// process-wide, typed pub/sub carrying workflow control signals (pause,
// skip, stop, mode changes, queued input, errors) from the outside world
// (UI, OS signals) to the Workflow Executor and Input Provider.
//
// Delivery is synchronous on the emitter's goroutine and in emission order,
// matching the teacher's in-process signal-channel idiom
// (runtime/agent/interrupt.Controller, runtime/agent/engine SignalChannel)
// generalized from Temporal signal channels to a plain in-memory emitter:
// this core has no durable workflow engine to replay against, so the
// lighter in-process form is the adapted shape, not the full teacher
// abstraction.
package bus

import "sync"

// Kind identifies one of the finite control-bus event kinds.
type Kind string

const (
	KindPause      Kind = "pause"
	KindSkip       Kind = "skip"
	KindStop       Kind = "stop"
	KindStopping   Kind = "stopping"
	KindModeChange Kind = "mode-change"
	KindInput      Kind = "input"
	KindError      Kind = "error"
	KindUserStop   Kind = "user-stop"
)

type (
	// ModeChangeEvent toggles autonomous mode: true auto-continues past UI
	// checkpoints, false pauses at every checkpoint (Input Provider, §4.9).
	ModeChangeEvent struct {
		AutonomousMode bool
	}

	// InputEvent delivers a queued user prompt, or a request to skip the
	// current checkpoint when Skip is true.
	InputEvent struct {
		Prompt string
		Skip   bool
	}

	// ErrorEvent reports a fatal or reported error, optionally attributed to
	// an agent.
	ErrorEvent struct {
		Error   error
		Reason  string
		AgentID int
	}
)

// maxListeners bounds the number of handlers per event kind (§5): a guard
// against subscription leaks, matching the teacher's listener-count
// tracking intent.
const maxListeners = 50

// handlerEntry pairs a handler with a stable id so Unsubscribe can remove it
// without relying on func identity (funcs are not comparable in Go maps by
// value unless wrapped).
type handlerEntry struct {
	id int
	fn func(payload any)
}

// Bus is a typed, synchronous, in-process pub/sub. The zero value is not
// usable; construct with New. A Bus is safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	handlers map[Kind][]handlerEntry
	nextID   int
	onLeak   func(kind Kind, count int)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]handlerEntry)}
}

// Unsubscribe detaches a previously registered handler. Calling it more than
// once is a no-op (idempotent), matching §4.1.
type Unsubscribe func()

// OnLeak registers a callback invoked whenever a Subscribe call would push a
// kind's listener count past maxListeners, so callers can log/alert on
// subscription leaks instead of silently growing forever.
func (b *Bus) OnLeak(fn func(kind Kind, count int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLeak = fn
}

// Subscribe registers fn to be invoked, in emission order, whenever Emit is
// called for kind. fn must not block: delivery is synchronous on the
// emitter's goroutine (§4.1, §5).
func (b *Bus) Subscribe(kind Kind, fn func(payload any)) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: fn})
	count := len(b.handlers[kind])
	leak := b.onLeak
	b.mu.Unlock()

	if count > maxListeners && leak != nil {
		leak(kind, count)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[kind]
			for i, e := range entries {
				if e.id == id {
					b.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// ListenerCount returns the number of handlers currently subscribed to kind.
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

// Emit delivers payload to every handler subscribed to kind, in subscription
// order, synchronously on the calling goroutine.
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.Lock()
	entries := append([]handlerEntry(nil), b.handlers[kind]...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(payload)
	}
}

// Reset clears every subscription on the bus. Intended for test teardown
// between cases that would otherwise accumulate listeners across a shared
// Bus instance.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind][]handlerEntry)
}
