package workflow

// State is one node of the Workflow Executor's state machine (§4.7).
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StatePaused          State = "paused"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
	StateCompleted       State = "completed"
	StateError           State = "error"
	StateRateLimitWaiting State = "rate_limit_waiting"
	StateCheckpoint      State = "checkpoint"
)

// validTransitions encodes §4.7's state diagram exactly.
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateRunning:  true,
		StateStopping: true,
	},
	StateRunning: {
		StatePaused:           true,
		StateCheckpoint:       true,
		StateRateLimitWaiting: true,
		StateStopping:         true,
		StateError:            true,
		StateCompleted:        true,
	},
	StatePaused: {
		StateRunning:  true,
		StateStopping: true,
	},
	StateCheckpoint: {
		StateRunning:  true,
		StateStopping: true,
	},
	StateRateLimitWaiting: {
		StateRunning:  true,
		StateStopping: true,
	},
	StateStopping: {
		StateStopped: true,
	},
	StateStopped:   {},
	StateCompleted: {},
	StateError:     {},
}

// CanTransition reports whether moving from `from` to `to` is one of
// §4.7's named edges.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}
