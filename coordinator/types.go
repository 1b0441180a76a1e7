// Package coordinator implements the Coordinator Script Parser (F) and
// Dispatcher (G) of §4.5: a small mini-language for ad-hoc multi-agent
// invocations such as `a 'p1' && b 'p2' & c 'p3'`, parsed into an
// ordered plan of sequential/parallel groups and dispatched group by
// group through the Engine Fallback Runner, the commands of a parallel
// group running concurrently.
package coordinator

// Mode is how the commands of a Group are executed relative to one
// another.
type Mode string

const (
	// ModeSequential commands run one after another; a failure aborts
	// the remainder of the group.
	ModeSequential Mode = "sequential"
	// ModeParallel commands all start concurrently; a failure is
	// reported but never cancels its peers.
	ModeParallel Mode = "parallel"
)

// Command is one parsed agent invocation (§3 Command).
type Command struct {
	Name      string
	Prompt    string
	Input     []string
	Tail      *int
	Engine    *string
	Model     *string
	TimeoutMs *int
}

// Group is a run of Commands sharing a Mode (§3 Group).
type Group struct {
	Mode     Mode
	Commands []Command
}

// Plan is the parsed product of a coordinator script: an ordered list
// of Groups, split at every `&&` boundary (§3 CoordinatorPlan).
type Plan struct {
	Groups []Group
}
