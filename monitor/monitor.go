package monitor

import (
	"time"

	"codemachine.dev/core/internal/coreerr"
)

// Status is one node of the agent lifecycle graph (§3 AgentRecord, §4.8).
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusRetrying   Status = "retrying"
	StatusPaused     Status = "paused"
	StatusCheckpoint Status = "checkpoint"
)

// terminalStatuses are the states §8 invariant 1 forbids leaving: once an
// agent record reaches one of these, no further transition is valid.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusSkipped:   true,
}

// validTransitions enumerates the status graph of §4.8:
//
//	pending → running → {completed, failed, skipped}
//	running ↔ retrying and running ↔ paused
//	* → checkpoint (transient) → running on resume
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:    true,
		StatusCheckpoint: true,
	},
	StatusRunning: {
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusSkipped:    true,
		StatusRetrying:   true,
		StatusPaused:     true,
		StatusCheckpoint: true,
	},
	StatusRetrying: {
		StatusRunning:    true,
		StatusCheckpoint: true,
	},
	StatusPaused: {
		StatusRunning:    true,
		StatusCheckpoint: true,
	},
	StatusCheckpoint: {
		StatusRunning: true,
	},
}

// CanTransition reports whether moving an agent record from "from" to
// "to" is legal under §4.8's graph and §8 invariant 1 (no record leaves
// a terminal state).
func CanTransition(from, to Status) bool {
	if terminalStatuses[from] {
		return false
	}
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// maxPromptLength bounds AgentRecord.PromptTruncated (§3: "prompt
// truncated to a bounded length").
const maxPromptLength = 4096

func truncatePrompt(prompt string) string {
	if len(prompt) <= maxPromptLength {
		return prompt
	}
	return prompt[:maxPromptLength]
}

// AgentRecord is §3's AgentRecord.
type AgentRecord struct {
	ID        int64
	Name      string
	Engine    string
	Model     string
	Status    Status
	ParentID  *int64
	Prompt    string
	StartTime time.Time
	EndTime   *time.Time
	Error     *string
}

// AgentTelemetry is §3's AgentTelemetry. Cached/Cost are optional;
// Duration is recomputed (not accumulated) on every update.
type AgentTelemetry struct {
	AgentID   int64
	TokensIn  int
	TokensOut int
	Cached    *int
	Cost      *float64
	Duration  time.Duration
}

// merge combines an existing telemetry row with a fresh update, keeping
// all numeric fields (other than Duration) non-decreasing (§3 additive
// monotonicity).
func (t AgentTelemetry) merge(update AgentTelemetry) AgentTelemetry {
	merged := t
	merged.TokensIn = maxInt(t.TokensIn, update.TokensIn)
	merged.TokensOut = maxInt(t.TokensOut, update.TokensOut)
	if update.Cached != nil {
		c := maxIntPtr(t.Cached, *update.Cached)
		merged.Cached = &c
	}
	if update.Cost != nil {
		c := maxFloatPtr(t.Cost, *update.Cost)
		merged.Cost = &c
	}
	merged.Duration = update.Duration
	return merged
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxIntPtr(a *int, b int) int {
	if a == nil || b > *a {
		return b
	}
	return *a
}

func maxFloatPtr(a *float64, b float64) float64 {
	if a == nil || b > *a {
		return b
	}
	return *a
}

// transitionError builds the coreerr for an illegal status transition.
func transitionError(from, to Status) error {
	return coreerr.Newf(coreerr.CodeWorkflowStepExecutionFailed, nil,
		"illegal agent status transition %s -> %s", from, to)
}

