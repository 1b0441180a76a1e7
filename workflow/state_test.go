package workflow

import "testing"

func TestCanTransition_NamedEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateCheckpoint, true},
		{StateCheckpoint, StateRunning, true},
		{StateRunning, StateRateLimitWaiting, true},
		{StateRateLimitWaiting, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateError, true},
		{StateStopping, StateStopped, true},
		{StateIdle, StateStopping, true},
		{StateRunning, StateStopping, true},
		{StatePaused, StateStopping, true},
		{StateCheckpoint, StateStopping, true},
		{StateRateLimitWaiting, StateStopping, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, terminal := range []State{StateStopped, StateCompleted, StateError} {
		for _, to := range []State{StateIdle, StateRunning, StatePaused, StateStopping, StateCheckpoint, StateRateLimitWaiting} {
			if CanTransition(terminal, to) {
				t.Errorf("terminal state %s must have no outgoing edges, but can transition to %s", terminal, to)
			}
		}
	}
}

func TestCanTransition_RejectsUnnamedEdges(t *testing.T) {
	if CanTransition(StateIdle, StatePaused) {
		t.Error("idle -> paused is not a named edge")
	}
	if CanTransition(StateCompleted, StateRunning) {
		t.Error("completed -> running is not a named edge")
	}
}
