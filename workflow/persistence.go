package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"codemachine.dev/core/internal/coreerr"
)

// trackingFile is the on-disk shape of tracking.json: the current step
// index plus per-loop-step iteration counts (§6).
type trackingFile struct {
	Index      int            `json:"index"`
	Iterations map[string]int `json:"iterations,omitempty"`
}

// controllerStateFile is the on-disk shape of controller-state.json: the
// executor's top-level state and autonomous-mode flag (§6).
type controllerStateFile struct {
	State          State `json:"state"`
	AutonomousMode bool  `json:"autonomousMode"`
}

// atomicWriteJSON rewrites path with v, marshaled and written to a temp
// file in the same directory before being renamed into place — the
// temp-file-then-rename idiom used throughout this module for
// crash-safe single-file state (grounded on ratelimit.Manager.persist).
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to marshal workflow state", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to create workflow state dir", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to create temp workflow state file", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to write workflow state file", err)
	}
	if err := tmp.Close(); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to close temp workflow state file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to rename workflow state file", err)
	}
	ok = true
	return nil
}

// persistTracking writes tracking.json if StateDir is configured. Errors
// are reported on the Control Bus rather than aborting the run, matching
// §7's propagation policy of absorbing store errors locally.
func (e *Executor) persistTracking() {
	if e.StateDir == "" {
		return
	}
	e.mu.Lock()
	tf := trackingFile{Index: e.index, Iterations: make(map[string]int, len(e.loopIterations))}
	for idx, n := range e.loopIterations {
		tf.Iterations[strconv.Itoa(idx)] = n
	}
	e.mu.Unlock()

	if err := atomicWriteJSON(filepath.Join(e.StateDir, "tracking.json"), tf); err != nil {
		e.emitError(err, "persist-tracking-failed", nil)
	}
}

// persistControllerState writes controller-state.json if StateDir is
// configured.
func (e *Executor) persistControllerState() {
	if e.StateDir == "" {
		return
	}
	e.mu.Lock()
	sf := controllerStateFile{State: e.state, AutonomousMode: e.autonomousMode}
	e.mu.Unlock()

	if err := atomicWriteJSON(filepath.Join(e.StateDir, "controller-state.json"), sf); err != nil {
		e.emitError(err, "persist-state-failed", nil)
	}
}

// Resume restores index, loop iteration counts, and autonomous-mode
// from StateDir's persisted files, if present. Call before Run to
// continue a workflow after a restart; a no-op when StateDir is unset
// or no files exist yet. The persisted top-level State itself is not
// restored — Run always re-enters via idle -> running, matching a fresh
// process picking back up a workflow rather than replaying mid-step.
func (e *Executor) Resume() error {
	if err := e.loadTracking(); err != nil {
		return err
	}
	return e.loadControllerState()
}

func (e *Executor) loadControllerState() error {
	if e.StateDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(e.StateDir, "controller-state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "failed to read controller-state.json", err)
	}

	if err := validateAgainstSchema("controller-state.json", data); err != nil {
		return err
	}

	var sf controllerStateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "controller-state.json is corrupted", err)
	}

	e.mu.Lock()
	e.autonomousMode = sf.AutonomousMode
	e.mu.Unlock()
	return nil
}

// loadTracking restores index and loop iteration counts from
// tracking.json, if present, for resuming a workflow after a restart.
func (e *Executor) loadTracking() error {
	if e.StateDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(e.StateDir, "tracking.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "failed to read tracking.json", err)
	}

	if err := validateAgainstSchema("tracking.json", data); err != nil {
		return err
	}

	var tf trackingFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "tracking.json is corrupted", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = tf.Index
	e.loopIterations = make(map[int]int, len(tf.Iterations))
	for k, n := range tf.Iterations {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		e.loopIterations[idx] = n
	}
	return nil
}
