// Package ratelimit implements the Rate-Limit Manager (§4.3 of
// SPEC_FULL.md): a persistent, time-indexed availability map keyed by
// engine id, one instance per workflow-root directory.
//
// Persistence follows the temp-file-then-rename idiom used throughout the
// retrieval pack for crash-safe single-file state (grounded on
// other_examples' agent connection manager, which persists its own
// small JSON state the same way): every mutation rewrites the whole file
// to a temp path in the same directory and renames it into place, so a
// crash mid-write never leaves a torn rate-limits.json.
package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"codemachine.dev/core/internal/coreerr"
)

// entry is the on-disk representation of one RateLimitEntry (§3), and
// also the in-memory representation — the two never diverge.
type entry struct {
	EngineID string    `json:"engineId"`
	ResetsAt time.Time `json:"resetsAt"`
	Reason   string    `json:"reason,omitempty"`
}

// fileFormat is the top-level shape of rate-limits.json (§6).
type fileFormat struct {
	Entries []entry `json:"entries"`
}

// Manager is the Rate-Limit Manager singleton for one workflow root. The
// zero value is not usable; construct with New or Load.
type Manager struct {
	mu      sync.Mutex
	path    string
	entries map[string]entry
	now     func() time.Time
}

// New constructs a Manager persisting to rate-limits.json under root,
// loading any existing entries and dropping expired ones (§4.3
// "on initialize, load and drop expired entries").
func New(root string) (*Manager, error) {
	m := &Manager{
		path:    filepath.Join(root, "rate-limits.json"),
		entries: make(map[string]entry),
		now:     time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "failed to read rate-limits.json", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "rate-limits.json is corrupted", err)
	}

	now := m.now()
	for _, e := range ff.Entries {
		if now.Before(e.ResetsAt) {
			m.entries[e.EngineID] = e
		}
	}
	return nil
}

// persist rewrites the whole file atomically. Caller must hold m.mu.
func (m *Manager) persist() error {
	ff := fileFormat{Entries: make([]entry, 0, len(m.entries))}
	for _, e := range m.entries {
		ff.Entries = append(ff.Entries, e)
	}
	sort.Slice(ff.Entries, func(i, j int) bool { return ff.Entries[i].EngineID < ff.Entries[j].EngineID })

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to marshal rate limits", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to create rate-limit dir", err)
	}

	tmp, err := os.CreateTemp(dir, "rate-limits.*.tmp")
	if err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to create temp rate-limit file", err)
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
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to write rate-limit file", err)
	}
	if err := tmp.Close(); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to close temp rate-limit file", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to rename rate-limit file", err)
	}
	ok = true
	return nil
}

// MarkRateLimited upserts an active rate-limit entry for engineID.
// resetsAt, if non-nil, is used verbatim; otherwise it is computed as
// now + retryAfterSeconds (default engine.DefaultRetryAfterSeconds when
// retryAfterSeconds is also nil).
func (m *Manager) MarkRateLimited(engineID string, resetsAt *time.Time, retryAfterSeconds *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved time.Time
	switch {
	case resetsAt != nil:
		resolved = *resetsAt
	case retryAfterSeconds != nil:
		resolved = m.now().Add(time.Duration(*retryAfterSeconds) * time.Second)
	default:
		resolved = m.now().Add(60 * time.Second)
	}

	m.entries[engineID] = entry{EngineID: engineID, ResetsAt: resolved}
	_ = m.persist()
}

// IsEngineAvailable returns true unless an active (non-expired) entry
// exists for engineID. Expired entries are treated as absent (lazy
// removal on read, §3) without being deleted from the map here.
func (m *Manager) IsEngineAvailable(engineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[engineID]
	if !ok {
		return true
	}
	return !m.now().Before(e.ResetsAt)
}

// GetTimeUntilAvailable returns max(0, ceil(resetsAt - now)) in seconds.
func (m *Manager) GetTimeUntilAvailable(engineID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[engineID]
	if !ok {
		return 0
	}
	remaining := e.ResetsAt.Sub(m.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining))
}

// ClearRateLimit removes any entry for engineID and persists.
func (m *Manager) ClearRateLimit(engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, engineID)
	return m.persist()
}

// GetRateLimitedEngines returns the ids of every engine with an active
// entry, sorted for determinism.
func (m *Manager) GetRateLimitedEngines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for id, e := range m.entries {
		if now.Before(e.ResetsAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Cleanup drops every expired entry and persists.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.ResetsAt) {
			delete(m.entries, id)
		}
	}
	return m.persist()
}

