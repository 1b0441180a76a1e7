package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine.dev/core/ratelimit"
)

func TestMarkRateLimited_ComputesResetsAtFromRetryAfter(t *testing.T) {
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	secs := 60
	m.MarkRateLimited("eX", nil, &secs)

	assert.False(t, m.IsEngineAvailable("eX"))
	wait := m.GetTimeUntilAvailable("eX")
	assert.True(t, wait > 50 && wait <= 60, "got %d", wait)
}

func TestIsEngineAvailable_TrueWhenNoEntry(t *testing.T) {
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	assert.True(t, m.IsEngineAvailable("unknown"))
	assert.Equal(t, 0, m.GetTimeUntilAvailable("unknown"))
}

func TestClearRateLimit_RestoresAvailability(t *testing.T) {
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	secs := 30
	m.MarkRateLimited("eX", nil, &secs)
	require.False(t, m.IsEngineAvailable("eX"))

	require.NoError(t, m.ClearRateLimit("eX"))
	assert.True(t, m.IsEngineAvailable("eX"))
}

func TestGetRateLimitedEngines_OnlyActiveEntries(t *testing.T) {
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	m.MarkRateLimited("expired", &past, nil)
	m.MarkRateLimited("active", &future, nil)

	assert.Equal(t, []string{"active"}, m.GetRateLimitedEngines())
}

func TestCleanup_DropsExpiredEntries(t *testing.T) {
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	m.MarkRateLimited("expired", &past, nil)

	require.NoError(t, m.Cleanup())
	assert.Empty(t, m.GetRateLimitedEngines())
}

func TestPersistence_SurvivesReload(t *testing.T) {
	root := t.TempDir()
	m1, err := ratelimit.New(root)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	m1.MarkRateLimited("eX", &future, nil)

	m2, err := ratelimit.New(root)
	require.NoError(t, err)

	assert.False(t, m2.IsEngineAvailable("eX"))
}

func TestAvailabilityEquivalence(t *testing.T) {
	// Property: isEngineAvailable(e) ≡ ¬∃ entry for e with now < resetsAt (spec §8 invariant 2).
	root := t.TempDir()
	m, err := ratelimit.New(root)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	m.MarkRateLimited("eX", &future, nil)
	assert.Equal(t, false, m.IsEngineAvailable("eX"))

	past := time.Now().Add(-time.Hour)
	m.MarkRateLimited("eY", &past, nil)
	assert.Equal(t, true, m.IsEngineAvailable("eY"))
}
