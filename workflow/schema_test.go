package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResume_RejectsControllerStateMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "controller-state.json"), []byte(`{"state":"running"}`), 0o644))

	ex := New(nil, nil, nil, nil, nil)
	ex.StateDir = dir

	err := ex.Resume()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controller-state.json")
}

func TestResume_RejectsTrackingWithWrongFieldType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracking.json"), []byte(`{"index":"not-a-number"}`), 0o644))

	ex := New(nil, nil, nil, nil, nil)
	ex.StateDir = dir

	err := ex.Resume()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracking.json")
}

func TestValidateAgainstSchema_AcceptsWellFormedTracking(t *testing.T) {
	err := validateAgainstSchema("tracking.json", []byte(`{"index":3,"iterations":{"1":2}}`))
	assert.NoError(t, err)
}
