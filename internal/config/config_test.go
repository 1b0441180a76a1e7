package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePreset_FindsBuiltin(t *testing.T) {
	cfg := &Config{}
	p, ok := cfg.ResolvePreset("all-claude")
	require.True(t, ok)
	assert.Equal(t, "claude", p[TierSimple].EngineID)
	assert.Equal(t, "claude", p[TierStandard].EngineID)
	assert.Equal(t, "claude", p[TierComplex].EngineID)
}

func TestResolvePreset_FallsBackToFileConfigPresets(t *testing.T) {
	cfg := &Config{Presets: map[string]Preset{
		"custom": {TierSimple: EnginePresetEntry{EngineID: "gemini", Model: "flash"}},
	}}
	p, ok := cfg.ResolvePreset("custom")
	require.True(t, ok)
	assert.Equal(t, "gemini", p[TierSimple].EngineID)
}

func TestResolvePreset_UnknownNameReportsNotFound(t *testing.T) {
	cfg := &Config{}
	_, ok := cfg.ResolvePreset("nonexistent")
	assert.False(t, ok)
}

func TestResolvePreset_BuiltinTakesPrecedenceOverFileConfig(t *testing.T) {
	cfg := &Config{Presets: map[string]Preset{
		"all-claude": {TierSimple: EnginePresetEntry{EngineID: "gemini"}},
	}}
	p, ok := cfg.ResolvePreset("all-claude")
	require.True(t, ok)
	assert.Equal(t, "claude", p[TierSimple].EngineID)
}

func TestLoad_ClusterRedisAddrDefaultsEmpty(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.ClusterRedisAddr)
	assert.Equal(t, 60000.0, cfg.ClusterTPM)
}

func TestLoad_ClusterRedisAddrReadFromEnv(t *testing.T) {
	t.Setenv("CODEMACHINE_CLUSTER_REDIS_ADDR", "redis:6379")
	t.Setenv("CODEMACHINE_CLUSTER_TPM", "12000")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.ClusterRedisAddr)
	assert.Equal(t, 12000.0, cfg.ClusterTPM)
}

func TestEnvFloat_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CODEMACHINE_CLUSTER_TPM", "not-a-number")
	assert.Equal(t, 42.0, envFloat("CODEMACHINE_CLUSTER_TPM", 42))
}
