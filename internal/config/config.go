// Package config reads the environment variables and the optional
// codemachine.yaml file named in SPEC_FULL.md §2 (Ambient Stack),
// following the os.Getenv-with-fallback idiom used throughout
// itsneelabh-gomind/ai/providers/*/factory.go: environment variables
// always win over file-supplied defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codemachine.dev/core/internal/coreerr"
)

// EnginePresetEntry is one (engineId, model) pair for a workload tier
// (§3 EnginePreset).
type EnginePresetEntry struct {
	EngineID string `yaml:"engine"`
	Model    string `yaml:"model"`
}

// Preset maps the three workload tiers to a concrete engine/model.
type Preset map[string]EnginePresetEntry

// Workload tiers a Preset maps (§3 EnginePreset).
const (
	TierSimple   = "simple"
	TierStandard = "standard"
	TierComplex  = "complex"
)

// BuiltinPresets is the fixed `all-<engine>` preset table (§6): each
// maps every tier to the same engine, letting a run pin itself to one
// back-end end-to-end. These are always available regardless of what
// codemachine.yaml defines; the default preset is the empty string
// (step-level engine settings apply, §6 "Default preset: null").
var BuiltinPresets = map[string]Preset{
	"all-claude": {
		TierSimple:   {EngineID: "claude"},
		TierStandard: {EngineID: "claude"},
		TierComplex:  {EngineID: "claude"},
	},
	"all-gemini": {
		TierSimple:   {EngineID: "gemini"},
		TierStandard: {EngineID: "gemini"},
		TierComplex:  {EngineID: "gemini"},
	},
	"all-codex": {
		TierSimple:   {EngineID: "codex"},
		TierStandard: {EngineID: "codex"},
		TierComplex:  {EngineID: "codex"},
	},
	"all-cursor": {
		TierSimple:   {EngineID: "cursor"},
		TierStandard: {EngineID: "cursor"},
		TierComplex:  {EngineID: "cursor"},
	},
}

// ResolvePreset looks up name first among BuiltinPresets, then among
// the presets loaded from codemachine.yaml, returning false if neither
// defines it.
func (c *Config) ResolvePreset(name string) (Preset, bool) {
	if p, ok := BuiltinPresets[name]; ok {
		return p, true
	}
	if c.Presets != nil {
		if p, ok := c.Presets[name]; ok {
			return p, true
		}
	}
	return nil, false
}

// fileConfig is the shape of codemachine.yaml.
type fileConfig struct {
	FallbackChain []string          `yaml:"fallbackChain"`
	Presets       map[string]Preset `yaml:"presets"`
}

// Config is the fully resolved process configuration: environment
// variables layered over an optional codemachine.yaml, env taking
// precedence (§2 Ambient Stack, §6).
type Config struct {
	WorkDir          string
	InstallDir       string
	SkipAuth         bool
	PlainLogs        bool
	Debug            bool
	LogLevel         string
	ParentAgentID    string
	AuthCacheTTL     time.Duration
	MockEngine       bool
	FallbackChain    []string
	Presets          map[string]Preset
	ClusterRedisAddr string
	ClusterTPM       float64
	engineConfigDir  map[string]string
	engineAPIKey     map[string]string
}

const defaultAuthCacheTTL = 5 * time.Minute

// Load resolves configuration for a run rooted at workDir (the
// directory that will hold codemachine.yaml, if any, and every
// persisted file under .codemachine/). Environment variables are read
// via os.Getenv and always override the file.
func Load(workDir string) (*Config, error) {
	cfg := &Config{
		WorkDir:         envOr("CODEMACHINE_WORKDIR", workDir),
		InstallDir:      os.Getenv("CODEMACHINE_INSTALL_DIR"),
		SkipAuth:        envBool("CODEMACHINE_SKIP_AUTH", false),
		PlainLogs:       envBool("CODEMACHINE_PLAIN_LOGS", false),
		Debug:           envBool("CODEMACHINE_DEBUG", false),
		LogLevel:        envOr("CODEMACHINE_LOG_LEVEL", "info"),
		ParentAgentID:   os.Getenv("CODEMACHINE_PARENT_AGENT_ID"),
		AuthCacheTTL:    envDurationMs("CODEMACHINE_AUTH_CACHE_TTL_MS", defaultAuthCacheTTL),
		MockEngine:      envBool("CODEMACHINE_MOCK_ENGINE", false),
		ClusterRedisAddr: os.Getenv("CODEMACHINE_CLUSTER_REDIS_ADDR"),
		ClusterTPM:       envFloat("CODEMACHINE_CLUSTER_TPM", 60000),
		engineConfigDir: make(map[string]string),
		engineAPIKey:    make(map[string]string),
	}

	fc, err := loadFile(filepath.Join(workDir, "codemachine.yaml"))
	if err != nil {
		return nil, err
	}
	if fc != nil {
		cfg.FallbackChain = fc.FallbackChain
		cfg.Presets = fc.Presets
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.New(coreerr.CodeConfigFileNotFound, "failed to read codemachine.yaml", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, coreerr.New(coreerr.CodeConfigInvalidValue, "codemachine.yaml is not valid YAML", err)
	}
	return &fc, nil
}

// EngineConfigDir returns CODEMACHINE_<ENGINE>_CONFIG_DIR for engineID,
// or empty if unset.
func (c *Config) EngineConfigDir(engineID string) string {
	return envOr(engineEnvName(engineID, "CONFIG_DIR"), "")
}

// EngineAPIKey returns CODEMACHINE_<ENGINE>_API_KEY for engineID, or
// empty if unset.
func (c *Config) EngineAPIKey(engineID string) string {
	return envOr(engineEnvName(engineID, "API_KEY"), "")
}

func engineEnvName(engineID, suffix string) string {
	normalized := make([]rune, 0, len(engineID))
	for _, r := range engineID {
		switch {
		case r >= 'a' && r <= 'z':
			normalized = append(normalized, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			normalized = append(normalized, r)
		default:
			normalized = append(normalized, '_')
		}
	}
	return fmt.Sprintf("CODEMACHINE_%s_%s", string(normalized), suffix)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
