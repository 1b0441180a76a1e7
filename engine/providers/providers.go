package providers

import (
	"context"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"codemachine.dev/core/engine"
	"codemachine.dev/core/internal/config"
)

// Default models used when a built-in preset or explicit step override
// does not name one (§4.1 resolution chain's last fallback,
// Engine.DefaultModel()).
const (
	defaultClaudeModel = "claude-sonnet-4-5"
	defaultGeminiModel = "gemini-2.5-pro"
	defaultCodexModel  = "gpt-5-codex"
	defaultCursorModel = "auto"
	defaultBedrockModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
)

// RegisterAll constructs and registers every back-end this process has
// credentials for, following §6's CODEMACHINE_<ENGINE>_API_KEY /
// CODEMACHINE_<ENGINE>_CONFIG_DIR env convention (internal/config).
// Engines missing their credential are skipped rather than registered
// half-broken; `cursor` is the exception, since its authentication lives
// in the CLI's own config dir rather than a key this process holds, so
// it is always registered and its Auth().IsAuthenticated reports the
// real state via `cursor-agent status`. `bedrock` (§5) is registered
// only when CODEMACHINE_BEDROCK_REGION is set, matching its status as an
// explicit-opt-in back-end no built-in preset selects by default.
func RegisterAll(ctx context.Context, cfg *config.Config, registry *engine.Registry) error {
	if cfg.MockEngine {
		registry.Register(NewMock(nil, 0))
		return nil
	}

	order := 0
	if key := cfg.EngineAPIKey("claude"); key != "" {
		order++
		registry.Register(NewClaude(key, defaultClaudeModel, order))
	}
	if key := cfg.EngineAPIKey("gemini"); key != "" {
		order++
		registry.Register(NewGemini(key, defaultGeminiModel, order))
	}
	if key := cfg.EngineAPIKey("codex"); key != "" {
		order++
		registry.Register(NewCodex(key, defaultCodexModel, order))
	}

	order++
	cursorBinary := os.Getenv("CODEMACHINE_CURSOR_BINARY")
	registry.Register(NewCursor(cursorBinary, cfg.EngineConfigDir("cursor"), defaultCursorModel, order))

	if region := os.Getenv("CODEMACHINE_BEDROCK_REGION"); region != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return err
		}
		order++
		registry.Register(NewBedrock(bedrockruntime.NewFromConfig(awsCfg), defaultBedrockModel, order))
	}

	return nil
}
