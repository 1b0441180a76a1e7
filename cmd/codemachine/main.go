// Command codemachine runs the `start` CLI surface of §6: it wires the
// Control Bus, Agent Monitor, Engine Registry, Rate-Limit Manager, Engine
// Fallback Runner, Coordinator Dispatcher, Step Executor, Workflow
// Executor, and Input Provider together and drives one workflow run to
// completion. Flag parsing follows the standard library idiom used by
// 99souls-ariadne/cli/cmd/ariadne/main.go: flat flag.StringVar calls, a
// signal.Notify-driven cancel context, and os.Exit(1) on failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"codemachine.dev/core/bus"
	"codemachine.dev/core/coordinator"
	"codemachine.dev/core/engine"
	"codemachine.dev/core/engine/adaptive"
	"codemachine.dev/core/engine/providers"
	"codemachine.dev/core/input"
	"codemachine.dev/core/internal/config"
	"codemachine.dev/core/internal/coreerr"
	"codemachine.dev/core/internal/telemetry"
	"codemachine.dev/core/memory"
	"codemachine.dev/core/monitor"
	"codemachine.dev/core/ratelimit"
	"codemachine.dev/core/step"
	"codemachine.dev/core/workflow"
)

func main() {
	var (
		specPath   string
		engineFlag string
		presetFlag string
	)
	flag.StringVar(&specPath, "spec", "", "path to the input specification file copied into .codemachine/inputs/specifications.md")
	flag.StringVar(&engineFlag, "engine", "", "engine id to use when a step names no override (defaults to the first registered engine)")
	flag.StringVar(&presetFlag, "preset", "", "built-in preset name (all-claude, all-gemini, all-codex, all-cursor)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, specPath, engineFlag, presetFlag); err != nil {
		fmt.Fprintf(os.Stderr, "codemachine: %s\n", summarize(err))
		os.Exit(1)
	}
}

// summarize renders the single-line fatal-exit summary named in §7:
// "single-line summary plus error code".
func summarize(err error) string {
	if code, ok := coreerr.CodeOf(err); ok {
		return fmt.Sprintf("%s [%s]", err.Error(), code)
	}
	return err.Error()
}

func run(ctx context.Context, specPath, engineFlag, presetFlag string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	codemachineDir := filepath.Join(cfg.WorkDir, ".codemachine")

	var preset *config.Preset
	if presetFlag != "" {
		p, ok := cfg.ResolvePreset(presetFlag)
		if !ok {
			return coreerr.Newf(coreerr.CodeValidationInvalidField, nil,
				"unknown preset %q; must be one of the built-ins or defined in codemachine.yaml", presetFlag)
		}
		preset = &p
	}

	specDest, err := stageSpecification(codemachineDir, specPath)
	if err != nil {
		return err
	}

	b := bus.New()

	monitorStore, err := monitor.Open(filepath.Join(codemachineDir, "logs", "registry.db"))
	if err != nil {
		return err
	}
	if err := monitorStore.Init(ctx); err != nil {
		return err
	}
	defer monitorStore.Close()

	authCache := engine.NewAuthCache(cfg.AuthCacheTTL)
	registry := engine.NewRegistry(authCache)
	if err := providers.RegisterAll(ctx, cfg, registry); err != nil {
		return err
	}
	if registry.Len() == 0 {
		return coreerr.New(coreerr.CodeEngineNoneRegistered, "no engine is registered; set a CODEMACHINE_<ENGINE>_API_KEY or enable CODEMACHINE_MOCK_ENGINE", nil)
	}

	if cfg.ClusterRedisAddr != "" {
		closeCluster, err := wireClusterRateLimiting(ctx, cfg, registry)
		if err != nil {
			return err
		}
		defer closeCluster()
	}

	if engineFlag != "" {
		if _, err := registry.Get(engineFlag); err != nil {
			return err
		}
	}

	rateLimits, err := ratelimit.New(codemachineDir)
	if err != nil {
		return err
	}
	defer rateLimits.Cleanup()

	runner := engine.NewRunner(registry, rateLimits)

	memStore, err := memory.New(filepath.Join(codemachineDir, "memory"))
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	if cfg.PlainLogs {
		logger = telemetry.NewNoopLogger()
	}

	inputProvider := input.New(b, logger)
	defer inputProvider.Close()

	defaultEngine := resolveDefaultEngine(engineFlag, registry)
	dispatcher := &coordinator.Dispatcher{
		Runner:        runner,
		PrimaryEngine: defaultEngine,
		WorkingDir:    cfg.WorkDir,
	}

	stepExecutor := &step.Executor{
		Registry:      registry,
		Runner:        runner,
		Monitor:       monitorStore,
		Dispatcher:    dispatcher,
		ActivePreset:  preset,
		GlobalEngine:  nonEmpty(engineFlag),
		DefaultEngine: defaultEngine,
		Memory:        memStore,
	}

	steps := defaultWorkflow(specDest)

	engineIDs := make([]string, 0, len(registry.List()))
	for _, e := range registry.List() {
		engineIDs = append(engineIDs, e.ID())
	}

	wf := workflow.New(steps, stepExecutor, b, rateLimits, engineIDs)
	wf.WorkingDir = cfg.WorkDir
	wf.StateDir = filepath.Join(codemachineDir, "workflow")
	defer wf.Close()

	if err := wf.Run(ctx); err != nil {
		var wfErr *coreerr.Error
		if errors.As(err, &wfErr) {
			return fmt.Errorf("Workflow aborted: %s", wfErr.Message)
		}
		return err
	}

	return nil
}

// wireClusterRateLimiting wraps every currently-registered engine with an
// adaptive.AdaptiveRateLimiter sharing one tokens-per-minute budget per
// engine ID across processes through a Pulse replicated map backed by
// Redis (CODEMACHINE_CLUSTER_REDIS_ADDR), following the same
// redis.NewClient/rmap.Join wiring as registry/cmd/registry in the
// retrieval pack. This is opt-in: without the env var no adaptive
// limiter is installed (the Rate-Limit Manager's hard per-engine
// cooldowns apply either way).
func wireClusterRateLimiting(ctx context.Context, cfg *config.Config, registry *engine.Registry) (func(), error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.ClusterRedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, coreerr.New(coreerr.CodeConfigMissingRequired, "failed to connect to cluster redis", err)
	}

	m, err := rmap.Join(ctx, "codemachine-adaptive-tpm", rdb)
	if err != nil {
		rdb.Close()
		return nil, coreerr.New(coreerr.CodeConfigMissingRequired, "failed to join cluster rate-limit map", err)
	}

	for _, e := range registry.List() {
		limiter := adaptive.NewAdaptiveRateLimiter(ctx, m, e.ID(), cfg.ClusterTPM, cfg.ClusterTPM)
		registry.Register(limiter.Middleware()(e))
	}

	return func() { rdb.Close() }, nil
}

// resolveDefaultEngine returns explicit, falling back to the
// lowest-Order registered engine when explicit is empty (§4.1's last
// fallback before an engine's own default applies).
func resolveDefaultEngine(explicit string, registry *engine.Registry) string {
	if explicit != "" {
		return explicit
	}
	list := registry.List()
	if len(list) == 0 {
		return ""
	}
	return list[0].ID()
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// stageSpecification copies the file at specPath into
// <codemachineDir>/inputs/specifications.md, the persisted location
// named in §6. Specification-file parsing is an external collaborator's
// concern (spec.md §"Out of scope"); the core only needs the file to
// exist at a stable path so a step's `{file:...}` placeholder can pull
// it into a prompt. specPath may be empty, in which case an empty
// specification file is staged.
func stageSpecification(codemachineDir, specPath string) (string, error) {
	inputsDir := filepath.Join(codemachineDir, "inputs")
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return "", coreerr.New(coreerr.CodeConfigMissingRequired, "failed to create inputs directory", err)
	}

	dest := filepath.Join(inputsDir, "specifications.md")

	var data []byte
	if specPath != "" {
		d, err := os.ReadFile(specPath)
		if err != nil {
			return "", coreerr.New(coreerr.CodeValidationSpecificationMissing, "failed to read --spec file", err)
		}
		data = d
	}

	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", coreerr.New(coreerr.CodeConfigMissingRequired, "failed to stage specification file", err)
	}
	return dest, nil
}

// defaultWorkflow builds the single-step workflow this binary drives:
// one Module step whose prompt pulls in the staged specification via
// the Step Executor's `{file:...}` placeholder (step/placeholder.go).
// The on-disk shape of a multi-step workflow definition is not named
// anywhere in spec.md (workflow authoring is an external collaborator's
// concern, same as specification-file parsing), so this is the minimal
// workflow that exercises every wired component end to end; a richer
// step tree is just a longer []workflow.Step literal built the same way.
func defaultWorkflow(specPath string) []workflow.Step {
	return []workflow.Step{
		{
			Kind:      workflow.StepModule,
			AgentName: "implement-specification",
			Options: workflow.ModuleOptions{
				Prompt: fmt.Sprintf("Implement the following specification:\n\n{file:%s}", specPath),
				Tier:   config.TierStandard,
			},
		},
	}
}
