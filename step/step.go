// Package step implements the Step Executor (H), §4.6: resolves the
// effective engine/model for one workflow step, expands prompt
// placeholders, registers the run with the Agent Monitor, and drives
// it through the Engine Fallback Runner.
package step

import (
	"context"
	"strconv"
	"time"

	"codemachine.dev/core/coordinator"
	"codemachine.dev/core/engine"
	"codemachine.dev/core/internal/config"
	"codemachine.dev/core/internal/coreerr"
	"codemachine.dev/core/memory"
	"codemachine.dev/core/monitor"
)

// ModuleInput describes one Module-step invocation.
type ModuleInput struct {
	StepName        string
	Prompt          string
	WorkingDir      string
	Tier            string
	EngineOverride  *string
	ModelOverride   *string
	ParentAgentID   *int64
	// PreviousAgentID, if set, identifies a prior failed attempt of
	// this same step; the executor emits `retrying` on it instead of
	// creating a new agent record (§4.6).
	PreviousAgentID *int64
	TelemetrySink   func(engine.Telemetry)
}

// ModuleResult is the outcome of one Module-step invocation.
type ModuleResult struct {
	AgentID int64
	Output  engine.RunWithFallbackOutput
}

// Executor resolves engine/model per step and drives the run.
type Executor struct {
	Registry   *engine.Registry
	Runner     *engine.Runner
	Monitor    *monitor.Store
	Dispatcher *coordinator.Dispatcher
	// Memory, if set, receives one entry per completed Module step
	// (§6 memory/<agent-id>.json) so a later step's prompt can recall
	// an earlier agent's output via its own placeholder expansion.
	Memory *memory.Store

	// ActivePreset is the single preset selected for this run (by
	// `--preset`), or nil to use step-level engine settings only (§6
	// default preset).
	ActivePreset *config.Preset
	// GlobalEngine/GlobalModel are the `--engine`/`--model` CLI
	// overrides, applied after the preset and before the engine's own
	// default.
	GlobalEngine *string
	GlobalModel  *string
	// DefaultEngine is the last-resort engine id when no override,
	// preset, or global setting names one.
	DefaultEngine string
}

// resolveEngineModel implements §4.6's resolution order: explicit step
// override → preset (by tier) → global override → engine default.
func (e *Executor) resolveEngineModel(in ModuleInput) (engineID, model string) {
	if in.EngineOverride != nil {
		engineID = *in.EngineOverride
	}
	if in.ModelOverride != nil {
		model = *in.ModelOverride
	}

	if engineID == "" && e.ActivePreset != nil {
		if entry, ok := (*e.ActivePreset)[in.Tier]; ok {
			engineID = entry.EngineID
			if model == "" {
				model = entry.Model
			}
		}
	}

	if engineID == "" && e.GlobalEngine != nil {
		engineID = *e.GlobalEngine
	}
	if model == "" && e.GlobalModel != nil {
		model = *e.GlobalModel
	}

	if engineID == "" {
		engineID = e.DefaultEngine
	}
	if model == "" && e.Registry != nil {
		if eng, err := e.Registry.Get(engineID); err == nil {
			model = eng.DefaultModel()
		}
	}

	return engineID, model
}

// Execute runs one Module step to completion (§4.6).
func (e *Executor) Execute(ctx context.Context, in ModuleInput) (ModuleResult, error) {
	engineID, model := e.resolveEngineModel(in)
	if engineID == "" {
		return ModuleResult{}, coreerr.New(coreerr.CodeConfigMissingRequired,
			"no engine could be resolved for step "+in.StepName, nil)
	}

	prompt := expandPlaceholders(in.Prompt, in.WorkingDir)

	agentID, err := e.register(ctx, in, engineID, model, prompt)
	if err != nil {
		return ModuleResult{}, err
	}

	sink := func(t engine.Telemetry) {
		_ = e.Monitor.UpdateTelemetry(ctx, monitor.AgentTelemetry{
			AgentID:   agentID,
			TokensIn:  t.TokensIn,
			TokensOut: t.TokensOut,
			Cached:    t.Cached,
			Cost:      t.Cost,
			Duration:  t.Duration,
		})
		if in.TelemetrySink != nil {
			in.TelemetrySink(t)
		}
	}

	output, runErr := e.Runner.RunWithFallback(ctx, engine.RunWithFallbackInput{
		PrimaryEngine: engineID,
		RunOptions: engine.RunOptions{
			Prompt:        prompt,
			Model:         model,
			WorkingDir:    in.WorkingDir,
			TelemetrySink: sink,
		},
	})

	if runErr == nil && output.EngineUsed == "" {
		runErr = coreerr.New(coreerr.CodeWorkflowStepExecutionFailed, output.Result.Stderr, nil)
	}

	if runErr != nil {
		msg := runErr.Error()
		_ = e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusFailed, &msg)
		return ModuleResult{AgentID: agentID, Output: output}, runErr
	}

	if err := e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusCompleted, nil); err != nil {
		return ModuleResult{AgentID: agentID, Output: output}, err
	}

	if e.Memory != nil {
		_ = e.Memory.Append(strconv.FormatInt(agentID, 10), memory.Entry{
			Role:      "assistant",
			Content:   output.Result.Stdout,
			Timestamp: time.Now(),
			Metadata: map[string]any{
				"step":   in.StepName,
				"engine": output.EngineUsed,
			},
		})
	}

	return ModuleResult{AgentID: agentID, Output: output}, nil
}

func (e *Executor) register(ctx context.Context, in ModuleInput, engineID, model, prompt string) (int64, error) {
	if in.PreviousAgentID != nil {
		agentID := *in.PreviousAgentID
		if err := e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusRetrying, nil); err != nil {
			return 0, err
		}
		if err := e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusRunning, nil); err != nil {
			return 0, err
		}
		return agentID, nil
	}

	agentID, err := e.Monitor.CreateAgent(ctx, in.StepName, engineID, model, in.ParentAgentID, prompt)
	if err != nil {
		return 0, err
	}
	if err := e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusRunning, nil); err != nil {
		return 0, err
	}
	return agentID, nil
}

// CoordinatorScriptInput describes one CoordinatorScript step.
type CoordinatorScriptInput struct {
	StepName      string
	Script        string
	WorkingDir    string
	ParentAgentID *int64
}

// ExecuteCoordinatorScript parses script and dispatches it through the
// configured Dispatcher, registering each launched command with the
// Agent Monitor (§1 dataflow: "every launched run is registered").
func (e *Executor) ExecuteCoordinatorScript(ctx context.Context, in CoordinatorScriptInput) (coordinator.DispatchResult, error) {
	plan, err := coordinator.Parse(in.Script)
	if err != nil {
		return coordinator.DispatchResult{}, err
	}
	if e.Dispatcher == nil {
		return coordinator.DispatchResult{}, coreerr.New(coreerr.CodeConfigMissingRequired, "no coordinator dispatcher configured", nil)
	}

	d := *e.Dispatcher
	d.WorkingDir = in.WorkingDir
	d.OnCommandStart = func(cmd coordinator.Command) any {
		model := ""
		if cmd.Model != nil {
			model = *cmd.Model
		}
		engineID := d.PrimaryEngine
		if cmd.Engine != nil {
			engineID = *cmd.Engine
		}
		agentID, err := e.Monitor.CreateAgent(ctx, in.StepName+"/"+cmd.Name, engineID, model, in.ParentAgentID, cmd.Prompt)
		if err != nil {
			return nil
		}
		_ = e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusRunning, nil)
		return agentID
	}
	d.OnCommandDone = func(_ coordinator.Command, handle any, output engine.RunWithFallbackOutput, runErr error) {
		agentID, ok := handle.(int64)
		if !ok {
			return
		}
		if runErr != nil {
			msg := runErr.Error()
			_ = e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusFailed, &msg)
			return
		}
		_ = e.Monitor.UpdateStatus(ctx, agentID, monitor.StatusCompleted, nil)
	}

	return d.Dispatch(ctx, plan), nil
}
