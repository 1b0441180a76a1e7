package coordinator

import (
	"context"
	"errors"
	"sync"

	"codemachine.dev/core/engine"
)

// CommandResult is the outcome of dispatching one Command through the
// Engine Fallback Runner.
type CommandResult struct {
	Command Command
	Output  engine.RunWithFallbackOutput
	Err     error
}

// GroupResult is the outcome of dispatching one Group.
type GroupResult struct {
	Mode    Mode
	Results []CommandResult
}

// DispatchResult is the outcome of dispatching an entire Plan.
type DispatchResult struct {
	Groups []GroupResult
}

// Dispatcher runs a parsed Plan over the Engine Fallback Runner (§4.5
// Dispatch).
type Dispatcher struct {
	Runner        *engine.Runner
	PrimaryEngine string
	Chain         []string
	WorkingDir    string
	TelemetrySink func(engine.Telemetry)
	OnChunk       func(Command, engine.Chunk)
	// OnCommandStart, if set, is called before each command is handed
	// to the Fallback Runner so the caller can register it with the
	// Agent Monitor ("every launched run is registered with the Agent
	// Monitor", §1 dataflow); its return value is threaded into
	// OnCommandDone. Errors are logged by the caller's hook, never by
	// the dispatcher, and never abort dispatch.
	OnCommandStart func(cmd Command) any
	OnCommandDone  func(cmd Command, handle any, output engine.RunWithFallbackOutput, err error)
}

// Dispatch executes every Group of p strictly in order. Within a
// ModeParallel group every Command starts concurrently and a failure
// is reported without cancelling its peers; within a ModeSequential
// group a failure aborts the remainder of that group. Either way,
// dispatch proceeds to the next group once the current one finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, p Plan) DispatchResult {
	out := DispatchResult{Groups: make([]GroupResult, 0, len(p.Groups))}

	for _, g := range p.Groups {
		var gr GroupResult
		if g.Mode == ModeParallel {
			gr = d.dispatchParallel(ctx, g)
		} else {
			gr = d.dispatchSequential(ctx, g)
		}
		out.Groups = append(out.Groups, gr)
	}

	return out
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, g Group) GroupResult {
	results := make([]CommandResult, len(g.Commands))
	var wg sync.WaitGroup
	for i, cmd := range g.Commands {
		wg.Add(1)
		go func(i int, cmd Command) {
			defer wg.Done()
			results[i] = d.run(ctx, cmd)
		}(i, cmd)
	}
	wg.Wait()
	return GroupResult{Mode: g.Mode, Results: results}
}

func (d *Dispatcher) dispatchSequential(ctx context.Context, g Group) GroupResult {
	results := make([]CommandResult, 0, len(g.Commands))
	for _, cmd := range g.Commands {
		r := d.run(ctx, cmd)
		results = append(results, r)
		if r.Err != nil {
			break
		}
	}
	return GroupResult{Mode: g.Mode, Results: results}
}

func (d *Dispatcher) run(ctx context.Context, cmd Command) CommandResult {
	var handle any
	if d.OnCommandStart != nil {
		handle = d.OnCommandStart(cmd)
	}

	primary := d.PrimaryEngine
	if cmd.Engine != nil {
		primary = *cmd.Engine
	}

	model := ""
	if cmd.Model != nil {
		model = *cmd.Model
	}

	opts := engine.RunOptions{
		Prompt:        cmd.Prompt,
		Model:         model,
		WorkingDir:    d.WorkingDir,
		TelemetrySink: d.TelemetrySink,
	}

	var onChunk func(engine.Chunk)
	if d.OnChunk != nil {
		onChunk = func(c engine.Chunk) { d.OnChunk(cmd, c) }
	}

	output, err := d.Runner.RunWithFallback(ctx, engine.RunWithFallbackInput{
		PrimaryEngine: primary,
		RunOptions:    opts,
		Chain:         d.Chain,
		OnChunk:       onChunk,
	})
	if err == nil && output.EngineUsed == "" {
		// Every candidate was exhausted without a success; the Fallback
		// Runner reports this as a result with an explanatory stderr
		// rather than a Go error, so surface it as one here.
		err = errors.New(output.Result.Stderr)
	}

	if d.OnCommandDone != nil {
		d.OnCommandDone(cmd, handle, output, err)
	}

	return CommandResult{Command: cmd, Output: output, Err: err}
}
