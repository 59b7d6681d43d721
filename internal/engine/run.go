package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/parley/internal/adapter"
	"github.com/vinayprograms/parley/internal/detect"
	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/session"
)

// Run executes the playbook until it completes, stalls, fails, or the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	name := e.opts.Script.Identity
	start := time.Now()
	e.logger.ExecutionStart(name)
	ctx, span := e.startRunSpan(ctx, name)

	e.state = StateRunning
	result, err := e.run(ctx)

	e.endRunSpan(span, e.state.String(), err)
	e.logger.ExecutionComplete(name, time.Since(start), e.state.String())
	return result, err
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	settings := e.opts.Script.Settings

	stop, err := e.startStopWatcher()
	if err != nil {
		e.logger.Warn("stop signal watcher unavailable, falling back to polling",
			map[string]interface{}{"error": err.Error()})
	}
	if stop != nil {
		defer stop.Close()
	}
	e.opts.Vars = e.opts.Vars.With("STOP_SIGNAL", e.opts.Detect.StopSignalPath)
	defer e.reapSpawned()

	if e.handle == nil {
		handle, err := e.opts.Adapter.StartSession(ctx, adapter.Config{SystemPrompt: e.opts.SystemPrompt})
		if err != nil {
			e.state = StateFailed
			e.flushSession(session.StatusFailed, "", err.Error())
			return e.result(), fmt.Errorf("starting session: %w", err)
		}
		e.handle = handle
	}
	defer func() {
		if err := e.opts.Adapter.StopSession(context.Background(), e.handle); err != nil {
			e.logger.Warn("failed to stop adapter session", map[string]interface{}{"error": err.Error()})
		}
	}()

	cycle := e.startCycle
	for ; cycle <= settings.MaxCycles; cycle++ {
		// The boundary only applies between cycles, never before the
		// first one or mid-cycle on resume.
		if cycle > 1 && e.startUnit == 0 {
			if err := e.applyModeBoundary(ctx, cycle); err != nil {
				return e.fail(ctx, cycle, 0, err)
			}
		}

		units, err := e.renderCycle(cycle)
		if err != nil {
			return e.fail(ctx, cycle, e.startUnit, err)
		}

		first := e.startUnit
		e.startUnit = 0
		sends := sendUnits(units)
		ec := &cycleContext{
			cycle:     cycle,
			units:     units,
			firstSend: firstOf(sends),
			lastSend:  lastOf(sends),
		}

		for i := first; i < len(units); i++ {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.interrupt(cycle, i, "cancelled")
			}
			if reason, halted := e.stopRequested(); halted {
				return e.stall(ctx, cycle, i,
					detect.Result{Stuck: true, Reason: detect.ReasonStopSignal, Cycle: cycle, Evidence: reason})
			}
			if err := e.executeUnit(ctx, ec, i); err != nil {
				return e.fail(ctx, cycle, i, err)
			}
		}

		if res := e.checkStall(cycle); res.Stuck {
			return e.stall(ctx, cycle, len(units), res)
		}
	}

	e.state = StateComplete
	e.flushSession(session.StatusComplete, fmt.Sprintf("%d cycles", settings.MaxCycles), "")
	return e.result(), nil
}

// cycleContext carries per-cycle positions the dispatcher needs for
// prologue and epilogue placement.
type cycleContext struct {
	cycle     int
	units     []unit
	firstSend int
	lastSend  int
}

func firstOf(idx []int) int {
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

func lastOf(idx []int) int {
	if len(idx) == 0 {
		return -1
	}
	return idx[len(idx)-1]
}

// applyModeBoundary enforces the SESSION mode between cycles.
func (e *Engine) applyModeBoundary(ctx context.Context, cycle int) error {
	switch e.opts.Script.Settings.Mode {
	case playbook.ModeFresh:
		if err := e.opts.Adapter.StopSession(ctx, e.handle); err != nil {
			e.logger.Warn("failed to stop session at boundary", map[string]interface{}{"error": err.Error()})
		}
		handle, err := e.opts.Adapter.StartSession(ctx, adapter.Config{SystemPrompt: e.opts.SystemPrompt})
		if err != nil {
			return fmt.Errorf("restarting session for cycle %d: %w", cycle, err)
		}
		e.handle = handle
		e.history = nil
		e.tracker.Reset(0)
		e.record(session.Event{Type: session.EventSystem, Cycle: cycle, Detail: "fresh session"})

	case playbook.ModeAccumulate:
		if e.tracker.NeedsCompaction(0) {
			return e.compact(ctx, cycle, 0, 0)
		}

	case playbook.ModeCompact:
		if len(e.history) > 0 {
			return e.compact(ctx, cycle, 0, 0)
		}
	}
	return nil
}

// checkStall runs the detector over the cycle that just finished.
func (e *Engine) checkStall(cycle int) detect.Result {
	var views []detect.TurnView
	for _, t := range e.transcript {
		if t.Summary {
			continue
		}
		views = append(views, detect.TurnView{Response: t.Response, Thinking: t.Thinking})
	}
	return detect.Check(views, cycle, e.opts.Detect)
}

func (e *Engine) stall(ctx context.Context, cycle, unitIndex int, res detect.Result) (*Result, error) {
	e.state = StateStuck
	e.record(session.Event{
		Type: session.EventStuck, Cycle: cycle,
		Content: res.Reason, Detail: res.Evidence,
	})
	e.saveInterruptCheckpoint(ctx, cycle, unitIndex, session.StatusStuck, res.Evidence)
	e.flushSession(session.StatusStuck, res.Reason, res.Evidence)

	r := e.result()
	r.StuckReason = res.Reason
	r.StuckEvidence = res.Evidence
	return r, &StuckError{Cycle: cycle, Reason: res.Reason, Evidence: res.Evidence}
}

func (e *Engine) interrupt(cycle, unitIndex int, why string) (*Result, error) {
	e.state = StateInterrupted
	e.saveInterruptCheckpoint(context.Background(), cycle, unitIndex, session.StatusInterrupted, why)
	e.flushSession(session.StatusInterrupted, "", why)
	return e.result(), context.Canceled
}

// fail records the failing unit's index so a resume picks up at the
// step that never ran instead of replaying the cycle.
func (e *Engine) fail(ctx context.Context, cycle, unitIndex int, err error) (*Result, error) {
	if ctx.Err() != nil {
		return e.interrupt(cycle, unitIndex, "cancelled")
	}
	e.state = StateFailed
	e.saveInterruptCheckpoint(ctx, cycle, unitIndex, session.StatusFailed, err.Error())
	e.flushSession(session.StatusFailed, "", err.Error())
	return e.result(), err
}

func (e *Engine) result() *Result {
	r := &Result{
		State:       e.state,
		Compactions: e.compactions,
		Turns:       append([]session.Turn{}, e.transcript...),
	}
	if len(e.transcript) > 0 {
		r.Cycles = e.transcript[len(e.transcript)-1].Cycle
	}
	if e.opts.Session != nil {
		r.SessionID = e.opts.Session.ID
	}
	return r
}
