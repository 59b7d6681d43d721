package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vinayprograms/parley/internal/adapter"
	"github.com/vinayprograms/parley/internal/checkpoint"
	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/render"
	"github.com/vinayprograms/parley/internal/session"
	"github.com/vinayprograms/parley/internal/verify"
)

// outputLimit caps how much command output rides along in a merged
// turn or a log event.
const outputLimit = 16 * 1024

func (e *Engine) executeUnit(ctx context.Context, ec *cycleContext, index int) error {
	u := ec.units[index]
	switch u.kind {
	case unitSend:
		return e.runSend(ctx, ec, index)
	case unitExec:
		return e.runExec(ctx, ec.cycle, u.steps[0])
	case unitBranch:
		return e.runBranch(ctx, ec, u.steps[0].src)
	case unitCompact:
		return e.runCompactPoint(ctx, ec.cycle, u.steps[0].src)
	case unitCheckpoint:
		return e.runCheckpoint(ctx, ec.cycle, index+1, u.steps[0].src.Content)
	case unitVerify:
		return e.runVerify(ctx, ec.cycle, u.steps[0])
	}
	return fmt.Errorf("line %d: unhandled unit kind", u.line)
}

// runSend assembles one outgoing turn from a send unit. Command steps
// in an elision chain execute first and their output takes their
// position in the merged text.
func (e *Engine) runSend(ctx context.Context, ec *cycleContext, index int) error {
	u := ec.units[index]
	vars := e.opts.Vars.WithCycle(ec.cycle)

	var parts []string
	retries := 0
	for _, rs := range u.steps {
		if rs.src.Retries > retries {
			retries = rs.src.Retries
		}
		switch rs.src.Kind {
		case playbook.StepCommand:
			output, _, err := e.shell(ctx, ec.cycle, rs)
			if err != nil {
				return err
			}
			if output != "" {
				parts = append(parts, output)
			}
		default:
			if rs.text != "" {
				parts = append(parts, rs.text)
			}
		}
	}

	body := strings.Join(parts, "\n\n")
	if strings.TrimSpace(body) == "" {
		e.warn(ec.cycle, u.line, "turn rendered empty, skipped")
		return nil
	}

	prompt := e.frame(body, vars, index == ec.firstSend, index == ec.lastSend)

	e.record(session.Event{Type: session.EventPrompt, Cycle: ec.cycle, Line: u.line, Content: prompt})
	reply, err := e.sendWithRetry(ctx, ec.cycle, u.line, prompt, retries)
	if err != nil {
		return err
	}

	turn := session.Turn{
		Cycle:     ec.cycle,
		Prompt:    prompt,
		Response:  reply.Content,
		Thinking:  reply.Thinking,
		Model:     reply.Model,
		TokensIn:  reply.TokensIn,
		TokensOut: reply.TokensOut,
		Timestamp: time.Now(),
	}
	e.history = append(e.history, turn)
	e.transcript = append(e.transcript, turn)
	e.tracker.Observe(reply.TokensIn, reply.TokensOut)

	e.record(session.Event{
		Type: session.EventResponse, Cycle: ec.cycle, Line: u.line,
		Content: reply.Content, Model: reply.Model,
		TokensIn: reply.TokensIn, TokensOut: reply.TokensOut,
	})
	return nil
}

// frame wraps the body with header/footer and, at the cycle's edges,
// prologue and epilogue. Pending verifier findings ride ahead of the
// body and are consumed here.
func (e *Engine) frame(body string, vars render.Vars, first, last bool) string {
	settings := e.opts.Script.Settings
	expand := func(text string) string {
		out, _ := render.ExpandPrompt(text, vars)
		return out
	}

	var parts []string
	if settings.Header != "" {
		parts = append(parts, expand(settings.Header))
	}
	if first && settings.Prologue != "" {
		parts = append(parts, expand(settings.Prologue))
	}
	if len(e.pendingFindings) > 0 {
		var b strings.Builder
		b.WriteString("Verifier findings to address:")
		for _, f := range e.pendingFindings {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		parts = append(parts, b.String())
		e.pendingFindings = nil
	}
	parts = append(parts, body)
	if last && settings.Epilogue != "" {
		parts = append(parts, expand(settings.Epilogue))
	}
	if settings.Footer != "" {
		parts = append(parts, expand(settings.Footer))
	}
	return strings.Join(parts, "\n\n")
}

func (e *Engine) sendWithRetry(ctx context.Context, cycle, line int, prompt string, retries int) (*adapter.Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("retrying send", map[string]interface{}{
				"cycle": cycle, "line": line, "attempt": attempt, "error": lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.opts.RetryBackoff * time.Duration(attempt)):
			}
		}

		sendCtx := ctx
		if e.opts.StepTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, e.opts.StepTimeout)
			defer cancel()
		}
		reply, err := e.opts.Adapter.Send(sendCtx, e.handle, prompt)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("line %d: send failed after %d attempts: %w", line, retries+1, lastErr)
}

// runExec executes a standalone command step. Its output stays local;
// only the exit status feeds back into branches.
func (e *Engine) runExec(ctx context.Context, cycle int, rs renderedStep) error {
	if rs.src.Await {
		return e.awaitSpawned(cycle)
	}
	if rs.src.Async {
		return e.spawn(ctx, cycle, rs)
	}

	retries := rs.src.Retries
	var exit int
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		_, exit, err = e.shell(ctx, cycle, rs)
		if err != nil {
			return err
		}
		if exit == 0 {
			break
		}
		if attempt < retries {
			e.logger.Warn("command failed, retrying", map[string]interface{}{
				"cycle": cycle, "line": rs.src.Line, "exit": exit, "attempt": attempt + 1,
			})
		}
	}
	if rs.src.StrictExit && exit != 0 {
		return fmt.Errorf("line %d: command exited %d: %s", rs.src.Line, exit, rs.text)
	}
	return nil
}

// shell runs one command and records it. The exit code also updates
// lastExit for a following branch block.
func (e *Engine) shell(ctx context.Context, cycle int, rs renderedStep) (string, int, error) {
	if e.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ExecTimeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", rs.text)
	cmd.Dir = e.opts.WorkDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	exit := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		} else {
			return "", 0, fmt.Errorf("line %d: running command: %w", rs.src.Line, err)
		}
	}

	output := truncate(buf.String(), outputLimit)
	e.lastExit = exit
	e.record(session.Event{
		Type: session.EventExec, Cycle: cycle, Line: rs.src.Line,
		Content: rs.text, Detail: output,
		ExitCode: exit, DurationMs: time.Since(start).Milliseconds(),
	})
	return output, exit, nil
}

// spawnedCommand tracks a SPAWN in flight.
type spawnedCommand struct {
	line int
	text string
	cmd  *exec.Cmd
	buf  *bytes.Buffer
	done chan error
}

func (e *Engine) spawn(ctx context.Context, cycle int, rs renderedStep) error {
	cmd := exec.Command("sh", "-c", rs.text)
	cmd.Dir = e.opts.WorkDir
	buf := &bytes.Buffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("line %d: spawning command: %w", rs.src.Line, err)
	}

	sp := &spawnedCommand{line: rs.src.Line, text: rs.text, cmd: cmd, buf: buf, done: make(chan error, 1)}
	go func() { sp.done <- cmd.Wait() }()
	e.spawned = append(e.spawned, sp)

	e.record(session.Event{Type: session.EventExec, Cycle: cycle, Line: rs.src.Line,
		Content: rs.text, Detail: "spawned"})
	return nil
}

// awaitSpawned blocks until every spawned command finishes. The last
// nonzero exit wins so a following branch sees the failure.
func (e *Engine) awaitSpawned(cycle int) error {
	for _, sp := range e.spawned {
		err := <-sp.done
		exit := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exit = ee.ExitCode()
			} else {
				return fmt.Errorf("line %d: awaiting command: %w", sp.line, err)
			}
		}
		if exit != 0 {
			e.lastExit = exit
		}
		e.record(session.Event{
			Type: session.EventExec, Cycle: cycle, Line: sp.line,
			Content: sp.text, Detail: truncate(sp.buf.String(), outputLimit), ExitCode: exit,
		})
	}
	e.spawned = nil
	return nil
}

// reapSpawned kills and collects any command a SPAWN left running
// with no AWAIT, so the run never leaks children past its exit.
func (e *Engine) reapSpawned() {
	for _, sp := range e.spawned {
		if sp.cmd.Process != nil {
			sp.cmd.Process.Kill()
		}
		<-sp.done
		e.logger.Warn("spawned command never awaited, killed at exit",
			map[string]interface{}{"line": sp.line, "command": sp.text})
	}
	e.spawned = nil
}

// runBranch executes exactly one side of a branch block depending on
// the exit status of the command step before it.
func (e *Engine) runBranch(ctx context.Context, ec *cycleContext, step playbook.Step) error {
	side := step.Branch.Failure
	taken := "on_fail"
	if e.lastExit == 0 {
		side = step.Branch.Success
		taken = "on_success"
	}
	e.record(session.Event{Type: session.EventSystem, Cycle: ec.cycle, Line: step.Line,
		Detail: fmt.Sprintf("branch %s (exit %d)", taken, e.lastExit)})
	if len(side) == 0 {
		return nil
	}

	vars := e.opts.Vars.WithCycle(ec.cycle)
	units, err := e.renderSteps(side, vars, ec.cycle)
	if err != nil {
		return err
	}
	// Branch turns never carry the prologue or epilogue.
	sub := &cycleContext{cycle: ec.cycle, units: units, firstSend: -1, lastSend: -1}
	for i := range units {
		if err := e.executeUnit(ctx, sub, i); err != nil {
			return err
		}
	}
	return nil
}

// runCompactPoint evaluates a COMPACT step against the tracker.
func (e *Engine) runCompactPoint(ctx context.Context, cycle int, step playbook.Step) error {
	if !e.tracker.NeedsCompaction(step.MinDensity) {
		e.record(session.Event{
			Type: session.EventCompactSkip, Cycle: cycle, Line: step.Line,
			Detail: fmt.Sprintf("usage %d%%", e.tracker.UsagePercent()),
		})
		return nil
	}
	return e.compact(ctx, cycle, step.MinDensity, step.Line)
}

// compact condenses the conversation into a summary turn. Verifier
// findings that have not been delivered yet survive verbatim.
func (e *Engine) compact(ctx context.Context, cycle, minDensity, line int) error {
	before := e.tracker.UsagePercent()
	reply, err := e.opts.Adapter.Compact(ctx, e.handle, e.pendingFindings, e.opts.SummaryFraming)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}

	summary := session.Turn{
		Cycle:     cycle,
		Response:  reply.Content,
		Model:     reply.Model,
		Summary:   true,
		Timestamp: time.Now(),
	}
	e.history = []session.Turn{summary}
	e.transcript = append(e.transcript, summary)
	e.tracker.Reset(session.EstimateTokens(reply.Content))
	e.compactions++

	e.record(session.Event{
		Type: session.EventCompact, Cycle: cycle, Line: line,
		Content: reply.Content,
		Detail:  fmt.Sprintf("usage %d%% -> %d%%", before, e.tracker.UsagePercent()),
	})
	return nil
}

// runCheckpoint saves a durable record pointing at the next
// un-executed unit.
func (e *Engine) runCheckpoint(ctx context.Context, cycle, nextUnit int, name string) error {
	if e.opts.Checkpoints == nil {
		e.warn(cycle, 0, fmt.Sprintf("checkpoint %q skipped: no checkpoint store", name))
		return nil
	}

	rec, err := e.buildCheckpoint(ctx, cycle, nextUnit, name, session.StatusRunning, "")
	if err != nil {
		return err
	}
	if err := e.opts.Checkpoints.Save(rec); err != nil {
		return fmt.Errorf("saving checkpoint %q: %w", name, err)
	}
	e.record(session.Event{Type: session.EventCheckpoint, Cycle: cycle, Content: name})
	e.flushSession(session.StatusRunning, "", "")
	return nil
}

func (e *Engine) buildCheckpoint(ctx context.Context, cycle, nextUnit int, name, status, message string) (*checkpoint.Record, error) {
	rec := &checkpoint.Record{
		Name:        name,
		Status:      status,
		Message:     message,
		Playbook:    e.opts.Script.Identity,
		Model:       e.opts.Script.Settings.Model,
		Cycle:       cycle,
		StepIndex:   nextUnit,
		Mode:        e.opts.Script.Settings.Mode.String(),
		UsedTokens:  e.tracker.Used(),
		Compactions: e.compactions,
		History:     append([]session.Turn{}, e.history...),
	}
	if e.opts.Session != nil {
		rec.SessionID = e.opts.Session.ID
	}
	if e.handle != nil {
		rec.AdapterSession = e.handle.ID
		blob, err := e.opts.Adapter.Checkpoint(ctx, e.handle)
		if err != nil {
			return nil, fmt.Errorf("exporting adapter state: %w", err)
		}
		rec.AdapterBlob = blob
	}
	return rec, nil
}

// saveInterruptCheckpoint is best-effort: a failed save never masks
// the error that got us here.
func (e *Engine) saveInterruptCheckpoint(ctx context.Context, cycle, nextUnit int, status, message string) {
	if e.opts.Checkpoints == nil {
		return
	}
	rec, err := e.buildCheckpoint(ctx, cycle, nextUnit, "interrupted", status, message)
	if err != nil {
		e.logger.Warn("could not build interrupt checkpoint", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.opts.Checkpoints.Save(rec); err != nil {
		e.logger.Warn("could not save interrupt checkpoint", map[string]interface{}{"error": err.Error()})
	}
}

// runVerify executes a VERIFY step and stages findings for the next
// outgoing turn.
func (e *Engine) runVerify(ctx context.Context, cycle int, rs renderedStep) error {
	verifier := e.opts.NewVerifier(rs.text)
	res, err := verifier.Verify(ctx)
	if err != nil {
		return fmt.Errorf("line %d: verifier: %w", rs.src.Line, err)
	}

	e.record(session.Event{
		Type: session.EventVerify, Cycle: cycle, Line: rs.src.Line,
		Content: rs.text, Detail: res.Summary,
	})

	if !res.Passed || rs.src.VerifyWhen == playbook.VerifyAlways {
		e.pendingFindings = append(e.pendingFindings, verify.FindingTexts(res)...)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
