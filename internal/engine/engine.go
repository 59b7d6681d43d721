// Package engine executes a parsed Playbook against an agent backend:
// rendering cycles, merging elided turns, firing compaction and
// checkpoint points, and watching for stalls.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/parley/internal/adapter"
	"github.com/vinayprograms/parley/internal/checkpoint"
	"github.com/vinayprograms/parley/internal/detect"
	"github.com/vinayprograms/parley/internal/pipeline"
	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/render"
	"github.com/vinayprograms/parley/internal/session"
	"github.com/vinayprograms/parley/internal/verify"
)

// State is where the engine is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateComplete
	StateStuck
	StateInterrupted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateStuck:
		return "stuck"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StuckError terminates a run when a stall heuristic trips.
type StuckError struct {
	Cycle    int
	Reason   string
	Evidence string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("stuck at cycle %d (%s): %s", e.Cycle, e.Reason, e.Evidence)
}

// Options wires the engine's collaborators. Script and Adapter are
// required; everything else has a usable zero value.
type Options struct {
	Script      *playbook.Script
	Adapter     adapter.Adapter
	AdapterName string

	// NewVerifier builds the verifier for a VERIFY step's command.
	// Defaults to verify.Command in WorkDir.
	NewVerifier func(command string) verify.Verifier

	Session     *session.Session
	Sessions    *session.Manager
	Checkpoints *checkpoint.Store

	Detect detect.Config

	// Window overrides the assumed context window size in tokens.
	Window int

	StepTimeout  time.Duration
	ExecTimeout  time.Duration
	RetryBackoff time.Duration

	Vars    render.Vars
	WorkDir string

	SystemPrompt string

	// SummaryFraming wraps compaction summaries before they re-enter
	// the conversation.
	SummaryFraming adapter.Framing

	// Pipeline, when set, supplies pre-rendered turns in place of the
	// script's steps. The script still carries identity and settings.
	Pipeline *pipeline.Document
}

// Result summarizes a finished or aborted run.
type Result struct {
	State       State
	Cycles      int
	Compactions int
	SessionID   string

	// Turns is the append-only transcript, compaction summaries
	// included. The conversation window the agent saw may be shorter.
	Turns []session.Turn

	StuckReason   string
	StuckEvidence string
}

// Engine runs one Playbook. Not safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *logging.Logger
	tracker *session.Tracker

	handle *adapter.Handle
	state  State

	// history is the live conversation window; transcript never
	// shrinks.
	history    []session.Turn
	transcript []session.Turn

	lastExit        int
	pendingFindings []string
	compactions     int
	spawned         []*spawnedCommand

	stop *stopWatcher

	// resume position
	startCycle int
	startUnit  int
}

// New builds an engine for a fresh run.
func New(opts Options) (*Engine, error) {
	if opts.Script == nil {
		return nil, fmt.Errorf("engine needs a script")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("engine needs an adapter")
	}
	if opts.NewVerifier == nil {
		dir := opts.WorkDir
		timeout := opts.ExecTimeout
		opts.NewVerifier = func(command string) verify.Verifier {
			return &verify.Command{Line: command, Dir: dir, Timeout: timeout}
		}
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}

	e := &Engine{
		opts:       opts,
		logger:     logging.New().WithComponent("engine"),
		tracker:    session.NewTracker(opts.Window, opts.Script.Settings.ContextLimit),
		state:      StateIdle,
		startCycle: 1,
	}
	return e, nil
}

// NewFromCheckpoint builds an engine that resumes at the position a
// checkpoint recorded.
func NewFromCheckpoint(opts Options, rec *checkpoint.Record) (*Engine, error) {
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	e.startCycle = rec.Cycle
	e.startUnit = rec.StepIndex
	e.compactions = rec.Compactions
	e.history = append(e.history, rec.History...)
	e.transcript = append(e.transcript, rec.History...)
	e.tracker.Reset(rec.UsedTokens)

	if len(rec.AdapterBlob) > 0 {
		handle, err := opts.Adapter.Resume(context.Background(), adapter.Config{SystemPrompt: opts.SystemPrompt}, rec.AdapterBlob)
		if err != nil {
			return nil, fmt.Errorf("resuming adapter session: %w", err)
		}
		e.handle = handle
	}
	return e, nil
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State { return e.state }

// StopSignalPath returns the file whose creation halts the run.
func (e *Engine) StopSignalPath() string {
	if e.stop != nil {
		return e.stop.path
	}
	return e.opts.Detect.StopSignalPath
}

func (e *Engine) record(ev session.Event) {
	if e.opts.Session != nil {
		e.opts.Session.AddEvent(ev)
	}
}

func (e *Engine) flushSession(status, result, errMsg string) {
	if e.opts.Session == nil || e.opts.Sessions == nil {
		return
	}
	e.opts.Session.Status = status
	e.opts.Session.Result = result
	e.opts.Session.Error = errMsg
	if err := e.opts.Sessions.Update(e.opts.Session); err != nil {
		e.logger.Warn("failed to persist session", map[string]interface{}{
			"session": e.opts.Session.ID,
			"error":   err.Error(),
		})
	}
}
