package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vinayprograms/parley/internal/adapter"
	"github.com/vinayprograms/parley/internal/checkpoint"
	"github.com/vinayprograms/parley/internal/config"
	"github.com/vinayprograms/parley/internal/detect"
	"github.com/vinayprograms/parley/internal/engine"
	"github.com/vinayprograms/parley/internal/pipeline"
	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/render"
	"github.com/vinayprograms/parley/internal/session"
)

// Run executes a playbook end to end.
func (c *RunCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}

	if c.Pipeline != "" {
		return c.runPipeline(cfg)
	}

	script, err := playbook.LoadFile(c.File)
	if err != nil {
		return err
	}
	for _, w := range script.Warnings {
		fmt.Fprintf(os.Stderr, "⚠ %s\n", w)
	}
	if c.Cycles > 0 {
		script.Settings.MaxCycles = c.Cycles
	}
	if c.Model != "" {
		script.Settings.Model = c.Model
	}

	e, sess, err := buildEngine(cfg, script, engineOverrides{
		workspace:  c.Workspace,
		stopSignal: c.StopSignal,
	}, nil)
	if err != nil {
		return err
	}

	return execute(e, sess, script, cfg)
}

// runPipeline executes a pre-rendered interchange document, skipping
// the parse and render stages.
func (c *RunCmd) runPipeline(cfg *config.Config) error {
	data, err := os.ReadFile(c.Pipeline)
	if err != nil {
		return err
	}
	doc, err := pipeline.Load(data)
	if err != nil {
		return err
	}
	script := doc.Script()
	if c.Cycles > 0 && c.Cycles < script.Settings.MaxCycles {
		script.Settings.MaxCycles = c.Cycles
	}
	if c.Model != "" {
		script.Settings.Model = c.Model
	}

	e, sess, err := buildEngine(cfg, script, engineOverrides{
		workspace:  c.Workspace,
		stopSignal: c.StopSignal,
		pipeline:   doc,
	}, nil)
	if err != nil {
		return err
	}
	return execute(e, sess, script, cfg)
}

// Run continues a playbook from its checkpoint.
func (c *ResumeCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	script, err := playbook.LoadFile(c.File)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(filepath.Join(cfg.StoragePath(), "checkpoints"))
	if err != nil {
		return err
	}
	var rec *checkpoint.Record
	if c.Checkpoint != "" {
		rec, err = store.Load(script.Identity, c.Checkpoint)
	} else {
		rec, err = store.Latest(script.Identity)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "▶ resuming %s at cycle %d, step %d\n", script.Identity, rec.Cycle, rec.StepIndex)

	e, sess, err := buildEngine(cfg, script, engineOverrides{workspace: c.Workspace}, rec)
	if err != nil {
		return err
	}
	return execute(e, sess, script, cfg)
}

type engineOverrides struct {
	workspace  string
	stopSignal string
	pipeline   *pipeline.Document
}

// buildEngine wires the adapter, stores, detector, and engine from
// config plus playbook settings. A non-nil checkpoint record makes it
// a resuming engine.
func buildEngine(cfg *config.Config, script *playbook.Script, ov engineOverrides, rec *checkpoint.Record) (*engine.Engine, *session.Session, error) {
	model := script.Settings.Model
	if model == "" {
		model = cfg.Adapter.Model
	}
	adapterName := script.Settings.Adapter
	if adapterName == "" {
		adapterName = cfg.Adapter.Name
	}

	backend, err := adapter.New(adapterName, adapter.BackendConfig{
		Provider:  cfg.Adapter.Provider,
		Model:     model,
		APIKey:    cfg.GetAPIKey(),
		BaseURL:   cfg.Adapter.BaseURL,
		MaxTokens: cfg.Adapter.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	base := cfg.StoragePath()
	sessions, err := session.NewFileStore(filepath.Join(base, "sessions"))
	if err != nil {
		return nil, nil, err
	}
	manager := session.NewManager(sessions)
	sess, err := manager.Create(script.Identity, model)
	if err != nil {
		return nil, nil, err
	}
	checkpoints, err := checkpoint.NewStore(filepath.Join(base, "checkpoints"))
	if err != nil {
		return nil, nil, err
	}

	workdir := ov.workspace
	if workdir == "" {
		workdir, _ = os.Getwd()
	}

	opts := engine.Options{
		Script:      script,
		Adapter:     backend,
		AdapterName: adapterName,
		Session:     sess,
		Sessions:    manager,
		Checkpoints: checkpoints,
		Detect: detect.Config{
			Phrases:            cfg.Detector.Phrases,
			IdenticalThreshold: cfg.Detector.IdenticalThreshold,
			MinResponseChars:   cfg.Detector.MinResponseChars,
			StopSignalPath:     ov.stopSignal,
		},
		Window:       cfg.Engine.ContextWindow,
		StepTimeout:  parseDuration(cfg.Engine.StepTimeout, 10*time.Minute),
		ExecTimeout:  parseDuration(cfg.Engine.ExecTimeout, 5*time.Minute),
		RetryBackoff: parseDuration(cfg.Engine.RetryBackoff, 2*time.Second),
		Vars:         render.NewVars(script.Identity),
		WorkDir:      workdir,
		SummaryFraming: adapter.Framing{
			Prefix: cfg.Engine.SummaryPrefix,
			Suffix: cfg.Engine.SummarySuffix,
		},
		Pipeline: ov.pipeline,
	}

	var e *engine.Engine
	if rec != nil {
		e, err = engine.NewFromCheckpoint(opts, rec)
	} else {
		e, err = engine.New(opts)
	}
	if err != nil {
		return nil, nil, err
	}
	return e, sess, nil
}

// execute runs the engine under signal cancellation and reports the
// outcome.
func execute(e *engine.Engine, sess *session.Session, script *playbook.Script, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "▶ %s  session %s\n", script.Identity, sess.ID)
	fmt.Fprintf(os.Stderr, "  stop signal: %s\n", e.StopSignalPath())

	res, runErr := e.Run(ctx)

	switch {
	case runErr == nil:
		fmt.Fprintf(os.Stderr, "✓ complete: %d cycles, %d compactions\n", res.Cycles, res.Compactions)
	case isStuck(runErr):
		fmt.Fprintf(os.Stderr, "✗ stuck (%s): %s\n", res.StuckReason, res.StuckEvidence)
	case errors.Is(runErr, context.Canceled):
		fmt.Fprintln(os.Stderr, "✗ interrupted, checkpoint saved")
	default:
		fmt.Fprintf(os.Stderr, "✗ failed: %v\n", runErr)
	}

	if script.Settings.OutputFormat != "" && res != nil && len(res.Turns) > 0 {
		if path, err := writeReport(script, res); err != nil {
			fmt.Fprintf(os.Stderr, "⚠ report: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "  report: %s\n", path)
		}
	}
	return runErr
}

func isStuck(err error) bool {
	var stuck *engine.StuckError
	return errors.As(err, &stuck)
}

// writeReport renders the run into the playbook's OUTPUT target.
// ${PLAYBOOK} is legal in the path even though prompts never see it.
func writeReport(script *playbook.Script, res *engine.Result) (string, error) {
	vars := render.NewVars(script.Identity)
	path, err := render.ExpandPath(script.Settings.OutputPath, vars)
	if err != nil {
		return "", err
	}

	doc := pipeline.FromTurns(script.Identity, script.Settings.Model, script.Settings.Adapter, res.Turns)
	var data []byte
	switch script.Settings.OutputFormat {
	case "yaml":
		data, err = doc.Marshal()
	case "json":
		data, err = json.MarshalIndent(doc, "", "  ")
	case "markdown":
		data = markdownReport(doc, res)
	default:
		return "", fmt.Errorf("unsupported report format %q", script.Settings.OutputFormat)
	}
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadDefault()
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
