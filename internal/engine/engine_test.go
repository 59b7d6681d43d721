package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/parley/internal/adapter"
	"github.com/vinayprograms/parley/internal/checkpoint"
	"github.com/vinayprograms/parley/internal/detect"
	"github.com/vinayprograms/parley/internal/pipeline"
	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/render"
	"github.com/vinayprograms/parley/internal/session"
)

// long pads a response past the minimal-response heuristic.
func long(s string) string {
	return s + " " + strings.Repeat("progress was made on several fronts this cycle.", 4)
}

func reply(s string) adapter.Reply {
	return adapter.Reply{Content: long(s), Model: "scripted", TokensIn: 500, TokensOut: 100}
}

func newEngine(t *testing.T, src string, backend *adapter.Scripted, mod func(*Options)) *Engine {
	t.Helper()
	script, err := playbook.ParseString(src, "testbook", t.TempDir())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	opts := Options{
		Script:  script,
		Adapter: backend,
		Vars:    render.NewVars("testbook"),
		WorkDir: t.TempDir(),
	}
	if mod != nil {
		mod(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func TestRunBasic(t *testing.T) {
	backend := adapter.NewScripted(reply("first"), reply("second"))
	e := newEngine(t, "SAY do the first thing\nSAY do the second thing\n", backend, nil)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != StateComplete {
		t.Errorf("State = %v", res.State)
	}
	if len(res.Turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(res.Turns))
	}
	calls := backend.Calls()
	if len(calls) != 2 || !strings.Contains(calls[0], "first thing") {
		t.Errorf("calls = %v", calls)
	}
}

func TestElisionMergesIntoOneTurn(t *testing.T) {
	src := "SAY review this output\nELIDE\nEXEC echo marker-from-shell\nELIDE\nSAY and summarize it\n"
	backend := adapter.NewScripted(reply("summary"))
	e := newEngine(t, src, backend, nil)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1 merged turn", len(calls))
	}
	prompt := calls[0]
	a := strings.Index(prompt, "review this output")
	b := strings.Index(prompt, "marker-from-shell")
	c := strings.Index(prompt, "and summarize it")
	if a < 0 || b < 0 || c < 0 || !(a < b && b < c) {
		t.Errorf("merged turn out of order:\n%s", prompt)
	}
}

func TestBranchExclusive(t *testing.T) {
	src := `EXEC exit 1
ON_SUCCESS
SAY it worked
ON_FAIL
SAY it broke
END
`
	backend := adapter.NewScripted(reply("ack"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	if strings.Contains(calls[0], "it worked") || !strings.Contains(calls[0], "it broke") {
		t.Errorf("wrong branch taken: %q", calls[0])
	}
}

func TestBranchSuccessSide(t *testing.T) {
	src := "EXEC true\nON_SUCCESS\nSAY it worked\nON_FAIL\nSAY it broke\nEND\n"
	backend := adapter.NewScripted(reply("ack"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := backend.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "it worked") {
		t.Errorf("success side not taken: %v", calls)
	}
}

func TestFraming(t *testing.T) {
	src := `PROLOGUE mission briefing
EPILOGUE wrap up now
HEADER stay factual
FOOTER reply in markdown
SAY first ask
SAY second ask
`
	backend := adapter.NewScripted(reply("one"), reply("two"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := backend.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d sends, want 2", len(calls))
	}
	if !strings.Contains(calls[0], "mission briefing") || strings.Contains(calls[1], "mission briefing") {
		t.Error("prologue not confined to the cycle's first turn")
	}
	if strings.Contains(calls[0], "wrap up now") || !strings.Contains(calls[1], "wrap up now") {
		t.Error("epilogue not confined to the cycle's last turn")
	}
	for i, call := range calls {
		if !strings.HasPrefix(call, "stay factual") || !strings.HasSuffix(call, "reply in markdown") {
			t.Errorf("turn %d not wrapped by header/footer:\n%s", i, call)
		}
	}
}

func TestSessionModeFresh(t *testing.T) {
	src := "CYCLES 2\nSESSION fresh\nSAY do the work\n"
	backend := adapter.NewScripted(reply("cycle one"), reply("cycle two"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	started, stopped := backend.Sessions()
	if started != 2 {
		t.Errorf("started %d sessions, want 2", started)
	}
	if stopped != 2 {
		t.Errorf("stopped %d sessions, want 2", stopped)
	}
}

func TestSessionModeCompactBoundary(t *testing.T) {
	src := "CYCLES 2\nSESSION compact\nSAY do the work\n"
	backend := adapter.NewScripted(reply("cycle one"), reply("cycle two"))
	e := newEngine(t, src, backend, nil)
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Compactions != 1 {
		t.Errorf("Compactions = %d, want 1", res.Compactions)
	}
	var summaries int
	for _, turn := range res.Turns {
		if turn.Summary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("got %d summary turns, want 1", summaries)
	}
}

func TestCompactPointSkipsBelowDensity(t *testing.T) {
	src := "SAY do the work\nCOMPACT 50\nSAY more work\n"
	backend := adapter.NewScripted(
		adapter.Reply{Content: long("a"), TokensIn: 100, TokensOut: 50}, // well under any window
		reply("b"),
	)
	e := newEngine(t, src, backend, nil)
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Compactions != 0 {
		t.Errorf("Compactions = %d, want 0", res.Compactions)
	}
	if backend.Compactions() != 0 {
		t.Error("adapter compacted despite low usage")
	}
}

func TestCompactPointFiresAboveLimit(t *testing.T) {
	src := "SAY do the work\nCOMPACT 50\nSAY more work\n"
	backend := adapter.NewScripted(
		adapter.Reply{Content: long("a"), TokensIn: 850, TokensOut: 50}, // 90% of a 1000 window
		reply("b"),
	)
	e := newEngine(t, src, backend, func(o *Options) { o.Window = 1000 })
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Compactions != 1 {
		t.Errorf("Compactions = %d, want 1", res.Compactions)
	}
}

func TestStuckOnIdenticalResponses(t *testing.T) {
	src := "CYCLES 4\nSAY keep going\n"
	same := adapter.Reply{Content: long("identical"), TokensIn: 100, TokensOut: 50}
	backend := adapter.NewScripted(same, same, same, same)
	e := newEngine(t, src, backend, nil)

	res, err := e.Run(context.Background())
	var stuck *StuckError
	if !errors.As(err, &stuck) {
		t.Fatalf("err = %v, want StuckError", err)
	}
	if stuck.Reason != detect.ReasonIdentical {
		t.Errorf("Reason = %q", stuck.Reason)
	}
	if stuck.Cycle != 2 {
		t.Errorf("stuck at cycle %d, want 2", stuck.Cycle)
	}
	if res.State != StateStuck {
		t.Errorf("State = %v", res.State)
	}
}

func TestStuckOnReasoningPhrase(t *testing.T) {
	src := "CYCLES 3\nSAY keep going\n"
	backend := adapter.NewScripted(
		adapter.Reply{Content: long("fine"), Thinking: "all good"},
		adapter.Reply{Content: long("hmm"), Thinking: "I am going in circles here"},
	)
	e := newEngine(t, src, backend, nil)
	_, err := e.Run(context.Background())
	var stuck *StuckError
	if !errors.As(err, &stuck) || stuck.Reason != detect.ReasonPhrase {
		t.Fatalf("err = %v, want reasoning-pattern StuckError", err)
	}
}

func TestStopSignalHaltsRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt")
	if err := os.WriteFile(path, []byte(`{"reason":"deploy freeze"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	backend := adapter.NewScripted(reply("never sent"))
	e := newEngine(t, "SAY do the work\n", backend, func(o *Options) {
		o.Detect.StopSignalPath = path
	})

	_, err := e.Run(context.Background())
	var stuck *StuckError
	if !errors.As(err, &stuck) || stuck.Reason != detect.ReasonStopSignal {
		t.Fatalf("err = %v, want stop-signal StuckError", err)
	}
	if !strings.Contains(stuck.Evidence, "deploy freeze") {
		t.Errorf("Evidence = %q", stuck.Evidence)
	}
	if len(backend.Calls()) != 0 {
		t.Error("engine sent a turn after the stop signal")
	}
}

func TestVerifyFindingsInjected(t *testing.T) {
	src := "VERIFY echo \"a.go:1: broken thing\" && exit 1\nSAY fix it\n"
	backend := adapter.NewScripted(reply("fixed"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d sends", len(calls))
	}
	if !strings.Contains(calls[0], "Verifier findings") || !strings.Contains(calls[0], "a.go:1: broken thing") {
		t.Errorf("findings missing from followup prompt:\n%s", calls[0])
	}
}

func TestStrictExitAborts(t *testing.T) {
	backend := adapter.NewScripted(reply("unreachable"))
	e := newEngine(t, "EXEC_STRICT exit 3\nSAY never sent\n", backend, nil)
	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("strict command failure did not abort")
	}
	if e.State() != StateFailed {
		t.Errorf("State = %v", e.State())
	}
	if len(backend.Calls()) != 0 {
		t.Error("engine kept sending after a strict failure")
	}
}

func TestSpawnAwait(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "made-by-spawn")
	src := "SPAWN touch " + marker + "\nAWAIT\nSAY done waiting\n"
	backend := adapter.NewScripted(reply("ok"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("spawned command did not run before AWAIT returned")
	}
}

func TestAdapterErrorSavesInterruptCheckpoint(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := adapter.NewScripted(reply("never"))
	backend.FailAt = 1
	e := newEngine(t, "SAY doomed\n", backend, func(o *Options) {
		o.Checkpoints = store
	})

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("adapter failure did not surface")
	}
	rec, err := store.Latest("testbook")
	if err != nil {
		t.Fatalf("no interrupt checkpoint saved: %v", err)
	}
	if rec.Status != session.StatusFailed {
		t.Errorf("checkpoint status = %q", rec.Status)
	}
}

func TestPipelineDocumentDrivesRun(t *testing.T) {
	doc := &pipeline.Document{
		Schema:   pipeline.Schema,
		Playbook: "prefab",
		Cycles: []pipeline.Cycle{
			{Number: 1, Turns: []pipeline.Turn{
				{Prompt: "already rendered with ${PLAYBOOK} left alone"},
				{Prompt: "second prepared ask"},
			}},
			{Number: 2, Turns: []pipeline.Turn{
				{Prompt: "third prepared ask"},
			}},
		},
	}
	backend := adapter.NewScripted(reply("one"), reply("two"), reply("three"))
	e, err := New(Options{
		Script:   doc.Script(),
		Pipeline: doc,
		Adapter:  backend,
		Vars:     render.NewVars("prefab"),
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != StateComplete || res.Cycles != 2 {
		t.Errorf("State = %v, Cycles = %d", res.State, res.Cycles)
	}
	calls := backend.Calls()
	if len(calls) != 3 {
		t.Fatalf("got %d sends, want 3", len(calls))
	}
	// Document prompts bypass the renderer entirely.
	if calls[0] != "already rendered with ${PLAYBOOK} left alone" {
		t.Errorf("document prompt was re-rendered: %q", calls[0])
	}
	if calls[2] != "third prepared ask" {
		t.Errorf("cycle 2 prompt = %q", calls[2])
	}
}

func TestFailureCheckpointResumesAtFailedStep(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := "SAY step one here\nSAY doomed step here\n"
	backend := adapter.NewScripted(reply("one done"))
	backend.FailAt = 2
	e := newEngine(t, src, backend, func(o *Options) { o.Checkpoints = store })

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("adapter failure did not surface")
	}
	rec, err := store.Latest("testbook")
	if err != nil {
		t.Fatalf("no checkpoint saved: %v", err)
	}
	if rec.Cycle != 1 || rec.StepIndex != 1 {
		t.Fatalf("resume position = cycle %d unit %d, want cycle 1 unit 1", rec.Cycle, rec.StepIndex)
	}

	// The resumed run retries only the step that never completed.
	second := adapter.NewScripted(reply("two done"))
	script, err := playbook.ParseString(src, "testbook", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := NewFromCheckpoint(Options{
		Script:  script,
		Adapter: second,
		Vars:    render.NewVars("testbook"),
		WorkDir: t.TempDir(),
	}, rec)
	if err != nil {
		t.Fatalf("NewFromCheckpoint failed: %v", err)
	}
	if _, err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	calls := second.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "doomed step here") {
		t.Errorf("resumed run sent %v, want only the failed step", calls)
	}
}

func TestLenientDowngradesRenderFailures(t *testing.T) {
	src := "LENIENT\nINCLUDE no-such-file.txt\nINCLUDE ${NOPE}/notes.txt\nSAY carry on regardless\n"
	backend := adapter.NewScripted(reply("ok"))
	e := newEngine(t, src, backend, nil)
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed under LENIENT: %v", err)
	}
	if res.State != StateComplete {
		t.Errorf("State = %v", res.State)
	}
	calls := backend.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "carry on regardless") {
		t.Errorf("calls = %v", calls)
	}

	// Without LENIENT the same miss is fatal.
	strict := newEngine(t, "INCLUDE no-such-file.txt\nSAY never sent\n",
		adapter.NewScripted(reply("never")), nil)
	if _, err := strict.Run(context.Background()); err == nil {
		t.Error("mandatory inclusion miss did not fail a strict run")
	}
}

func TestCompactSummaryFraming(t *testing.T) {
	src := "SAY do the work\nCOMPACT 50\nSAY more work\n"
	backend := adapter.NewScripted(
		adapter.Reply{Content: long("a"), TokensIn: 850, TokensOut: 50},
		reply("b"),
	)
	e := newEngine(t, src, backend, func(o *Options) {
		o.Window = 1000
		o.SummaryFraming = adapter.Framing{Prefix: "Earlier work:", Suffix: "Continue from here."}
	})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var summary string
	for _, turn := range res.Turns {
		if turn.Summary {
			summary = turn.Response
		}
	}
	if summary == "" {
		t.Fatal("no summary turn recorded")
	}
	if !strings.HasPrefix(summary, "Earlier work:") || !strings.HasSuffix(summary, "Continue from here.") {
		t.Errorf("summary not framed: %q", summary)
	}
}

func TestSpawnWithoutAwaitKilled(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "never-touched")
	src := "SPAWN sleep 5 && touch " + marker + "\nSAY moving on\n"
	backend := adapter.NewScripted(reply("ok"))
	e := newEngine(t, src, backend, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(e.spawned) != 0 {
		t.Error("spawned commands not reaped at exit")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("orphaned command kept running past the run")
	}
}

func TestCheckpointAndResume(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	src := "SAY step one here\nCHECKPOINT mid\nSAY step two here\n"
	first := adapter.NewScripted(reply("one done"), reply("two done"))
	e := newEngine(t, src, first, func(o *Options) { o.Checkpoints = store })
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	rec, err := store.Load("testbook", "mid")
	if err != nil {
		t.Fatalf("checkpoint not saved: %v", err)
	}
	if rec.Cycle != 1 || rec.StepIndex != 2 {
		t.Fatalf("resume position = cycle %d unit %d", rec.Cycle, rec.StepIndex)
	}

	// A fresh process resumes at the step after the checkpoint.
	second := adapter.NewScripted(reply("two redone"))
	script, err := playbook.ParseString(src, "testbook", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := NewFromCheckpoint(Options{
		Script:      script,
		Adapter:     second,
		Vars:        render.NewVars("testbook"),
		Checkpoints: store,
		WorkDir:     t.TempDir(),
	}, rec)
	if err != nil {
		t.Fatalf("NewFromCheckpoint failed: %v", err)
	}

	res, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if res.State != StateComplete {
		t.Errorf("State = %v", res.State)
	}
	calls := second.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "step two here") {
		t.Errorf("resumed run sent %v, want only the un-executed step", calls)
	}
}
