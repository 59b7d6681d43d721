package playbook

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseSettings(t *testing.T) {
	src := `NAME nightly refactor
MODEL claude-sonnet-4-5
ADAPTER agentkit
CYCLES 5
CONTEXT_LIMIT 70
SESSION compact
OUTPUT yaml ${PLAYBOOK}-report.yaml
SAY hello
`
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	s := script.Settings
	if s.Name != "nightly refactor" {
		t.Errorf("Name = %q", s.Name)
	}
	if s.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", s.Model)
	}
	if s.MaxCycles != 5 {
		t.Errorf("MaxCycles = %d", s.MaxCycles)
	}
	if s.ContextLimit != 70 {
		t.Errorf("ContextLimit = %d", s.ContextLimit)
	}
	if s.Mode != ModeCompact {
		t.Errorf("Mode = %v", s.Mode)
	}
	if s.OutputFormat != "yaml" || s.OutputPath != "${PLAYBOOK}-report.yaml" {
		t.Errorf("Output = %q %q", s.OutputFormat, s.OutputPath)
	}
}

func TestParseDefaults(t *testing.T) {
	script, err := Parse("SAY hi\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if script.Settings.MaxCycles != 1 {
		t.Errorf("default MaxCycles = %d, want 1", script.Settings.MaxCycles)
	}
	if script.Settings.ContextLimit != 80 {
		t.Errorf("default ContextLimit = %d, want 80", script.Settings.ContextLimit)
	}
	if script.Settings.Mode != ModeAccumulate {
		t.Errorf("default Mode = %v, want accumulate", script.Settings.Mode)
	}
}

func TestParseContinuationLines(t *testing.T) {
	src := "SAY first line\n  second line\n\n  after a blank\nEXEC ls\n"
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(script.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(script.Steps))
	}
	want := "first line\nsecond line\n\nafter a blank"
	if script.Steps[0].Content != want {
		t.Errorf("Content = %q, want %q", script.Steps[0].Content, want)
	}
}

func TestParseComments(t *testing.T) {
	src := "# setup\nSAY hi\n# done\n"
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(script.Steps) != 1 {
		t.Errorf("got %d steps, want 1", len(script.Steps))
	}
}

func TestParseStepKinds(t *testing.T) {
	src := `SAY ask something
SAY_RETRY 3 ask again
EXEC go test ./...
EXEC_STRICT make lint
EXEC_RETRY 2 flaky-tool
SPAWN tail -f build.log
AWAIT
COMPACT 60
CHECKPOINT after-tests
VERIFY ./check.sh always
`
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	steps := script.Steps
	if len(steps) != 10 {
		t.Fatalf("got %d steps, want 10", len(steps))
	}
	if steps[1].Retries != 3 || steps[1].Content != "ask again" {
		t.Errorf("SAY_RETRY parsed as %+v", steps[1])
	}
	if !steps[3].StrictExit {
		t.Error("EXEC_STRICT did not set StrictExit")
	}
	if steps[4].Retries != 2 {
		t.Errorf("EXEC_RETRY Retries = %d", steps[4].Retries)
	}
	if !steps[5].Async {
		t.Error("SPAWN did not set Async")
	}
	if !steps[6].Await {
		t.Error("AWAIT did not set Await")
	}
	if steps[7].Kind != StepCompaction || steps[7].MinDensity != 60 {
		t.Errorf("COMPACT parsed as %+v", steps[7])
	}
	if steps[8].Kind != StepCheckpoint || steps[8].Content != "after-tests" {
		t.Errorf("CHECKPOINT parsed as %+v", steps[8])
	}
	if steps[9].Kind != StepVerification || steps[9].VerifyWhen != VerifyAlways {
		t.Errorf("VERIFY parsed as %+v", steps[9])
	}
}

func TestParseIncludeRef(t *testing.T) {
	cases := []struct {
		arg  string
		want IncludeRef
	}{
		{"notes.md", IncludeRef{Pattern: "notes.md"}},
		{"docs/*.md", IncludeRef{Pattern: "docs/*.md"}},
		{"main.go#L10-L50", IncludeRef{Pattern: "main.go", StartLine: 10, EndLine: 50}},
		{"main.go#/func Run/", IncludeRef{Pattern: "main.go", Regex: "func Run"}},
	}
	for _, tc := range cases {
		ref, err := parseIncludeRef(tc.arg)
		if err != nil {
			t.Errorf("parseIncludeRef(%q) failed: %v", tc.arg, err)
			continue
		}
		if !reflect.DeepEqual(*ref, tc.want) {
			t.Errorf("parseIncludeRef(%q) = %+v, want %+v", tc.arg, *ref, tc.want)
		}
	}
}

func TestParseIncludeRefErrors(t *testing.T) {
	for _, arg := range []string{"", "main.go#L50-L10", "main.go#L0-L5", "main.go#nonsense"} {
		if _, err := parseIncludeRef(arg); err == nil {
			t.Errorf("parseIncludeRef(%q) accepted", arg)
		}
	}
}

func TestParseElision(t *testing.T) {
	src := `SAY review the diff
ELIDE
EXEC git diff HEAD~1
ELIDE
SAY summarize what changed
`
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	steps := script.Steps
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	if !steps[0].ElideWithNext || !steps[1].ElideWithNext {
		t.Error("elision links not set on first two steps")
	}
	if steps[2].ElideWithNext {
		t.Error("elision link set on the final step")
	}
}

func TestParseElisionErrors(t *testing.T) {
	cases := map[string]string{
		"leading":           "ELIDE\nSAY hi\n",
		"trailing":          "SAY hi\nELIDE\n",
		"after checkpoint":  "CHECKPOINT a\nELIDE\nSAY hi\n",
		"before compaction": "SAY hi\nELIDE\nCOMPACT\n",
		"into a branch":     "EXEC make\nELIDE\nON_SUCCESS\nSAY ok\nEND\n",
		"with argument":     "SAY hi\nELIDE now\nSAY bye\n",
		"duplicate":         "SAY hi\nELIDE\nELIDE\nSAY bye\n",
	}
	for name, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("%s: parse accepted", name)
		}
	}
}

func TestParseBranch(t *testing.T) {
	src := `EXEC go test ./...
ON_SUCCESS
SAY tests pass, continue
ON_FAIL
SAY tests failed, investigate
EXEC go test -run TestBroken -v ./...
END
SAY wrap up
`
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	steps := script.Steps
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	branch := steps[1]
	if branch.Kind != StepBranch || branch.Branch == nil {
		t.Fatalf("second step is %+v, want a branch", branch)
	}
	if len(branch.Branch.Success) != 1 || len(branch.Branch.Failure) != 2 {
		t.Errorf("branch sides: %d success, %d failure",
			len(branch.Branch.Success), len(branch.Branch.Failure))
	}
}

func TestParseBranchErrors(t *testing.T) {
	cases := map[string]string{
		"no preceding command": "SAY hi\nON_SUCCESS\nSAY ok\nEND\n",
		"after spawn":          "SPAWN sleep 1\nON_SUCCESS\nSAY ok\nEND\n",
		"unclosed":             "EXEC make\nON_SUCCESS\nSAY ok\n",
		"stray end":            "SAY hi\nEND\n",
		"nested":               "EXEC make\nON_SUCCESS\nON_SUCCESS\nSAY ok\nEND\nEND\n",
		"checkpoint inside":    "EXEC make\nON_SUCCESS\nCHECKPOINT c\nEND\n",
		"compact inside":       "EXEC make\nON_FAIL\nCOMPACT\nEND\n",
	}
	for name, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("%s: parse accepted", name)
		}
	}
}

func TestParseUnknownDirective(t *testing.T) {
	_, err := Parse("FROBNICATE now\nSAY hi\n")
	if err == nil {
		t.Fatal("unknown directive accepted")
	}
	var perr *ParseError
	if !asParseError(err, &perr) {
		t.Fatalf("error type %T, want *ParseError", err)
	}
	if perr.Line != 1 {
		t.Errorf("error line = %d, want 1", perr.Line)
	}
}

func TestParseUnknownDirectiveLenient(t *testing.T) {
	script, err := Parse("LENIENT\nFROBNICATE now\nSAY hi\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(script.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(script.Warnings))
	}
	if !strings.Contains(script.Warnings[0], "FROBNICATE") {
		t.Errorf("warning %q does not name the directive", script.Warnings[0])
	}
	if len(script.Steps) != 1 {
		t.Errorf("got %d steps, want 1", len(script.Steps))
	}
}

func TestParseIdempotent(t *testing.T) {
	src := `NAME demo
CYCLES 2
SAY step one
ELIDE
EXEC echo hi
EXEC go vet ./...
ON_FAIL
SAY fix the vet errors
END
CHECKPOINT mid
SAY step two
`
	a, err := Parse(src)
	if err != nil {
		t.Fatalf("first parse failed: %v", err)
	}
	b, err := Parse(src)
	if err != nil {
		t.Fatalf("second parse failed: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("parsing the same source twice gave different scripts")
	}
}

func TestValidateDuplicateCheckpoint(t *testing.T) {
	src := "CHECKPOINT a\nSAY hi\nCHECKPOINT a\n"
	script, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := Validate(script); err == nil {
		t.Error("duplicate checkpoint name accepted")
	}
}

func TestValidateEmpty(t *testing.T) {
	script, err := Parse("NAME empty\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := Validate(script); err == nil {
		t.Error("empty playbook accepted")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
