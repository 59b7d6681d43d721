package main

import (
	"strings"
	"testing"

	"github.com/vinayprograms/parley/internal/engine"
	"github.com/vinayprograms/parley/internal/pipeline"
	"github.com/vinayprograms/parley/internal/session"
)

func TestMarkdownReport(t *testing.T) {
	turns := []session.Turn{
		{Cycle: 1, Prompt: "fix the bug", Response: "fixed"},
		{Cycle: 1, Response: "condensed history", Summary: true},
		{Cycle: 2, Prompt: "verify it", Response: "verified"},
	}
	doc := pipeline.FromTurns("nightly", "claude-sonnet-4-5", "agentkit", turns)
	res := &engine.Result{State: engine.StateComplete, Cycles: 2, Compactions: 1, Turns: turns}

	out := string(markdownReport(doc, res))
	for _, want := range []string{
		"# nightly",
		"## Cycle 1",
		"## Cycle 2",
		"fix the bug",
		"### Compaction summary",
		"condensed history",
		"2 cycles, 1 compactions",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
