// Package verify runs external verifier commands and parses their
// findings.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Finding is one problem a verifier reported.
type Finding struct {
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	if f.Path == "" {
		return f.Message
	}
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", f.Path, f.Line, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Path, f.Message)
}

// Result is the outcome of one verification.
type Result struct {
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
	Summary  string    `json:"summary,omitempty"`
}

// Verifier checks the work an agent claims to have done.
type Verifier interface {
	Verify(ctx context.Context) (*Result, error)
}

// Command runs a shell command as a verifier. Exit status decides
// pass or fail; stdout lines of the form "path:line: message" become
// findings, anything else is kept as free-form findings.
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration
}

var findingLine = regexp.MustCompile(`^([^\s:][^:]*):(\d+):\s*(.+)$`)

func (c *Command) Verify(ctx context.Context) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Line)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("verifier timed out: %s", c.Line)
	}

	passed := err == nil
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("running verifier: %w", err)
		}
	}

	result := &Result{
		Passed:   passed,
		Findings: ParseFindings(stdout.String()),
	}
	if !passed && len(result.Findings) == 0 {
		// A failing verifier with silent stdout still has to say
		// something; fall back to stderr.
		for _, ln := range nonEmptyLines(stderr.String()) {
			result.Findings = append(result.Findings, Finding{Message: ln})
		}
		if len(result.Findings) == 0 {
			result.Findings = []Finding{{Message: "verifier failed without output"}}
		}
	}
	result.Summary = summarize(result)
	return result, nil
}

// ParseFindings extracts findings from verifier output. Lines in
// "path:line: message" form are structured; under a failing run,
// other non-empty lines are kept as plain messages.
func ParseFindings(output string) []Finding {
	var findings []Finding
	for _, ln := range nonEmptyLines(output) {
		if m := findingLine.FindStringSubmatch(ln); m != nil {
			line, _ := strconv.Atoi(m[2])
			findings = append(findings, Finding{Path: m[1], Line: line, Message: m[3]})
		}
	}
	return findings
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func summarize(r *Result) string {
	if r.Passed {
		if len(r.Findings) > 0 {
			return fmt.Sprintf("passed with %d notes", len(r.Findings))
		}
		return "passed"
	}
	return fmt.Sprintf("failed with %d findings", len(r.Findings))
}

// FindingTexts renders findings into the strings that survive
// compaction and get injected into followup prompts.
func FindingTexts(r *Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.String())
	}
	return out
}
