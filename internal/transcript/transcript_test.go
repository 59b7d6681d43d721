package transcript

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/parley/internal/session"
)

func sampleSession() *session.Session {
	sess := &session.Session{
		ID:        "s1",
		Playbook:  "nightly",
		Model:     "claude-sonnet-4-5",
		Status:    session.StatusComplete,
		Result:    "1 cycles",
		CreatedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	}
	sess.AddEvent(session.Event{Type: session.EventPrompt, Cycle: 1, Content: "please fix the bug"})
	sess.AddEvent(session.Event{Type: session.EventResponse, Cycle: 1, Content: "fixed it", Model: "claude-sonnet-4-5", TokensIn: 10, TokensOut: 5})
	sess.AddEvent(session.Event{Type: session.EventExec, Cycle: 1, Content: "go test ./...", ExitCode: 0, DurationMs: 1200})
	sess.AddEvent(session.Event{Type: session.EventCheckpoint, Cycle: 1, Content: "mid"})
	return sess
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	r := &Renderer{Out: &buf, Width: 80}
	if err := r.Render(sampleSession()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"nightly", "s1",
		"cycle 1",
		"please fix the bug",
		"fixed it",
		"go test ./...",
		"exit 0",
		"checkpoint mid",
		"status: complete",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderTruncatesLongBodies(t *testing.T) {
	sess := sampleSession()
	long := strings.Repeat("word ", 500)
	sess.AddEvent(session.Event{Type: session.EventResponse, Cycle: 1, Content: long})

	var short, full bytes.Buffer
	if err := (&Renderer{Out: &short, Width: 80}).Render(sess); err != nil {
		t.Fatal(err)
	}
	if err := (&Renderer{Out: &full, Width: 80, Full: true}).Render(sess); err != nil {
		t.Fatal(err)
	}
	if full.Len() <= short.Len() {
		t.Error("full rendering is not longer than the preview")
	}
	if !strings.Contains(short.String(), "…") {
		t.Error("preview did not mark truncation")
	}
}

func TestRenderStuckStatus(t *testing.T) {
	sess := sampleSession()
	sess.Status = session.StatusStuck
	sess.AddEvent(session.Event{Type: session.EventStuck, Cycle: 1, Content: "identical-responses", Detail: "last 2 responses are byte-identical"})

	var buf bytes.Buffer
	if err := (&Renderer{Out: &buf, Width: 80}).Render(sess); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "STUCK (identical-responses)") {
		t.Errorf("stuck marker missing:\n%s", buf.String())
	}
}
