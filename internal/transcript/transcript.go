// Package transcript renders a session log as a readable terminal
// transcript.
package transcript

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/parley/internal/session"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // gray - timestamps, metadata

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // white bold - headers

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // blue - outgoing turns

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // white - agent replies

	execStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")) // orange - shell commands

	verifyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // cyan - verifier

	compactStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")) // magenta - compaction

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // yellow - warnings

	stuckStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9")) // red - stalls
)

// Renderer writes a session transcript to one writer.
type Renderer struct {
	Out   io.Writer
	Width int

	// Full disables body truncation.
	Full bool
}

const previewLimit = 600

// Render walks the session's events in order.
func (r *Renderer) Render(sess *session.Session) error {
	width := r.Width
	if width <= 0 {
		width = 100
	}

	header := fmt.Sprintf("%s  session %s", sess.Playbook, sess.ID)
	if sess.Model != "" {
		header += "  " + sess.Model
	}
	fmt.Fprintln(r.Out, titleStyle.Render(header))
	fmt.Fprintln(r.Out, dimStyle.Render(sess.CreatedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintln(r.Out)

	cycle := 0
	for i := range sess.Events {
		ev := &sess.Events[i]
		if ev.Cycle > cycle {
			cycle = ev.Cycle
			fmt.Fprintln(r.Out, titleStyle.Render(fmt.Sprintf("── cycle %d ──", cycle)))
		}
		r.renderEvent(ev, width)
	}

	fmt.Fprintln(r.Out)
	status := fmt.Sprintf("status: %s", sess.Status)
	if sess.Result != "" {
		status += "  " + sess.Result
	}
	if sess.Error != "" {
		status += "  " + sess.Error
	}
	if sess.Status == session.StatusComplete {
		fmt.Fprintln(r.Out, titleStyle.Render(status))
	} else {
		fmt.Fprintln(r.Out, stuckStyle.Render(status))
	}
	return nil
}

func (r *Renderer) renderEvent(ev *session.Event, width int) {
	ts := dimStyle.Render(ev.Timestamp.Format("15:04:05"))

	switch ev.Type {
	case session.EventPrompt:
		fmt.Fprintf(r.Out, "%s %s\n", ts, promptStyle.Render("→ prompt"))
		r.body(ev.Content, width)
	case session.EventResponse:
		label := "← response"
		if ev.Model != "" {
			label += "  " + ev.Model
		}
		if ev.TokensIn > 0 || ev.TokensOut > 0 {
			label += fmt.Sprintf("  (%d in / %d out)", ev.TokensIn, ev.TokensOut)
		}
		fmt.Fprintf(r.Out, "%s %s\n", ts, responseStyle.Render(label))
		r.body(ev.Content, width)
	case session.EventExec:
		fmt.Fprintf(r.Out, "%s %s %s\n", ts,
			execStyle.Render(fmt.Sprintf("$ %s", ev.Content)),
			dimStyle.Render(fmt.Sprintf("(exit %d, %dms)", ev.ExitCode, ev.DurationMs)))
		if ev.Detail != "" && r.Full {
			r.body(ev.Detail, width)
		}
	case session.EventVerify:
		fmt.Fprintf(r.Out, "%s %s\n", ts, verifyStyle.Render("verify "+ev.Content+": "+ev.Detail))
	case session.EventCompact:
		fmt.Fprintf(r.Out, "%s %s\n", ts, compactStyle.Render("compacted "+ev.Detail))
	case session.EventCompactSkip:
		fmt.Fprintf(r.Out, "%s %s\n", ts, dimStyle.Render("compaction skipped, "+ev.Detail))
	case session.EventCheckpoint:
		fmt.Fprintf(r.Out, "%s %s\n", ts, compactStyle.Render("checkpoint "+ev.Content))
	case session.EventStuck:
		fmt.Fprintf(r.Out, "%s %s\n", ts, stuckStyle.Render("STUCK ("+ev.Content+"): "+ev.Detail))
	case session.EventWarning:
		fmt.Fprintf(r.Out, "%s %s\n", ts, warnStyle.Render("warning: "+ev.Detail))
	case session.EventSystem:
		fmt.Fprintf(r.Out, "%s %s\n", ts, dimStyle.Render(ev.Detail))
	}
}

func (r *Renderer) body(text string, width int) {
	if !r.Full && len(text) > previewLimit {
		text = text[:previewLimit] + " …"
	}
	wrapped := wordwrap.String(text, width-2)
	for _, line := range strings.Split(wrapped, "\n") {
		fmt.Fprintf(r.Out, "  %s\n", line)
	}
}
