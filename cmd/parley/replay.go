package main

import (
	"os"

	"github.com/vinayprograms/parley/internal/session"
	"github.com/vinayprograms/parley/internal/transcript"
)

// Run renders a session log to stdout.
func (c *ReplayCmd) Run() error {
	sess, err := session.LoadFile(c.Session)
	if err != nil {
		return err
	}
	r := &transcript.Renderer{Out: os.Stdout, Width: c.Width, Full: c.Full}
	return r.Render(sess)
}
