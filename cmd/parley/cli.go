// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a playbook"`
	Resume   ResumeCmd   `cmd:"" help:"Resume a playbook from a checkpoint"`
	Validate ValidateCmd `cmd:"" help:"Validate playbook syntax"`
	Inspect  InspectCmd  `cmd:"" help:"Show playbook structure"`
	Replay   ReplayCmd   `cmd:"" help:"Render a session log as a transcript"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd executes a playbook.
type RunCmd struct {
	File       string `arg:"" optional:"" default:"Playbook" help:"Playbook path"`
	Pipeline   string `help:"Pre-rendered pipeline document to execute instead of a playbook"`
	Config     string `help:"Config file path"`
	Cycles     int    `help:"Override the playbook's cycle count"`
	Model      string `help:"Override the playbook's model"`
	Workspace  string `help:"Working directory for shell steps"`
	StopSignal string `help:"Stop signal file path (generated when empty)"`
}

// ResumeCmd continues a run from a saved checkpoint.
type ResumeCmd struct {
	File       string `arg:"" optional:"" default:"Playbook" help:"Playbook path"`
	Checkpoint string `short:"c" help:"Checkpoint name (latest when empty)"`
	Config     string `help:"Config file path"`
	Workspace  string `help:"Working directory for shell steps"`
}

// ValidateCmd validates a playbook.
type ValidateCmd struct {
	File string `arg:"" optional:"" default:"Playbook" help:"Playbook path"`
}

// InspectCmd shows the parsed structure of a playbook.
type InspectCmd struct {
	File string `arg:"" optional:"" default:"Playbook" help:"Playbook path"`
}

// ReplayCmd renders a session log.
type ReplayCmd struct {
	Session string `arg:"" help:"Session JSONL file"`
	Full    bool   `help:"Show full bodies instead of previews"`
	Width   int    `default:"100" help:"Wrap width"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
