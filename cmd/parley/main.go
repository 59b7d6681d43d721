// Package main is the entry point for the parley CLI.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for API keys and endpoints.
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("parley"),
		kong.Description("Run conversation playbooks against an agent backend."),
		kong.UsageOnError(),
		kongVars(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("parley %s (%s, built %s)\n", version, commit, buildTime)
	return nil
}
