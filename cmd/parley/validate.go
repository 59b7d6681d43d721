package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/parley/internal/playbook"
)

// Run validates a playbook and reports what it found.
func (c *ValidateCmd) Run() error {
	script, err := playbook.LoadFile(c.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		return err
	}
	for _, w := range script.Warnings {
		fmt.Printf("⚠ %s\n", w)
	}
	fmt.Printf("✓ %s: %d steps, %d cycles, session %s\n",
		c.File, countSteps(script.Steps), script.Settings.MaxCycles, script.Settings.Mode)
	return nil
}

// Run prints the parsed structure of a playbook.
func (c *InspectCmd) Run() error {
	script, err := playbook.LoadFile(c.File)
	if err != nil {
		return err
	}

	s := script.Settings
	fmt.Printf("playbook: %s\n", script.Identity)
	if s.Name != "" {
		fmt.Printf("name:     %s\n", s.Name)
	}
	if s.Model != "" {
		fmt.Printf("model:    %s\n", s.Model)
	}
	fmt.Printf("cycles:   %d\n", s.MaxCycles)
	fmt.Printf("session:  %s\n", s.Mode)
	fmt.Printf("limit:    %d%%\n", s.ContextLimit)
	if s.OutputFormat != "" {
		fmt.Printf("output:   %s %s\n", s.OutputFormat, s.OutputPath)
	}
	fmt.Println("steps:")
	printSteps(script.Steps, "  ")
	return nil
}

func printSteps(steps []playbook.Step, indent string) {
	for _, st := range steps {
		marker := ""
		if st.ElideWithNext {
			marker = " +elide"
		}
		switch st.Kind {
		case playbook.StepBranch:
			fmt.Printf("%sbranch (line %d)\n", indent, st.Line)
			if len(st.Branch.Success) > 0 {
				fmt.Printf("%s  on_success:\n", indent)
				printSteps(st.Branch.Success, indent+"    ")
			}
			if len(st.Branch.Failure) > 0 {
				fmt.Printf("%s  on_fail:\n", indent)
				printSteps(st.Branch.Failure, indent+"    ")
			}
		default:
			fmt.Printf("%s%s (line %d)%s %s\n", indent, st.Kind, st.Line, marker, firstLine(st.Content))
		}
	}
}

func countSteps(steps []playbook.Step) int {
	n := 0
	for _, st := range steps {
		n++
		if st.Branch != nil {
			n += countSteps(st.Branch.Success) + countSteps(st.Branch.Failure)
		}
	}
	return n
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " …"
		}
		if i > 60 {
			return s[:i] + "…"
		}
	}
	return s
}
