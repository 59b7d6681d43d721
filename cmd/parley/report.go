package main

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/parley/internal/engine"
	"github.com/vinayprograms/parley/internal/pipeline"
)

// markdownReport renders a finished run as a human-readable document.
func markdownReport(doc *pipeline.Document, res *engine.Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Playbook)
	if doc.Model != "" {
		fmt.Fprintf(&b, "Model: `%s`  \n", doc.Model)
	}
	fmt.Fprintf(&b, "State: %s, %d cycles, %d compactions\n", res.State, res.Cycles, res.Compactions)

	for _, cycle := range doc.Cycles {
		fmt.Fprintf(&b, "\n## Cycle %d\n", cycle.Number)
		for _, turn := range cycle.Turns {
			if turn.Summary {
				fmt.Fprintf(&b, "\n### Compaction summary\n\n%s\n", turn.Context)
				continue
			}
			fmt.Fprintf(&b, "\n### Prompt\n\n%s\n", turn.Prompt)
			if turn.Context != "" {
				fmt.Fprintf(&b, "\n### Response\n\n%s\n", turn.Context)
			}
		}
	}
	return []byte(b.String())
}
