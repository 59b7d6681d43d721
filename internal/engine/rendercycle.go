package engine

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/render"
	"github.com/vinayprograms/parley/internal/session"
)

type unitKind int

const (
	unitSend unitKind = iota // one outgoing turn, possibly merged
	unitExec                 // local shell command, output stays local
	unitBranch
	unitCompact
	unitCheckpoint
	unitVerify
)

// renderedStep is a step with its text expanded for one cycle.
// Parsed steps are never mutated; each cycle renders fresh copies.
type renderedStep struct {
	src  playbook.Step
	text string
}

// unit is what the dispatcher executes: a single step, or an elision
// chain collapsed into one outgoing turn.
type unit struct {
	kind  unitKind
	steps []renderedStep
	line  int
}

// renderCycle expands every step for the given cycle and groups
// elision chains into units. A pipeline document short-circuits the
// render path: its turns arrive pre-rendered.
func (e *Engine) renderCycle(cycle int) ([]unit, error) {
	if e.opts.Pipeline != nil {
		return e.pipelineUnits(cycle)
	}
	vars := e.opts.Vars.WithCycle(cycle)
	return e.renderSteps(e.opts.Script.Steps, vars, cycle)
}

// pipelineUnits maps one document cycle onto send units verbatim. No
// variable expansion or inclusion happens here; whoever produced the
// document already resolved them.
func (e *Engine) pipelineUnits(cycle int) ([]unit, error) {
	doc := e.opts.Pipeline
	if cycle < 1 || cycle > len(doc.Cycles) {
		return nil, fmt.Errorf("pipeline document has no cycle %d", cycle)
	}
	var units []unit
	for _, t := range doc.Cycles[cycle-1].Turns {
		if t.Summary || strings.TrimSpace(t.Prompt) == "" {
			continue
		}
		step := playbook.Step{Kind: playbook.StepPrompt, Content: t.Prompt}
		units = append(units, unit{kind: unitSend, steps: []renderedStep{{src: step, text: t.Prompt}}})
	}
	return units, nil
}

func (e *Engine) renderSteps(steps []playbook.Step, vars render.Vars, cycle int) ([]unit, error) {
	var units []unit
	i := 0
	for i < len(steps) {
		step := steps[i]

		// Collect an elision chain.
		chain := []playbook.Step{step}
		for steps[i+len(chain)-1].ElideWithNext {
			chain = append(chain, steps[i+len(chain)])
		}
		i += len(chain)

		if len(chain) > 1 {
			rendered, err := e.renderChain(chain, vars, cycle)
			if err != nil {
				return nil, err
			}
			units = append(units, unit{kind: unitSend, steps: rendered, line: chain[0].Line})
			continue
		}

		u, err := e.renderSingle(step, vars, cycle)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func (e *Engine) renderChain(chain []playbook.Step, vars render.Vars, cycle int) ([]renderedStep, error) {
	rendered := make([]renderedStep, 0, len(chain))
	for _, step := range chain {
		rs, err := e.renderStepText(step, vars, cycle)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, rs)
	}
	return rendered, nil
}

func (e *Engine) renderSingle(step playbook.Step, vars render.Vars, cycle int) (unit, error) {
	switch step.Kind {
	case playbook.StepPrompt:
		rs, err := e.renderStepText(step, vars, cycle)
		if err != nil {
			return unit{}, err
		}
		return unit{kind: unitSend, steps: []renderedStep{rs}, line: step.Line}, nil
	case playbook.StepCommand:
		rs, err := e.renderStepText(step, vars, cycle)
		if err != nil {
			return unit{}, err
		}
		return unit{kind: unitExec, steps: []renderedStep{rs}, line: step.Line}, nil
	case playbook.StepVerification:
		rs, err := e.renderStepText(step, vars, cycle)
		if err != nil {
			return unit{}, err
		}
		return unit{kind: unitVerify, steps: []renderedStep{rs}, line: step.Line}, nil
	case playbook.StepCompaction:
		return unit{kind: unitCompact, steps: []renderedStep{{src: step}}, line: step.Line}, nil
	case playbook.StepCheckpoint:
		return unit{kind: unitCheckpoint, steps: []renderedStep{{src: step}}, line: step.Line}, nil
	case playbook.StepBranch:
		return unit{kind: unitBranch, steps: []renderedStep{{src: step}}, line: step.Line}, nil
	}
	return unit{}, fmt.Errorf("line %d: unhandled step kind %v", step.Line, step.Kind)
}

// renderStepText expands variables and resolves inclusions for one
// step. An optional inclusion that cannot be resolved renders as
// empty text with a warning rather than failing the cycle; under
// LENIENT every render failure degrades that way.
func (e *Engine) renderStepText(step playbook.Step, vars render.Vars, cycle int) (renderedStep, error) {
	degrade := func(err error) (renderedStep, error) {
		if step.Optional {
			e.warn(cycle, step.Line, fmt.Sprintf("optional inclusion skipped: %v", err))
			return renderedStep{src: step, text: ""}, nil
		}
		if e.opts.Script.Settings.Lenient {
			e.warn(cycle, step.Line, fmt.Sprintf("render failure ignored: %v", err))
			return renderedStep{src: step, text: ""}, nil
		}
		return renderedStep{}, fmt.Errorf("line %d: %w", step.Line, err)
	}

	if step.Include != nil {
		pattern, err := render.ExpandPath(step.Include.Pattern, vars)
		if err != nil {
			return degrade(err)
		}
		ref := *step.Include
		ref.Pattern = pattern
		text, err := render.ResolveInclude(&ref, e.opts.Script.BaseDir,
			e.opts.Script.Settings.Allow, e.opts.Script.Settings.Deny)
		if err != nil {
			return degrade(err)
		}
		return renderedStep{src: step, text: text}, nil
	}

	text, warnings := render.ExpandPrompt(step.Content, vars)
	for _, w := range warnings {
		e.warn(cycle, step.Line, w)
	}
	return renderedStep{src: step, text: text}, nil
}

func (e *Engine) warn(cycle, line int, msg string) {
	e.logger.Warn(msg, map[string]interface{}{"cycle": cycle, "line": line})
	e.record(session.Event{Type: session.EventWarning, Cycle: cycle, Line: line, Detail: msg})
}

// sendUnits returns the indexes of the units that produce outgoing
// turns, used to place the prologue and epilogue.
func sendUnits(units []unit) []int {
	var idx []int
	for i, u := range units {
		if u.kind == unitSend {
			idx = append(idx, i)
		}
	}
	return idx
}
