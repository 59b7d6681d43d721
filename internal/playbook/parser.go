package playbook

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a problem in a Playbook source with its line
// number and the directive involved.
type ParseError struct {
	Line      int
	Directive string
	Msg       string
}

func (e *ParseError) Error() string {
	if e.Directive == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Directive, e.Msg)
}

func parseErr(line int, directive, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Directive: directive, Msg: fmt.Sprintf(format, args...)}
}

// item is the first-pass form: a step, or a structural marker that the
// second pass resolves.
type item struct {
	step      *Step
	elide     bool
	onSuccess bool
	onFail    bool
	end       bool
	line      int
}

// Parse builds a Script from Playbook source. The first pass turns
// logical lines into flat steps and structural markers, the second
// resolves ELIDE markers and branch blocks with adjacency checks.
func Parse(source string) (*Script, error) {
	lines, err := Lex(source)
	if err != nil {
		return nil, &ParseError{Line: 0, Msg: err.Error()}
	}

	script := &Script{
		Settings: Settings{
			MaxCycles:    1,
			ContextLimit: 80,
			Mode:         ModeAccumulate,
		},
	}

	// LENIENT affects how unknown directives are treated, so it is
	// honored regardless of where it appears in the file.
	for _, ln := range lines {
		if ln.Word == "LENIENT" && ln.Rest != "false" {
			script.Settings.Lenient = true
		}
	}

	items, err := firstPass(lines, script)
	if err != nil {
		return nil, err
	}

	steps, err := resolve(items)
	if err != nil {
		return nil, err
	}
	script.Steps = steps
	return script, nil
}

func firstPass(lines []Line, script *Script) ([]item, error) {
	var items []item
	s := &script.Settings

	for _, ln := range lines {
		kw, known := LookupKeyword(ln.Word)
		if !known {
			if s.Lenient {
				script.Warnings = append(script.Warnings,
					fmt.Sprintf("line %d: unknown directive %s ignored", ln.Number, ln.Word))
				continue
			}
			return nil, parseErr(ln.Number, ln.Word, "unknown directive")
		}

		switch kw {
		case KwNAME:
			s.Name = ln.Rest
		case KwMODEL:
			s.Model = ln.Rest
		case KwADAPTER:
			s.Adapter = ln.Rest
		case KwCYCLES:
			n, err := strconv.Atoi(strings.TrimSpace(ln.Rest))
			if err != nil || n < 1 {
				return nil, parseErr(ln.Number, ln.Word, "expected a positive integer, got %q", ln.Rest)
			}
			s.MaxCycles = n
		case KwCONTEXTLIMIT:
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(ln.Rest), "%"))
			if err != nil || n < 1 || n > 100 {
				return nil, parseErr(ln.Number, ln.Word, "expected a percentage between 1 and 100, got %q", ln.Rest)
			}
			s.ContextLimit = n
		case KwSESSION:
			mode, err := parseMode(ln.Rest)
			if err != nil {
				return nil, parseErr(ln.Number, ln.Word, "%s", err)
			}
			s.Mode = mode
		case KwLENIENT:
			// handled in the pre-scan
		case KwPROLOGUE:
			s.Prologue = ln.Rest
		case KwEPILOGUE:
			s.Epilogue = ln.Rest
		case KwHEADER:
			s.Header = ln.Rest
		case KwFOOTER:
			s.Footer = ln.Rest
		case KwALLOW:
			s.Allow = append(s.Allow, strings.Fields(ln.Rest)...)
		case KwDENY:
			s.Deny = append(s.Deny, strings.Fields(ln.Rest)...)
		case KwOUTPUT:
			format, path := splitDirective(ln.Rest)
			if format == "" || path == "" {
				return nil, parseErr(ln.Number, ln.Word, "expected a format and a path")
			}
			s.OutputFormat = strings.ToLower(format)
			s.OutputPath = path

		case KwSAY:
			if ln.Rest == "" {
				return nil, parseErr(ln.Number, ln.Word, "empty prompt")
			}
			items = append(items, item{step: &Step{Kind: StepPrompt, Content: ln.Rest, Line: ln.Number}, line: ln.Number})
		case KwSAYRETRY:
			n, rest, err := leadingCount(ln.Rest)
			if err != nil {
				return nil, parseErr(ln.Number, ln.Word, "%s", err)
			}
			items = append(items, item{step: &Step{Kind: StepPrompt, Content: rest, Line: ln.Number, Retries: n}, line: ln.Number})
		case KwEXEC:
			if ln.Rest == "" {
				return nil, parseErr(ln.Number, ln.Word, "empty command")
			}
			items = append(items, item{step: &Step{Kind: StepCommand, Content: ln.Rest, Line: ln.Number}, line: ln.Number})
		case KwEXECSTRICT:
			if ln.Rest == "" {
				return nil, parseErr(ln.Number, ln.Word, "empty command")
			}
			items = append(items, item{step: &Step{Kind: StepCommand, Content: ln.Rest, Line: ln.Number, StrictExit: true}, line: ln.Number})
		case KwEXECRETRY:
			n, rest, err := leadingCount(ln.Rest)
			if err != nil {
				return nil, parseErr(ln.Number, ln.Word, "%s", err)
			}
			items = append(items, item{step: &Step{Kind: StepCommand, Content: rest, Line: ln.Number, Retries: n}, line: ln.Number})
		case KwSPAWN:
			if ln.Rest == "" {
				return nil, parseErr(ln.Number, ln.Word, "empty command")
			}
			items = append(items, item{step: &Step{Kind: StepCommand, Content: ln.Rest, Line: ln.Number, Async: true}, line: ln.Number})
		case KwAWAIT:
			items = append(items, item{step: &Step{Kind: StepCommand, Line: ln.Number, Await: true}, line: ln.Number})
		case KwINCLUDE, KwINCLUDEOPT:
			ref, err := parseIncludeRef(ln.Rest)
			if err != nil {
				return nil, parseErr(ln.Number, ln.Word, "%s", err)
			}
			items = append(items, item{step: &Step{
				Kind:     StepPrompt,
				Line:     ln.Number,
				Include:  ref,
				Optional: kw == KwINCLUDEOPT,
			}, line: ln.Number})
		case KwELIDE:
			if ln.Rest != "" {
				return nil, parseErr(ln.Number, ln.Word, "takes no argument")
			}
			items = append(items, item{elide: true, line: ln.Number})
		case KwONSUCCESS:
			items = append(items, item{onSuccess: true, line: ln.Number})
		case KwONFAIL:
			items = append(items, item{onFail: true, line: ln.Number})
		case KwEND:
			items = append(items, item{end: true, line: ln.Number})
		case KwCOMPACT:
			step := &Step{Kind: StepCompaction, Line: ln.Number}
			if arg := strings.TrimSpace(ln.Rest); arg != "" {
				n, err := strconv.Atoi(strings.TrimSuffix(arg, "%"))
				if err != nil || n < 1 || n > 100 {
					return nil, parseErr(ln.Number, ln.Word, "expected a percentage between 1 and 100, got %q", arg)
				}
				step.MinDensity = n
			}
			items = append(items, item{step: step, line: ln.Number})
		case KwCHECKPOINT:
			if ln.Rest == "" {
				return nil, parseErr(ln.Number, ln.Word, "missing checkpoint name")
			}
			items = append(items, item{step: &Step{Kind: StepCheckpoint, Content: ln.Rest, Line: ln.Number}, line: ln.Number})
		case KwVERIFY:
			cmd, policy := splitVerify(ln.Rest)
			if cmd == "" {
				return nil, parseErr(ln.Number, ln.Word, "missing verifier command")
			}
			when := VerifyOnError
			switch policy {
			case "", "on-error":
			case "always":
				when = VerifyAlways
			default:
				return nil, parseErr(ln.Number, ln.Word, "unknown policy %q", policy)
			}
			items = append(items, item{step: &Step{Kind: StepVerification, Content: cmd, Line: ln.Number, VerifyWhen: when}, line: ln.Number})
		}
	}
	return items, nil
}

func parseMode(s string) (SessionMode, error) {
	switch strings.TrimSpace(s) {
	case "fresh":
		return ModeFresh, nil
	case "accumulate":
		return ModeAccumulate, nil
	case "compact":
		return ModeCompact, nil
	}
	return ModeFresh, fmt.Errorf("unknown session mode %q", s)
}

func leadingCount(rest string) (int, string, error) {
	word, tail := splitDirective(rest)
	n, err := strconv.Atoi(word)
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("expected a positive retry count, got %q", word)
	}
	if tail == "" {
		return 0, "", fmt.Errorf("missing body after retry count")
	}
	return n, tail, nil
}

func splitVerify(rest string) (cmd, policy string) {
	rest = strings.TrimSpace(rest)
	if idx := strings.LastIndexAny(rest, " \t"); idx >= 0 {
		tail := strings.TrimSpace(rest[idx:])
		if tail == "always" || tail == "on-error" {
			return strings.TrimSpace(rest[:idx]), tail
		}
	}
	return rest, ""
}

// parseIncludeRef splits "pattern", "pattern#L10-L50" or "pattern#/re/".
func parseIncludeRef(rest string) (*IncludeRef, error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, fmt.Errorf("missing path")
	}
	hash := strings.LastIndex(rest, "#")
	if hash < 0 {
		return &IncludeRef{Pattern: rest}, nil
	}
	pattern, frag := rest[:hash], rest[hash+1:]
	if pattern == "" {
		return nil, fmt.Errorf("missing path before excerpt selector")
	}
	if strings.HasPrefix(frag, "/") && strings.HasSuffix(frag, "/") && len(frag) > 1 {
		re := frag[1 : len(frag)-1]
		if re == "" {
			return nil, fmt.Errorf("empty excerpt regex")
		}
		return &IncludeRef{Pattern: pattern, Regex: re}, nil
	}
	var start, end int
	if _, err := fmt.Sscanf(frag, "L%d-L%d", &start, &end); err != nil {
		return nil, fmt.Errorf("malformed excerpt selector %q", frag)
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid line range L%d-L%d", start, end)
	}
	return &IncludeRef{Pattern: pattern, StartLine: start, EndLine: end}, nil
}

// resolve is the second pass: it folds branch markers into branch
// steps and turns ELIDE markers into ElideWithNext links, rejecting
// markers that do not sit between two mergeable steps.
func resolve(items []item) ([]Step, error) {
	var steps []Step
	var block *BranchBlock
	var inFail bool
	var branchPending bool // waiting for the first step after a marker inside a block

	appendStep := func(st Step) {
		if block == nil {
			steps = append(steps, st)
		} else if inFail {
			block.Failure = append(block.Failure, st)
		} else {
			block.Success = append(block.Success, st)
		}
		branchPending = false
	}

	markElide := func(line int) error {
		var prev *Step
		if block == nil {
			if len(steps) == 0 {
				return parseErr(line, "ELIDE", "no preceding step to merge")
			}
			prev = &steps[len(steps)-1]
		} else {
			side := &block.Success
			if inFail {
				side = &block.Failure
			}
			if len(*side) == 0 || branchPending {
				return parseErr(line, "ELIDE", "cannot merge across a branch boundary")
			}
			prev = &(*side)[len(*side)-1]
		}
		if !elidable(prev.Kind) {
			return parseErr(line, "ELIDE", "cannot merge a %s step", prev.Kind)
		}
		if prev.ElideWithNext {
			return parseErr(line, "ELIDE", "duplicate marker")
		}
		prev.ElideWithNext = true
		return nil
	}

	for _, it := range items {
		switch {
		case it.onSuccess, it.onFail:
			if block != nil {
				if it.onSuccess && block.Success == nil || it.onFail && block.Failure == nil {
					// switching sides within the open block
					inFail = it.onFail
					if it.onSuccess {
						block.Success = []Step{}
					} else {
						block.Failure = []Step{}
					}
					branchPending = true
					continue
				}
				return nil, parseErr(it.line, markerWord(it), "branch blocks cannot nest")
			}
			if len(steps) == 0 || steps[len(steps)-1].Kind != StepCommand || steps[len(steps)-1].Async {
				return nil, parseErr(it.line, markerWord(it), "must follow a command step")
			}
			if steps[len(steps)-1].ElideWithNext {
				return nil, parseErr(it.line, markerWord(it), "cannot merge across a branch boundary")
			}
			block = &BranchBlock{Line: it.line}
			inFail = it.onFail
			if it.onFail {
				block.Failure = []Step{}
			} else {
				block.Success = []Step{}
			}
			branchPending = true

		case it.end:
			if block == nil {
				return nil, parseErr(it.line, "END", "no open branch block")
			}
			if err := closeBranch(block); err != nil {
				return nil, err
			}
			steps = append(steps, Step{Kind: StepBranch, Line: block.Line, Branch: block})
			block = nil
			inFail = false

		case it.elide:
			if err := markElide(it.line); err != nil {
				return nil, err
			}

		default:
			st := *it.step
			if block != nil && (st.Kind == StepCompaction || st.Kind == StepCheckpoint) {
				return nil, parseErr(it.line, "", "%s steps are not allowed inside a branch block", st.Kind)
			}
			appendStep(st)
		}
	}

	if block != nil {
		return nil, parseErr(block.Line, "", "branch block is never closed")
	}

	// ELIDE validity depends on the following step too.
	if err := checkElisions(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func markerWord(it item) string {
	if it.onFail {
		return "ON_FAIL"
	}
	return "ON_SUCCESS"
}

func closeBranch(b *BranchBlock) error {
	if err := checkElisions(b.Success); err != nil {
		return err
	}
	return checkElisions(b.Failure)
}

func checkElisions(steps []Step) error {
	for i := range steps {
		if !steps[i].ElideWithNext {
			continue
		}
		if i == len(steps)-1 {
			return parseErr(steps[i].Line, "ELIDE", "no following step to merge")
		}
		next := steps[i+1]
		if !elidable(next.Kind) {
			return parseErr(steps[i].Line, "ELIDE", "cannot merge a %s step", next.Kind)
		}
		if next.Await || next.Async || steps[i].Await || steps[i].Async {
			return parseErr(steps[i].Line, "ELIDE", "cannot merge background command steps")
		}
	}
	return nil
}

func elidable(k StepKind) bool {
	return k == StepPrompt || k == StepCommand
}
