package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile reads and parses a Playbook file. The workflow identity is
// derived from the file name with its extension stripped.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading playbook: %w", err)
	}
	base := filepath.Base(path)
	identity := strings.TrimSuffix(base, filepath.Ext(base))
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		dir = filepath.Dir(path)
	}
	return ParseString(string(data), identity, dir)
}

// ParseString parses Playbook source with an explicit identity and
// base directory, then validates the result.
func ParseString(source, identity, baseDir string) (*Script, error) {
	script, err := Parse(source)
	if err != nil {
		return nil, err
	}
	script.Identity = identity
	script.BaseDir = baseDir
	if err := Validate(script); err != nil {
		return nil, err
	}
	return script, nil
}

// Validate enforces the structural rules that hold across the whole
// script rather than at a single directive.
func Validate(s *Script) error {
	if len(s.Steps) == 0 {
		return &ParseError{Line: 0, Msg: "playbook has no steps"}
	}
	if s.Settings.OutputFormat != "" {
		switch s.Settings.OutputFormat {
		case "yaml", "markdown", "json":
		default:
			return &ParseError{Line: 0, Directive: "OUTPUT",
				Msg: fmt.Sprintf("unsupported format %q", s.Settings.OutputFormat)}
		}
	}
	seen := map[string]int{}
	if err := checkNames(s.Steps, seen); err != nil {
		return err
	}
	return nil
}

func checkNames(steps []Step, seen map[string]int) error {
	for _, st := range steps {
		if st.Kind == StepCheckpoint {
			if prev, dup := seen[st.Content]; dup {
				return &ParseError{Line: st.Line, Directive: "CHECKPOINT",
					Msg: fmt.Sprintf("name %q already used on line %d", st.Content, prev)}
			}
			seen[st.Content] = st.Line
		}
		if st.Branch != nil {
			if err := checkNames(st.Branch.Success, seen); err != nil {
				return err
			}
			if err := checkNames(st.Branch.Failure, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
