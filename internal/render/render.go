package render

import (
	"fmt"
	"regexp"
)

// Error reports a failed expansion or inclusion.
type Error struct {
	Subject string
	Msg     string
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Msg)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandPrompt substitutes ${VAR} references in agent-visible text.
// ${PLAYBOOK} expands to nothing: the workflow identity stays out of
// what the agent reads. Unknown variables are left literal and
// reported as warnings.
func ExpandPrompt(text string, vars Vars) (string, []string) {
	var warnings []string
	out := varPattern.ReplaceAllStringFunc(text, func(ref string) string {
		name := varPattern.FindStringSubmatch(ref)[1]
		if name == "PLAYBOOK" {
			warnings = append(warnings, "${PLAYBOOK} is not available in prompt text")
			return ""
		}
		if val, ok := vars.Lookup(name); ok {
			return val
		}
		warnings = append(warnings, fmt.Sprintf("undefined variable ${%s}", name))
		return ref
	})
	return out, warnings
}

// ExpandPath substitutes ${VAR} references in a file path. Unlike
// prompt text, ${PLAYBOOK} resolves here, and unknown variables are
// errors since a half-expanded path is never what the author wanted.
func ExpandPath(path string, vars Vars) (string, error) {
	var failed error
	out := varPattern.ReplaceAllStringFunc(path, func(ref string) string {
		name := varPattern.FindStringSubmatch(ref)[1]
		if name == "PLAYBOOK" {
			return vars.Identity()
		}
		if val, ok := vars.Lookup(name); ok {
			return val
		}
		if failed == nil {
			failed = &Error{Subject: path, Msg: fmt.Sprintf("undefined variable ${%s}", name)}
		}
		return ref
	})
	if failed != nil {
		return "", failed
	}
	return out, nil
}
