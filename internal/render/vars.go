// Package render expands template variables and file inclusions into
// the text actually sent to the agent.
package render

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Vars is an immutable set of template variables. With and WithCycle
// return copies so a rendered cycle never mutates the set another
// cycle sees.
type Vars struct {
	values   map[string]string
	identity string
}

// NewVars builds the base variable set for a run. Git values are
// best-effort and empty outside a repository.
func NewVars(identity string) Vars {
	now := time.Now()
	cwd, _ := os.Getwd()
	v := Vars{
		identity: identity,
		values: map[string]string{
			"DATE": now.Format("2006-01-02"),
			"TIME": now.Format("15:04:05"),
			"CWD":  cwd,
		},
	}
	if branch := gitOutput("rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		v.values["GIT_BRANCH"] = branch
	}
	if commit := gitOutput("rev-parse", "--short", "HEAD"); commit != "" {
		v.values["GIT_COMMIT"] = commit
	}
	return v
}

func gitOutput(args ...string) string {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Identity returns the workflow name backing ${PLAYBOOK}.
func (v Vars) Identity() string { return v.identity }

// With returns a copy with one variable added or replaced.
func (v Vars) With(key, value string) Vars {
	next := v.clone()
	next.values[key] = value
	return next
}

// WithCycle returns a copy with CYCLE set.
func (v Vars) WithCycle(n int) Vars {
	return v.With("CYCLE", strconv.Itoa(n))
}

// Lookup reports the value of a variable and whether it is defined.
// PLAYBOOK is deliberately absent here; path expansion handles it.
func (v Vars) Lookup(key string) (string, bool) {
	val, ok := v.values[key]
	return val, ok
}

func (v Vars) clone() Vars {
	values := make(map[string]string, len(v.values)+1)
	for k, val := range v.values {
		values[k] = val
	}
	return Vars{values: values, identity: v.identity}
}
