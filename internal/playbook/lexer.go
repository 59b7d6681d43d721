package playbook

import (
	"fmt"
	"regexp"
	"strings"
)

// Line is a single logical directive: the keyword word, its argument
// text with continuation lines folded in, and the source line number
// of the directive itself.
type Line struct {
	Number int
	Word   string
	Rest   string
}

var directiveWord = regexp.MustCompile(`^[A-Z][A-Z_]*$`)

// Lex splits a Playbook source into logical directive lines.
// Indented lines continue the preceding directive, top-level lines
// starting with '#' are comments, and blank lines are ignored
// between directives but preserved inside a continuation block.
func Lex(source string) ([]Line, error) {
	var lines []Line
	var pendingBlanks int

	raw := strings.Split(source, "\n")
	for i, text := range raw {
		num := i + 1

		if strings.TrimSpace(text) == "" {
			if len(lines) > 0 {
				pendingBlanks++
			}
			continue
		}

		// Continuation: any indented line attaches to the previous directive.
		if text[0] == ' ' || text[0] == '\t' {
			if len(lines) == 0 {
				return nil, fmt.Errorf("line %d: continuation line with no preceding directive", num)
			}
			last := &lines[len(lines)-1]
			for ; pendingBlanks > 0; pendingBlanks-- {
				last.Rest += "\n"
			}
			body := strings.TrimLeft(text, " \t")
			if last.Rest == "" {
				last.Rest = body
			} else {
				last.Rest += "\n" + body
			}
			continue
		}
		pendingBlanks = 0

		if text[0] == '#' {
			continue
		}

		word, rest := splitDirective(text)
		if !directiveWord.MatchString(word) {
			return nil, fmt.Errorf("line %d: malformed directive %q", num, word)
		}
		lines = append(lines, Line{Number: num, Word: word, Rest: rest})
	}
	return lines, nil
}

func splitDirective(text string) (word, rest string) {
	idx := strings.IndexAny(text, " \t")
	if idx < 0 {
		return text, ""
	}
	return text[:idx], strings.TrimLeft(text[idx:], " \t")
}
