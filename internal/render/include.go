package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/vinayprograms/parley/internal/playbook"
)

// ResolveInclude reads the files an INCLUDE reference names and
// returns their contents with attribution headers, ready to stand in
// as prompt text. Relative patterns are anchored at baseDir; allow
// and deny patterns gate which files may be read, with deny winning.
func ResolveInclude(ref *playbook.IncludeRef, baseDir string, allow, deny []string) (string, error) {
	pattern := ref.Pattern
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", &Error{Subject: ref.Pattern, Msg: fmt.Sprintf("bad glob pattern: %v", err)}
	}
	if len(matches) == 0 {
		return "", &Error{Subject: ref.Pattern, Msg: "no matching files"}
	}
	sort.Strings(matches)

	var parts []string
	for _, path := range matches {
		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		if !allowed(rel, allow, deny) {
			return "", &Error{Subject: rel, Msg: "blocked by ALLOW/DENY rules"}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &Error{Subject: rel, Msg: fmt.Sprintf("reading file: %v", err)}
		}
		body, label, err := excerpt(string(data), ref)
		if err != nil {
			return "", &Error{Subject: rel, Msg: err.Error()}
		}
		header := fmt.Sprintf("--- %s%s ---", rel, label)
		parts = append(parts, header+"\n"+strings.TrimRight(body, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}

// allowed applies the gating rules to a slash-separated relative
// path. An empty allow list permits everything not denied.
func allowed(rel string, allow, deny []string) bool {
	for _, pat := range deny {
		if matchPath(pat, rel) {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, pat := range allow {
		if matchPath(pat, rel) {
			return true
		}
	}
	return false
}

// matchPath matches a glob against a relative path, also accepting a
// bare directory prefix like "docs/" to cover everything under it.
func matchPath(pat, rel string) bool {
	if strings.HasSuffix(pat, "/") {
		return strings.HasPrefix(rel, pat)
	}
	if ok, _ := filepath.Match(pat, rel); ok {
		return true
	}
	// Match against the file name alone so "*.md" covers nested files.
	ok, _ := filepath.Match(pat, filepath.Base(rel))
	return ok
}

// excerpt applies the reference's line-range or regex selector. The
// returned label annotates the attribution header.
func excerpt(content string, ref *playbook.IncludeRef) (body, label string, err error) {
	if ref.StartLine == 0 && ref.Regex == "" {
		return content, "", nil
	}
	lines := strings.Split(content, "\n")

	if ref.StartLine > 0 {
		if ref.StartLine > len(lines) {
			return "", "", fmt.Errorf("line range L%d-L%d starts past end of file (%d lines)",
				ref.StartLine, ref.EndLine, len(lines))
		}
		end := ref.EndLine
		if end > len(lines) {
			end = len(lines)
		}
		return strings.Join(lines[ref.StartLine-1:end], "\n"),
			fmt.Sprintf(" (lines %d-%d)", ref.StartLine, end), nil
	}

	re, err := regexp.Compile(ref.Regex)
	if err != nil {
		return "", "", fmt.Errorf("bad excerpt regex: %v", err)
	}
	var picked []string
	for _, ln := range lines {
		if re.MatchString(ln) {
			picked = append(picked, ln)
		}
	}
	if len(picked) == 0 {
		return "", "", fmt.Errorf("no lines match excerpt regex %q", ref.Regex)
	}
	return strings.Join(picked, "\n"), fmt.Sprintf(" (matching /%s/)", ref.Regex), nil
}
