package backup

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Matcher decides which paths under a source are left out of a backup.
//
// Directory entries match whole path segments: "cache" excludes a/cache/x
// but not a/cachedir/x, and "a/cache" must appear as a contiguous run.
// File regexes are anchored at the start of the string they are tested against.
type Matcher struct {
	dirs    [][]string
	regexes []*regexp.Regexp
}

// NewMatcher compiles exclusion lists. Each regex is compiled on its own.
func NewMatcher(excludePaths, fileRegexes []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range excludePaths {
		if segs := splitSegments(p); len(segs) > 0 {
			m.dirs = append(m.dirs, segs)
		}
	}
	for _, expr := range fileRegexes {
		re, err := regexp.Compile(`^(?:` + expr + `)`)
		if err != nil {
			return nil, fmt.Errorf("exclude regex %q: %w", expr, err)
		}
		m.regexes = append(m.regexes, re)
	}
	return m, nil
}

func splitSegments(p string) []string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return out
}

// DirExcluded reports whether the directory at rel (slash separated, relative
// to the source) is covered by an exclude_path entry.
func (m *Matcher) DirExcluded(rel string) bool {
	if m == nil || len(m.dirs) == 0 {
		return false
	}
	segs := splitSegments(rel)
	for _, run := range m.dirs {
		if containsRun(segs, run) {
			return true
		}
	}
	return false
}

func containsRun(segs, run []string) bool {
	for i := 0; i+len(run) <= len(segs); i++ {
		match := true
		for j := range run {
			if segs[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Matches reports whether any file regex matches s.
func (m *Matcher) Matches(s string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.regexes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// FileExcluded applies the zip rule to a file at rel: its directory is
// excluded, or rel itself matches a regex.
func (m *Matcher) FileExcluded(rel string) bool {
	if m == nil {
		return false
	}
	if dir := path.Dir(rel); dir != "." && m.DirExcluded(dir) {
		return true
	}
	return m.Matches(rel)
}
