package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// IgnoreFileName is the optional exclusion file read from the output root.
const IgnoreFileName = ".capsuleignore"

// excludePattern is a parsed exclusion pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match full path and its leading directories; false = match any single segment
}

// ExcludeMatcher checks mirror output paths against exclusion patterns.
// Patterns without '/' match any single path segment, so a node id prefix
// such as "3f2a*" excludes that node wherever it lives. Patterns with '/'
// match the full slash-separated path or any of its leading directories,
// so "databases/*" excludes every database and its rows.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		patterns = append(patterns, excludePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether the output path rel is excluded.
func (m *ExcludeMatcher) Match(rel string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	segments := strings.Split(rel, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			for i := len(segments); i > 0; i-- {
				if ok, err := path.Match(p.pattern, strings.Join(segments[:i], "/")); err == nil && ok {
					return true
				}
			}
			continue
		}
		for _, seg := range segments {
			if ok, err := path.Match(p.pattern, seg); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Len returns the number of active patterns.
func (m *ExcludeMatcher) Len() int {
	return len(m.patterns)
}

// ParseIgnoreFile reads an exclusion file and returns the raw pattern
// strings. Returns nil and no error if the file does not exist.
func ParseIgnoreFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
