package subscription

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter matches table names against glob patterns. An empty pattern set
// matches every table.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// NewFilter compiles the given patterns.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{
		patterns: append([]string(nil), patterns...),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}

	return f, nil
}

// Match returns true if the table name matches any configured pattern.
func (f *Filter) Match(table string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Patterns returns the raw patterns the filter was built from.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}
