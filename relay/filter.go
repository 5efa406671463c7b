package relay

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter matches subscription ids against glob patterns
type GlobFilter struct {
	globs    []glob.Glob
	matchAll bool // No patterns; unattributed pushes pass only here
}

// NewGlobFilter compiles patterns. Empty patterns match everything,
// including pushes that name no subscription.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	f.matchAll = len(f.globs) == 0
	return f, nil
}

// Match returns true if subscriptionID matches any pattern
func (f *GlobFilter) Match(subscriptionID string) bool {
	if f.matchAll {
		return true
	}
	if subscriptionID == "" {
		return false
	}
	for _, g := range f.globs {
		if g.Match(subscriptionID) {
			return true
		}
	}
	return false
}
