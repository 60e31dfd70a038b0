// Package match selects files by doublestar glob patterns.
//
// Patterns are matched against slash-separated paths relative to a
// directory (a relaxation root, a run directory, or an archive source).
package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against relative paths.
//
//   - Include patterns: a path must match at least one
//   - Exclude patterns: a path must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that paths must match (at least one).
	Includes []string

	// Excludes are glob patterns that paths must not match (any).
	Excludes []string

	// IncludeHidden controls whether paths with a segment starting with
	// '.' can match. Default: false.
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a new Matcher from the given configuration.
//
// Returns an error if no include patterns are provided or any pattern is
// invalid.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		normalized := NormalizePattern(r)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match returns true if the relative path matches the include/exclude
// patterns and is not hidden (unless IncludeHidden is set).
func (m *Matcher) Match(path string) bool {
	if !m.includeHidden && IsHidden(path) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, path) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, path) {
			return false
		}
	}
	return true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	out := make([]string, len(m.includes))
	copy(out, m.includes)
	return out
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	out := make([]string, len(m.excludes))
	copy(out, m.excludes)
	return out
}

// matchPattern matches a path against a doublestar pattern.
func matchPattern(pattern, path string) bool {
	matched, err := doublestar.Match(pattern, path)
	if err != nil {
		// Pattern was validated at construction time.
		return false
	}
	return matched
}
