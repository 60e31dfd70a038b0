package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes; escaped glob
// metacharacters (\*, \?, \[, ...) are preserved.
//
//	"data\*.gz"     → "data\*.gz"  (escape preserved)
//	"sub\dir\*"     → "sub/dir/*"  (backslash → slash)
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			result.WriteRune('/')
			continue
		}

		if r == '\\' {
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// IsHidden returns true if any path segment starts with a dot.
//
//	"OUTCAR"          → false
//	".nfs0001"        → true
//	"sub/.hidden/x"   → true
func IsHidden(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
