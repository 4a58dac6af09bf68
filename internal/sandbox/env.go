package sandbox

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilterEnv returns the entries of env whose keys match a pattern in
// allowlist. Patterns are exact names or doublestar globs such as "LC_*".
// Entries without '=' are dropped and matching is case-sensitive.
func FilterEnv(env []string, allowlist []string) []string {
	if len(env) == 0 || len(allowlist) == 0 {
		return nil
	}

	var result []string
	for _, entry := range env {
		k, _, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		if allowedKey(k, allowlist) {
			result = append(result, entry)
		}
	}
	return result
}

func allowedKey(key string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if pattern == key {
			return true
		}
		if ok, err := doublestar.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}
