package inference

import (
	"net/url"
	"strconv"
	"strings"
)

const namespaceSeparator = "__"

func namespacedToolName(alias, toolName string) string {
	return alias + namespaceSeparator + toolName
}

func parseNamespacedToolName(name string) (alias, toolName string, ok bool) {
	idx := strings.Index(name, namespaceSeparator)
	if idx <= 0 {
		return "", "", false
	}
	alias = name[:idx]
	toolName = name[idx+len(namespaceSeparator):]
	if toolName == "" {
		return "", "", false
	}
	return alias, toolName, true
}

// serverAlias derives a tool namespace from an MCP server URL. Runs of
// characters other than letters, digits and '-' become a single '_', so
// the alias never contains the separator. taken holds aliases already in
// use; collisions get a numeric suffix.
func serverAlias(rawURL string, taken map[string]bool) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(host) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	alias := strings.TrimSuffix(b.String(), "_")
	if alias == "" {
		alias = "mcp"
	}

	candidate := alias
	for i := 2; taken[candidate]; i++ {
		candidate = alias + "_" + strconv.Itoa(i)
	}
	taken[candidate] = true
	return candidate
}
