package tools

import "strings"

// ExternalToolPrefix marks composite names of bridged MCP tools.
const ExternalToolPrefix = "mcp_"

// SanitizeToolName rewrites name so it only contains characters accepted by
// OpenAI-compatible tool name fields: letters, digits, underscore, dot, colon
// and dash, with a leading letter or underscore. Runs of replaced characters
// collapse into a single underscore and trailing underscores are trimmed.
func SanitizeToolName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '.' || r == ':' || r == '-'
		c := byte('_')
		if valid {
			c = byte(r)
		}
		if c == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteByte(c)
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "_"
	}
	first := out[0]
	if !(first >= 'a' && first <= 'z') && !(first >= 'A' && first <= 'Z') && first != '_' {
		out = "_" + out
	}
	return out
}

// CompositeToolName builds the sanitized bridge name for a server's tool.
func CompositeToolName(server, tool string) string {
	return SanitizeToolName(ExternalToolPrefix + server + "_" + tool)
}

// ParseCompositeToolName splits a composite name back into server and tool by
// convention. It is a lossy fallback for names that were never registered;
// the registry's name map is the authoritative reverse mapping.
func ParseCompositeToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, ExternalToolPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, ExternalToolPrefix)
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
