package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SanitizeToolName maps a canonical tool identifier (for example,
// "mcp__docs__search.v2") to a Bedrock-compatible tool name.
//
// Bedrock imposes stricter tool name constraints than other providers. The
// tool name surfaced to the model (and echoed back in tool_use blocks) must
// match the name registered in the tool configuration.
//
// Contract:
//   - The mapping is deterministic.
//   - The result contains only characters allowed by Bedrock: [a-zA-Z0-9_-]+.
//     Any other rune is replaced with '_'.
//   - The result is at most 64 bytes long. If the sanitized name exceeds the
//     limit, it is truncated and a stable hash suffix is appended to preserve
//     uniqueness.
//
// The output is provider-visible only; the adapter translates tool_use names
// back to canonical identifiers using the per-request reverse map.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	const maxLen = 64
	const hashLen = 8

	// Fast path: keep the string allocation-free when every rune is already
	// allowed.
	allowed := true
	for _, r := range in {
		if !isAllowedToolNameRune(r) {
			allowed = false
			break
		}
	}

	sanitized := in
	if !allowed {
		out := make([]rune, 0, len(in))
		for _, r := range in {
			if isAllowedToolNameRune(r) {
				out = append(out, r)
			} else {
				out = append(out, '_')
			}
		}
		sanitized = string(out)
	}

	if len(sanitized) <= maxLen {
		return sanitized
	}

	// Truncate and append a stable hash suffix to keep names within Bedrock's
	// documented 64-character limit while preserving uniqueness.
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:hashLen]

	prefixLen := maxLen - (1 + hashLen)
	if prefixLen < 1 {
		prefixLen = 1
	}
	return sanitized[:prefixLen] + "_" + suffix
}

func isAllowedToolNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}

// normalizeToolName strips the "$FUNCTIONS." prefix some Bedrock models
// prepend when echoing tool names back in tool_use blocks.
func normalizeToolName(name string) string {
	return strings.TrimPrefix(name, "$FUNCTIONS.")
}
