package llm

import "strings"

// StripFences removes a surrounding markdown code fence, with or without
// a language tag, and trims whitespace. Text without a fence is returned
// trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line, e.g. ```json or ```cypher.
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, " {([") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
