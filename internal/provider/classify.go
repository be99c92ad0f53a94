package provider

import "strings"

// Classify maps a concrete model hint to its backend kind. Matching is
// case-insensitive on the trimmed hint; anything not recognised as a hosted
// model is served by the local backend.
func Classify(hint string) BackendKind {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case strings.HasPrefix(h, "gpt"):
		return KindOpenAI
	case strings.HasPrefix(h, "claude"), strings.HasPrefix(h, "anthropic"):
		return KindAnthropic
	default:
		return KindLocal
	}
}
