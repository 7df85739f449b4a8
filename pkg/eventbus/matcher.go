package eventbus

import "strings"

// Pattern is a compiled routing pattern. Patterns use dot-separated segments
// where "*" matches exactly one segment and "#" matches the remainder of the
// key, e.g. "achievement.*" or "quest.#".
type Pattern struct {
	raw      string
	segments []string
}

// CompilePattern parses a routing pattern. An empty pattern matches nothing.
func CompilePattern(pattern string) Pattern {
	return Pattern{
		raw:      pattern,
		segments: strings.Split(pattern, "."),
	}
}

// String returns the original pattern text.
func (p Pattern) String() string { return p.raw }

// Matches reports whether the routing key matches this pattern.
func (p Pattern) Matches(routingKey string) bool {
	if p.raw == "" {
		return false
	}
	return matchSegments(p.segments, strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	for i, seg := range pattern {
		if seg == "#" {
			// Trailing "#" absorbs the rest of the key, including nothing.
			return true
		}
		if i >= len(key) {
			return false
		}
		if seg != "*" && seg != key[i] {
			return false
		}
	}
	return len(pattern) == len(key)
}
