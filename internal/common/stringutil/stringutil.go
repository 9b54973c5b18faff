// Package stringutil provides small string helpers shared across the engine.
package stringutil

import (
	"strings"
	"unicode/utf8"
)

// TruncateString cuts s after at most maxLen bytes without splitting a
// UTF-8 sequence. Strings within the limit come back unchanged.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateStringWithEllipsis truncates like TruncateString and marks the
// cut with "...". Limits too small to fit the marker fall back to a hard
// cut.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return TruncateString(s, maxLen-3) + "..."
}

// Preview renders s as a single log-friendly line: whitespace runs
// collapse to one space and the result is ellipsis-truncated to maxLen.
// Prompts and tool output are multi-line; log fields should not be.
func Preview(s string, maxLen int) string {
	return TruncateStringWithEllipsis(strings.Join(strings.Fields(s), " "), maxLen)
}
