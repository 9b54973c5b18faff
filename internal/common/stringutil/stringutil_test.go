package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "exact", TruncateString("exact", 5))
	assert.Equal(t, "trunc", TruncateString("truncated", 5))
	assert.Equal(t, "", TruncateString("", 5))
	assert.Equal(t, "", TruncateString("anything", 0))
}

func TestTruncateStringKeepsRunesWhole(t *testing.T) {
	// "héllo" is 6 bytes; a 5-byte cut lands inside the é sequence and
	// must back off to the previous boundary.
	assert.Equal(t, "héll", TruncateString("héllo", 5))
	assert.Equal(t, "日本", TruncateString("日本語", 8))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "short", TruncateStringWithEllipsis("short", 10))
	assert.Equal(t, "a long s...", TruncateStringWithEllipsis("a long string here", 11))
	// Below the ellipsis threshold it falls back to a hard cut.
	assert.Equal(t, "abc", TruncateStringWithEllipsis("abcdef", 3))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "fix the bug in main.go", Preview("fix the bug\nin   main.go\n", 80))
	assert.Equal(t, "line one line...", Preview("line one\nline two\nline three", 16))
	assert.Equal(t, "", Preview("  \n\t ", 20))
}
