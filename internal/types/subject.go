package types

import (
	"strings"
	"unicode/utf8"
)

const maxSubjectRunes = 80

// SubjectFrom derives a conversation subject from its first human message:
// first line, whitespace collapsed, truncated to 80 runes.
func SubjectFrom(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= maxSubjectRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxSubjectRunes-1])) + "…"
}
