package gryag

import (
	"strings"
	"unicode/utf8"
)

// metaSentinel prefixes the metadata lines the context manager feeds to
// the model. The sanitizer strips any such line the model echoes back,
// so internal identifiers never reach a chat.
const metaSentinel = "[meta]"

// Sanitizer cleans model output before it reaches the transport.
// Markup escaping happens later, in the frontend renderer.
type Sanitizer struct {
	maxLen int
}

// NewSanitizer creates a sanitizer with a byte-length cap. maxLen <= 0
// selects the default of 4000.
func NewSanitizer(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = 4000
	}
	return &Sanitizer{maxLen: maxLen}
}

// Clean strips leaked metadata lines, trims whitespace and enforces the
// length cap.
func (s *Sanitizer) Clean(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), metaSentinel) {
			continue
		}
		kept = append(kept, ln)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(out) > s.maxLen {
		out = truncateRunes(out, s.maxLen) + "…"
	}
	return out
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " \n\t")
}
