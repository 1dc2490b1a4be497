package helpers

import (
	"strings"
	"unicode/utf8"
)

// maxLoggedLength bounds wire data copied into log lines.
const maxLoggedLength = 256

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SanitizeForLog makes raw bytes read from a peer safe to put in a log
// line: invalid UTF-8 and NULL bytes are dropped and long input is
// truncated with a "..." marker.
func SanitizeForLog(s string) string {
	s = SanitizeUTF8(s)
	if len(s) <= maxLoggedLength {
		return s
	}
	cut := maxLoggedLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
