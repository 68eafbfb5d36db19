// Package utils provides shared text, math and logging helpers.
package utils

import "unicode/utf8"

// Truncate shortens s to at most maxLen bytes plus "...", never splitting a rune.
// A non-positive maxLen leaves s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
