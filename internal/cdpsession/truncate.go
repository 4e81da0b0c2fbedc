package cdpsession

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// truncateString clips s to at most maxBytes without splitting a rune. It
// returns the original size and a sha256 of the full value when clipped.
func truncateString(s string, maxBytes int) (string, bool, int, string) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false, len(s), ""
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	sum := sha256.Sum256([]byte(s))
	return s[:cut], true, len(s), hex.EncodeToString(sum[:])
}
