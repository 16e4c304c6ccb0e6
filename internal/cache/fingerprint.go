package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeQuestion trims, case-folds and collapses inner whitespace so that
// trivially different phrasings of the same question share a fingerprint.
func NormalizeQuestion(question string) string {
	return strings.ToLower(strings.Join(strings.Fields(question), " "))
}

// Fingerprint derives the deterministic cache key for a (scope, question)
// pair. The same function keys both cache entries and their stat rows, so
// the two always agree.
func Fingerprint(scope, question string) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeQuestion(question)))
	return hex.EncodeToString(h.Sum(nil))
}
