// Package extraction turns section text into rule items and caches the
// result by content fingerprint so identical text is only paid for once.
package extraction

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Normalize collapses whitespace runs to one space and case-folds, so that
// reflowed or re-cased copies of the same text share a fingerprint.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Fingerprint is the blake3 hex digest of family + NUL + normalized content.
// family namespaces the cache (code family and prompt version).
func Fingerprint(content, family string) string {
	h := blake3.New()
	h.Write([]byte(family))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(content)))
	return hex.EncodeToString(h.Sum(nil))
}
