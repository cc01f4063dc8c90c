// Package dedup decides whether a content item was already published to a
// platform within a lookback window.
package dedup

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize lowercases text and collapses runs of whitespace to single
// spaces so that cosmetic variants of the same content compare equal.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint returns the content hash for a title/body pair: a SHA-256
// digest of the normalized text. Deterministic over normalization, so
// whitespace and case variants hash identically.
func Fingerprint(title, body string) string {
	h := sha256.Sum256([]byte(Normalize(title) + "|" + Normalize(body)))
	return fmt.Sprintf("sha256:%x", h)
}
