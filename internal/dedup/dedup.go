// Package dedup fingerprints scraped records so repeated listings are
// dropped. Directory sites commonly re-surface the same business across
// pages, so workers filter on a content hash rather than trusting pagination.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/leadgrid/scraperd/internal/task"
)

// Fingerprint returns a stable hex digest of a record's identifying fields.
// Casing and surrounding whitespace do not affect the digest.
func Fingerprint(r task.Result) string {
	normalize := func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	}
	h := sha256.New()
	for _, field := range []string{r.Name, r.Address, r.Phone, r.Website} {
		h.Write([]byte(normalize(field)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Set tracks fingerprints already seen within one scrape run. Not safe for
// concurrent use; a worker owns exactly one.
type Set struct {
	seen map[string]struct{}
}

// NewSet constructs an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add records the result and reports whether it was new.
func (s *Set) Add(r task.Result) bool {
	fp := Fingerprint(r)
	if _, dup := s.seen[fp]; dup {
		return false
	}
	s.seen[fp] = struct{}{}
	return true
}

// Len reports how many distinct records have been seen.
func (s *Set) Len() int {
	return len(s.seen)
}
