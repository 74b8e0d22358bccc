package docmodel

import (
	"crypto/sha1"
	"fmt"
	"sort"
)

// NextGeneration returns the generation a child of parent should have.
// A root revision (parent == nil) starts at generation 1.
func NextGeneration(parent *Revision) int {
	if parent == nil {
		return 1
	}
	return parent.Generation + 1
}

// NewRevID computes the "N-H" revision id for a revision with the given
// generation, parent rev id (empty for a root), deleted flag, attachments,
// and body. H is a 16-byte hex digest derived from a canonical serialization
// of (parent rev id, deleted flag, attachment digests sorted by filename,
// body bytes) — this makes the id reproducible across peers, which is what
// lets idempotent pulls converge on byte-identical revision trees.
func NewRevID(generation int, parentRevID string, deleted bool, attachments []Attachment, body []byte) string {
	h := sha1.New()
	h.Write([]byte(parentRevID))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	keys := make([]string, len(attachments))
	for i, a := range attachments {
		keys[i] = a.Filename + ":" + a.Key
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
	}

	h.Write(body)

	digest := h.Sum(nil)[:16]
	return fmt.Sprintf("%d-%x", generation, digest)
}

// SplitRevID parses "N-H" into its generation and hex digest. It returns
// ok=false if revID isn't well formed.
func SplitRevID(revID string) (generation int, digest string, ok bool) {
	for i := 0; i < len(revID); i++ {
		if revID[i] == '-' {
			var n int
			if _, err := fmt.Sscanf(revID[:i], "%d", &n); err != nil {
				return 0, "", false
			}
			if i+1 >= len(revID) {
				return 0, "", false
			}
			return n, revID[i+1:], true
		}
	}
	return 0, "", false
}

// CompareRevIDs implements the winner tie-break from the winner-selection
// rule: highest generation wins; on a generation tie, the lexicographically
// larger full rev id string wins. It returns >0 if a wins, <0 if b wins, 0 if
// equal.
func CompareRevIDs(a, b string) int {
	ga, _, aok := SplitRevID(a)
	gb, _, bok := SplitRevID(b)
	if aok && bok && ga != gb {
		return ga - gb
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
