package sqlitestore

import "docsync/internal/docmodel"

// pickWinner applies the winner-selection rule: a non-deleted leaf always
// beats a deleted one; among leaves that agree on deleted-ness, the leaf
// with the higher generation wins, ties broken lexicographically on the
// full rev id. leaves must be non-empty.
func pickWinner(leaves []FullDocumentRow) FullDocumentRow {
	var alive, dead []FullDocumentRow
	for _, l := range leaves {
		if l.Deleted != 0 {
			dead = append(dead, l)
		} else {
			alive = append(alive, l)
		}
	}

	candidates := alive
	if len(candidates) == 0 {
		candidates = dead
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if docmodel.CompareRevIDs(c.Revid, best.Revid) > 0 {
			best = c
		}
	}
	return best
}
