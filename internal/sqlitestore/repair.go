package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
)

// Repair scans for the duplicate-revision corruption left behind by an
// older force-insert implementation that inserted a (doc_id, revid) pair a
// second time instead of recognizing it already existed, and folds each
// duplicate group back into a single row. It is cheap on an uncorrupted
// store (one GROUP BY ... HAVING COUNT(*) > 1 scan) and is run
// unconditionally at Open, rather than gated behind a schema version bump,
// because the check itself is the fix.
func Repair(ctx context.Context, db *sql.DB) (int, error) {
	q := New(db)
	groups, err := q.FindDuplicateRevGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning for duplicate revisions: %w", err)
	}
	if len(groups) == 0 {
		return 0, nil
	}

	affected := map[int64]struct{}{}
	for _, g := range groups {
		if err := repairGroup(ctx, db, g); err != nil {
			return 0, fmt.Errorf("repairing doc_id=%d revid=%s: %w", g.DocID, g.Revid, err)
		}
		affected[g.DocID] = struct{}{}
	}

	for docID := range affected {
		if err := recomputeWinner(ctx, db, docID); err != nil {
			return 0, fmt.Errorf("recomputing winner for doc_id=%d: %w", docID, err)
		}
	}
	return len(groups), nil
}

// repairGroup collapses every loser sequence of one duplicate (doc_id,
// revid) group into the keeper (the row with the smallest sequence,
// matching the rule that the first-written copy is authoritative), moving
// any children and attachments that pointed at a loser over to the keeper
// before deleting the losers.
func repairGroup(ctx context.Context, db *sql.DB, g DuplicateRevGroup) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := New(tx)
	for _, loser := range g.LoserSeqs {
		if err := q.RekeyRevParent(ctx, loser, g.KeepSeq); err != nil {
			return fmt.Errorf("rekeying children of sequence %d: %w", loser, err)
		}
		if err := collapseAttachments(ctx, q, loser, g.KeepSeq); err != nil {
			return fmt.Errorf("collapsing attachments of sequence %d: %w", loser, err)
		}
		if err := q.DeleteRevBySequence(ctx, loser); err != nil {
			return fmt.Errorf("deleting duplicate sequence %d: %w", loser, err)
		}
	}
	return tx.Commit()
}

// collapseAttachments moves every attachment row at loser onto keep. Since
// attachments has a UNIQUE(sequence, filename) constraint, a filename
// already present at keep (left behind by an earlier loser in the same
// group, or by keep itself) can't simply be rekeyed there — its loser copy
// is dropped instead and the one already at keep is kept, per the rule that
// the first-written copy is authoritative.
func collapseAttachments(ctx context.Context, q *Queries, loser, keep int64) error {
	keptNames, err := q.ListAttachmentFilenames(ctx, keep)
	if err != nil {
		return fmt.Errorf("listing attachments of sequence %d: %w", keep, err)
	}
	kept := make(map[string]bool, len(keptNames))
	for _, name := range keptNames {
		kept[name] = true
	}

	loserNames, err := q.ListAttachmentFilenames(ctx, loser)
	if err != nil {
		return fmt.Errorf("listing attachments of sequence %d: %w", loser, err)
	}
	for _, name := range loserNames {
		if kept[name] {
			if err := q.DeleteAttachmentByFilename(ctx, loser, name); err != nil {
				return fmt.Errorf("dropping duplicate attachment %q: %w", name, err)
			}
			continue
		}
		if err := q.RekeyAttachmentByFilename(ctx, loser, keep, name); err != nil {
			return fmt.Errorf("rekeying attachment %q: %w", name, err)
		}
		kept[name] = true
	}
	return nil
}

// recomputeWinner re-runs winner selection for docID and writes the result
// to docs.winning_sequence. Used both by Repair and, in store.go, after
// every mutation. db may be a *sql.DB or a *sql.Tx.
func recomputeWinner(ctx context.Context, db DBTX, docID int64) error {
	q := New(db)
	leaves, err := q.GetLeafRevs(ctx, docID)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return nil
	}
	winner := pickWinner(leaves)
	return q.SetWinningSequence(ctx, docID, winner.Sequence)
}
