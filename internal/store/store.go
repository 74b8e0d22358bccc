// Package store defines the Revision Tree Engine's contract (the Store
// interface), the attachment input shape shared by Create/Update/ForceInsert,
// and Engine, the orchestration layer that wires a Store implementation to
// the Blob Store and Event Bus collaborators — the same split the teacher
// draws between its Database interface and BTService orchestration type.
package store

import (
	"io"

	"docsync/internal/docmodel"
)

// AttachmentInput describes one attachment to bind to a revision being
// created, updated, or force-inserted.
//
// Data is nil for a "stub": an attachment the caller asserts already exists
// locally under Digest (used by the replication engine's attachment
// skipping, and by ForceInsert call sites that fetch attachment bytes
// out-of-band before the SQL transaction commits). When Data is non-nil, the
// engine streams it through the Blob Store, computes Digest itself, and
// ignores any caller-supplied Digest.
type AttachmentInput struct {
	Filename    string
	ContentType string
	Encoding    docmodel.Encoding
	RevPos      int // generation that introduced this attachment; 0 means "this revision"
	Digest      string
	Length      int64 // raw length; required when Data is nil
	Data        io.Reader
}

// Store is the Revision Tree Engine's contract: CRUD over documents, the
// replication write path (ForceInsert), winner selection, conflict
// management, compaction, local (non-replicated) documents, the change
// feed, and store lifecycle.
//
// Implementations serialize every call onto a single per-instance queue:
// callers may call concurrently, but execution and commit order match call
// order (§5's linearizability guarantee).
type Store interface {
	// Create inserts a new document with generation-1 root revision.
	Create(docID string, body []byte, attachments []AttachmentInput) (docmodel.Revision, error)

	// Read returns a revision of a document. If revID is empty, the current
	// winner is returned. Returns ErrNotFound if the document or revision
	// does not exist.
	Read(docID, revID string) (docmodel.Revision, error)

	// Update writes a new child revision of parentRevID. Returns
	// ErrConflict if parentRevID is not a current leaf.
	Update(docID, parentRevID string, body []byte, attachments []AttachmentInput) (docmodel.Revision, error)

	// Delete writes a tombstone child of rev. Returns ErrDeleteNonLeaf if
	// rev is not a current leaf.
	Delete(docID, revID string) (docmodel.Revision, error)

	// ForceInsert writes revID plus its ancestor history (oldest first,
	// ending at revID) into the tree, grafting onto the deepest common
	// ancestor or creating a new root if none exists. It always recomputes
	// the winner. Used by the replication write path.
	ForceInsert(docID, revID string, history []string, body []byte, deleted bool, attachments []AttachmentInput) error

	// ConflictedIDs returns every doc id that currently has more than one
	// non-deleted leaf.
	ConflictedIDs() ([]string, error)

	// ResolveConflicts deletes every current leaf of docID except keptRevID.
	ResolveConflicts(docID, keptRevID string) error

	// Compact retains the winning leaf and every other leaf of every
	// document; for all non-leaf revisions, it replaces their body with
	// empty bytes while preserving tree structure.
	Compact() error

	// Changes returns up to limit change entries with sequence > since,
	// ordered by sequence, and the last sequence included in the result
	// (or since, unchanged, if the result is empty).
	Changes(since int64, limit int) ([]docmodel.ChangeEntry, int64, error)

	// DocumentCount returns the number of documents with a non-deleted
	// winner.
	DocumentCount() (int, error)

	// CurrentSequence returns the store's highest assigned sequence.
	CurrentSequence() (int64, error)

	// PutLocalDocument overwrites the local (non-replicated) document at
	// docID.
	PutLocalDocument(docID string, body []byte) error

	// GetLocalDocument returns the local document at docID.
	GetLocalDocument(docID string) ([]byte, error)

	// DeleteLocalDocument removes the local document at docID, if present.
	DeleteLocalDocument(docID string) error

	// Close releases the store's resources. Operations submitted after
	// Close return ErrClosed.
	Close() error
}
