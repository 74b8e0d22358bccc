package store

import "errors"

// Sentinel errors for the taxonomy in the error-handling design: callers use
// errors.Is against these rather than matching on message text.
var (
	// ErrConflict is returned when an update targets a revision that is no
	// longer a leaf. The caller must re-read and retry; it is never retried
	// internally.
	ErrConflict = errors.New("conflict: revision is not a leaf")

	// ErrNotFound is returned when a document, revision, attachment, or
	// local document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAttachmentNotSaved is returned when a source attachment cannot be
	// read at prepare time; it aborts the enclosing transaction.
	ErrAttachmentNotSaved = errors.New("attachment not saved")

	// ErrCorruption names a detected invariant violation. No code path in
	// this module returns it: sqlitestore's Open runs the duplicate-revision
	// repair on every open instead.
	ErrCorruption = errors.New("corruption detected")

	// ErrDeleteNonLeaf is returned by Delete when the target revision is
	// not a current leaf.
	ErrDeleteNonLeaf = errors.New("cannot delete a non-leaf revision")

	// ErrClosed is returned by any operation submitted after Close.
	ErrClosed = errors.New("store is closed")
)
