// Package docmodel defines the document/revision data model shared by the
// store, query, and replication engines: the shape of a document's revision
// tree, its attachments, and the events published when any of it changes.
package docmodel

import "time"

// Encoding names the transfer encoding of an attachment's stored bytes.
type Encoding int

const (
	EncodingPlain Encoding = iota
	EncodingGzip
)

func (e Encoding) String() string {
	if e == EncodingGzip {
		return "gzip"
	}
	return "plain"
}

// Attachment is a SHA-1 addressed blob bound to the revision that first
// introduced it. Sharing a blob across revisions is by reference (same Key),
// never by copy.
type Attachment struct {
	Filename       string
	Key            string // hex SHA-1 digest, the blob store's content address
	ContentType    string
	Encoding       Encoding
	Length         int64 // raw (decoded) length
	EncodedLength  int64 // length as stored, post-encoding
	RevPos         int   // generation of the revision that introduced this attachment
}

// Revision is one node in a document's revision tree. RevID has the form
// "N-H": N is the generation, H is a hex digest derived from the parent
// RevID, the deleted flag, sorted attachment digests, and the body bytes.
//
// Sequence is the store-local, monotonically increasing insertion order. It
// is never replicated and never reused; it exists purely so the local store
// can order and diff its own history efficiently.
type Revision struct {
	DocID       string
	RevID       string
	Generation  int
	ParentRevID string // empty for a tree root
	Sequence    int64
	Body        []byte // nil/empty for a tombstone
	Deleted     bool
	Current     bool // true iff this revision is a leaf
	Attachments []Attachment
}

// IsRoot reports whether this revision has no parent.
func (r *Revision) IsRoot() bool { return r.ParentRevID == "" }

// Document is the logical identity a caller operates on: a doc id plus
// whichever revision a read resolved to (the winner, unless a specific
// RevID was requested).
type Document struct {
	DocID string
	Rev   Revision
}

// LocalDocument is a non-replicated doc_id -> JSON mapping with overwrite
// semantics and no revision history.
type LocalDocument struct {
	DocID string
	Body  []byte
}

// ChangeEntry is one row of a _changes-style feed: the winning revision of a
// document as of a given sequence, plus every current leaf (so a puller can
// see revisions it does not yet have, including conflicts).
type ChangeEntry struct {
	Sequence int64
	DocID    string
	Winner   Revision
	Leaves   []Revision
	Deleted  bool
}

// --- Notifications -----------------------------------------------------
//
// A closed variant set, one exported struct per variant, matching the
// DocumentModified/DocumentStoreOpened/... family from the collaborator
// Java implementation this was ported from.

// DocumentCreated is published after a successful create.
type DocumentCreated struct {
	DocID string
	Rev   Revision
	At    time.Time
}

// DocumentUpdated is published after a successful update, carrying both the
// previous winner and the new one.
type DocumentUpdated struct {
	DocID string
	Prev  Revision
	New   Revision
	At    time.Time
}

// DocumentDeleted is published after a tombstone is written.
type DocumentDeleted struct {
	DocID     string
	Prev      Revision
	Tombstone Revision
	At        time.Time
}

// StoreOpened is published once a store finishes opening (after any
// duplicate-revision repair has run).
type StoreOpened struct {
	Path string
	At   time.Time
}

// StoreCreated is published the first time a store's files are created on
// disk (as opposed to an open of an existing store).
type StoreCreated struct {
	Path string
	At   time.Time
}

// StoreDeleted is published when a store's on-disk files are removed.
type StoreDeleted struct {
	Path string
	At   time.Time
}

// StoreClosed is published when Close() completes.
type StoreClosed struct {
	Path string
	At   time.Time
}
