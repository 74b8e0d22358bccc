package sqlitestore

import "database/sql"

// The types in this file mirror the columns of the tables created by the
// migrations under migrations/files, one struct per table, the way sqlc
// would generate them from a schema. They are written by hand here because
// sqlc itself is not invoked as part of the build.

// DocRow is a row of the docs table: one per document, tracking which
// revision currently wins.
type DocRow struct {
	DocID           int64
	Docid           string
	WinningSequence sql.NullInt64
}

// RevRow is a row of the revs table: one per revision, forming a tree via
// Parent.
type RevRow struct {
	Sequence  int64
	DocID     int64
	Parent    sql.NullInt64
	Revid     string
	Current   int64
	Deleted   int64
	Available int64
	Json      []byte
}

// AttachmentRow is a row of the attachments table: one per attachment bound
// to a revision.
type AttachmentRow struct {
	Sequence      int64
	Filename      string
	Key           string
	Type          sql.NullString
	Encoding      int64
	Length        int64
	EncodedLength int64
	Revpos        int64
}

// LocalDocRow is a row of the localdocs table: non-replicated documents
// keyed by docid, with no revision history.
type LocalDocRow struct {
	Docid string
	Json  []byte
}

// FullDocumentRow is the shape returned by queries that join revs to docs to
// answer "give me the document row plus its tree position in one shot" —
// the columns named in FullDocumentCols, in that order.
type FullDocumentRow struct {
	DocID    int64
	Docid    string
	Revid    string
	Sequence int64
	Json     []byte
	Current  int64
	Deleted  int64
	Parent   sql.NullInt64
}

// FullDocumentCols is the canonical column list for queries that select a
// full revision row: doc_id, docid, revid, sequence, json, current,
// deleted, parent. Any query scanning into FullDocumentRow must select
// exactly these columns, in this order.
const FullDocumentCols = "d.doc_id, d.docid, r.revid, r.sequence, r.json, r.current, r.deleted, r.parent"
