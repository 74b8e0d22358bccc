package sqlitestore

import (
	"context"
	"database/sql"
)

// DBTX abstracts over *sql.DB and *sql.Tx so every query method below can
// run inside or outside a transaction without duplication. This is the same
// seam sqlc generates; it is written out here because sqlc itself is not
// run as part of the build.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries is the hand-written query layer over the revs/docs/attachments
// schema. A Store holds one Queries bound to its *sql.DB, and derives a
// second one bound to a *sql.Tx for the duration of a write.
type Queries struct {
	db DBTX
}

// New wraps db (a *sql.DB or *sql.Tx) in a Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx, for running a batch of the methods
// below atomically.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const getDocByDocid = `SELECT doc_id, docid, winning_sequence FROM docs WHERE docid = ?`

func (q *Queries) GetDocByDocid(ctx context.Context, docid string) (DocRow, error) {
	var d DocRow
	row := q.db.QueryRowContext(ctx, getDocByDocid, docid)
	err := row.Scan(&d.DocID, &d.Docid, &d.WinningSequence)
	return d, err
}

const getDocByID = `SELECT doc_id, docid, winning_sequence FROM docs WHERE doc_id = ?`

func (q *Queries) GetDocByID(ctx context.Context, docID int64) (DocRow, error) {
	var d DocRow
	row := q.db.QueryRowContext(ctx, getDocByID, docID)
	err := row.Scan(&d.DocID, &d.Docid, &d.WinningSequence)
	return d, err
}

const insertDoc = `INSERT INTO docs (docid) VALUES (?)`

func (q *Queries) InsertDoc(ctx context.Context, docid string) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertDoc, docid)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const setWinningSequence = `UPDATE docs SET winning_sequence = ? WHERE doc_id = ?`

func (q *Queries) SetWinningSequence(ctx context.Context, docID, sequence int64) error {
	_, err := q.db.ExecContext(ctx, setWinningSequence, sequence, docID)
	return err
}

const countDocs = `SELECT COUNT(*) FROM docs d JOIN revs r ON r.sequence = d.winning_sequence WHERE r.deleted = 0`

func (q *Queries) CountDocs(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countDocs).Scan(&n)
	return n, err
}

const insertRev = `
INSERT INTO revs (doc_id, parent, revid, current, deleted, available, json)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertRev(ctx context.Context, docID int64, parent sql.NullInt64, revid string, current, deleted, available bool, json []byte) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertRev, docID, parent, revid, boolInt(current), boolInt(deleted), boolInt(available), json)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const unsetCurrent = `UPDATE revs SET current = 0 WHERE sequence = ?`

// UnsetCurrent marks sequence as no longer a leaf, because it has just
// gained a child. Only the one revision being extended is touched — any
// other current leaf of the same document (a conflict) is left alone.
func (q *Queries) UnsetCurrent(ctx context.Context, sequence int64) error {
	_, err := q.db.ExecContext(ctx, unsetCurrent, sequence)
	return err
}

const setCurrent = `UPDATE revs SET current = 1 WHERE sequence = ?`

func (q *Queries) SetCurrent(ctx context.Context, sequence int64) error {
	_, err := q.db.ExecContext(ctx, setCurrent, sequence)
	return err
}

const getRevBySequence = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE r.sequence = ?`

func (q *Queries) GetRevBySequence(ctx context.Context, sequence int64) (FullDocumentRow, error) {
	var r FullDocumentRow
	row := q.db.QueryRowContext(ctx, getRevBySequence, sequence)
	err := row.Scan(&r.DocID, &r.Docid, &r.Revid, &r.Sequence, &r.Json, &r.Current, &r.Deleted, &r.Parent)
	return r, err
}

const getRevByDocAndRevid = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE d.docid = ? AND r.revid = ?`

func (q *Queries) GetRevByDocAndRevid(ctx context.Context, docid, revid string) (FullDocumentRow, error) {
	var r FullDocumentRow
	row := q.db.QueryRowContext(ctx, getRevByDocAndRevid, docid, revid)
	err := row.Scan(&r.DocID, &r.Docid, &r.Revid, &r.Sequence, &r.Json, &r.Current, &r.Deleted, &r.Parent)
	return r, err
}

const getLeafRevs = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE r.doc_id = ? AND r.current = 1
ORDER BY r.sequence`

func (q *Queries) GetLeafRevs(ctx context.Context, docID int64) ([]FullDocumentRow, error) {
	rows, err := q.db.QueryContext(ctx, getLeafRevs, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFullDocumentRows(rows)
}

const getAllRevsForDoc = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE r.doc_id = ?
ORDER BY r.sequence`

func (q *Queries) GetAllRevsForDoc(ctx context.Context, docID int64) ([]FullDocumentRow, error) {
	rows, err := q.db.QueryContext(ctx, getAllRevsForDoc, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFullDocumentRows(rows)
}

const findRevByRevidAnyDoc = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE r.doc_id = ? AND r.revid = ?`

func (q *Queries) FindRevByRevid(ctx context.Context, docID int64, revid string) (FullDocumentRow, error) {
	var r FullDocumentRow
	row := q.db.QueryRowContext(ctx, findRevByRevidAnyDoc, docID, revid)
	err := row.Scan(&r.DocID, &r.Docid, &r.Revid, &r.Sequence, &r.Json, &r.Current, &r.Deleted, &r.Parent)
	return r, err
}

const changesSince = `
SELECT ` + FullDocumentCols + `
FROM revs r JOIN docs d ON d.doc_id = r.doc_id
WHERE r.sequence = d.winning_sequence AND r.sequence > ?
ORDER BY r.sequence
LIMIT ?`

func (q *Queries) ChangesSince(ctx context.Context, since int64, limit int64) ([]FullDocumentRow, error) {
	rows, err := q.db.QueryContext(ctx, changesSince, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFullDocumentRows(rows)
}

const currentSequence = `SELECT COALESCE(MAX(sequence), 0) FROM revs`

func (q *Queries) CurrentSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx, currentSequence).Scan(&seq)
	return seq, err
}

const insertAttachment = `
INSERT INTO attachments (sequence, filename, key, type, encoding, length, encoded_length, revpos)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertAttachment(ctx context.Context, a AttachmentRow) error {
	_, err := q.db.ExecContext(ctx, insertAttachment,
		a.Sequence, a.Filename, a.Key, a.Type, a.Encoding, a.Length, a.EncodedLength, a.Revpos)
	return err
}

const getAttachmentsBySequence = `
SELECT sequence, filename, key, type, encoding, length, encoded_length, revpos
FROM attachments WHERE sequence = ?`

func (q *Queries) GetAttachmentsBySequence(ctx context.Context, sequence int64) ([]AttachmentRow, error) {
	rows, err := q.db.QueryContext(ctx, getAttachmentsBySequence, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttachmentRow
	for rows.Next() {
		var a AttachmentRow
		if err := rows.Scan(&a.Sequence, &a.Filename, &a.Key, &a.Type, &a.Encoding, &a.Length, &a.EncodedLength, &a.Revpos); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const getAttachmentByRevposSearch = `
SELECT a.sequence, a.filename, a.key, a.type, a.encoding, a.length, a.encoded_length, a.revpos
FROM attachments a
JOIN revs r ON r.sequence = a.sequence
WHERE r.doc_id = ? AND a.filename = ? AND a.revpos <= ?
ORDER BY a.revpos DESC
LIMIT 1`

// FindAncestorAttachment returns the attachment of the given filename with
// the highest revpos at or below upToRevpos on any revision of docID; the
// query does not restrict the search to ancestors of a particular revision.
// The store's write path does not call it: stub attachments are recorded
// under the digest the caller supplies.
func (q *Queries) FindAncestorAttachment(ctx context.Context, docID int64, filename string, upToRevpos int64) (AttachmentRow, error) {
	var a AttachmentRow
	row := q.db.QueryRowContext(ctx, getAttachmentByRevposSearch, docID, filename, upToRevpos)
	err := row.Scan(&a.Sequence, &a.Filename, &a.Key, &a.Type, &a.Encoding, &a.Length, &a.EncodedLength, &a.Revpos)
	return a, err
}

const rekeyAttachmentsSequence = `UPDATE attachments SET sequence = ? WHERE sequence = ?`

func (q *Queries) RekeyAttachmentsSequence(ctx context.Context, from, to int64) error {
	_, err := q.db.ExecContext(ctx, rekeyAttachmentsSequence, to, from)
	return err
}

const listAttachmentFilenames = `SELECT filename FROM attachments WHERE sequence = ?`

// ListAttachmentFilenames returns every filename attached at sequence, used
// by the repair pass to detect a collision before rekeying a loser's
// attachments onto a keeper sequence that already has one by that name.
func (q *Queries) ListAttachmentFilenames(ctx context.Context, sequence int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listAttachmentFilenames, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const rekeyAttachmentByFilename = `UPDATE attachments SET sequence = ? WHERE sequence = ? AND filename = ?`

// RekeyAttachmentByFilename moves a single (from, filename) attachment row
// onto sequence to, narrower than RekeyAttachmentsSequence so the repair
// pass can rekey filenames one at a time around a collision.
func (q *Queries) RekeyAttachmentByFilename(ctx context.Context, from, to int64, filename string) error {
	_, err := q.db.ExecContext(ctx, rekeyAttachmentByFilename, to, from, filename)
	return err
}

const deleteAttachmentByFilename = `DELETE FROM attachments WHERE sequence = ? AND filename = ?`

// DeleteAttachmentByFilename drops a single (sequence, filename) attachment
// row, used by the repair pass to collapse a duplicate instead of rekeying
// it into a collision with an attachment already present on the keeper.
func (q *Queries) DeleteAttachmentByFilename(ctx context.Context, sequence int64, filename string) error {
	_, err := q.db.ExecContext(ctx, deleteAttachmentByFilename, sequence, filename)
	return err
}

const rekeyRevParent = `UPDATE revs SET parent = ? WHERE parent = ?`

func (q *Queries) RekeyRevParent(ctx context.Context, from, to int64) error {
	_, err := q.db.ExecContext(ctx, rekeyRevParent, to, from)
	return err
}

const deleteRevBySequence = `DELETE FROM revs WHERE sequence = ?`

func (q *Queries) DeleteRevBySequence(ctx context.Context, sequence int64) error {
	_, err := q.db.ExecContext(ctx, deleteRevBySequence, sequence)
	return err
}

const purgeRevBody = `UPDATE revs SET json = NULL, available = 0 WHERE sequence = ?`

func (q *Queries) PurgeRevBody(ctx context.Context, sequence int64) error {
	_, err := q.db.ExecContext(ctx, purgeRevBody, sequence)
	return err
}

const deleteAttachmentsBySequence = `DELETE FROM attachments WHERE sequence = ?`

func (q *Queries) DeleteAttachmentsBySequence(ctx context.Context, sequence int64) error {
	_, err := q.db.ExecContext(ctx, deleteAttachmentsBySequence, sequence)
	return err
}

// DuplicateRevGroup identifies a (doc_id, revid) pair that was written more
// than once, the survivor sequence (the smallest), and the loser sequences
// to be folded into it.
type DuplicateRevGroup struct {
	DocID     int64
	Revid     string
	KeepSeq   int64
	LoserSeqs []int64
}

const findDuplicateRevs = `
SELECT doc_id, revid, MIN(sequence) AS keep_seq
FROM revs
GROUP BY doc_id, revid
HAVING COUNT(*) > 1`

// FindDuplicateRevGroups scans the whole revs table for (doc_id, revid)
// pairs recorded more than once — the corruption pattern left behind by an
// older force-insert implementation that didn't check for an existing row
// before inserting. For each group it also loads the loser sequences.
func (q *Queries) FindDuplicateRevGroups(ctx context.Context) ([]DuplicateRevGroup, error) {
	rows, err := q.db.QueryContext(ctx, findDuplicateRevs)
	if err != nil {
		return nil, err
	}
	var groups []DuplicateRevGroup
	for rows.Next() {
		var g DuplicateRevGroup
		if err := rows.Scan(&g.DocID, &g.Revid, &g.KeepSeq); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range groups {
		losers, err := q.losersForGroup(ctx, groups[i].DocID, groups[i].Revid, groups[i].KeepSeq)
		if err != nil {
			return nil, err
		}
		groups[i].LoserSeqs = losers
	}
	return groups, nil
}

const losersForGroupQuery = `SELECT sequence FROM revs WHERE doc_id = ? AND revid = ? AND sequence != ?`

func (q *Queries) losersForGroup(ctx context.Context, docID int64, revid string, keepSeq int64) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, losersForGroupQuery, docID, revid, keepSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

const getLocalDoc = `SELECT docid, json FROM localdocs WHERE docid = ?`

func (q *Queries) GetLocalDoc(ctx context.Context, docid string) (LocalDocRow, error) {
	var l LocalDocRow
	row := q.db.QueryRowContext(ctx, getLocalDoc, docid)
	err := row.Scan(&l.Docid, &l.Json)
	return l, err
}

const putLocalDoc = `INSERT INTO localdocs (docid, json) VALUES (?, ?)
ON CONFLICT(docid) DO UPDATE SET json = excluded.json`

func (q *Queries) PutLocalDoc(ctx context.Context, docid string, json []byte) error {
	_, err := q.db.ExecContext(ctx, putLocalDoc, docid, json)
	return err
}

const deleteLocalDoc = `DELETE FROM localdocs WHERE docid = ?`

func (q *Queries) DeleteLocalDoc(ctx context.Context, docid string) error {
	_, err := q.db.ExecContext(ctx, deleteLocalDoc, docid)
	return err
}

const getInfo = `SELECT value FROM info WHERE key = ?`

func (q *Queries) GetInfo(ctx context.Context, key string) (string, error) {
	var v string
	err := q.db.QueryRowContext(ctx, getInfo, key).Scan(&v)
	return v, err
}

const setInfo = `INSERT INTO info (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`

func (q *Queries) SetInfo(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, setInfo, key, value)
	return err
}

func scanFullDocumentRows(rows *sql.Rows) ([]FullDocumentRow, error) {
	var out []FullDocumentRow
	for rows.Next() {
		var r FullDocumentRow
		if err := rows.Scan(&r.DocID, &r.Docid, &r.Revid, &r.Sequence, &r.Json, &r.Current, &r.Deleted, &r.Parent); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
