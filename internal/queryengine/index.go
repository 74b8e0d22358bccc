package queryengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// IndexType names the kind of shadow structure an index maintains.
type IndexType string

const (
	// IndexJSON covers one or more scalar fields in an equality/range
	// shadow table, the workhorse index type for ordinary selectors.
	IndexJSON IndexType = "json"
	// IndexText backs a single field with an FTS5 virtual table for
	// $text queries.
	IndexText IndexType = "text"
)

// IndexInfo describes a created index as recorded in the indexes table.
type IndexInfo struct {
	Name         string
	Type         IndexType
	Fields       []string
	LastSequence int64
}

func shadowTableName(name string) string {
	return "idx_" + name
}

func fieldColumn(i int) string {
	return fmt.Sprintf("field_%d", i)
}

// normalizeFields validates and de-duplicates an index's field list: field
// names can't be empty, and no dotted-path segment may start with "$" (that
// prefix is reserved for selector operators, never a real document key).
// Duplicate fields collapse to their first occurrence, so a caller that
// accidentally lists the same field twice gets one shadow column for it,
// not a confusing positional mismatch later.
func normalizeFields(fields []string) ([]string, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("field name must not be empty")
		}
		for _, seg := range strings.Split(f, ".") {
			if strings.HasPrefix(seg, "$") {
				return nil, fmt.Errorf("field %q: %q is not a valid field name segment", f, seg)
			}
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

// ErrIndexDefinitionConflict is returned by CreateIndex when name already
// names an index with a different type or field list.
var ErrIndexDefinitionConflict = errors.New("index already exists with a different definition")

// CreateIndex defines a new index over fields and creates its backing
// shadow table or FTS5 virtual table. It does not populate the index —
// Reindex (or the incremental update path) does that.
//
// Re-creating an index under a name that already exists is a no-op when
// the type and (de-duplicated) field list match exactly; otherwise it
// fails with ErrIndexDefinitionConflict rather than silently shadowing the
// old definition or hitting a raw "table already exists" SQL error.
func (e *Engine) CreateIndex(ctx context.Context, name string, fields []string, typ IndexType) error {
	fields, err := normalizeFields(fields)
	if err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	if typ == IndexText && len(fields) != 1 {
		return fmt.Errorf("text index %s: exactly one field is required", name)
	}

	return e.q.Submit(func() error {
		return withTx(ctx, e.db, func(tx *sql.Tx) error {
			existing, ok, err := loadIndexDef(ctx, tx, name)
			if err != nil {
				return err
			}
			if ok {
				if existing.Type == typ && stringsEqual(existing.Fields, fields) {
					return nil
				}
				return fmt.Errorf("index %s: %w (existing: type=%s fields=%v)", name, ErrIndexDefinitionConflict, existing.Type, existing.Fields)
			}

			table := shadowTableName(name)

			switch typ {
			case IndexText:
				ddl := fmt.Sprintf(
					`CREATE VIRTUAL TABLE %s USING fts5(doc_id UNINDEXED, %s)`,
					table, fieldColumn(0))
				if _, err := tx.ExecContext(ctx, ddl); err != nil {
					return fmt.Errorf("creating fts5 index: %w", err)
				}
			default:
				// doc_id and rev are implicit leading fields of every json
				// index, with doc_id doubling as _id and rev carrying _rev.
				// Find still reads and re-checks every candidate document.
				cols := make([]string, len(fields))
				for i := range fields {
					cols[i] = fieldColumn(i)
				}
				ddl := fmt.Sprintf(
					`CREATE TABLE %s (doc_id TEXT NOT NULL, rev TEXT NOT NULL, sequence INTEGER NOT NULL, %s)`,
					table, strings.Join(withType(cols), ", "))
				if _, err := tx.ExecContext(ctx, ddl); err != nil {
					return fmt.Errorf("creating shadow table: %w", err)
				}
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(
					`CREATE INDEX %s_doc_id ON %s(doc_id)`, table, table)); err != nil {
					return fmt.Errorf("indexing shadow table: %w", err)
				}
				for i := range fields {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						`CREATE INDEX %s_%s ON %s(%s)`, table, fieldColumn(i), table, fieldColumn(i))); err != nil {
						return fmt.Errorf("indexing shadow column: %w", err)
					}
				}
			}

			fieldsJSON, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO indexes (name, type, fields, last_sequence) VALUES (?, ?, ?, 0)`,
				name, string(typ), string(fieldsJSON))
			return err
		})
	})
}

// loadIndexDef returns name's stored definition, if any.
func loadIndexDef(ctx context.Context, tx *sql.Tx, name string) (IndexInfo, bool, error) {
	var info IndexInfo
	var typ, fieldsJSON string
	row := tx.QueryRowContext(ctx, `SELECT type, fields, last_sequence FROM indexes WHERE name = ?`, name)
	if err := row.Scan(&typ, &fieldsJSON, &info.LastSequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IndexInfo{}, false, nil
		}
		return IndexInfo{}, false, err
	}
	info.Name = name
	info.Type = IndexType(typ)
	if err := json.Unmarshal([]byte(fieldsJSON), &info.Fields); err != nil {
		return IndexInfo{}, false, err
	}
	return info, true, nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func withType(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c + " ANY"
	}
	return out
}

// DeleteIndex drops an index's shadow table and metadata row.
func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	return e.q.Submit(func() error {
		return withTx(ctx, e.db, func(tx *sql.Tx) error {
			table := shadowTableName(name)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM indexes WHERE name = ?`, name)
			return err
		})
	})
}

// ListIndexes returns every currently defined index.
func (e *Engine) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	var out []IndexInfo
	err := e.q.Submit(func() error {
		rows, err := e.db.QueryContext(ctx, `SELECT name, type, fields, last_sequence FROM indexes`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var info IndexInfo
			var typ, fieldsJSON string
			if err := rows.Scan(&info.Name, &typ, &fieldsJSON, &info.LastSequence); err != nil {
				return err
			}
			info.Type = IndexType(typ)
			if err := json.Unmarshal([]byte(fieldsJSON), &info.Fields); err != nil {
				return err
			}
			out = append(out, info)
		}
		return rows.Err()
	})
	return out, err
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
