package queryengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"

	"docsync/internal/docmodel"
	"docsync/internal/eventbus"
	"docsync/internal/queryengine/migrations"
	"docsync/internal/store"
)

// DocumentSource is the slice of the Revision Tree Engine the query engine
// needs: enough to read a document's current winner when (re)indexing it,
// and to walk the change feed when building an index from scratch.
type DocumentSource interface {
	Read(docID, revID string) (docmodel.Revision, error)
	Changes(since int64, limit int) ([]docmodel.ChangeEntry, int64, error)
	CurrentSequence() (int64, error)
}

// Engine is the ad-hoc query engine: its own SQLite database of shadow
// indexes, kept current by subscribing to the main store's event bus, plus
// a bounded cache of compiled query plans.
type Engine struct {
	db     *sql.DB
	q      *store.Queue
	source DocumentSource
	plans  *lru.Cache
	sub    eventbus.Subscription
}

// DefaultPlanCacheSize bounds the number of compiled selectors Engine keeps
// around between Find calls.
const DefaultPlanCacheSize = 200

// Open opens (creating if necessary) the query engine's extension database
// at path, wires it to source for document bodies, and subscribes it to
// bus so every create/update/delete keeps the shadow indexes current.
func Open(path string, source DocumentSource, bus *eventbus.Bus) (*Engine, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening query engine database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating query engine schema: %w", err)
	}

	plans, err := lru.New(DefaultPlanCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{db: db, q: store.NewQueue(32), source: source, plans: plans}

	if bus != nil {
		e.sub = eventbus.Subscribe(bus, func(ev docmodel.DocumentCreated) { e.onChange(ev.DocID) })
		eventbus.Subscribe(bus, func(ev docmodel.DocumentUpdated) { e.onChange(ev.DocID) })
		eventbus.Subscribe(bus, func(ev docmodel.DocumentDeleted) { e.onChange(ev.DocID) })
	}

	return e, nil
}

func (e *Engine) Close() error {
	e.q.Close()
	return e.db.Close()
}

func (e *Engine) onChange(docID string) {
	rev, err := e.source.Read(docID, "")
	if err != nil {
		return
	}
	_ = e.indexDocument(context.Background(), docID, rev)
}

// Reindex rebuilds every shadow table from the main store's current change
// feed, the way a newly created index (or one whose last_sequence trails
// the store) catches up.
func (e *Engine) Reindex(ctx context.Context) error {
	var since int64
	for {
		entries, last, err := e.source.Changes(since, 500)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if err := e.indexDocument(ctx, entry.DocID, entry.Winner); err != nil {
				return err
			}
		}
		if last == since {
			break
		}
		since = last
	}
	return nil
}

// indexDocument updates every index's shadow table (json and text) for
// docID, removing
// its prior row first so a field that disappeared or a document that was
// deleted doesn't leave a stale entry behind.
func (e *Engine) indexDocument(ctx context.Context, docID string, rev docmodel.Revision) error {
	indexes, err := e.ListIndexes(ctx)
	if err != nil {
		return err
	}
	if len(indexes) == 0 {
		return nil
	}

	var body map[string]any
	if !rev.Deleted && len(rev.Body) > 0 {
		if err := json.Unmarshal(rev.Body, &body); err != nil {
			body = nil
		}
	}

	return e.q.Submit(func() error {
		return withTx(ctx, e.db, func(tx *sql.Tx) error {
			for _, idx := range indexes {
				table := shadowTableName(idx.Name)
				if idx.Type == IndexText {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, table), docID); err != nil {
						return err
					}
					if body == nil {
						continue
					}
					val, ok := lookupField(body, idx.Fields[0])
					if !ok {
						continue
					}
					text, ok := val.(string)
					if !ok {
						continue
					}
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc_id, %s) VALUES (?, ?)`, table, fieldColumn(0)), docID, text); err != nil {
						return err
					}
					continue
				}

				if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, table), docID); err != nil {
					return err
				}
				if body == nil {
					continue
				}

				perField := make([][]indexedValue, len(idx.Fields))
				for i, field := range idx.Fields {
					perField[i] = fieldValues(body, field)
				}

				for _, combo := range cartesianProduct(perField) {
					cols := []string{"doc_id", "rev", "sequence"}
					placeholders := []string{"?", "?", "?"}
					args := []any{docID, rev.RevID, rev.Sequence}
					for i, v := range combo {
						if !v.present {
							continue
						}
						cols = append(cols, fieldColumn(i))
						placeholders = append(placeholders, "?")
						args = append(args, v.value)
					}
					stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
					if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

// indexedValue is one field's contribution to a shadow-table row: present
// is false when the field was absent from the document, in which case the
// row's column for it is left unbound (NULL) rather than given a zero value.
type indexedValue struct {
	value   any
	present bool
}

// fieldValues returns the values field unrolls to for shadow-table
// indexing: a scalar contributes itself, an array contributes one entry
// per element (so a later cartesian product binds each element to its own
// row), and a missing or empty-array field contributes a single absent
// placeholder.
func fieldValues(body map[string]any, field string) []indexedValue {
	val, ok := lookupField(body, field)
	if !ok {
		return []indexedValue{{present: false}}
	}
	arr, ok := val.([]any)
	if !ok {
		return []indexedValue{{value: val, present: true}}
	}
	if len(arr) == 0 {
		return []indexedValue{{present: false}}
	}
	out := make([]indexedValue, len(arr))
	for i, v := range arr {
		out[i] = indexedValue{value: v, present: true}
	}
	return out
}

// cartesianProduct expands per-field value lists into every combination,
// one shadow-table row per combination. A compound index with an
// array-valued field produces one row per array element crossed with every
// other field's values, the same unrolling a single-field array index does.
func cartesianProduct(fields [][]indexedValue) [][]indexedValue {
	combos := [][]indexedValue{{}}
	for _, values := range fields {
		next := make([][]indexedValue, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				c := make([]indexedValue, len(combo)+1)
				copy(c, combo)
				c[len(combo)] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// Result is one row of a Find result: the matching document id and its
// current winning revision.
type Result struct {
	DocID string
	Rev   docmodel.Revision
}

// Find compiles sel (caching the compiled plan), narrows candidates through
// the best available index, and always re-verifies every candidate with
// Matches before returning it.
func (e *Engine) Find(ctx context.Context, sel Selector, limit int) ([]Result, error) {
	expr, err := e.compile(sel)
	if err != nil {
		return nil, err
	}

	indexes, err := e.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}

	docIDs, err := e.candidates(ctx, expr, indexes)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, docID := range docIDs {
		rev, err := e.source.Read(docID, "")
		if err != nil {
			continue
		}
		if rev.Deleted {
			continue
		}
		var body map[string]any
		if err := json.Unmarshal(rev.Body, &body); err != nil {
			continue
		}
		if !Matches(expr, body) {
			continue
		}
		out = append(out, Result{DocID: docID, Rev: rev})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// compile returns the cached Expr for sel if one was already built, and
// caches a freshly compiled one otherwise. Selectors are compared by their
// canonical JSON encoding.
func (e *Engine) compile(sel Selector) (Expr, error) {
	key, err := json.Marshal(sel)
	if err != nil {
		return nil, err
	}
	if cached, ok := e.plans.Get(string(key)); ok {
		return cached.(Expr), nil
	}
	expr, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	e.plans.Add(string(key), expr)
	return expr, nil
}

// candidates returns every doc id that could possibly match expr: if a
// usable index narrows the search, the shadow table scan does the work; if
// none applies, every document in the store is a candidate and Find's
// matcher pass bears the full cost.
func (e *Engine) candidates(ctx context.Context, expr Expr, indexes []IndexInfo) ([]string, error) {
	plan := planFor(expr, indexes)
	if plan == nil {
		return e.allDocIDs(ctx)
	}

	sqlText, args := plan.sql()
	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("executing index scan: %w", err)
	}
	defer rows.Close()

	var out []string
	seen := map[string]bool{}
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, err
		}
		if !seen[docID] {
			seen[docID] = true
			out = append(out, docID)
		}
	}
	return out, rows.Err()
}

// allDocIDs falls back to a full scan of the main store's change feed, the
// same thing an unindexed query does today without an extension database
// at all.
func (e *Engine) allDocIDs(ctx context.Context) ([]string, error) {
	var out []string
	var since int64
	for {
		entries, last, err := e.source.Changes(since, 500)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			out = append(out, entry.DocID)
		}
		if last == since {
			break
		}
		since = last
	}
	return out, nil
}
