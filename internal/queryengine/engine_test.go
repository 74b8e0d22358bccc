package queryengine

import (
	"context"
	"errors"
	"testing"

	"docsync/internal/docmodel"
	"docsync/internal/eventbus"
	"docsync/internal/sqlitestore"
	"docsync/internal/testutil"
)

func newTestEngine(t *testing.T, source DocumentSource, bus *eventbus.Bus) *Engine {
	t.Helper()
	e, err := Open(":memory:", source, bus)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func newBackingStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(":memory:", testutil.NewTestBlobStore(t))
	if err != nil {
		t.Fatalf("sqlitestore.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateIndexAndListIndexes(t *testing.T) {
	backing := newBackingStore(t)
	e := newTestEngine(t, backing, nil)
	ctx := context.Background()

	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	indexes, err := e.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes() error = %v", err)
	}
	if len(indexes) != 1 || indexes[0].Name != "by_type" {
		t.Fatalf("ListIndexes() = %+v, want one index named by_type", indexes)
	}

	if err := e.DeleteIndex(ctx, "by_type"); err != nil {
		t.Fatalf("DeleteIndex() error = %v", err)
	}
	indexes, err = e.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes() error = %v", err)
	}
	if len(indexes) != 0 {
		t.Fatalf("ListIndexes() after delete = %+v, want none", indexes)
	}
}

func TestCreateIndexRejectsInvalidFields(t *testing.T) {
	backing := newBackingStore(t)
	e := newTestEngine(t, backing, nil)
	ctx := context.Background()

	if err := e.CreateIndex(ctx, "bad", nil, IndexJSON); err == nil {
		t.Fatal("CreateIndex() with no fields, want error")
	}
	if err := e.CreateIndex(ctx, "bad", []string{"$type"}, IndexJSON); err == nil {
		t.Fatal("CreateIndex() with a $-prefixed field, want error")
	}
	if err := e.CreateIndex(ctx, "bad", []string{"a.$gt"}, IndexJSON); err == nil {
		t.Fatal("CreateIndex() with a $-prefixed path segment, want error")
	}
}

func TestCreateIndexDedupsFields(t *testing.T) {
	backing := newBackingStore(t)
	e := newTestEngine(t, backing, nil)
	ctx := context.Background()

	if err := e.CreateIndex(ctx, "by_type", []string{"type", "type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	indexes, err := e.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes() error = %v", err)
	}
	if len(indexes) != 1 || len(indexes[0].Fields) != 1 {
		t.Fatalf("ListIndexes() = %+v, want one index with one field", indexes)
	}
}

func TestCreateIndexReCreationIsNoOpWhenIdentical(t *testing.T) {
	backing := newBackingStore(t)
	e := newTestEngine(t, backing, nil)
	ctx := context.Background()

	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() re-creation with identical definition, error = %v", err)
	}
	indexes, err := e.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes() error = %v", err)
	}
	if len(indexes) != 1 {
		t.Fatalf("ListIndexes() = %+v, want exactly one index", indexes)
	}
}

func TestCreateIndexReCreationConflictsOnDifferentFields(t *testing.T) {
	backing := newBackingStore(t)
	e := newTestEngine(t, backing, nil)
	ctx := context.Background()

	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.CreateIndex(ctx, "by_type", []string{"other"}, IndexJSON); !errors.Is(err, ErrIndexDefinitionConflict) {
		t.Fatalf("CreateIndex() re-creation with conflicting fields, error = %v, want ErrIndexDefinitionConflict", err)
	}
}

func TestReindexPopulatesShadowTable(t *testing.T) {
	backing := newBackingStore(t)
	ctx := context.Background()

	if _, err := backing.Create("doc1", []byte(`{"type":"invoice","total":100}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := backing.Create("doc2", []byte(`{"type":"receipt","total":5}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	e := newTestEngine(t, backing, nil)
	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	results, err := e.Find(ctx, Selector{"type": "invoice"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Fatalf("Find() = %+v, want [doc1]", results)
	}
}

func TestTextIndexMatchesSearchTerm(t *testing.T) {
	backing := newBackingStore(t)
	ctx := context.Background()

	if _, err := backing.Create("doc1", []byte(`{"notes":"a flaky connection to the gateway"}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := backing.Create("doc2", []byte(`{"notes":"battery replaced on schedule"}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	e := newTestEngine(t, backing, nil)
	if err := e.CreateIndex(ctx, "by_notes", []string{"notes"}, IndexText); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	results, err := e.Find(ctx, Selector{"notes": map[string]any{"$text": map[string]any{"$search": "gateway"}}}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Fatalf("Find() = %+v, want [doc1]", results)
	}
}

func TestJSONIndexUnrollsArrayValues(t *testing.T) {
	backing := newBackingStore(t)
	ctx := context.Background()

	if _, err := backing.Create("doc1", []byte(`{"tags":["urgent","billing"]}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := backing.Create("doc2", []byte(`{"tags":["billing"]}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	e := newTestEngine(t, backing, nil)
	if err := e.CreateIndex(ctx, "by_tag", []string{"tags"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	results, err := e.Find(ctx, Selector{"tags": "urgent"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Fatalf("Find() = %+v, want [doc1]", results)
	}

	results, err = e.Find(ctx, Selector{"tags": "billing"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Find() = %+v, want both docs", results)
	}
}

func TestFindWithoutIndexFallsBackToFullScan(t *testing.T) {
	backing := newBackingStore(t)
	ctx := context.Background()

	if _, err := backing.Create("doc1", []byte(`{"type":"invoice"}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	e := newTestEngine(t, backing, nil)

	results, err := e.Find(ctx, Selector{"type": "invoice"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Fatalf("Find() = %+v, want [doc1]", results)
	}
}

func TestFindExcludesDeletedDocuments(t *testing.T) {
	backing := newBackingStore(t)
	ctx := context.Background()

	rev, err := backing.Create("doc1", []byte(`{"type":"invoice"}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := backing.Delete("doc1", rev.RevID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	e := newTestEngine(t, backing, nil)
	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := e.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	results, err := e.Find(ctx, Selector{"type": "invoice"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Find() = %+v, want none", results)
	}
}

func TestEventBusKeepsIndexCurrent(t *testing.T) {
	backing := newBackingStore(t)
	bus := eventbus.New()
	ctx := context.Background()

	e := newTestEngine(t, backing, bus)
	if err := e.CreateIndex(ctx, "by_type", []string{"type"}, IndexJSON); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	rev, err := backing.Create("doc1", []byte(`{"type":"invoice"}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	bus.Publish(docmodel.DocumentCreated{DocID: rev.DocID, Rev: rev})

	results, err := e.Find(ctx, Selector{"type": "invoice"}, 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 || results[0].DocID != "doc1" {
		t.Fatalf("Find() = %+v, want [doc1]", results)
	}
}
