package sqlitestore_test

import (
	"bytes"
	"errors"
	"testing"

	"docsync/internal/sqlitestore"
	"docsync/internal/store"
	"docsync/internal/testutil"
)

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	blobs := testutil.NewTestBlobStore(t)
	s, err := sqlitestore.Open(":memory:", blobs)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndRead(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{"a":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rev.Generation != 1 {
		t.Errorf("Generation = %d, want 1", rev.Generation)
	}

	got, err := s.Read("doc1", "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.RevID != rev.RevID || !bytes.Equal(got.Body, []byte(`{"a":1}`)) {
		t.Errorf("Read() = %+v, want rev %s with body", got, rev.RevID)
	}
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	s := newStore(t)

	if _, err := s.Create("doc1", []byte(`{}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create("doc1", []byte(`{}`), nil); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Create() duplicate error = %v, want ErrConflict", err)
	}
}

func TestReadMissingDocReturnsNotFound(t *testing.T) {
	s := newStore(t)

	if _, err := s.Read("nope", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAdvancesGeneration(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := s.Update("doc1", rev.RevID, []byte(`{"n":2}`), nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Generation != 2 {
		t.Errorf("Generation = %d, want 2", updated.Generation)
	}
	if updated.ParentRevID != rev.RevID {
		t.Errorf("ParentRevID = %s, want %s", updated.ParentRevID, rev.RevID)
	}

	current, err := s.Read("doc1", "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if current.RevID != updated.RevID {
		t.Errorf("current winner = %s, want %s", current.RevID, updated.RevID)
	}
}

func TestUpdateOnStaleParentIsConflict(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Update("doc1", rev.RevID, []byte(`{"n":2}`), nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := s.Update("doc1", rev.RevID, []byte(`{"n":3}`), nil); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Update() on stale parent error = %v, want ErrConflict", err)
	}
}

func TestDeleteTombstonesLeaf(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tomb, err := s.Delete("doc1", rev.RevID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !tomb.Deleted {
		t.Error("tombstone revision should be Deleted")
	}

	got, err := s.Read("doc1", "")
	if err != nil {
		t.Fatalf("Read() after delete error = %v", err)
	}
	if got.RevID != tomb.RevID || !got.Deleted {
		t.Errorf("Read() after delete = %+v, want deleted winner %s", got, tomb.RevID)
	}
}

func TestDeleteNonLeafIsRejected(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Update("doc1", rev.RevID, []byte(`{"n":2}`), nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := s.Delete("doc1", rev.RevID); !errors.Is(err, store.ErrDeleteNonLeaf) {
		t.Errorf("Delete() on non-leaf error = %v, want ErrDeleteNonLeaf", err)
	}
}

func TestForceInsertCreatesConflictingLeaf(t *testing.T) {
	s := newStore(t)

	_, err := s.Create("doc1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	foreignRevID := "1-foreign"
	if err := s.ForceInsert("doc1", foreignRevID, nil, []byte(`{"n":"foreign"}`), false, nil); err != nil {
		t.Fatalf("ForceInsert() error = %v", err)
	}

	ids, err := s.ConflictedIDs()
	if err != nil {
		t.Fatalf("ConflictedIDs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc1" {
		t.Errorf("ConflictedIDs() = %v, want [doc1]", ids)
	}
}

func TestForceInsertWithoutExistingDocCreatesNewRoot(t *testing.T) {
	s := newStore(t)

	if err := s.ForceInsert("doc1", "1-abc", nil, []byte(`{"n":1}`), false, nil); err != nil {
		t.Fatalf("ForceInsert() error = %v", err)
	}

	got, err := s.Read("doc1", "1-abc")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got.Body, []byte(`{"n":1}`)) {
		t.Errorf("body = %s, want {\"n\":1}", got.Body)
	}
}

func TestResolveConflictsKeepsOnlyChosenLeaf(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	foreignRevID := "1-foreign"
	if err := s.ForceInsert("doc1", foreignRevID, nil, []byte(`{"n":"foreign"}`), false, nil); err != nil {
		t.Fatalf("ForceInsert() error = %v", err)
	}

	updated, err := s.Update("doc1", rev.RevID, []byte(`{"n":2}`), nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := s.ResolveConflicts("doc1", updated.RevID); err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}

	ids, err := s.ConflictedIDs()
	if err != nil {
		t.Fatalf("ConflictedIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ConflictedIDs() = %v, want none", ids)
	}
}

func TestChangesReturnsOrderedEntriesAndLastSeq(t *testing.T) {
	s := newStore(t)

	if _, err := s.Create("doc1", []byte(`{}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create("doc2", []byte(`{}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entries, last, err := s.Changes(0, 10)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].DocID != "doc1" || entries[1].DocID != "doc2" {
		t.Errorf("entries = %+v, want doc1 then doc2", entries)
	}
	if last != entries[1].Sequence {
		t.Errorf("last = %d, want %d", last, entries[1].Sequence)
	}

	empty, lastUnchanged, err := s.Changes(last, 10)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(empty) != 0 || lastUnchanged != last {
		t.Errorf("Changes(since=last) = %v, %d, want none and %d", empty, lastUnchanged, last)
	}
}

func TestChangesIncludesConflictLeaves(t *testing.T) {
	s := newStore(t)

	_, err := s.Create("doc1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	foreignRevID := "1-foreign"
	if err := s.ForceInsert("doc1", foreignRevID, nil, []byte(`{"n":"foreign"}`), false, nil); err != nil {
		t.Fatalf("ForceInsert() error = %v", err)
	}

	entries, _, err := s.Changes(0, 10)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if len(entries[0].Leaves) != 2 {
		t.Errorf("len(Leaves) = %d, want 2", len(entries[0].Leaves))
	}
}

func TestCompactPurgesNonLeafBodies(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Update("doc1", rev.RevID, []byte(`{"n":2}`), nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := s.Compact(); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	old, err := s.Read("doc1", rev.RevID)
	if err != nil {
		t.Fatalf("Read() old revision error = %v", err)
	}
	if len(old.Body) != 0 {
		t.Errorf("old revision body = %s, want empty after compaction", old.Body)
	}

	current, err := s.Read("doc1", "")
	if err != nil {
		t.Fatalf("Read() current error = %v", err)
	}
	if !bytes.Equal(current.Body, []byte(`{"n":2}`)) {
		t.Errorf("current body = %s, want {\"n\":2}", current.Body)
	}
}

func TestDocumentCountExcludesDeleted(t *testing.T) {
	s := newStore(t)

	rev, err := s.Create("doc1", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create("doc2", []byte(`{}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Delete("doc1", rev.RevID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	n, err := s.DocumentCount()
	if err != nil {
		t.Fatalf("DocumentCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DocumentCount() = %d, want 1", n)
	}
}

func TestLocalDocumentLifecycle(t *testing.T) {
	s := newStore(t)

	if err := s.PutLocalDocument("_local/checkpoint", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("PutLocalDocument() error = %v", err)
	}

	got, err := s.GetLocalDocument("_local/checkpoint")
	if err != nil {
		t.Fatalf("GetLocalDocument() error = %v", err)
	}
	if !bytes.Equal(got, []byte(`{"seq":1}`)) {
		t.Errorf("body = %s, want {\"seq\":1}", got)
	}

	if err := s.DeleteLocalDocument("_local/checkpoint"); err != nil {
		t.Fatalf("DeleteLocalDocument() error = %v", err)
	}
	if _, err := s.GetLocalDocument("_local/checkpoint"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetLocalDocument() after delete error = %v, want ErrNotFound", err)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := newStore(t)

	att := store.AttachmentInput{
		Filename:    "note.txt",
		ContentType: "text/plain",
		Data:        bytes.NewReader([]byte("hello")),
	}
	rev, err := s.Create("doc1", []byte(`{}`), []store.AttachmentInput{att})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(rev.Attachments) != 1 {
		t.Fatalf("len(Attachments) = %d, want 1", len(rev.Attachments))
	}
	if rev.Attachments[0].Filename != "note.txt" || rev.Attachments[0].Key == "" {
		t.Errorf("attachment = %+v, want filename note.txt with a digest key", rev.Attachments[0])
	}
}
