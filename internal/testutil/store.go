package testutil

import (
	"testing"

	"docsync/internal/sqlitestore"
)

// NewTestStore opens an in-memory sqlitestore.Store backed by an in-memory
// blob store. The store is closed automatically when the test completes.
func NewTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()

	blobs := NewTestBlobStore(t)
	s, err := sqlitestore.Open(":memory:", blobs)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
