package testutil

import (
	"testing"

	"github.com/spf13/afero"

	"docsync/internal/blobstore"
	"docsync/internal/store"
)

// NewTestBlobStore creates a FileSystemBlobStore backed by an in-memory
// filesystem, unencrypted.
func NewTestBlobStore(t *testing.T) store.BlobStore {
	t.Helper()
	bs, err := blobstore.New(afero.NewMemMapFs(), "/blobs", nil)
	if err != nil {
		t.Fatalf("creating test blob store: %v", err)
	}
	return bs
}
