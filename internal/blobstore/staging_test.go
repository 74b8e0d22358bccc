package blobstore

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
)

func TestStagingPrepareCommit(t *testing.T) {
	fs := afero.NewMemMapFs()
	staging, err := NewStaging(fs, "/staging")
	if err != nil {
		t.Fatalf("NewStaging() error = %v", err)
	}
	bs, err := New(fs, "/blobs", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	prepared, err := staging.Prepare(bytes.NewReader([]byte("attachment bytes")), "")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	digest, err := prepared.Commit(bs)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !bs.Has(digest) {
		t.Errorf("blob store does not have committed digest %s", digest)
	}
}

func TestStagingPrepareRejectsDigestMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	staging, err := NewStaging(fs, "/staging")
	if err != nil {
		t.Fatalf("NewStaging() error = %v", err)
	}

	_, err = staging.Prepare(bytes.NewReader([]byte("attachment bytes")), "not-the-real-digest")
	if err == nil {
		t.Fatal("Prepare() expected error for digest mismatch, got nil")
	}
}

func TestStagingDiscardRemovesTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	staging, err := NewStaging(fs, "/staging")
	if err != nil {
		t.Fatalf("NewStaging() error = %v", err)
	}

	prepared, err := staging.Prepare(bytes.NewReader([]byte("throwaway")), "")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	prepared.Discard()

	if exists, _ := afero.Exists(fs, prepared.tempPath); exists {
		t.Errorf("expected staged temp file to be removed")
	}
}
