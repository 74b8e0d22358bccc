package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Staging is the prepared-attachment staging area: an attachment stream is
// written here first, its digest verified, and only then moved into the
// content-addressed tree via Commit. The replication pull path does not
// route attachments through it. This mirrors the
// teacher's staging-area discipline (write, re-verify, only then record) but
// operates on a single attachment rather than a queue of files, since the
// replication engine itself owns batching.
type Staging struct {
	fs  afero.Fs
	dir string
}

// NewStaging creates a Staging area rooted at dir on fs.
func NewStaging(fs afero.Fs, dir string) (*Staging, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Staging{fs: fs, dir: dir}, nil
}

// Prepared is a staged attachment awaiting Commit or Discard.
type Prepared struct {
	staging  *Staging
	tempPath string
	digest   string
	length   int64
}

// Digest returns the SHA-1 hex digest computed while staging.
func (p *Prepared) Digest() string { return p.digest }

// Length returns the raw byte length computed while staging.
func (p *Prepared) Length() int64 { return p.length }

// Prepare streams r into a staging temp file, computing its SHA-1 digest.
// If expectedDigest is non-empty, Prepare returns an error if the computed
// digest doesn't match, so a corrupted stream is caught before it is
// committed.
func (s *Staging) Prepare(r io.Reader, expectedDigest string) (*Prepared, error) {
	tmp, err := afero.TempFile(s.fs, s.dir, ".staged-")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	tmpName := tmp.Name()

	h := sha1.New()
	n, err := io.Copy(tmp, io.TeeReader(r, h))
	closeErr := tmp.Close()
	if err != nil {
		s.fs.Remove(tmpName)
		return nil, fmt.Errorf("staging attachment: %w", err)
	}
	if closeErr != nil {
		s.fs.Remove(tmpName)
		return nil, fmt.Errorf("closing staging file: %w", closeErr)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if expectedDigest != "" && digest != expectedDigest {
		s.fs.Remove(tmpName)
		return nil, fmt.Errorf("attachment digest mismatch: expected %s, got %s", expectedDigest, digest)
	}

	return &Prepared{staging: s, tempPath: tmpName, digest: digest, length: n}, nil
}

// Commit moves the staged content into dst (a BlobStore), returning the
// digest it was filed under. The staging temp file is always removed,
// whether or not dst already had this content.
func (p *Prepared) Commit(dst *FileSystemBlobStore) (string, error) {
	defer p.staging.fs.Remove(p.tempPath)

	f, err := p.staging.fs.Open(p.tempPath)
	if err != nil {
		return "", fmt.Errorf("reopening staged attachment: %w", err)
	}
	defer f.Close()

	digest, _, err := dst.Put(f)
	if err != nil {
		return "", fmt.Errorf("committing staged attachment: %w", err)
	}
	return digest, nil
}

// Discard removes the staged temp file without committing it.
func (p *Prepared) Discard() {
	p.staging.fs.Remove(p.tempPath)
}
