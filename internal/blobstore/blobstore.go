// Package blobstore implements the out-of-scope attachment blob store
// collaborator described in the system overview: content-addressed files
// keyed by the SHA-1 of their raw bytes, plus a prepared-attachment staging
// area that writes an attachment to a temp file and verifies its digest
// before committing it. The replication pull path does not use the staging
// area; it reads streamed attachments into memory.
//
// Storage goes through an afero.Fs (OsFs in production, MemMapFs in tests)
// rather than raw os calls, and optionally through an Encryptor so content
// is encrypted at rest when a store is configured with an encryption key.
package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"docsync/internal/store"
)

// FileSystemBlobStore is the production BlobStore: content-addressed files
// under root/<sha1-hex>, written atomically (temp file + rename), optionally
// encrypted at rest.
type FileSystemBlobStore struct {
	fs        afero.Fs
	root      string
	encryptor Encryptor
}

var _ store.BlobStore = (*FileSystemBlobStore)(nil)

// New creates a FileSystemBlobStore rooted at root on fs. Pass nil for enc
// to store content unencrypted.
func New(fs afero.Fs, root string, enc Encryptor) (*FileSystemBlobStore, error) {
	if enc == nil {
		enc = passthroughEncryptor{}
	}
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating blob store root: %w", err)
	}
	return &FileSystemBlobStore{fs: fs, root: root, encryptor: enc}, nil
}

func (s *FileSystemBlobStore) path(digest string) string {
	return s.root + "/" + digest
}

// countReader counts the bytes read through it.
type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put streams r through the configured encryptor into content-addressed
// storage. The returned digest and length are always computed over the raw
// (plaintext) bytes, regardless of whether encryption is configured.
func (s *FileSystemBlobStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := afero.TempFile(s.fs, s.root, ".tmp-")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			s.fs.Remove(tmpName)
		}
	}()

	h := sha1.New()
	cr := &countReader{r: io.TeeReader(r, h)}

	if err := s.encryptor.Encrypt(cr, tmp); err != nil {
		return "", 0, fmt.Errorf("encrypting blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	destPath := s.path(digest)

	if _, err := s.fs.Stat(destPath); err == nil {
		// Idempotent: the blob already exists under this content address.
		success = true
		s.fs.Remove(tmpName)
		return digest, cr.n, nil
	}

	if err := s.fs.Rename(tmpName, destPath); err != nil {
		return "", 0, fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return digest, cr.n, nil
}

// Get opens a reader for the blob with the given digest, decrypting it on
// the fly if the store is configured with an encryptor.
func (s *FileSystemBlobStore) Get(digest string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("opening blob %s: %w", digest, err)
	}

	pr, pw := io.Pipe()
	go func() {
		err := s.encryptor.Decrypt(f, pw)
		f.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Has reports whether a blob exists under digest.
func (s *FileSystemBlobStore) Has(digest string) bool {
	_, err := s.fs.Stat(s.path(digest))
	return err == nil
}
