package blobstore

import "io"

// Encryptor optionally wraps blob bytes at rest. When a store's
// Encryption config section is unset, blobstore uses passthroughEncryptor,
// which is a no-op — the on-disk bytes are identical to the raw attachment
// bytes.
type Encryptor interface {
	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error
	// Decrypt reads ciphertext from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}

type passthroughEncryptor struct{}

func (passthroughEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}

func (passthroughEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}
