package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// AgeEncryptor encrypts blob content at rest using an age X25519 recipient,
// following the same public-key-encrypts / passphrase-unlocks-private-key
// split the teacher uses for its database snapshot backups. Only the
// recipient (public key) is needed to write; a passphrase-unlocked identity
// is needed to read.
type AgeEncryptor struct {
	recipient age.Recipient
	identity  age.Identity // nil until Unlock is called
}

var _ Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor that can only encrypt until
// Unlock provides a decrypting identity.
func NewAgeEncryptor(recipient age.Recipient) *AgeEncryptor {
	return &AgeEncryptor{recipient: recipient}
}

// Unlock attaches the identity that Decrypt will use.
func (e *AgeEncryptor) Unlock(identity age.Identity) {
	e.identity = identity
}

func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	enc, err := age.Encrypt(w, e.recipient)
	if err != nil {
		return fmt.Errorf("creating age writer: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	return enc.Close()
}

func (e *AgeEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	if e.identity == nil {
		return fmt.Errorf("blob store is locked: no decryption identity configured")
	}
	dec, err := age.Decrypt(r, e.identity)
	if err != nil {
		return fmt.Errorf("creating age reader: %w", err)
	}
	_, err = io.Copy(w, dec)
	return err
}

// GenerateKeyPair creates a new X25519 identity, writes its recipient
// (public key) to pubPath in plaintext, and writes the identity itself to
// privPath encrypted under passphrase using age's scrypt-based passphrase
// recipient, so the private key file alone is useless without it.
func GenerateKeyPair(pubPath, privPath, passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pubPath), 0700); err != nil {
		return fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}

	if err := os.WriteFile(pubPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(privFile, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	return w.Close()
}

// UnlockIdentityFile reads the scrypt-encrypted private key at path and
// decrypts it with passphrase, returning the X25519 identity GenerateKeyPair
// wrote there.
func UnlockIdentityFile(path, passphrase string) (age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	scryptIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), scryptIdentity)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key (wrong passphrase?): %w", err)
	}
	keyData, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted private key: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return identities[0], nil
}
