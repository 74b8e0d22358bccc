package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestUnlockIdentityFileRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	pub := filepath.Join(dir, "docsync.pub")
	priv := filepath.Join(dir, "docsync.key")

	if err := GenerateKeyPair(pub, priv, "correct-passphrase"); err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if _, err := UnlockIdentityFile(priv, "wrong-passphrase"); err == nil {
		t.Fatal("UnlockIdentityFile() with wrong passphrase: expected error, got nil")
	}
}

func TestEncryptWithGeneratedKeyPairRoundTrips(t *testing.T) {
	dir := t.TempDir()
	pub := filepath.Join(dir, "docsync.pub")
	priv := filepath.Join(dir, "docsync.key")

	if err := GenerateKeyPair(pub, priv, "the-passphrase"); err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	pubData, err := os.ReadFile(pub)
	if err != nil {
		t.Fatalf("reading public key: %v", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		t.Fatalf("parsing recipients: %v", err)
	}

	enc := NewAgeEncryptor(recipients[0])
	var ciphertext bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader([]byte("top secret")), &ciphertext); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	identity, err := UnlockIdentityFile(priv, "the-passphrase")
	if err != nil {
		t.Fatalf("UnlockIdentityFile() error = %v", err)
	}
	enc.Unlock(identity)

	var plaintext bytes.Buffer
	if err := enc.Decrypt(bytes.NewReader(ciphertext.Bytes()), &plaintext); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext.String() != "top secret" {
		t.Errorf("plaintext = %q, want %q", plaintext.String(), "top secret")
	}
}
