package scrypt

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Key(t *testing.T) {
	signer, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("Expected an ssh-ed25519 key, got %s", signer.PublicKey().Type())
	}
	fp := Fingerprint(signer.PublicKey())
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("Unexpected fingerprint format %s", fp)
	}
	if fp != Fingerprint(signer.PublicKey()) {
		t.Error("Fingerprint is not stable")
	}
}

func TestSignerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	written, err := WriteEd25519Key(path, nil)
	if err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}

	loaded, err := SignerFromFile(path, nil)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	if !bytes.Equal(written.PublicKey().Marshal(), loaded.PublicKey().Marshal()) {
		t.Error("Loaded key does not match the written one")
	}

	if _, err = SignerFromFile(path+".missing", nil); err == nil {
		t.Error("Expected an error for a missing file")
	}
	if _, err = SignerFromFile(path+".pub", nil); err == nil {
		t.Error("Expected an error for a public key file")
	}
}

func TestEncryptedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if _, err := WriteEd25519Key(path, []byte("hunter2")); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}

	if _, err := SignerFromFile(path, nil); err == nil {
		t.Fatal("Expected an encrypted key to fail without a passphrase")
	}

	asked := 0
	signers, err := SignersFromFiles([]string{path}, func(p string) ([]byte, error) {
		asked++
		if p != path {
			t.Errorf("Asked for the passphrase of %s", p)
		}
		return []byte("hunter2"), nil
	})
	if err != nil {
		t.Fatalf("Failed to load encrypted key: %v", err)
	}
	if len(signers) != 1 || asked != 1 {
		t.Errorf("Expected one signer after one prompt, got %d signers and %d prompts", len(signers), asked)
	}

	denied := errors.New("no passphrase")
	_, err = SignerFromFile(path, func(string) ([]byte, error) { return nil, denied })
	if !errors.Is(err, denied) {
		t.Errorf("Expected the passphrase error, got %v", err)
	}
}
