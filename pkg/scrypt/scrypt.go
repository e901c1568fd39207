// Package scrypt loads and generates the keys used for public key
// authentication
package scrypt

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh"
)

// DefaultKeyNames are looked up under ~/.ssh when no key is configured
var DefaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// PassphraseFunc is asked for the passphrase of an encrypted key
type PassphraseFunc func(path string) ([]byte, error)

// DefaultKeyFiles returns the default identity files that exist
func DefaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, name := range DefaultKeyNames {
		p := filepath.Join(home, ".ssh", name)
		if _, sErr := os.Stat(p); sErr == nil {
			files = append(files, p)
		}
	}
	return files
}

// SignerFromFile parses a private key file. Encrypted keys are decrypted
// with the passphrase returned by passphrase, a nil passphrase fails them.
func SignerFromFile(path string, passphrase PassphraseFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == nil {
			return nil, fmt.Errorf("key %s is encrypted", path)
		}
		pass, pErr := passphrase(path)
		if pErr != nil {
			return nil, pErr
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	return signer, nil
}

// SignersFromFiles loads every key in paths, stopping at the first failure
func SignersFromFiles(paths []string, passphrase PassphraseFunc) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		s, err := SignerFromFile(p, passphrase)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, nil
}

// GenerateEd25519Key returns a fresh ed25519 signer
func GenerateEd25519Key() (ssh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privateKey)
}

// WriteEd25519Key generates an ed25519 key and stores it in OpenSSH format
// at path, with the public half at path.pub
func WriteEd25519Key(path string, passphrase []byte) (ssh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var block *pem.Block
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(privateKey, "", passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(privateKey, "")
	}
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(signer.PublicKey()), 0o644); err != nil {
		return nil, err
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of key
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}
