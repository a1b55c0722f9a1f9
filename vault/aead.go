package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEADVault is a concrete Vault backed by XChaCha20-Poly1305. Each call to
// Encrypt draws a fresh random nonce and prepends it to the ciphertext, so
// Encrypt is position-independent: the same plaintext encrypted twice
// yields different bytes, but always the same length
// (len(plaintext) + nonce + tag), which is what the chunk store's
// length-prefixed framing requires.
type AEADVault struct {
	aead chacha20poly1305.AEAD
}

// NewAEADVault builds a vault from a 32-byte key. Generate one with
// GenerateKey and store it outside the database directory.
func NewAEADVault(key []byte) (*AEADVault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &AEADVault{aead: aead}, nil
}

// GenerateKey returns a new random 32-byte key suitable for NewAEADVault.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (v *AEADVault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, nil), nil
}

func (v *AEADVault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	return v.aead.Open(nil, nonce, sealed, nil)
}
