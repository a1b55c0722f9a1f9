// Package vault defines the pluggable encryption hook the chunk store wraps
// every chunk payload with, plus one concrete implementation.
//
// The interface must be length-revealing (ciphertext length may differ from
// plaintext, but a given plaintext always yields the same ciphertext length)
// and position-independent (the chunk store computes the CRC over the
// post-encrypt bytes, so encryption can't depend on where the chunk will
// land on disk).
package vault

// Vault encrypts and decrypts chunk payloads before they hit disk.
type Vault interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// None is the default no-op Vault: chunks are stored as plaintext. Used
// when a database is opened without Config.Vault.
type None struct{}

func (None) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (None) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
