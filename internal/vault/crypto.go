// Package vault resolves (project, service) pairs to decrypted API keys.
//
// Ciphertext at rest is base64(iv_12 ‖ ciphertext ‖ tag_16) under the
// process-wide AES-256-GCM master key. Decrypted material is scoped to a
// single request and zeroed on release.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// KeyVersion tags stored ciphertext with the master key that sealed it.
// Rotation happens out of band; the gateway only ever holds one key.
const KeyVersion = "v1"

const gcmIVSize = 12

// Crypto seals and opens vault secrets with the master key loaded once at
// startup. The key is read-only after construction.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto parses the 64-hex-char master key and prepares the AEAD.
func NewCrypto(masterKeyHex string) (*Crypto, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("master key cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("master key gcm: %w", err)
	}

	return &Crypto{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random IV and returns the base64
// blob stored in the secrets table.
func (c *Crypto) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("iv generation: %w", err)
	}

	sealed := c.aead.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored blob. A tag mismatch or malformed blob means the
// row is corrupt or was sealed under a different key.
func (c *Crypto) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	if len(raw) < gcmIVSize+c.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short (%d bytes)", len(raw))
	}

	iv, sealed := raw[:gcmIVSize], raw[gcmIVSize:]
	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
