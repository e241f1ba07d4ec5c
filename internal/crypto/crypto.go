// Package crypto encrypts upstream provider credentials at rest.
//
// The cipher key is derived once from the configured secret and salt with
// PBKDF2-SHA256; ciphertexts are AES-256-GCM with a random nonce, encoded
// as base64url for storage in a text column.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	iterations = 480000
)

// ErrInvalidCiphertext is returned when a stored credential cannot be decoded
// or fails authentication.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Cipher encrypts and decrypts deployment credentials.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the cipher key from secret and salt and returns a ready Cipher.
// Derivation is intentionally slow; call once at startup and reuse.
func New(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret must not be empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64url token (nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
