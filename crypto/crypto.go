// Package crypto seals session tokens at rest. Tokens written to the settings
// store are encrypted with AES-256-GCM when an ENCRYPTION_KEY is configured and
// carry a version prefix so plaintext values written before encryption was
// enabled stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a value produced by SealString.
const SealedPrefix = "enc:v1:"

// ErrNoKey is returned when a sealed value is read without a configured key.
var ErrNoKey = errors.New("crypto: value is sealed but no encryption key is configured")

// Encryptor is an authenticated cipher for small secrets.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM. Output layout is
// nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor builds an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// do not leak the underlying cipher error
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// IsSealed reports whether s was produced by SealString.
func IsSealed(s string) bool { return strings.HasPrefix(s, SealedPrefix) }

// SealString encrypts s and returns it prefixed with SealedPrefix. Empty input
// stays empty.
func SealString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString. Values without the prefix are returned
// unchanged. A nil enc is allowed as long as s is not sealed.
func OpenString(enc Encryptor, s string) (string, error) {
	if !IsSealed(s) {
		return s, nil
	}
	if enc == nil {
		return "", ErrNoKey
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
