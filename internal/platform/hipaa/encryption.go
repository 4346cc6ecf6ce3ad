package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// FieldCipher seals free-text clinical content before it is written to the
// database. The associated data binds a ciphertext to the row it belongs to,
// so a value copied into another row fails to open.
type FieldCipher interface {
	Seal(plaintext, associated string) (string, error)
	Open(ciphertext, associated string) (string, error)
	Enabled() bool
}

// NewFieldCipher returns an AES-256-GCM cipher for a 32-byte key, or a
// passthrough cipher when key is empty.
func NewFieldCipher(key []byte) (FieldCipher, error) {
	if len(key) == 0 {
		return plaintextCipher{}, nil
	}
	return NewPHIEncryptor(key)
}

// PHIEncryptor provides AES-256-GCM field-level encryption and decryption for PHI data.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

func (e *PHIEncryptor) Enabled() bool { return true }

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (e *PHIEncryptor) Seal(plaintext, associated string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi seal: generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The associated data must match the value used to seal.
func (e *PHIEncryptor) Open(ciphertext, associated string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi open: base64 decode: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("phi open: ciphertext too short")
	}

	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, body, []byte(associated))
	if err != nil {
		return "", fmt.Errorf("phi open: %w", err)
	}
	return string(plaintext), nil
}

// plaintextCipher is used when no key is configured (local development).
type plaintextCipher struct{}

func (plaintextCipher) Seal(plaintext, _ string) (string, error) { return plaintext, nil }
func (plaintextCipher) Open(stored, _ string) (string, error)    { return stored, nil }
func (plaintextCipher) Enabled() bool                            { return false }
