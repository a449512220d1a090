// Package fieldcrypt encrypts individual text columns at rest.
//
// Encrypt and Decrypt never return errors: on any failure they hand back
// their input unchanged, and empty input stays empty. Every ciphertext gets a
// fresh random nonce, so equal plaintexts do not produce equal ciphertexts.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const prefix = "enc:v1:"

type Cipher interface {
	Encrypt(plaintext string) string
	Decrypt(ciphertext string) string
}

type aesCipher struct {
	aead cipher.AEAD
}

// New returns an AES-256-GCM cipher for a 32 byte key. An empty key gives a
// cipher that passes values through untouched.
func New(key []byte) (Cipher, error) {
	if len(key) == 0 {
		return Passthrough{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}
	return &aesCipher{aead: aead}, nil
}

func (c *aesCipher) Encrypt(plaintext string) string {
	if plaintext == "" || strings.HasPrefix(plaintext, prefix) {
		return plaintext
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return plaintext
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed)
}

func (c *aesCipher) Decrypt(ciphertext string) string {
	if !strings.HasPrefix(ciphertext, prefix) {
		return ciphertext
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return ciphertext
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return ciphertext
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return ciphertext
	}
	return string(plaintext)
}

// Passthrough stores values in the clear.
type Passthrough struct{}

func (Passthrough) Encrypt(s string) string { return s }
func (Passthrough) Decrypt(s string) string { return s }
