// Package cryptoutil seals job payloads into self-describing envelopes. An
// envelope is a version prefix plus base64 data, so the stored column stays
// printable and future key or algorithm rotations need no data migration.
package cryptoutil

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

// Encryptor seals and opens job payload envelopes.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

const (
	cipherPrefixV1 = "v1:"
	noopPrefix     = "noop:"
)

// AESGCMEncryptor produces v1 envelopes: AES-256-GCM over the payload with a
// random nonce, stored as nonce||ciphertext.
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

// NewAESGCMEncryptor constructs an encryptor from 32 bytes of key material.
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-gcm key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext into a v1 envelope.
func (e *AESGCMEncryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return cipherPrefixV1 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope created by Encrypt. Noop envelopes still open,
// covering payloads written before an encryption key was configured.
func (e *AESGCMEncryptor) Decrypt(ciphertext string) ([]byte, error) {
	if strings.HasPrefix(ciphertext, noopPrefix) {
		return NoopEncryptor{}.Decrypt(ciphertext)
	}

	b64, ok := strings.CutPrefix(ciphertext, cipherPrefixV1)
	if !ok {
		return nil, fmt.Errorf("unknown ciphertext version (prefix: %s)", envelopePrefix(ciphertext))
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
}

// envelopePrefix truncates a malformed envelope for error messages without
// leaking the whole payload.
func envelopePrefix(ciphertext string) string {
	const maxLen = 10
	if len(ciphertext) > maxLen {
		return ciphertext[:maxLen]
	}
	return ciphertext
}

// NoopEncryptor stores plaintext behind a marker prefix. Used when no
// encryption key is configured and throughout the tests.
type NoopEncryptor struct{}

// Encrypt wraps plaintext in a noop envelope.
func (NoopEncryptor) Encrypt(plaintext []byte) (string, error) {
	return noopPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
}

// Decrypt opens a noop envelope.
func (NoopEncryptor) Decrypt(ciphertext string) ([]byte, error) {
	b64, ok := strings.CutPrefix(ciphertext, noopPrefix)
	if !ok {
		return nil, errors.New("invalid noop ciphertext")
	}
	return base64.StdEncoding.DecodeString(b64)
}
