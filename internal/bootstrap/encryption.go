package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/Xkonti/crude-functions-core/internal/data/cryptoutil"
)

// CreateEncryptor builds the envelope encryptor that seals job payloads
// before they are persisted. A 64-character hex key is used as raw AES-256
// key material; any other non-empty key is stretched through SHA-256. An
// empty key yields the noop encryptor so local setups run without secrets,
// with a warning because stored payloads stay readable.
//
//nolint:ireturn // Returning interface is intentional for encryptor abstraction
func CreateEncryptor(key string, logger *slog.Logger) cryptoutil.Encryptor {
	if key == "" {
		if logger != nil {
			logger.Warn("payload encryption key is empty, job payloads will be stored in plaintext")
		}
		return &cryptoutil.NoopEncryptor{}
	}

	enc, err := cryptoutil.NewAESGCMEncryptor(keyMaterial(key))
	if err != nil {
		if logger != nil {
			logger.Warn("failed to create payload encryptor, falling back to noop", "error", err)
		}
		return &cryptoutil.NoopEncryptor{}
	}
	return enc
}

// keyMaterial derives a 32-byte AES key from the configured secret.
func keyMaterial(key string) []byte {
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		return decoded
	}
	hash := sha256.Sum256([]byte(key))
	return hash[:]
}
