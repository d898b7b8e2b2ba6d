// Package vault encrypts per-user settings at rest. Every string leaf of
// a settings tree is sealed with AES-256-CBC under a key derived from a
// single server secret and stored as hex "iv:ciphertext".
//
// The vault favors availability: values that do not look like a sealed
// blob decrypt to themselves (legacy plaintext written before encryption
// was enabled), and a vault that cannot encrypt stores plaintext and logs
// a security warning instead of failing the write.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ivSize is the AES block size; the IV is prepended to every blob.
const ivSize = aes.BlockSize

// ErrNotConfigured is reported when the vault has no server secret.
var ErrNotConfigured = errors.New("vault secret not configured")

// Vault seals and opens settings values. A zero-secret Vault is valid
// and degrades to plaintext passthrough.
type Vault struct {
	key    []byte
	logger *slog.Logger
}

// New creates a vault keyed from secret. The key is SHA-256(secret), the
// same for every value; only the random IV differs between blobs.
func New(secret string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{logger: logger}
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		v.key = sum[:]
	}
	return v
}

// Configured reports whether the vault has a key.
func (v *Vault) Configured() bool {
	return v != nil && len(v.key) == 32
}

// Seal encrypts plaintext, returning an error instead of falling back.
func (v *Vault) Seal(plaintext string) (string, error) {
	if !v.Configured() {
		return "", ErrNotConfigured
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Encrypt seals plaintext. If sealing fails the plaintext is returned so
// the caller's write still succeeds; the failure is logged at Warn as a
// security event.
func (v *Vault) Encrypt(plaintext string) string {
	blob, err := v.Seal(plaintext)
	if err != nil {
		v.logger.Warn("vault encryption failed, storing plaintext",
			"security_event", "plaintext_fallback",
			"error", err,
		)
		return plaintext
	}
	return blob
}

// Decrypt opens a blob produced by Encrypt. Input that is not a
// well-formed "iv:ciphertext" pair, or that fails to decrypt under this
// vault's key, is returned unchanged.
func (v *Vault) Decrypt(blob string) string {
	iv, ct, ok := splitBlob(blob)
	if !ok || !v.Configured() {
		return blob
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return blob
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	out, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		v.logger.Debug("vault decrypt failed, treating value as plaintext", "error", err)
		return blob
	}
	return string(out)
}

// IsSealed reports whether s has the shape of a vault blob.
func IsSealed(s string) bool {
	_, _, ok := splitBlob(s)
	return ok
}

// splitBlob parses "hex(iv):hex(ct)". The IV must be exactly one block
// and the ciphertext a non-empty multiple of the block size.
func splitBlob(s string) (iv, ct []byte, ok bool) {
	ivHex, ctHex, found := strings.Cut(s, ":")
	if !found || strings.Contains(ctHex, ":") {
		return nil, nil, false
	}
	if len(ivHex) != ivSize*2 || ctHex == "" {
		return nil, nil, false
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, nil, false
	}
	ct, err = hex.DecodeString(ctHex)
	if err != nil || len(ct)%aes.BlockSize != 0 {
		return nil, nil, false
	}
	return iv, ct, true
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
