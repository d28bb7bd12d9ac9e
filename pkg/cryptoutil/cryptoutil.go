// Package cryptoutil provides the cryptographic primitives used by the session
// store and token vault: random identifiers, SHA-256, HMAC-SHA-256, HKDF key
// derivation, AES-256-GCM, and constant-time comparison.
//
// All functions are deterministic for fixed inputs (except the random helpers)
// so different deployments produce byte-identical signatures and ciphertexts
// given the same keys and IVs.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// GCMIVSize is the AES-GCM IV length in bytes.
	GCMIVSize = 12

	// GCMTagSize is the AES-GCM authentication tag length in bytes.
	GCMTagSize = 16

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

// ErrDecryptionFailed is returned when an AES-GCM tag check fails.
// Callers treat this as corruption of the stored blob.
var ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

// RandomUUID returns a new random UUID string.
func RandomUUID() string {
	return uuid.NewString()
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomID returns a fresh 128-bit identifier encoded as 32 hex characters.
// Used for session ids.
func RandomID() (string, error) {
	b, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	return hex.EncodeToString(SHA256(data))
}

// HMACSHA256 returns the HMAC-SHA-256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HKDFSHA256 derives length bytes from ikm using HKDF-SHA-256 with the given
// salt and info.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return out, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM under key and iv,
// returning the ciphertext and the 16-byte authentication tag separately.
// The key must be 32 bytes and the iv 12 bytes.
func EncryptAESGCM(key, plaintext, iv []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != GCMIVSize {
		return nil, nil, fmt.Errorf("iv must be %d bytes, got %d", GCMIVSize, len(iv))
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - GCMTagSize
	return sealed[:split], sealed[split:], nil
}

// DecryptAESGCM decrypts ciphertext produced by EncryptAESGCM, verifying tag.
// Returns ErrDecryptionFailed if the tag does not match.
func DecryptAESGCM(key, ciphertext, iv, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != GCMIVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", GCMIVSize, len(iv))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// TimingSafeEqual compares two byte slices in constant time.
func TimingSafeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes for AES-256, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
