// Package vault provides encrypted storage of per-authorization per-provider
// tokens.
//
// Each authorization gets its own AES-256 key derived from the vault master
// secret via HKDF, so a leaked blob from one authorization cannot be opened
// with another's key. Tokens are sealed with AES-256-GCM; a tag mismatch is
// treated as corruption and the offending blob is deleted on sight.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atrium-labs/atrium/pkg/cryptoutil"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/storage"
)

const (
	// KeyPrefix is the storage namespace for vault records.
	KeyPrefix = "vault:"

	// refreshSuffix distinguishes refresh-token records from access-token records.
	refreshSuffix = ":refresh"

	// keyID tags blobs with the derivation scheme that produced their key.
	keyID = "tokens-v1"

	// minMasterSecretLen is the minimum accepted master secret length.
	minMasterSecretLen = 16
)

// TokenSet is a plaintext token pair handed to StoreTokens.
type TokenSet struct {
	// AccessToken is required.
	AccessToken string

	// RefreshToken is optional.
	RefreshToken string

	// ExpiresAt is when the access token expires. Zero means unknown, in
	// which case the record carries no TTL.
	ExpiresAt time.Time
}

// encBlob is an encrypted token at rest: 12-byte IV, ciphertext, 16-byte tag,
// and the id of the key-derivation scheme.
type encBlob struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ct"`
	Tag        []byte `json:"tag"`
	KeyID      string `json:"keyId"`
}

// accessRecord is the stored access-token record. ExpiresAt rides alongside
// the blob in plaintext so expiry survives migration without decryption.
type accessRecord struct {
	encBlob
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Vault stores encrypted provider tokens on a storage backend.
type Vault struct {
	backend storage.Backend
	master  []byte
}

// New creates a vault. The master secret must be at least 16 bytes and is
// typically supplied from environment or config at startup.
func New(backend storage.Backend, masterSecret []byte) (*Vault, error) {
	if len(masterSecret) < minMasterSecretLen {
		return nil, errors.Newf(errors.CodeStorageConfig,
			"vault master secret must be at least %d bytes", minMasterSecretLen)
	}
	return &Vault{backend: backend, master: masterSecret}, nil
}

// deriveKey derives the per-authorization AES-256 key.
func (v *Vault) deriveKey(authID string) ([]byte, error) {
	return cryptoutil.HKDFSHA256(v.master, []byte(authID), []byte(keyID), cryptoutil.KeySize)
}

func accessKey(authID, providerID string) string {
	return KeyPrefix + authID + ":" + providerID
}

func refreshKey(authID, providerID string) string {
	return accessKey(authID, providerID) + refreshSuffix
}

func (v *Vault) seal(key []byte, plaintext string) (*encBlob, error) {
	iv, err := cryptoutil.RandomBytes(cryptoutil.GCMIVSize)
	if err != nil {
		return nil, err
	}
	ct, tag, err := cryptoutil.EncryptAESGCM(key, []byte(plaintext), iv)
	if err != nil {
		return nil, err
	}
	return &encBlob{IV: iv, Ciphertext: ct, Tag: tag, KeyID: keyID}, nil
}

func (v *Vault) open(key []byte, blob *encBlob) (string, error) {
	plaintext, err := cryptoutil.DecryptAESGCM(key, blob.Ciphertext, blob.IV, blob.Tag)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// StoreTokens encrypts and stores the token set for (authID, providerID).
// The access-token record carries a TTL of ExpiresAt-now when an expiry is
// known; the refresh-token record never expires on its own.
func (v *Vault) StoreTokens(ctx context.Context, authID, providerID string, tokens TokenSet) error {
	if providerID == "" {
		return errors.NewNoProviderIDError("provider id is required")
	}
	if tokens.AccessToken == "" {
		return errors.NewInvalidTokenError("access token is required", nil)
	}
	key, err := v.deriveKey(authID)
	if err != nil {
		return err
	}

	blob, err := v.seal(key, tokens.AccessToken)
	if err != nil {
		return err
	}
	rec := accessRecord{encBlob: *blob}
	var ttl time.Duration
	if !tokens.ExpiresAt.IsZero() {
		rec.ExpiresAt = tokens.ExpiresAt.UnixMilli()
		ttl = time.Until(tokens.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if _, err := v.backend.Set(ctx, accessKey(authID, providerID), data, storage.SetOptions{TTL: ttl}); err != nil {
		return err
	}

	if tokens.RefreshToken == "" {
		return nil
	}
	blob, err = v.seal(key, tokens.RefreshToken)
	if err != nil {
		return err
	}
	data, err = json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh record: %w", err)
	}
	if _, err := v.backend.Set(ctx, refreshKey(authID, providerID), data, storage.SetOptions{}); err != nil {
		return err
	}
	return nil
}

// GetAccessToken decrypts the access token for (authID, providerID).
// Returns "" when absent. A tag failure deletes the blob and reads as absent.
func (v *Vault) GetAccessToken(ctx context.Context, authID, providerID string) (string, error) {
	return v.getToken(ctx, authID, accessKey(authID, providerID))
}

// GetRefreshToken decrypts the refresh token for (authID, providerID).
// Returns "" when absent, with the same corruption handling as access tokens.
func (v *Vault) GetRefreshToken(ctx context.Context, authID, providerID string) (string, error) {
	return v.getToken(ctx, authID, refreshKey(authID, providerID))
}

func (v *Vault) getToken(ctx context.Context, authID, storageKey string) (string, error) {
	data, err := v.backend.Get(ctx, storageKey)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", nil
	}

	var blob encBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		logger.Warnw("deleting malformed vault record", "key", storageKey)
		_, _ = v.backend.Delete(ctx, storageKey)
		return "", nil
	}

	key, err := v.deriveKey(authID)
	if err != nil {
		return "", err
	}
	token, err := v.open(key, &blob)
	if err != nil {
		// Tag mismatch means the blob is corrupt or was written under a
		// different key. Delete it so it cannot poison later reads.
		logger.Warnw("deleting undecryptable vault record", "key", storageKey)
		_, _ = v.backend.Delete(ctx, storageKey)
		return "", nil
	}
	return token, nil
}

// HasTokens reports whether an access-token record exists for (authID, providerID).
func (v *Vault) HasTokens(ctx context.Context, authID, providerID string) (bool, error) {
	return v.backend.Exists(ctx, accessKey(authID, providerID))
}

// DeleteAccessToken removes only the access-token record, keeping the refresh
// token so a later read can still attempt a refresh.
func (v *Vault) DeleteAccessToken(ctx context.Context, authID, providerID string) error {
	_, err := v.backend.Delete(ctx, accessKey(authID, providerID))
	return err
}

// DeleteTokens removes both records for (authID, providerID).
func (v *Vault) DeleteTokens(ctx context.Context, authID, providerID string) error {
	_, err := v.backend.MDelete(ctx, accessKey(authID, providerID), refreshKey(authID, providerID))
	return err
}

// GetProviderIDs lists the providers with stored access tokens for authID.
func (v *Vault) GetProviderIDs(ctx context.Context, authID string) ([]string, error) {
	prefix := KeyPrefix + authID + ":"
	var ids []string
	err := v.backend.Scan(ctx, prefix+"*", func(key string) bool {
		if strings.HasSuffix(key, refreshSuffix) {
			return true
		}
		ids = append(ids, strings.TrimPrefix(key, prefix))
		return true
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MigrateTokens moves every record from fromAuthID to toAuthID. Used when a
// pending federated-login id is promoted to a real authorization id.
//
// Blobs are re-encrypted under the destination key. The move is atomic per
// provider; on partial failure the remaining source records are still
// discoverable and a retry completes the migration.
func (v *Vault) MigrateTokens(ctx context.Context, fromAuthID, toAuthID string) error {
	providerIDs, err := v.GetProviderIDs(ctx, fromAuthID)
	if err != nil {
		return err
	}

	for _, providerID := range providerIDs {
		access, err := v.GetAccessToken(ctx, fromAuthID, providerID)
		if err != nil {
			return err
		}
		if access == "" {
			// Record expired or was corrupt between scan and read.
			_ = v.DeleteTokens(ctx, fromAuthID, providerID)
			continue
		}
		refresh, err := v.GetRefreshToken(ctx, fromAuthID, providerID)
		if err != nil {
			return err
		}

		var expiresAt time.Time
		if raw, err := v.backend.Get(ctx, accessKey(fromAuthID, providerID)); err == nil && raw != nil {
			var rec accessRecord
			if json.Unmarshal(raw, &rec) == nil && rec.ExpiresAt > 0 {
				expiresAt = time.UnixMilli(rec.ExpiresAt)
			}
		}

		if err := v.StoreTokens(ctx, toAuthID, providerID, TokenSet{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    expiresAt,
		}); err != nil {
			return err
		}
		if err := v.DeleteTokens(ctx, fromAuthID, providerID); err != nil {
			return err
		}
	}
	return nil
}
