// Package session persists, retrieves, validates, and expires session records.
//
// Records are stored as JSON blobs under "session:{id}", optionally signed
// with HMAC-SHA-256 so a compromised storage backend cannot forge or alter
// sessions. Reads extend the backend TTL, bounded by the record's own expiry,
// which stays authoritative.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeyPrefix is the storage namespace for session records.
const KeyPrefix = "session:"

// AnonymousAuthorizationPrefix prefixes the sentinel authorization id bound to
// sessions created without a token.
const AnonymousAuthorizationPrefix = "anon:"

// ClientInfo identifies the client that initialized the session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Record is the persisted state of one session.
//
// All timestamps are epoch milliseconds and obey
// CreatedAt <= LastAccessedAt <= ExpiresAt <= MaxLifetimeAt.
type Record struct {
	// ID is the opaque 128-bit session identifier, stable for the lifetime.
	ID string `json:"id"`

	// CreatedAt is when the session was created.
	CreatedAt int64 `json:"createdAt"`

	// LastAccessedAt is bumped by every successful read.
	LastAccessedAt int64 `json:"lastAccessedAt"`

	// ExpiresAt is the idle expiry, authoritative over the backend TTL.
	ExpiresAt int64 `json:"expiresAt"`

	// MaxLifetimeAt is the hard cap past which the session cannot live.
	MaxLifetimeAt int64 `json:"maxLifetimeAt"`

	// AuthorizationID references the authorization bound to this session.
	// Sessions without a token carry the "anon:" sentinel.
	AuthorizationID string `json:"authorizationId"`

	// ClientInfo is what the client declared on initialize.
	ClientInfo ClientInfo `json:"clientInfo"`

	// Capabilities are the client-declared capabilities, opaque to the core.
	Capabilities json.RawMessage `json:"capabilities,omitempty"`

	// AnonymousScopes are the permissions granted when no token was presented.
	AnonymousScopes []string `json:"anonymousScopes,omitempty"`
}

// Validate checks the structural and ordering invariants of the record.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if r.CreatedAt <= 0 {
		return fmt.Errorf("record createdAt is unset")
	}
	if r.LastAccessedAt < r.CreatedAt {
		return fmt.Errorf("lastAccessedAt %d precedes createdAt %d", r.LastAccessedAt, r.CreatedAt)
	}
	if r.ExpiresAt < r.LastAccessedAt {
		return fmt.Errorf("expiresAt %d precedes lastAccessedAt %d", r.ExpiresAt, r.LastAccessedAt)
	}
	if r.MaxLifetimeAt < r.ExpiresAt {
		return fmt.Errorf("maxLifetimeAt %d precedes expiresAt %d", r.MaxLifetimeAt, r.ExpiresAt)
	}
	return nil
}

// Expired reports whether the record is past its idle expiry or max lifetime.
func (r *Record) Expired(now time.Time) bool {
	ms := now.UnixMilli()
	return r.ExpiresAt < ms || r.MaxLifetimeAt < ms
}

// IsAnonymous reports whether the session carries the anonymous sentinel
// authorization.
func (r *Record) IsAnonymous() bool {
	return len(r.AuthorizationID) >= len(AnonymousAuthorizationPrefix) &&
		r.AuthorizationID[:len(AnonymousAuthorizationPrefix)] == AnonymousAuthorizationPrefix
}
