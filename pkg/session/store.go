package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/atrium-labs/atrium/pkg/cryptoutil"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/storage"
)

// DefaultTTL is the default idle TTL for sessions.
const DefaultTTL = time.Hour

// StoreConfig configures a Store.
type StoreConfig struct {
	// TTL is the idle TTL applied on create and extended on read.
	// Defaults to DefaultTTL.
	TTL time.Duration

	// SigningSecret enables HMAC-SHA-256 signing of stored blobs when set.
	SigningSecret []byte

	// RateLimit bounds reads per client identifier. Nil disables limiting.
	RateLimit *RateLimitConfig
}

// Store persists session records on a storage backend.
type Store struct {
	backend storage.Backend
	ttl     time.Duration
	secret  []byte
	limiter *readLimiter
}

// NewStore creates a session store on the given backend.
func NewStore(backend storage.Backend, cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var limiter *readLimiter
	if cfg.RateLimit != nil {
		limiter = newReadLimiter(*cfg.RateLimit)
	}
	return &Store{
		backend: backend,
		ttl:     ttl,
		secret:  cfg.SigningSecret,
		limiter: limiter,
	}
}

// AllocID returns a fresh cryptographically random 128-bit session id.
func (*Store) AllocID() (string, error) {
	return cryptoutil.RandomID()
}

// Create stores the record under its id. ttl overrides the configured idle
// TTL when positive; either way the backend TTL never outlives ExpiresAt.
func (s *Store) Create(ctx context.Context, rec *Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return errors.New(errors.CodeSessionIDEmpty, "invalid session record", err)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	ttl = boundTTL(ttl, rec.ExpiresAt, time.Now())

	blob, err := s.encode(rec)
	if err != nil {
		return err
	}
	if _, err := s.backend.Set(ctx, KeyPrefix+rec.ID, blob, storage.SetOptions{TTL: ttl}); err != nil {
		return err
	}
	return nil
}

// GetOptions modifies Get behavior.
type GetOptions struct {
	// ClientIdentifier keys the read rate limit. Falls back to the session id
	// when empty; that prevents per-client flooding but not id enumeration,
	// which the random 128-bit id space addresses.
	ClientIdentifier string
}

// Get loads, verifies, and validates the record for id, extending its TTL.
//
// Absent, tampered, corrupted, and expired sessions all read as nil; tampered,
// corrupted, and expired blobs are deleted on sight. An empty id is a typed
// error and is never sent to the backend.
func (s *Store) Get(ctx context.Context, id string, opts GetOptions) (*Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewSessionIDEmptyError("session id is required")
	}

	if s.limiter != nil {
		limitKey := opts.ClientIdentifier
		if limitKey == "" {
			limitKey = id
		}
		if !s.limiter.allow(limitKey) {
			logger.Warnw("session read rate limit exceeded", "client", limitKey)
			return nil, nil
		}
	}

	key := KeyPrefix + id
	blob, err := s.backend.GetEx(ctx, key, s.ttl)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	rec, ok := s.decode(blob)
	if !ok {
		// Tampered or corrupted blob. Treat as absent and remove it.
		logger.Warnw("removing invalid session blob", "session_id", id)
		if _, derr := s.backend.Delete(ctx, key); derr != nil {
			logger.Errorw("failed to delete invalid session blob", "session_id", id, "error", derr)
		}
		return nil, nil
	}

	now := time.Now()
	if rec.Expired(now) {
		if _, derr := s.backend.Delete(ctx, key); derr != nil {
			logger.Errorw("failed to delete expired session", "session_id", id, "error", derr)
		}
		return nil, nil
	}

	// GetEx extended the backend TTL by the full idle window; shorten it when
	// that would outlive the application-level expiry, which is authoritative.
	if bounded := boundTTL(s.ttl, rec.ExpiresAt, now); bounded < s.ttl {
		if _, err := s.backend.Expire(ctx, key, bounded); err != nil {
			return nil, err
		}
	}

	// Bump lastAccessedAt. The conditional write cannot resurrect a session
	// that a concurrent Delete has already removed.
	rec.LastAccessedAt = now.UnixMilli()
	blob, err = s.encode(rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.backend.Set(ctx, key, blob, storage.SetOptions{
		IfExists: true,
		TTL:      boundTTL(s.ttl, rec.ExpiresAt, now),
	}); err != nil {
		return nil, err
	}

	return rec, nil
}

// Delete removes the session. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewSessionIDEmptyError("session id is required")
	}
	if _, err := s.backend.Delete(ctx, KeyPrefix+id); err != nil {
		return err
	}
	if s.limiter != nil {
		s.limiter.forget(id)
	}
	return nil
}

// Exists reports presence without extending the TTL.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.NewSessionIDEmptyError("session id is required")
	}
	return s.backend.Exists(ctx, KeyPrefix+id)
}

// ForgetLimiter drops in-process rate-limit state for a client identifier.
// Called on session close, typically from a pub/sub invalidation broadcast.
func (s *Store) ForgetLimiter(id string) {
	if s.limiter != nil {
		s.limiter.forget(id)
	}
}

// boundTTL caps ttl so the key never outlives expiresAt (epoch ms).
func boundTTL(ttl time.Duration, expiresAt int64, now time.Time) time.Duration {
	remaining := time.Duration(expiresAt-now.UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		return time.Millisecond
	}
	if ttl > remaining {
		return remaining
	}
	return ttl
}

// encode marshals the record and, when signing is enabled, wraps it as
// base64(body).sig with sig = base64(HMAC-SHA-256(secret, body)).
func (s *Store) encode(rec *Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.New(errors.CodeStorageConfig, "failed to marshal session record", err)
	}
	if len(s.secret) == 0 {
		return body, nil
	}
	sig := cryptoutil.HMACSHA256(s.secret, body)
	signed := base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig)
	return []byte(signed), nil
}

// decode verifies the signature (when enabled) and validates the schema.
// Returns ok=false for anything that should be treated as a corrupt blob.
func (s *Store) decode(blob []byte) (*Record, bool) {
	body := blob
	if len(s.secret) > 0 {
		parts := strings.SplitN(string(blob), ".", 2)
		if len(parts) != 2 {
			return nil, false
		}
		decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, false
		}
		sig, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, false
		}
		expected := cryptoutil.HMACSHA256(s.secret, decoded)
		if !cryptoutil.TimingSafeEqual(sig, expected) {
			return nil, false
		}
		body = decoded
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, false
	}
	if err := rec.Validate(); err != nil {
		return nil, false
	}
	return &rec, true
}
