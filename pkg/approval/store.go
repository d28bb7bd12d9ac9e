package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atrium-labs/atrium/pkg/cryptoutil"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/storage"
)

const (
	// KeyPrefix namespaces approval records in the storage backend.
	KeyPrefix = "approval:"

	sessionIndexPrefix = "approval:index:session:"
	userIndexPrefix    = "approval:index:user:"
)

// Store persists approval records on a storage backend.
//
// Records live under "approval:{id}". Session- and user-scoped records also
// write an index key ("approval:index:session:{sessionId}:{id}" and the user
// equivalent) so lookups by session or user are a prefix scan rather than a
// scan of every record.
type Store struct {
	backend storage.Backend
}

// NewStore creates an approval store on the given backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// GrantParams describes a grant request.
type GrantParams struct {
	ToolID    string
	Scope     Scope
	SessionID string
	UserID    string
	Context   string

	// TTL bounds a time_limited grant. Ignored for other scopes.
	TTL time.Duration

	GrantedBy string
	Reason    string
	Metadata  map[string]string
}

// Grant creates an approved record and its index entries.
func (s *Store) Grant(ctx context.Context, p GrantParams) (*Record, error) {
	if p.ToolID == "" {
		return nil, fmt.Errorf("approval grant requires a tool id")
	}
	switch p.Scope {
	case ScopeSession:
		if p.SessionID == "" {
			return nil, fmt.Errorf("session-scoped approval requires a session id")
		}
	case ScopeUser:
		if p.UserID == "" {
			return nil, fmt.Errorf("user-scoped approval requires a user id")
		}
	case ScopeTimeLimited:
		if p.TTL <= 0 {
			return nil, fmt.Errorf("time-limited approval requires a positive ttl")
		}
	case ScopeContextSpecific:
		if p.Context == "" {
			return nil, fmt.Errorf("context-specific approval requires a context")
		}
	default:
		return nil, fmt.Errorf("unknown approval scope %q", p.Scope)
	}

	rec := &Record{
		ID:        cryptoutil.RandomUUID(),
		ToolID:    p.ToolID,
		Scope:     p.Scope,
		State:     StateApproved,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Context:   p.Context,
		GrantedAt: time.Now().UnixMilli(),
		GrantedBy: p.GrantedBy,
		Reason:    p.Reason,
		Metadata:  p.Metadata,
	}
	if p.Scope == ScopeTimeLimited {
		rec.TTLMs = p.TTL.Milliseconds()
	}
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record with the given id, or nil if absent or unreadable.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.backend.Get(ctx, KeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warnw("dropping unreadable approval record", "approval_id", id)
		_, _ = s.backend.Delete(ctx, KeyPrefix+id)
		return nil, nil
	}
	return &rec, nil
}

// Query filters approval records.
type Query struct {
	// SessionID and UserID narrow the search via the indices. At least one
	// should normally be set; with neither, every record is scanned.
	SessionID string
	UserID    string

	// ToolID, when set, keeps only records for that tool.
	ToolID string

	// State, when set, keeps only records in that state.
	State State

	// IncludeExpired keeps time-limited records past their expiry.
	IncludeExpired bool
}

// Query returns the records matching q, in unspecified order.
func (s *Store) Query(ctx context.Context, q Query) ([]*Record, error) {
	ids, err := s.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			continue
		}
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		if q.ToolID != "" && rec.ToolID != q.ToolID {
			continue
		}
		if q.State != "" && rec.State != q.State {
			continue
		}
		if !q.IncludeExpired && rec.ExpiredAt(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsApproved reports whether an active approval covers toolID for the given
// session, user, or context. Any one active grant suffices.
func (s *Store) IsApproved(ctx context.Context, toolID, sessionID, userID, callContext string) (bool, error) {
	check := func(q Query) (bool, error) {
		recs, err := s.Query(ctx, q)
		if err != nil {
			return false, err
		}
		now := time.Now()
		for _, rec := range recs {
			if !rec.Active(now) {
				continue
			}
			if rec.Scope == ScopeContextSpecific && rec.Context != callContext {
				continue
			}
			return true, nil
		}
		return false, nil
	}

	if sessionID != "" {
		ok, err := check(Query{SessionID: sessionID, ToolID: toolID, State: StateApproved})
		if ok || err != nil {
			return ok, err
		}
	}
	if userID != "" {
		ok, err := check(Query{UserID: userID, ToolID: toolID, State: StateApproved})
		if ok || err != nil {
			return ok, err
		}
	}
	return false, nil
}

// ToolQuery narrows tool-keyed lookups. Empty fields do not filter.
type ToolQuery struct {
	SessionID string
	UserID    string
}

// GetByTool returns the non-expired approval records for toolID, optionally
// narrowed to a session or user. Revoked records are included so callers can
// inspect the full grant history still on record.
func (s *Store) GetByTool(ctx context.Context, toolID string, q ToolQuery) ([]*Record, error) {
	if toolID == "" {
		return nil, fmt.Errorf("approval lookup requires a tool id")
	}
	return s.Query(ctx, Query{
		ToolID:    toolID,
		SessionID: q.SessionID,
		UserID:    q.UserID,
	})
}

// RevokeByTool revokes every approved record for toolID, optionally narrowed
// to a session or user, and returns how many records were revoked.
func (s *Store) RevokeByTool(ctx context.Context, toolID string, q ToolQuery, revokedBy, reason string) (int, error) {
	if toolID == "" {
		return 0, fmt.Errorf("approval revocation requires a tool id")
	}
	recs, err := s.Query(ctx, Query{
		ToolID:    toolID,
		SessionID: q.SessionID,
		UserID:    q.UserID,
		State:     StateApproved,
	})
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, rec := range recs {
		ok, err := s.Revoke(ctx, rec.ID, revokedBy, reason)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

// Revoke marks the record revoked, reporting whether it existed.
func (s *Store) Revoke(ctx context.Context, id, revokedBy, reason string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		return false, err
	}
	rec.State = StateRevoked
	rec.RevokedAt = time.Now().UnixMilli()
	rec.RevokedBy = revokedBy
	if reason != "" {
		rec.Reason = reason
	}
	if err := s.put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// ClearSessionApprovals removes every approval bound to sessionID and returns
// how many were removed. Approvals for other sessions and user-scoped
// approvals are untouched.
func (s *Store) ClearSessionApprovals(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	prefix := sessionIndexPrefix + sessionID + ":"
	var ids []string
	err := s.backend.Scan(ctx, prefix+"*", func(key string) bool {
		ids = append(ids, key[len(prefix):])
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return removed, err
		}
		// Only drop records that really belong to this session; a stale index
		// entry must not take out someone else's grant.
		if rec != nil && rec.SessionID != sessionID {
			continue
		}
		keys := []string{prefix + id}
		if rec != nil {
			keys = append(keys, s.recordKeys(rec)...)
		}
		if _, err := s.backend.MDelete(ctx, keys...); err != nil {
			return removed, err
		}
		if rec != nil {
			removed++
		}
	}
	return removed, nil
}

// put writes the record and its index entries, sharing the record's TTL so
// indices never outlive what they point at by more than the expiry grace.
func (s *Store) put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		ttl = time.Until(exp)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if _, err := s.backend.Set(ctx, KeyPrefix+rec.ID, data, storage.SetOptions{TTL: ttl}); err != nil {
		return err
	}
	for _, key := range s.indexKeys(rec) {
		if _, err := s.backend.Set(ctx, key, []byte("1"), storage.SetOptions{TTL: ttl}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) indexKeys(rec *Record) []string {
	var keys []string
	if rec.SessionID != "" {
		keys = append(keys, sessionIndexPrefix+rec.SessionID+":"+rec.ID)
	}
	if rec.UserID != "" {
		keys = append(keys, userIndexPrefix+rec.UserID+":"+rec.ID)
	}
	return keys
}

func (s *Store) recordKeys(rec *Record) []string {
	return append([]string{KeyPrefix + rec.ID}, s.indexKeys(rec)...)
}

// candidateIDs narrows the search space using the indices where possible.
func (s *Store) candidateIDs(ctx context.Context, q Query) ([]string, error) {
	scanIDs := func(prefix string) ([]string, error) {
		var ids []string
		err := s.backend.Scan(ctx, prefix+"*", func(key string) bool {
			ids = append(ids, key[len(prefix):])
			return true
		})
		return ids, err
	}

	switch {
	case q.SessionID != "":
		return scanIDs(sessionIndexPrefix + q.SessionID + ":")
	case q.UserID != "":
		return scanIDs(userIndexPrefix + q.UserID + ":")
	default:
		var ids []string
		err := s.backend.Scan(ctx, KeyPrefix+"*", func(key string) bool {
			rest := key[len(KeyPrefix):]
			// Skip index keys; they share the top-level prefix.
			if len(rest) > 6 && rest[:6] == "index:" {
				return true
			}
			ids = append(ids, rest)
			return true
		})
		return ids, err
	}
}
