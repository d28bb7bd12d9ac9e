// Package approval persists grants of tool access and enforces the
// session-scoped tool allowlist (the skill guard).
//
// Approvals are stored under "approval:{id}" with per-session and per-user
// indices so queries don't scan the whole keyspace. The guard layers policy
// modes (strict, approval, permissive) on top of the persisted grants.
package approval

import (
	"time"
)

// Scope is how widely an approval applies.
type Scope string

const (
	// ScopeSession approves a tool for one session.
	ScopeSession Scope = "session"

	// ScopeUser approves a tool for a user across sessions.
	ScopeUser Scope = "user"

	// ScopeTimeLimited approves a tool until GrantedAt+TTL.
	ScopeTimeLimited Scope = "time_limited"

	// ScopeContextSpecific approves a tool for a specific context value.
	ScopeContextSpecific Scope = "context_specific"
)

// State is the lifecycle state of an approval.
type State string

const (
	// StatePending is an approval awaiting a grant decision.
	StatePending State = "pending"

	// StateApproved is an active grant.
	StateApproved State = "approved"

	// StateRevoked is a grant withdrawn by an operator.
	StateRevoked State = "revoked"

	// StateExpired is a time-limited grant past its TTL.
	StateExpired State = "expired"
)

// Record is one persisted approval.
type Record struct {
	ID     string `json:"id"`
	ToolID string `json:"toolId"`
	Scope  Scope  `json:"scope"`
	State  State  `json:"state"`

	// SessionID is set when Scope is "session".
	SessionID string `json:"sessionId,omitempty"`

	// UserID is set when Scope is "user".
	UserID string `json:"userId,omitempty"`

	// Context is set when Scope is "context_specific".
	Context string `json:"context,omitempty"`

	// TTLMs is set when Scope is "time_limited"; the effective expiry is
	// GrantedAt+TTLMs.
	TTLMs int64 `json:"ttlMs,omitempty"`

	GrantedAt int64  `json:"grantedAt,omitempty"`
	GrantedBy string `json:"grantedBy"`

	RevokedAt int64  `json:"revokedAt,omitempty"`
	RevokedBy string `json:"revokedBy,omitempty"`

	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExpiresAt returns the effective expiry for time-limited records, or zero.
func (r *Record) ExpiresAt() time.Time {
	if r.Scope != ScopeTimeLimited || r.TTLMs <= 0 || r.GrantedAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.GrantedAt + r.TTLMs)
}

// ExpiredAt reports whether the record is past its effective expiry at now.
func (r *Record) ExpiredAt(now time.Time) bool {
	exp := r.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Active reports whether the record grants access at now: approved and not
// expired.
func (r *Record) Active(now time.Time) bool {
	return r.State == StateApproved && !r.ExpiredAt(now)
}
