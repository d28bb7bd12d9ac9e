package approval

import (
	"context"
	"strings"
	"sync"

	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
)

// PolicyMode controls what happens when a tool call falls outside the active
// allowlist.
type PolicyMode string

const (
	// PolicyStrict denies any tool not on the allowlist.
	PolicyStrict PolicyMode = "strict"

	// PolicyApproval asks for an approval before allowing an off-list tool.
	PolicyApproval PolicyMode = "approval"

	// PolicyPermissive allows off-list tools but logs and records each call.
	PolicyPermissive PolicyMode = "permissive"
)

// Decision is the outcome of a tool authorization check.
type Decision struct {
	Allowed          bool
	ToolName         string
	Reason           string
	RequiresApproval bool
}

// ApprovalRequest is handed to the approval callback when an off-list tool
// needs a decision.
type ApprovalRequest struct {
	SessionID string
	UserID    string
	ToolName  string
	SkillID   string
}

// ApprovalCallback resolves an approval request, typically by prompting a
// human. Returning true grants a session-scoped approval.
type ApprovalCallback func(ctx context.Context, req ApprovalRequest) (bool, error)

// Guard enforces the per-session tool allowlist that comes with an active
// skill. Sessions without a policy pass through unchecked; once SetPolicy has
// run for a session, every tool call is resolved against the allowlist, the
// persisted approvals, and the configured policy mode.
type Guard struct {
	mode     PolicyMode
	store    *Store
	callback ApprovalCallback

	mu       sync.RWMutex
	sessions map[string]*sessionPolicy
}

type sessionPolicy struct {
	skillID  string
	allow    map[string]struct{}
	recorded []string
}

// GuardConfig configures NewGuard.
type GuardConfig struct {
	// Mode is the policy mode for off-list tools. Defaults to strict.
	Mode PolicyMode

	// Approvals persists grants. Required for approval mode to make grants
	// stick; optional otherwise.
	Approvals *Store

	// Callback resolves approval requests in approval mode. When nil, off-list
	// calls surface tool_approval_required to the caller.
	Callback ApprovalCallback
}

// NewGuard creates a skill guard.
func NewGuard(cfg GuardConfig) *Guard {
	mode := cfg.Mode
	if mode == "" {
		mode = PolicyStrict
	}
	return &Guard{
		mode:     mode,
		store:    cfg.Approvals,
		callback: cfg.Callback,
		sessions: make(map[string]*sessionPolicy),
	}
}

// Mode returns the configured policy mode.
func (g *Guard) Mode() PolicyMode { return g.mode }

// SetPolicy installs the allowlist for a session, replacing any previous one.
// Tool names are normalized, so "owner:write_file" and "write_file" match.
func (g *Guard) SetPolicy(sessionID, skillID string, allowlist []string) {
	allow := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		allow[NormalizeToolName(name)] = struct{}{}
	}
	g.mu.Lock()
	g.sessions[sessionID] = &sessionPolicy{skillID: skillID, allow: allow}
	g.mu.Unlock()
}

// ClearPolicy removes the in-memory policy for a session. Persisted approvals
// are cleared separately via Store.ClearSessionApprovals.
func (g *Guard) ClearPolicy(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// ActiveSkillID returns the skill bound to the session's policy, if any.
func (g *Guard) ActiveSkillID(sessionID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.sessions[sessionID]
	if !ok {
		return "", false
	}
	return p.skillID, true
}

// RecordedCalls returns the off-list tools allowed under permissive mode for
// the session, in call order.
func (g *Guard) RecordedCalls(sessionID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(p.recorded))
	copy(out, p.recorded)
	return out
}

// CheckParams identifies the tool call being authorized.
type CheckParams struct {
	SessionID string
	UserID    string
	ToolName  string

	// Context narrows matching for context_specific approvals.
	Context string
}

// Check resolves a tool call against the session policy without invoking the
// approval callback. RequiresApproval is set when the call could proceed if an
// approval were granted.
func (g *Guard) Check(ctx context.Context, p CheckParams) (Decision, error) {
	name := NormalizeToolName(p.ToolName)
	d := Decision{ToolName: name}

	g.mu.RLock()
	pol, active := g.sessions[p.SessionID]
	var listed bool
	if active {
		_, listed = pol.allow[name]
	}
	g.mu.RUnlock()

	if !active {
		d.Allowed = true
		d.Reason = "no active policy"
		return d, nil
	}
	if listed {
		d.Allowed = true
		d.Reason = "allowlisted"
		return d, nil
	}

	if g.store != nil {
		ok, err := g.store.IsApproved(ctx, name, p.SessionID, p.UserID, p.Context)
		if err != nil {
			return d, err
		}
		if ok {
			d.Allowed = true
			d.Reason = "previously approved"
			return d, nil
		}
	}

	switch g.mode {
	case PolicyPermissive:
		d.Allowed = true
		d.Reason = "permissive policy"
	case PolicyApproval:
		d.Reason = "approval required"
		d.RequiresApproval = true
	default:
		d.Reason = "not in allowlist"
	}
	return d, nil
}

// Authorize resolves a tool call end to end: it runs Check, drives the
// approval callback when one is configured, persists a granted approval
// session-scoped, and maps denials to typed errors.
func (g *Guard) Authorize(ctx context.Context, p CheckParams) (Decision, error) {
	d, err := g.Check(ctx, p)
	if err != nil {
		return d, err
	}
	if d.Allowed {
		if d.Reason == "permissive policy" {
			g.recordCall(p.SessionID, d.ToolName)
			logger.Warnw("allowing tool outside the active allowlist",
				"session_id", p.SessionID, "tool", d.ToolName)
		}
		return d, nil
	}
	if !d.RequiresApproval {
		return d, errors.NewToolNotAllowedError("tool " + d.ToolName + " is not permitted by the active policy")
	}

	if g.callback == nil {
		return d, errors.NewToolApprovalRequiredError("tool " + d.ToolName + " requires approval")
	}

	skillID, _ := g.ActiveSkillID(p.SessionID)
	granted, err := g.callback(ctx, ApprovalRequest{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		ToolName:  d.ToolName,
		SkillID:   skillID,
	})
	if err != nil {
		return d, err
	}
	if !granted {
		return d, errors.NewToolNotAllowedError("approval for tool " + d.ToolName + " was denied")
	}

	if g.store != nil {
		if _, err := g.store.Grant(ctx, GrantParams{
			ToolID:    d.ToolName,
			Scope:     ScopeSession,
			SessionID: p.SessionID,
			GrantedBy: "callback",
		}); err != nil {
			return d, err
		}
	}
	d.Allowed = true
	d.RequiresApproval = false
	d.Reason = "approved"
	return d, nil
}

func (g *Guard) recordCall(sessionID, tool string) {
	g.mu.Lock()
	if p, ok := g.sessions[sessionID]; ok {
		p.recorded = append(p.recorded, tool)
	}
	g.mu.Unlock()
}

// NormalizeToolName strips an "owner:" qualifier so qualified and bare names
// compare equal. Only the last segment counts.
func NormalizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[i+1:]
	}
	return name
}
