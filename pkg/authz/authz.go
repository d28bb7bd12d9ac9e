// Package authz models who the current caller is and what they may do.
//
// An Authorization is one of three variants: Anonymous (no token presented),
// Forwarded (the caller's bearer token is passed through), and Orchestrated
// (the server federates provider tokens through the vault on the caller's
// behalf). All variants share the capability projections; only their token
// resolution differs.
package authz

import (
	"context"
	"slices"
	"time"
)

// Kind discriminates the authorization variants.
type Kind string

const (
	// KindAnonymous is a session with no token presented.
	KindAnonymous Kind = "anonymous"

	// KindForwarded passes the caller's own bearer token through.
	KindForwarded Kind = "forwarded"

	// KindOrchestrated resolves provider tokens through the vault.
	KindOrchestrated Kind = "orchestrated"
)

// WildcardAll in a projection list authorizes every id of that kind.
const WildcardAll = "*"

// IDLength is the length of a token-derived authorization id
// (the first 32 hex characters of SHA-256 over the token).
const IDLength = 32

// User holds optional identity claims about the caller.
type User struct {
	// Subject is the unique identifier for the principal.
	Subject string `json:"subject,omitempty"`

	// Name is the human-readable name.
	Name string `json:"name,omitempty"`

	// Email is the email address (if available).
	Email string `json:"email,omitempty"`
}

// Claims carries issuer, audience, subject, and arbitrary extra claims.
type Claims struct {
	Issuer   string         `json:"iss,omitempty"`
	Audience []string       `json:"aud,omitempty"`
	Subject  string         `json:"sub,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// AppGrant is the tool set an app authorization carries.
type AppGrant struct {
	ToolIDs []string `json:"toolIds"`
}

// Projections are the capability sets an authorization exposes. A nil slice
// means "none granted"; a slice containing WildcardAll means "all".
type Projections struct {
	ToolIDs     []string
	PromptIDs   []string
	AppIDs      []string
	Resources   []string
	ProviderIDs []string
	Apps        map[string]AppGrant
}

// Authorization is the in-memory object representing the current caller.
type Authorization interface {
	// ID is stable for the authorization lifetime: derived from the token via
	// SHA-256 when one exists, "anon:"+sessionID otherwise.
	ID() string

	// Kind reports the variant.
	Kind() Kind

	// User returns the optional identity claims, or nil.
	User() *User

	// Claims returns the token claims.
	Claims() Claims

	// Scopes returns the granted scope set.
	Scopes() []string

	// ExpiresAt is when the authorization itself expires (zero = no expiry).
	ExpiresAt() time.Time

	// IsToolAuthorized reports whether the caller may invoke toolID.
	IsToolAuthorized(toolID string) bool

	// IsPromptAuthorized reports whether the caller may read promptID.
	IsPromptAuthorized(promptID string) bool

	// IsAppAuthorized reports whether the caller holds a grant for appID.
	IsAppAuthorized(appID string) bool

	// GetAppToolIDs returns the tools granted through appID, or ok=false.
	GetAppToolIDs(appID string) ([]string, bool)

	// AuthorizedResources lists the resource patterns the caller may read.
	AuthorizedResources() []string

	// AuthorizedProviderIDs lists the providers the caller may use.
	AuthorizedProviderIDs() []string

	// GetToken resolves an access token. providerID selects a provider for
	// orchestrated authorizations and is ignored by the other variants
	// (pass "" for the primary provider).
	GetToken(ctx context.Context, providerID string) (string, error)
}

// base carries the state shared by all variants.
type base struct {
	id          string
	user        *User
	claims      Claims
	scopes      []string
	expiresAt   time.Time
	projections Projections
}

func (b *base) ID() string                     { return b.id }
func (b *base) User() *User                    { return b.user }
func (b *base) Claims() Claims                 { return b.claims }
func (b *base) Scopes() []string               { return b.scopes }
func (b *base) ExpiresAt() time.Time           { return b.expiresAt }
func (b *base) AuthorizedResources() []string  { return b.projections.Resources }
func (b *base) AuthorizedProviderIDs() []string {
	return b.projections.ProviderIDs
}

func (b *base) IsToolAuthorized(toolID string) bool {
	return matches(b.projections.ToolIDs, toolID)
}

func (b *base) IsPromptAuthorized(promptID string) bool {
	return matches(b.projections.PromptIDs, promptID)
}

func (b *base) IsAppAuthorized(appID string) bool {
	if matches(b.projections.AppIDs, appID) {
		return true
	}
	_, ok := b.projections.Apps[appID]
	return ok
}

func (b *base) GetAppToolIDs(appID string) ([]string, bool) {
	grant, ok := b.projections.Apps[appID]
	if !ok {
		return nil, false
	}
	return slices.Clone(grant.ToolIDs), true
}

// matches reports whether id is in the projection list, honoring the wildcard.
func matches(list []string, id string) bool {
	return slices.Contains(list, WildcardAll) || slices.Contains(list, id)
}

// HasScope reports whether auth carries the given scope.
func HasScope(auth Authorization, scope string) bool {
	return slices.Contains(auth.Scopes(), scope)
}
