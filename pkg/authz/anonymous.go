package authz

import (
	"context"

	"github.com/atrium-labs/atrium/pkg/errors"
)

// AnonymousIDPrefix prefixes anonymous authorization ids.
const AnonymousIDPrefix = "anon:"

// Anonymous is the authorization bound to sessions created without a token.
// Its projections are computed by the embedding server from tool annotations:
// tools marked as anonymously accessible land in ToolIDs, everything else is
// denied.
type Anonymous struct {
	base
	sessionID string
}

var _ Authorization = (*Anonymous)(nil)

// AnonymousParams configures NewAnonymous.
type AnonymousParams struct {
	// SessionID derives the authorization id ("anon:"+SessionID).
	SessionID string

	// Scopes are the permissions granted without a token.
	Scopes []string

	// Projections are the anonymously reachable capabilities.
	Projections Projections
}

// NewAnonymous creates the anonymous authorization for a session.
func NewAnonymous(p AnonymousParams) *Anonymous {
	return &Anonymous{
		base: base{
			id:          AnonymousIDPrefix + p.SessionID,
			scopes:      p.Scopes,
			projections: p.Projections,
		},
		sessionID: p.SessionID,
	}
}

// Kind reports the anonymous variant.
func (*Anonymous) Kind() Kind { return KindAnonymous }

// SessionID returns the session this authorization is bound to.
func (a *Anonymous) SessionID() string { return a.sessionID }

// GetToken always fails: anonymous sessions hold no token.
func (*Anonymous) GetToken(context.Context, string) (string, error) {
	return "", errors.NewTokenNotAvailableError("anonymous authorization has no token", nil)
}
