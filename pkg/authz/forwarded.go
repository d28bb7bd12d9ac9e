package authz

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atrium-labs/atrium/pkg/cryptoutil"
)

// Forwarded is the authorization for a caller presenting their own bearer
// token. The raw token is held in memory for pass-through to collaborators;
// it is never persisted by the core.
type Forwarded struct {
	base
	token string
}

var _ Authorization = (*Forwarded)(nil)

// ForwardedParams configures NewForwarded.
type ForwardedParams struct {
	// Token is the raw bearer token. Required.
	Token string

	// User, Claims, Scopes, ExpiresAt describe the validated token. Token
	// validation itself is the transport collaborator's job; the core only
	// carries the outcome.
	User      *User
	Claims    Claims
	Scopes    []string
	ExpiresAt time.Time

	// Projections are the capabilities the claims project to.
	Projections Projections
}

// NewForwarded creates a forwarded-bearer authorization.
// The id is the first 32 hex characters of SHA-256 over the token.
func NewForwarded(p ForwardedParams) *Forwarded {
	return &Forwarded{
		base: base{
			id:          TokenID(p.Token),
			user:        p.User,
			claims:      p.Claims,
			scopes:      p.Scopes,
			expiresAt:   p.ExpiresAt,
			projections: p.Projections,
		},
		token: p.Token,
	}
}

// Kind reports the forwarded variant.
func (*Forwarded) Kind() Kind { return KindForwarded }

// GetToken returns the stored bearer token directly.
func (f *Forwarded) GetToken(context.Context, string) (string, error) {
	return f.token, nil
}

// TokenID derives a stable authorization id from a token.
func TokenID(token string) string {
	return cryptoutil.SHA256Hex([]byte(token))[:IDLength]
}

// ClaimsFromJWT extracts standard claims from an already-verified JWT without
// re-verifying the signature. Verification happens at the transport boundary;
// this helper only lifts the payload into the core's claim shape.
func ClaimsFromJWT(token string) (Claims, *User, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, nil, err
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, nil, nil
	}

	claims := Claims{Extra: map[string]any{}}
	if iss, err := mapClaims.GetIssuer(); err == nil {
		claims.Issuer = iss
	}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if aud, err := mapClaims.GetAudience(); err == nil {
		claims.Audience = aud
	}
	for k, v := range mapClaims {
		switch k {
		case "iss", "sub", "aud", "exp", "iat", "nbf":
		default:
			claims.Extra[k] = v
		}
	}

	var user *User
	if claims.Subject != "" {
		user = &User{Subject: claims.Subject}
		if name, ok := mapClaims["name"].(string); ok {
			user.Name = name
		}
		if email, ok := mapClaims["email"].(string); ok {
			user.Email = email
		}
	}
	return claims, user, nil
}
