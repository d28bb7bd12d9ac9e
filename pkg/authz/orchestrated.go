package authz

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/vault"
)

// AppProviderPrefix namespaces app-scoped grants inside the vault, so an app
// grant for "slack" is stored under provider id "app:slack".
const AppProviderPrefix = "app:"

// ProviderState is the in-memory snapshot of one provider's tokens. Raw
// tokens stay in the vault; only the expiry is mirrored here.
type ProviderState struct {
	// ExpiresAt is when the provider's access token expires (zero = unknown).
	ExpiresAt time.Time
}

// RefreshedTokens is what a refresh callback returns on success.
type RefreshedTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// RefreshFunc exchanges a refresh token for a fresh token pair.
type RefreshFunc func(ctx context.Context, providerID, refreshToken string) (*RefreshedTokens, error)

// TokenGrant is a plaintext token pair handed to the progressive
// authorization operations.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Orchestrated is the authorization for federated OAuth: the server holds
// provider tokens in the vault and resolves them on demand, refreshing
// expired access tokens through the configured callback. Tokens are never
// inlined into the authorization object.
type Orchestrated struct {
	base

	vault             *vault.Vault
	onRefresh         RefreshFunc
	primaryProviderID string

	// explicitProviderIDs, when non-nil, is authoritative over the set
	// derived from provider states.
	explicitProviderIDs []string

	mu        sync.RWMutex
	providers map[string]ProviderState
	// apps is the progressively authorized app map. Guarded by mu; concurrent
	// grants for the same app id replace each other (last writer wins).
	apps map[string]AppGrant

	refreshGroup singleflight.Group
}

var _ Authorization = (*Orchestrated)(nil)

// OrchestratedParams configures NewOrchestrated.
type OrchestratedParams struct {
	// Token is the caller-facing token the authorization id derives from.
	Token string

	User      *User
	Claims    Claims
	Scopes    []string
	ExpiresAt time.Time

	// PrimaryProviderID is used by GetToken when no provider id is given.
	PrimaryProviderID string

	// Providers seeds the in-memory provider snapshots.
	Providers map[string]ProviderState

	// TokenVault resolves and stores provider tokens. Required for any
	// token operation.
	TokenVault *vault.Vault

	// OnTokenRefresh exchanges refresh tokens for new pairs.
	OnTokenRefresh RefreshFunc

	Projections Projections

	// AuthorizedProviderIDs, when non-nil, overrides the provider set
	// derived from Providers.
	AuthorizedProviderIDs []string
}

// NewOrchestrated creates an orchestrated authorization.
func NewOrchestrated(p OrchestratedParams) *Orchestrated {
	providers := make(map[string]ProviderState, len(p.Providers))
	for id, st := range p.Providers {
		providers[id] = st
	}
	apps := make(map[string]AppGrant, len(p.Projections.Apps))
	for id, grant := range p.Projections.Apps {
		apps[id] = AppGrant{ToolIDs: slices.Clone(grant.ToolIDs)}
	}
	return &Orchestrated{
		base: base{
			id:          TokenID(p.Token),
			user:        p.User,
			claims:      p.Claims,
			scopes:      p.Scopes,
			expiresAt:   p.ExpiresAt,
			projections: p.Projections,
		},
		vault:               p.TokenVault,
		onRefresh:           p.OnTokenRefresh,
		primaryProviderID:   p.PrimaryProviderID,
		explicitProviderIDs: p.AuthorizedProviderIDs,
		providers:           providers,
		apps:                apps,
	}
}

// Kind reports the orchestrated variant.
func (*Orchestrated) Kind() Kind { return KindOrchestrated }

// AuthorizedProviderIDs returns the explicit provider list when one was
// given, otherwise the ids derived from the current provider states.
func (o *Orchestrated) AuthorizedProviderIDs() []string {
	if o.explicitProviderIDs != nil {
		return o.explicitProviderIDs
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.providers))
	for id := range o.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsAppAuthorized also consults the progressively granted app map.
func (o *Orchestrated) IsAppAuthorized(appID string) bool {
	o.mu.RLock()
	_, granted := o.apps[appID]
	o.mu.RUnlock()
	return granted || o.base.IsAppAuthorized(appID)
}

// IsToolAuthorized extends the static projection with tools granted through
// progressively authorized apps, so a fresh app grant is visible immediately.
func (o *Orchestrated) IsToolAuthorized(toolID string) bool {
	if o.base.IsToolAuthorized(toolID) {
		return true
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, grant := range o.apps {
		if slices.Contains(grant.ToolIDs, toolID) {
			return true
		}
	}
	return false
}

// GetAppToolIDs also consults the progressive app map.
func (o *Orchestrated) GetAppToolIDs(appID string) ([]string, bool) {
	o.mu.RLock()
	grant, ok := o.apps[appID]
	o.mu.RUnlock()
	if ok {
		return slices.Clone(grant.ToolIDs), true
	}
	return o.base.GetAppToolIDs(appID)
}

// GetToken resolves an access token for providerID (or the primary provider
// when empty), refreshing through the vault when the cached token is expired.
// Concurrent calls for the same provider share one refresh.
func (o *Orchestrated) GetToken(ctx context.Context, providerID string) (string, error) {
	if o.vault == nil {
		return "", errors.NewTokenStoreRequiredError("orchestrated authorization has no token vault")
	}
	if providerID == "" {
		providerID = o.primaryProviderID
	}
	if providerID == "" {
		return "", errors.NewNoProviderIDError("no provider id given and no primary provider configured")
	}

	o.mu.RLock()
	state, known := o.providers[providerID]
	o.mu.RUnlock()

	// An unknown provider (e.g. tokens migrated in from a pending login) is
	// treated as unexpired: the vault record's own TTL is the arbiter.
	if !known || state.ExpiresAt.IsZero() || time.Now().Before(state.ExpiresAt) {
		token, err := o.vault.GetAccessToken(ctx, o.id, providerID)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		// The vault record expired or was corrupt; fall through to refresh.
	}

	return o.refresh(ctx, providerID)
}

// refresh exchanges the stored refresh token for a new pair, updating the
// vault and the in-memory expiry together. Deduplicated per provider id.
func (o *Orchestrated) refresh(ctx context.Context, providerID string) (string, error) {
	token, err, _ := o.refreshGroup.Do(providerID, func() (any, error) {
		refreshToken, err := o.vault.GetRefreshToken(ctx, o.id, providerID)
		if err != nil {
			return "", err
		}
		if refreshToken == "" {
			return "", errors.NewTokenNotAvailableError(
				fmt.Sprintf("no refresh token for provider %s", providerID), nil)
		}
		if o.onRefresh == nil {
			return "", errors.NewTokenNotAvailableError(
				fmt.Sprintf("token for provider %s is expired and no refresh callback is configured", providerID), nil)
		}

		refreshed, err := o.onRefresh(ctx, providerID, refreshToken)
		if err != nil {
			// Drop the stale access token but keep the refresh token so a
			// later attempt can still succeed.
			if derr := o.vault.DeleteAccessToken(ctx, o.id, providerID); derr != nil {
				logger.Errorw("failed to delete stale access token",
					"provider_id", providerID, "error", derr)
			}
			return "", errors.NewTokenNotAvailableError(
				fmt.Sprintf("refresh for provider %s failed", providerID), err)
		}

		newRefresh := refreshed.RefreshToken
		if newRefresh == "" {
			newRefresh = refreshToken
		}
		var expiresAt time.Time
		if refreshed.ExpiresIn > 0 {
			expiresAt = time.Now().Add(refreshed.ExpiresIn)
		}
		if err := o.vault.StoreTokens(ctx, o.id, providerID, vault.TokenSet{
			AccessToken:  refreshed.AccessToken,
			RefreshToken: newRefresh,
			ExpiresAt:    expiresAt,
		}); err != nil {
			return "", err
		}

		o.mu.Lock()
		o.providers[providerID] = ProviderState{ExpiresAt: expiresAt}
		o.mu.Unlock()

		logger.Debugw("refreshed provider token", "provider_id", providerID)
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// AddProvider stores a token grant for providerID and registers the provider
// in the in-memory map, making it usable by subsequent GetToken calls.
func (o *Orchestrated) AddProvider(ctx context.Context, providerID string, grant TokenGrant) error {
	if o.vault == nil {
		return errors.NewTokenStoreRequiredError("cannot add a provider without a token vault")
	}
	if providerID == "" {
		return errors.NewNoProviderIDError("provider id is required")
	}

	var expiresAt time.Time
	if grant.ExpiresIn > 0 {
		expiresAt = time.Now().Add(grant.ExpiresIn)
	}
	if err := o.vault.StoreTokens(ctx, o.id, providerID, vault.TokenSet{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    expiresAt,
	}); err != nil {
		return err
	}

	o.mu.Lock()
	o.providers[providerID] = ProviderState{ExpiresAt: expiresAt}
	o.mu.Unlock()
	return nil
}

// RemoveProvider deletes the provider's tokens and in-memory state.
func (o *Orchestrated) RemoveProvider(ctx context.Context, providerID string) error {
	if o.vault == nil {
		return errors.NewTokenStoreRequiredError("cannot remove a provider without a token vault")
	}
	if err := o.vault.DeleteTokens(ctx, o.id, providerID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.providers, providerID)
	o.mu.Unlock()
	return nil
}

// AddAppAuthorization grants the app and its tools mid-session. Tokens are
// stored under the "app:"-prefixed provider id; the granted tools become
// immediately visible to IsToolAuthorized. A second grant for the same app
// replaces the first, tool list included.
func (o *Orchestrated) AddAppAuthorization(ctx context.Context, appID string, toolIDs []string, grant TokenGrant) error {
	if o.vault == nil {
		return errors.NewTokenStoreRequiredError("cannot authorize an app without a token vault")
	}
	if appID == "" {
		return errors.NewNoProviderIDError("app id is required")
	}

	if err := o.AddProvider(ctx, AppProviderPrefix+appID, grant); err != nil {
		return err
	}

	o.mu.Lock()
	o.apps[appID] = AppGrant{ToolIDs: slices.Clone(toolIDs)}
	o.mu.Unlock()

	logger.Infow("app authorization added", "app_id", appID, "tool_count", len(toolIDs))
	return nil
}

// GetAppToken returns the app-scoped access token, or "" when the app holds
// no grant.
func (o *Orchestrated) GetAppToken(ctx context.Context, appID string) (string, error) {
	if o.vault == nil {
		return "", errors.NewTokenStoreRequiredError("cannot resolve an app token without a token vault")
	}
	return o.vault.GetAccessToken(ctx, o.id, AppProviderPrefix+appID)
}

// RemoveAppAuthorization revokes an app grant and its tokens.
func (o *Orchestrated) RemoveAppAuthorization(ctx context.Context, appID string) error {
	if err := o.RemoveProvider(ctx, AppProviderPrefix+appID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.apps, appID)
	o.mu.Unlock()
	return nil
}

// ProviderExpiry returns the in-memory expiry snapshot for a provider.
func (o *Orchestrated) ProviderExpiry(providerID string) (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.providers[providerID]
	return st.ExpiresAt, ok
}
