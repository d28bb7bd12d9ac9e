package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/storage"
	"github.com/atrium-labs/atrium/pkg/vault"
)

func newOrchestratedFixture(t *testing.T, params OrchestratedParams) *Orchestrated {
	t.Helper()
	backend := storage.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	v, err := vault.New(backend, []byte("vault-master-secret-0123456789ab"))
	require.NoError(t, err)
	params.TokenVault = v
	return NewOrchestrated(params)
}

func TestGetTokenReturnsUnexpiredVaultToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
	})
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{
		AccessToken: "gho_live",
		ExpiresIn:   time.Hour,
	}))

	got, err := o.GetToken(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "gho_live", got)
}

func TestExpiredTokenTriggersRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
		OnTokenRefresh: func(_ context.Context, providerID, refreshToken string) (*RefreshedTokens, error) {
			calls.Add(1)
			assert.Equal(t, "github", providerID)
			assert.Equal(t, "ghr_old", refreshToken)
			return &RefreshedTokens{
				AccessToken:  "gho_new",
				RefreshToken: "ghr_new",
				ExpiresIn:    time.Hour,
			}, nil
		},
	})

	// Seed with an already-expired access token.
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{
		AccessToken:  "gho_stale",
		RefreshToken: "ghr_old",
		ExpiresIn:    -time.Second,
	}))

	got, err := o.GetToken(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, "gho_new", got)
	assert.Equal(t, int32(1), calls.Load())

	// The vault now holds the rotated pair and the in-memory expiry moved.
	exp, ok := o.ProviderExpiry("github")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	// A second call uses the fresh token without another refresh.
	got, err = o.GetToken(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, "gho_new", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentRefreshIsDeduplicated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
		OnTokenRefresh: func(context.Context, string, string) (*RefreshedTokens, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return &RefreshedTokens{AccessToken: "gho_new", ExpiresIn: time.Hour}, nil
		},
	})
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{
		AccessToken:  "gho_stale",
		RefreshToken: "ghr",
		ExpiresIn:    -time.Second,
	}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := o.GetToken(ctx, "github")
			assert.NoError(t, err)
			assert.Equal(t, "gho_new", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one refresh")
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
		OnTokenRefresh: func(context.Context, string, string) (*RefreshedTokens, error) {
			t.Fatal("refresh must not be called without a refresh token")
			return nil, nil
		},
	})
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{
		AccessToken: "gho_stale",
		ExpiresIn:   -time.Second,
	}))

	_, err := o.GetToken(ctx, "github")
	require.Error(t, err)
	assert.True(t, errors.IsTokenNotAvailable(err))
}

func TestRefreshFailureDeletesAccessTokenKeepsRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	refreshErr := errors.NewInvalidTokenError("provider rejected the refresh token", nil)
	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
		OnTokenRefresh: func(context.Context, string, string) (*RefreshedTokens, error) {
			return nil, refreshErr
		},
	})
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{
		AccessToken:  "gho_stale",
		RefreshToken: "ghr",
		ExpiresIn:    -time.Second,
	}))

	_, err := o.GetToken(ctx, "github")
	require.Error(t, err)
	assert.True(t, errors.IsTokenNotAvailable(err))

	// The refresh token survives for a later retry; the access token is gone.
	v := o.vault
	access, err := v.GetAccessToken(ctx, o.ID(), "github")
	require.NoError(t, err)
	assert.Empty(t, access)
	refresh, err := v.GetRefreshToken(ctx, o.ID(), "github")
	require.NoError(t, err)
	assert.Equal(t, "ghr", refresh)
}

func TestProgressiveAppAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newOrchestratedFixture(t, OrchestratedParams{
		Token:             "tok",
		PrimaryProviderID: "github",
	})

	assert.False(t, o.IsAppAuthorized("slack"))
	assert.False(t, o.IsToolAuthorized("slack:send"))

	require.NoError(t, o.AddAppAuthorization(ctx, "slack",
		[]string{"slack:send", "slack:list"},
		TokenGrant{AccessToken: "xoxb-token", RefreshToken: "xoxr", ExpiresIn: time.Hour}))

	assert.True(t, o.IsAppAuthorized("slack"))
	assert.True(t, o.IsToolAuthorized("slack:send"))
	assert.True(t, o.IsToolAuthorized("slack:list"))
	assert.False(t, o.IsToolAuthorized("slack:admin"))

	tok, err := o.GetAppToken(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-token", tok)

	// The vault key is namespaced under the app provider prefix.
	has, err := o.vault.HasTokens(ctx, o.ID(), "app:slack")
	require.NoError(t, err)
	assert.True(t, has)

	tools, ok := o.GetAppToolIDs("slack")
	require.True(t, ok)
	assert.Equal(t, []string{"slack:send", "slack:list"}, tools)
}

func TestAppReauthorizationReplacesToolList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newOrchestratedFixture(t, OrchestratedParams{Token: "tok"})

	require.NoError(t, o.AddAppAuthorization(ctx, "slack",
		[]string{"slack:send"}, TokenGrant{AccessToken: "t1"}))
	require.NoError(t, o.AddAppAuthorization(ctx, "slack",
		[]string{"slack:list"}, TokenGrant{AccessToken: "t2"}))

	assert.False(t, o.IsToolAuthorized("slack:send"), "replacement drops previously granted tools")
	assert.True(t, o.IsToolAuthorized("slack:list"))

	tok, err := o.GetAppToken(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
}

func TestRemoveProviderAndApp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newOrchestratedFixture(t, OrchestratedParams{Token: "tok"})
	require.NoError(t, o.AddProvider(ctx, "github", TokenGrant{AccessToken: "a"}))
	require.NoError(t, o.AddAppAuthorization(ctx, "slack", []string{"slack:send"}, TokenGrant{AccessToken: "b"}))

	require.NoError(t, o.RemoveProvider(ctx, "github"))
	assert.NotContains(t, o.AuthorizedProviderIDs(), "github")

	require.NoError(t, o.RemoveAppAuthorization(ctx, "slack"))
	assert.False(t, o.IsAppAuthorized("slack"))
	assert.False(t, o.IsToolAuthorized("slack:send"))

	tok, err := o.GetAppToken(ctx, "slack")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestGetAppTokenForUnknownAppIsEmpty(t *testing.T) {
	t.Parallel()

	o := newOrchestratedFixture(t, OrchestratedParams{Token: "tok"})
	tok, err := o.GetAppToken(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, tok)
}
