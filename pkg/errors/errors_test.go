package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("dial tcp: connection refused")
	err := NewStorageConnectionError("redis ping failed", cause)

	assert.Equal(t, "storage_connection: redis ping failed: dial tcp: connection refused", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))

	noCause := NewSessionIDEmptyError("session id is required")
	assert.Equal(t, "session_id_empty: session id is required", noCause.Error())
}

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	inner := NewTokenNotAvailableError("no refresh token for provider github", nil)
	wrapped := fmt.Errorf("resolving token: %w", inner)

	assert.Equal(t, CodeTokenNotAvailable, CodeOf(wrapped))
	assert.True(t, IsTokenNotAvailable(wrapped))
	assert.False(t, IsToolNotAllowed(wrapped))
}

func TestCodeOfForeignError(t *testing.T) {
	t.Parallel()

	assert.Empty(t, CodeOf(stderrors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

func TestPredicatesMatchOnlyTheirCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  *Error
		code string
		pred func(error) bool
	}{
		{NewSessionIDEmptyError("x"), CodeSessionIDEmpty, IsSessionIDEmpty},
		{NewSessionExpiredError("x"), CodeSessionExpired, IsSessionExpired},
		{NewSessionRateLimitedError("x"), CodeSessionRateLimited, IsSessionRateLimited},
		{NewInvalidTokenError("x", nil), CodeInvalidToken, IsInvalidToken},
		{NewNoProviderIDError("x"), CodeNoProviderID, IsNoProviderID},
		{NewTokenStoreRequiredError("x"), CodeTokenStoreRequired, IsTokenStoreRequired},
		{NewTokenNotAvailableError("x", nil), CodeTokenNotAvailable, IsTokenNotAvailable},
		{NewToolNotAllowedError("x"), CodeToolNotAllowed, IsToolNotAllowed},
		{NewToolApprovalRequiredError("x"), CodeToolApprovalRequired, IsToolApprovalRequired},
		{NewFlowNotFoundError("x"), CodeFlowNotFound, IsFlowNotFound},
		{NewFlowCancelledError("x", nil), CodeFlowCancelled, IsFlowCancelled},
		{NewStorageConnectionError("x", nil), CodeStorageConnection, IsStorageConnection},
		{NewStorageConfigError("x", nil), CodeStorageConfig, IsStorageConfig},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.code, tc.err.Code)
			assert.True(t, tc.pred(tc.err))
			// Each predicate must reject every other code.
			for _, other := range cases {
				if other.code == tc.code {
					continue
				}
				assert.False(t, tc.pred(other.err), "predicate for %s matched %s", tc.code, other.code)
			}
		})
	}
}
