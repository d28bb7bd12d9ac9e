package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atrium-labs/atrium/pkg/config"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/runtime"
	"github.com/atrium-labs/atrium/pkg/transport"
)

func newHandlerRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	rt, err := runtime.New(context.Background(), runtime.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func post(t *testing.T, h http.Handler, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) *runtime.ResponseEnvelope {
	t.Helper()
	var resp runtime.ResponseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func TestDispatchHandlerStrictSession(t *testing.T) {
	t.Parallel()

	rt := newHandlerRuntime(t)
	h := dispatchHandler(rt, config.TransportConfig{StrictSession: true, JSONResponse: true})

	// Even public methods need a session id in strict mode.
	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, runtime.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, errors.CodeSessionIDEmpty, resp.Error.Data.Kind)

	// initialize is the one request allowed to arrive without one.
	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`, nil)
	resp = decodeEnvelope(t, rec)
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, rec.Header().Get(transport.SessionIDHeader), "the minted session id is echoed")
}

func TestDispatchHandlerLegacySessionQuery(t *testing.T) {
	t.Parallel()

	rt := newHandlerRuntime(t)
	h := dispatchHandler(rt, config.TransportConfig{Legacy: true, JSONResponse: true})

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	sid := rec.Header().Get(transport.SessionIDHeader)
	require.NotEmpty(t, sid)

	// The session id is accepted from the legacy query parameter.
	rec = post(t, h, "/mcp?session_id="+sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	resp := decodeEnvelope(t, rec)
	assert.Nil(t, resp.Error)

	// The header still wins when both are present.
	rec = post(t, h, "/mcp?session_id=bogus", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, map[string]string{
		transport.SessionIDHeader: sid,
	})
	resp = decodeEnvelope(t, rec)
	assert.Nil(t, resp.Error)
}

func TestDispatchHandlerSSEFraming(t *testing.T) {
	t.Parallel()

	rt := newHandlerRuntime(t)
	h := dispatchHandler(rt, config.TransportConfig{})

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: message\ndata: "), "replies are framed as one event")
	assert.Contains(t, body, `"jsonrpc":"2.0"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestBearerTokenExtraction(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))

	req.Header.Set("Authorization", "bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req), "the scheme is case insensitive")

	req.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, bearerToken(req))
}
