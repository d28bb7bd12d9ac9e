package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := Get()
	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(old) })
	return &buf
}

func TestStructuredOutput(t *testing.T) {
	buf := captureLogs(t)

	Infow("session created", "session_id", "abc123", "auth_mode", "public")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "abc123", entry["session_id"])
	assert.Equal(t, "public", entry["auth_mode"])
}

func TestFormattedOutput(t *testing.T) {
	buf := captureLogs(t)

	Debugf("extending TTL for %s by %ds", "sess-1", 60)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "extending TTL for sess-1 by 60s", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
}

func TestSetAndGetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	old := Get()
	defer Set(old)

	Set(l)
	assert.Same(t, l, Get())
}
