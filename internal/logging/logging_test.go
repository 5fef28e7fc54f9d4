package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONToConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "app.log")

	l, err := newLogger(Config{Level: "info", Format: "json", File: file, MaxSizeMB: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("query processed", zap.String("session_id", "s-1"))
	l.Debug("hidden")
	require.NoError(t, l.Close())

	assert.Contains(t, buf.String(), `"message":"query processed"`)
	assert.Contains(t, buf.String(), `"session_id":"s-1"`)
	assert.NotContains(t, buf.String(), "hidden")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s-1"`)
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "warn", Format: "text"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("before")
	require.NoError(t, l.SetLevel("debug"))
	l.Debug("after")
	_ = l.Sync()

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Error(t, l.SetLevel("loud"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel("ERROR")
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, lvl)
}
