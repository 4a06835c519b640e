package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "procmux.log")
	logger, closer, err := New(Options{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug().Str("proc", "web").Msg("process started")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"proc":"web"`)
	assert.Contains(t, string(raw), `"message":"process started"`)
}

func TestNewFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procmux.log")
	logger, closer, err := New(Options{Level: "warn", File: path})
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden")
	assert.Contains(t, string(raw), "shown")
}

func TestConsoleMirror(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Console: true, Stderr: &buf})
	require.NoError(t, err)
	logger.Info().Str("addr", "127.0.0.1:4050").Msg("listening")
	assert.Contains(t, buf.String(), "listening")
	assert.Contains(t, buf.String(), "127.0.0.1:4050")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNoSinksIsNop(t *testing.T) {
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	logger.Error().Msg("dropped")
	assert.NoError(t, closer.Close())
}
