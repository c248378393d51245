package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	old := stderr
	stderr = &buf
	t.Cleanup(func() { stderr = old })

	return &buf
}

func TestInitLevels(t *testing.T) {
	buf := captureStderr(t)

	Init(false)
	assert.Equal(t, zerolog.InfoLevel, Log.GetLevel())

	Log.Debug().Msg("hidden")
	Log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	Init(true)
	assert.Equal(t, zerolog.DebugLevel, Log.GetLevel())
}

func TestConsoleWithoutTerminalHasNoColor(t *testing.T) {
	captureStderr(t)
	assert.True(t, consoleWriter().NoColor)
}

func TestInitWithFile(t *testing.T) {
	captureStderr(t)

	path := filepath.Join(t.TempDir(), "logs", "systat.log")
	require.NoError(t, InitWithFile(false, &FileConfig{Path: path, MaxSizeMB: 1}))
	t.Cleanup(func() { CloseFileWriter() })

	assert.Equal(t, path, FilePath())

	log := Component("tray")
	log.Info().Msg("item registered")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"tray"`)
	assert.Contains(t, string(data), `"message":"item registered"`)

	require.NoError(t, CloseFileWriter())
	assert.Empty(t, FilePath())
	assert.NoError(t, CloseFileWriter())
}

func TestInitWithoutFile(t *testing.T) {
	captureStderr(t)

	require.NoError(t, InitWithFile(true, &FileConfig{}))
	assert.Empty(t, FilePath())
	assert.Equal(t, zerolog.DebugLevel, Log.GetLevel())

	require.NoError(t, InitWithFile(false, nil))
	assert.Equal(t, zerolog.InfoLevel, Log.GetLevel())
}

func TestFileConfigDefaults(t *testing.T) {
	cfg := &FileConfig{}
	assert.Equal(t, 10, cfg.maxSizeMB())
	assert.Equal(t, 7, cfg.maxAgeDays())
	assert.Equal(t, 3, cfg.maxBackups())

	cfg = &FileConfig{MaxSizeMB: 5, MaxAgeDays: 1, MaxBackups: 9}
	assert.Equal(t, 5, cfg.maxSizeMB())
	assert.Equal(t, 1, cfg.maxAgeDays())
	assert.Equal(t, 9, cfg.maxBackups())
}
