package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the default configuration path to an empty directory.
func isolate(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "systat", FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadDefaultFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
widgets: [network, battery]
battery:
  device: BAT0
network:
  timeout: 5s
log:
  debug: true
  max_backups: 1
`)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"network", "battery"}, cfg.Widgets)
	assert.Equal(t, "BAT0", cfg.Battery.Device)
	assert.Equal(t, "/sys/class/power_supply", cfg.Battery.Root)
	assert.Equal(t, 5*time.Second, cfg.Network.Timeout)
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, 1, cfg.Log.MaxBackups)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "volume:\n  card: 1\n")

	t.Setenv("SYSTAT_WIDGETS", "volume,network")
	t.Setenv("SYSTAT_VOLUME_CARD", "2")
	t.Setenv("SYSTAT_NETWORK_TIMEOUT", "1m")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"volume", "network"}, cfg.Widgets)
	assert.Equal(t, 2, cfg.Volume.Card)
	assert.Equal(t, time.Minute, cfg.Network.Timeout)
}

func TestLoadFlags(t *testing.T) {
	isolate(t)

	fs := pflag.NewFlagSet("systat", pflag.ContinueOnError)
	fs.StringSlice("widgets", nil, "")
	fs.Bool("debug", false, "")
	require.NoError(t, fs.Parse([]string{"--widgets", "battery", "--debug"}))

	cfg, err := Load("", Flags{
		"widgets":   fs.Lookup("widgets"),
		"log.debug": fs.Lookup("debug"),
		"missing":   nil,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"battery"}, cfg.Widgets)
	assert.True(t, cfg.Log.Debug)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "widgets: [battery\n")

	_, err := Load("", nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{
			name:   "typo",
			modify: func(c *Config) { c.Widgets = []string{"baterry"} },
			want:   `unknown widget "baterry", did you mean "battery"?`,
		},
		{
			name:   "unrelated name",
			modify: func(c *Config) { c.Widgets = []string{"weather"} },
			want:   `unknown widget "weather", known widgets are battery, volume, network`,
		},
		{
			name:   "duplicate",
			modify: func(c *Config) { c.Widgets = []string{"volume", "volume"} },
			want:   `widget "volume" is listed twice`,
		},
		{
			name:   "empty",
			modify: func(c *Config) { c.Widgets = nil },
			want:   "no widgets configured",
		},
		{
			name:   "negative card",
			modify: func(c *Config) { c.Volume.Card = -1 },
			want:   "invalid sound card -1",
		},
		{
			name:   "zero timeout",
			modify: func(c *Config) { c.Network.Timeout = 0 },
			want:   "invalid network timeout 0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.EqualError(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestSuggest(t *testing.T) {
	assert.Equal(t, "network", Suggest("netwrk"))
	assert.Equal(t, "volume", Suggest("Volum"))
	assert.Equal(t, "", Suggest("clock"))
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, DefaultConfig()))

	out := buf.String()
	assert.Contains(t, out, "widgets:\n  - battery\n  - volume\n  - network\n")
	assert.Contains(t, out, "timeout: 25s")
	assert.Contains(t, out, "max_size_mb: 10")

	dir := isolate(t)
	path := writeConfig(t, dir, out)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
