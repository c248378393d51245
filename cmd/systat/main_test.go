package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelepuginivan/systat/internal/bustest"
	"github.com/shelepuginivan/systat/wire"
)

// isolate runs the command against an empty configuration directory with
// a battery widget that cannot start.
func isolate(t *testing.T) {
	t.Helper()

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SYSTAT_WIDGETS", "battery")
	t.Setenv("SYSTAT_BATTERY_ROOT", t.TempDir())
}

func TestExitsZeroWhenTrayStreamEnds(t *testing.T) {
	isolate(t)

	s := bustest.New(t, func(s *bustest.Server, call *wire.Message) *wire.Message {
		return bustest.ReplyTo(call, "", nil)
	})
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", s.Address)

	var stderr bytes.Buffer
	code := make(chan int, 1)
	go func() { code <- execute([]string{}, &stderr) }()

	// The tray follows the watcher once it is set up; losing the session
	// bus afterwards ends its event stream.
	s.Next(t, func(msg *wire.Message) bool {
		return msg.Name() == "org.freedesktop.DBus.AddMatch"
	})
	s.Hangup()

	select {
	case c := <-code:
		assert.Equal(t, 0, c)
	case <-time.After(5 * time.Second):
		t.Fatal("systat did not exit after the session bus was lost")
	}

	assert.Contains(t, stderr.String(), "init battery")
}

func TestExitsOneOnStartupFailure(t *testing.T) {
	isolate(t)
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+filepath.Join(t.TempDir(), "missing"))

	var stderr bytes.Buffer
	require.Equal(t, 1, execute([]string{}, &stderr))
	assert.Contains(t, stderr.String(), "connect to session bus")
}

func TestExitsOneOnInvalidConfig(t *testing.T) {
	isolate(t)
	t.Setenv("SYSTAT_WIDGETS", "clock")

	var stderr bytes.Buffer
	require.Equal(t, 1, execute([]string{}, &stderr))
	assert.Contains(t, stderr.String(), `unknown widget "clock"`)
}
