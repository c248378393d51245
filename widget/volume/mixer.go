package volume

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/shelepuginivan/systat/fault"
)

// Level is the playback level of a mixer control.
type Level struct {
	Percent int
	Muted   bool
}

// Mixer reads the level of a mixer control.
type Mixer interface {
	Level(card int, control string) (Level, error)
}

// DefaultMixerTimeout bounds one run of amixer.
const DefaultMixerTimeout = 2 * time.Second

// Amixer reads levels with the amixer command of alsa-utils. It runs on the
// dispatch loop, so every run is killed after Timeout.
type Amixer struct {
	// Path of the executable. Defaults to "amixer" looked up in PATH.
	Path string

	// Timeout of one run. Defaults to [DefaultMixerTimeout].
	Timeout time.Duration
}

var (
	percentPattern = regexp.MustCompile(`\[(\d+)%\]`)
	switchPattern  = regexp.MustCompile(`\[(on|off)\]`)
)

// Level runs amixer and parses the level of control on card.
func (a Amixer) Level(card int, control string) (Level, error) {
	path := a.Path
	if path == "" {
		path = "amixer"
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultMixerTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "-M", "-c", strconv.Itoa(card), "sget", control)
	cmd.Stderr = &stderr
	cmd.WaitDelay = timeout

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return Level{}, fault.Errorf(fault.IO, "read level of %s: amixer did not finish within %s", control, timeout)
	}
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			err = fault.Wrap(fault.IO, err, string(msg))
		}
		return Level{}, fault.Wrap(fault.IO, err, "read level of "+control)
	}

	return parseLevel(out, control)
}

// parseLevel reads the first channel of amixer output such as
//
//	Simple mixer control 'Master',0
//	  Mono: Playback 52 [80%] [-12.00dB] [on]
func parseLevel(out []byte, control string) (Level, error) {
	for _, line := range bytes.Split(out, []byte("\n")) {
		m := percentPattern.FindSubmatch(line)
		if m == nil {
			continue
		}

		percent, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return Level{}, fault.Wrap(fault.IO, err, "parse level of "+control)
		}

		level := Level{Percent: percent}
		if sw := switchPattern.FindSubmatch(line); sw != nil {
			level.Muted = string(sw[1]) == "off"
		}

		return level, nil
	}

	return Level{}, fault.Errorf(fault.IO, "control %s has no playback level", control)
}
