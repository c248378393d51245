// Package volume shows the playback level of an ALSA mixer control. It
// listens for events on the control device of the card and reads the level
// through a [Mixer].
package volume

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/loop"
	"github.com/shelepuginivan/systat/widget"
)

const (
	DefaultCard    = 0
	DefaultControl = "Master"

	// subscribeEvents is SNDRV_CTL_IOCTL_SUBSCRIBE_EVENTS.
	subscribeEvents = 0xC0045516

	// eventSize is the size of struct snd_ctl_event.
	eventSize = 80
)

// icons maps six level steps to icon names.
var icons = [...]string{
	"audio-volume-muted-symbolic",
	"audio-volume-low-symbolic",
	"audio-volume-low-symbolic",
	"audio-volume-medium-symbolic",
	"audio-volume-medium-symbolic",
	"audio-volume-high-symbolic",
}

// Provider implements [widget.Provider] for one mixer control.
type Provider struct {
	card    int
	control string
	mixer   Mixer
	device  string
	log     zerolog.Logger

	fd     int
	hungUp bool
	level  Level

	subscribe func(fd int) error
}

// Option configures a [Provider].
type Option func(*Provider)

// WithCard sets the index of the sound card.
func WithCard(card int) Option {
	return func(p *Provider) {
		p.card = card
	}
}

// WithControl sets the simple mixer control, such as "Master".
func WithControl(control string) Option {
	return func(p *Provider) {
		if control != "" {
			p.control = control
		}
	}
}

// WithMixer sets the collaborator that reads levels. Defaults to [Amixer].
func WithMixer(mixer Mixer) Option {
	return func(p *Provider) {
		p.mixer = mixer
	}
}

// WithLogger sets the logger of the provider.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// New returns a provider for the Master control of card 0, changed by opts.
func New(opts ...Option) *Provider {
	p := &Provider{
		card:    DefaultCard,
		control: DefaultControl,
		mixer:   Amixer{},
		log:     zerolog.Nop(),
		fd:      -1,

		subscribe: func(fd int) error {
			return unix.IoctlSetPointerInt(fd, subscribeEvents, 1)
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.device == "" {
		p.device = fmt.Sprintf("/dev/snd/controlC%d", p.card)
	}

	return p
}

// Name returns "volume".
func (p *Provider) Name() string {
	return "volume"
}

// Init opens the control device, subscribes to its events and reads the
// current level.
func (p *Provider) Init() error {
	fd, err := unix.Open(p.device, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fault.Wrap(fault.IO, err, "open "+p.device)
	}

	if err := p.subscribe(fd); err != nil {
		unix.Close(fd)
		return fault.Wrap(fault.IO, err, "subscribe to control events")
	}

	if err := p.read(); err != nil {
		unix.Close(fd)
		return err
	}

	p.fd = fd
	return nil
}

func (p *Provider) read() error {
	level, err := p.mixer.Level(p.card, p.control)
	if err != nil {
		return err
	}

	p.level = level
	return nil
}

// Handle reports the control device as readable until it hangs up.
func (p *Provider) Handle() loop.Handle {
	if p.hungUp {
		return loop.Handle{Fd: p.fd}
	}
	return loop.Handle{Fd: p.fd, Events: loop.Readable}
}

// State returns the volume icon and a tooltip with the level.
func (p *Provider) State() widget.Icon {
	return widget.Icon{
		Name:    iconName(p.level),
		Tooltip: tooltip(p.control, p.level),
	}
}

// Sources returns the control device as a flagged source.
func (p *Provider) Sources() []loop.Source {
	return []loop.Source{&loop.Flagged{Watch: p, React: p.handle}}
}

// Activate reads the level again.
func (p *Provider) Activate() error {
	return p.read()
}

// handle drains pending control events and reads the level. A hang-up, such
// as the removal of a USB card, disables the source.
func (p *Provider) handle(h loop.Handle) error {
	if h.Events&(loop.Hangup|loop.Failed) != 0 {
		p.hungUp = true
		return fault.Errorf(fault.IO, "%s hung up", p.device)
	}

	buf := make([]byte, eventSize*8)
	events := 0

	for {
		n, err := unix.Read(p.fd, buf)
		if errors.Is(err, unix.EAGAIN) || (err == nil && n == 0) {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fault.Wrap(fault.IO, err, "read control events")
		}
		events += n / eventSize
	}

	p.log.Trace().Int("events", events).Msg("mixer control events")

	return p.read()
}

func iconName(level Level) string {
	if level.Muted {
		return icons[0]
	}

	percent := min(max(level.Percent, 0), 100)
	idx := min(percent*len(icons)/101, len(icons)-1)

	// A level above zero never shows as muted.
	if idx == 0 && percent > 0 {
		idx = 1
	}

	return icons[idx]
}

func tooltip(control string, level Level) string {
	if level.Muted {
		return fmt.Sprintf("%s: muted", control)
	}
	return fmt.Sprintf("%s: %d%%", control, level.Percent)
}
