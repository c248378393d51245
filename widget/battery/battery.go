// Package battery shows the charge of a power supply. The initial state is
// read from sysfs; updates arrive as kernel uevents.
package battery

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/internal/device"
	"github.com/shelepuginivan/systat/loop"
	"github.com/shelepuginivan/systat/widget"
)

const (
	DefaultRoot   = "/sys/class/power_supply"
	DefaultDevice = "BAT1"

	// kernelGroup is the netlink multicast group of uevents sent by the
	// kernel itself.
	kernelGroup = 1

	maxEventSize = 8192
)

// Provider implements [widget.Provider] for one power supply.
type Provider struct {
	root   string
	device string
	log    zerolog.Logger

	fd       int
	status   string
	current  int64
	capacity int64
}

// Option configures a [Provider].
type Option func(*Provider)

// WithDevice sets the name of the power supply, such as "BAT0".
func WithDevice(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.device = name
		}
	}
}

// WithRoot sets the sysfs directory holding power supplies.
func WithRoot(root string) Option {
	return func(p *Provider) {
		if root != "" {
			p.root = root
		}
	}
}

// WithLogger sets the logger of the provider.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// New returns a provider for the default battery, changed by opts.
func New(opts ...Option) *Provider {
	p := &Provider{
		root:   DefaultRoot,
		device: DefaultDevice,
		log:    zerolog.Nop(),
		fd:     -1,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns "battery".
func (p *Provider) Name() string {
	return "battery"
}

// Init reads the current charge and subscribes to kernel uevents.
func (p *Provider) Init() error {
	if err := p.read(); err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fault.Wrap(fault.IO, err, "open uevent socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		unix.Close(fd)
		return fault.Wrap(fault.IO, err, "bind uevent socket")
	}

	p.fd = fd
	return nil
}

// read loads the state of the device from sysfs.
func (p *Provider) read() error {
	dir := filepath.Join(p.root, p.device)

	status, err := device.ReadScalar(filepath.Join(dir, "status"))
	if err != nil {
		return fault.Context(err, "read battery "+p.device)
	}

	current, err := device.ReadFirstInt(filepath.Join(dir, "charge_now"), filepath.Join(dir, "energy_now"))
	if err != nil {
		return fault.Context(err, "read battery "+p.device)
	}

	capacity, err := device.ReadFirstInt(filepath.Join(dir, "charge_full"), filepath.Join(dir, "energy_full"))
	if err != nil {
		return fault.Context(err, "read battery "+p.device)
	}

	p.status = status
	p.current = current
	p.capacity = capacity

	return nil
}

// Percent returns the charge in percent of the full capacity.
func (p *Provider) Percent() int {
	if p.capacity <= 0 {
		return 0
	}
	return int(min(100*p.current/p.capacity, 100))
}

// Charging reports whether the supply is connected to a charger.
func (p *Provider) Charging() bool {
	return p.status == "Charging" || p.status == "Full"
}

// State returns the charge level icon and a tooltip with the percentage.
func (p *Provider) State() widget.Icon {
	return widget.Icon{
		Name:    iconName(p.Percent(), p.Charging()),
		Tooltip: fmt.Sprintf("%s: %d%% (%s)", p.device, p.Percent(), p.status),
	}
}

// Sources returns the uevent socket as a fixed source.
func (p *Provider) Sources() []loop.Source {
	return []loop.Source{&loop.Fixed{
		Handle: loop.Handle{Fd: p.fd, Events: loop.Readable},
		React:  p.handle,
	}}
}

// Activate reads the state from sysfs again.
func (p *Provider) Activate() error {
	return p.read()
}

// handle receives every pending uevent.
func (p *Provider) handle(loop.Handle) error {
	buf := make([]byte, maxEventSize)

	for {
		n, err := unix.Read(p.fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fault.Wrap(fault.IO, err, "receive uevent")
		}

		event := parseUevent(buf[:n])
		if event.env["SUBSYSTEM"] != "power_supply" || event.env["POWER_SUPPLY_NAME"] != p.device {
			continue
		}

		p.log.Debug().Str("action", event.action).Str("device", p.device).Msg("power supply event")
		p.apply(event.env)
	}
}

// apply updates the state from POWER_SUPPLY_* properties. Missing properties
// keep their previous value.
func (p *Provider) apply(env map[string]string) {
	if status, ok := env["POWER_SUPPLY_STATUS"]; ok {
		p.status = status
	}

	if v, ok := firstInt(env, "POWER_SUPPLY_CHARGE_NOW", "POWER_SUPPLY_ENERGY_NOW"); ok {
		p.current = v
	}

	if v, ok := firstInt(env, "POWER_SUPPLY_CHARGE_FULL", "POWER_SUPPLY_ENERGY_FULL"); ok {
		p.capacity = v
	}
}

func firstInt(env map[string]string, keys ...string) (int64, bool) {
	for _, key := range keys {
		value, ok := env[key]
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

type uevent struct {
	action  string
	devpath string
	env     map[string]string
}

// parseUevent parses a kernel uevent: a header "action@devpath" followed by
// NUL-separated KEY=VALUE pairs.
func parseUevent(data []byte) uevent {
	fields := bytes.Split(data, []byte{0})

	var ev uevent
	ev.env = make(map[string]string, len(fields))

	if len(fields) > 0 {
		action, devpath, _ := bytes.Cut(fields[0], []byte("@"))
		ev.action = string(action)
		ev.devpath = string(devpath)
		fields = fields[1:]
	}

	for _, field := range fields {
		key, value, ok := bytes.Cut(field, []byte("="))
		if !ok {
			continue
		}
		ev.env[string(key)] = string(value)
	}

	return ev
}

// iconName returns the symbolic battery icon for a charge in percent, in
// steps of ten.
func iconName(percent int, charging bool) string {
	level := min(max(percent, 0), 100) / 10 * 10

	switch {
	case charging && level == 100:
		return "battery-level-100-charged-symbolic"
	case charging:
		return fmt.Sprintf("battery-level-%d-charging-symbolic", level)
	default:
		return fmt.Sprintf("battery-level-%d-symbolic", level)
	}
}
