// Package network shows the state of the primary NetworkManager connection.
package network

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/shelepuginivan/systat/bus"
	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/loop"
	"github.com/shelepuginivan/systat/widget"
	"github.com/shelepuginivan/systat/wire"
)

const (
	nmDest            = "org.freedesktop.NetworkManager"
	nmPath            = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface       = "org.freedesktop.NetworkManager"
	activeInterface   = "org.freedesktop.NetworkManager.Connection.Active"
	apInterface       = "org.freedesktop.NetworkManager.AccessPoint"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = "PropertiesChanged"

	ethernetType = "802-3-ethernet"

	// maxRefreshes bounds the refreshes of one reaction when signals keep
	// arriving during property lookups.
	maxRefreshes = 4
)

var signalIcons = [...]string{
	"network-wireless-signal-none-symbolic",
	"network-wireless-signal-weak-symbolic",
	"network-wireless-signal-ok-symbolic",
	"network-wireless-signal-good-symbolic",
	"network-wireless-signal-excellent-symbolic",
}

// Kind is the kind of the primary connection.
type Kind int

const (
	Offline Kind = iota
	Wired
	Wireless
	Other
)

// Conn is the part of a bus connection the provider uses. [*bus.Conn]
// implements Conn.
type Conn interface {
	bus.Caller
	AddMatch(rule string) error
	OnSignal(iface, member string, fn bus.SignalHandler)
	SetWatchFunctions(add, remove func(loop.Watch))
	Handle(h loop.Handle) error
	Dispatch()
}

// Provider implements [widget.Provider] on top of NetworkManager.
type Provider struct {
	dial func() (Conn, error)
	log  zerolog.Logger

	conn  Conn
	set   *loop.DynamicSet
	dirty bool

	kind     Kind
	typ      string
	ssid     string
	strength int
}

// Option configures a [Provider].
type Option func(*Provider)

// WithDialer sets the function that connects to the system bus.
func WithDialer(dial func() (Conn, error)) Option {
	return func(p *Provider) {
		p.dial = dial
	}
}

// WithAddress connects to the bus at address instead of the system bus.
func WithAddress(address string, opts ...bus.Option) Option {
	return func(p *Provider) {
		p.dial = func() (Conn, error) {
			if address == "" {
				address = bus.SystemBusAddress()
			}
			return bus.Dial(address, opts...)
		}
	}
}

// WithLogger sets the logger of the provider.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// New returns a provider connecting to the system bus, changed by opts.
func New(opts ...Option) *Provider {
	p := &Provider{
		log: zerolog.Nop(),
		set: loop.NewDynamicSet(),
	}
	WithAddress("")(p)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns "network".
func (p *Provider) Name() string {
	return "network"
}

// Init connects to the bus, subscribes to access point and property change
// signals and reads the initial state. A failing first read leaves the
// widget offline.
func (p *Provider) Init() error {
	conn, err := p.dial()
	if err != nil {
		return fault.Context(err, "connect to system bus")
	}
	p.conn = conn

	conn.SetWatchFunctions(
		func(w loop.Watch) { p.set.Add(w) },
		func(w loop.Watch) { p.set.Remove(w) },
	)

	rules := []string{
		bus.Match(
			bus.WithMatchType("signal"),
			bus.WithMatchInterface(apInterface),
		),
		bus.Match(
			bus.WithMatchType("signal"),
			bus.WithMatchInterface(propertiesIface),
			bus.WithMatchMember(propertiesChanged),
			bus.WithMatchPathNamespace(string(nmPath)),
		),
	}

	for _, rule := range rules {
		if err := conn.AddMatch(rule); err != nil {
			return err
		}
	}

	conn.OnSignal(apInterface, "", p.markDirty)
	conn.OnSignal(propertiesIface, propertiesChanged, p.markDirty)

	if err := p.refresh(); err != nil {
		p.log.Warn().Err(err).Msg("failed to read initial network state")
		p.kind = Offline
	}

	if err := p.settle(); err != nil {
		p.log.Warn().Err(err).Msg("failed to read network state")
	}

	return nil
}

func (p *Provider) markDirty(*wire.Message) {
	p.dirty = true
}

// Sources returns the watches of the bus connection as a compound source.
func (p *Provider) Sources() []loop.Source {
	return []loop.Source{&loop.Compound{Set: p.set, React: p.handle}}
}

// Activate reads the state again.
func (p *Provider) Activate() error {
	return errors.Join(p.refresh(), p.settle())
}

// handle lets the connection process its socket and refreshes the state if
// a subscribed signal arrived.
func (p *Provider) handle(h loop.Handle) error {
	connErr := p.conn.Handle(h)
	return errors.Join(connErr, p.settle())
}

// settle dispatches the signals the connection queued while waiting for
// replies, and refreshes while they mark the state dirty. Queued messages
// never wake the loop, so none may be left behind.
func (p *Provider) settle() error {
	p.conn.Dispatch()

	var err error
	for i := 0; p.dirty && i < maxRefreshes; i++ {
		p.dirty = false
		err = p.refresh()
		p.conn.Dispatch()
	}

	if p.dirty {
		p.dirty = false
		p.log.Debug().Int("refreshes", maxRefreshes).Msg("state still changing, keeping last read")
	}

	return err
}

// refresh follows PrimaryConnection to the type of the connection and, for
// wireless connections, to the strength of the access point.
func (p *Provider) refresh() error {
	primary, err := bus.GetProperty(p.conn, nmDest, nmPath, nmInterface, "PrimaryConnection")
	if err != nil {
		return err
	}

	if primary == "/" {
		p.kind = Offline
		p.typ = ""
		return nil
	}

	active := dbus.ObjectPath(primary)

	typ, err := bus.GetProperty(p.conn, nmDest, active, activeInterface, "Type")
	if err != nil {
		return err
	}

	if typ == ethernetType {
		p.kind = Wired
		p.typ = typ
		return nil
	}

	ap, err := bus.GetProperty(p.conn, nmDest, active, activeInterface, "SpecificObject")
	if err != nil {
		return err
	}

	if ap == "/" {
		p.kind = Other
		p.typ = typ
		return nil
	}

	value, err := bus.GetProperty(p.conn, nmDest, dbus.ObjectPath(ap), apInterface, "Strength")
	if err != nil {
		return err
	}

	strength, err := strconv.Atoi(value)
	if err != nil {
		return fault.Wrap(fault.MalformedStructure, err, "invalid strength "+value)
	}

	p.kind = Wireless
	p.typ = typ
	p.strength = strength
	p.ssid = p.readSSID(dbus.ObjectPath(ap))

	return nil
}

// readSSID returns the name of the access point, or an empty string if it
// cannot be read.
func (p *Provider) readSSID(ap dbus.ObjectPath) string {
	root, err := bus.NewObject(p.conn, nmDest, ap).Call(propertiesIface, "Get", apInterface, "Ssid")
	if err != nil || len(root.Children) == 0 {
		return ""
	}

	var ssid []byte
	for _, child := range root.Children[0].Node.Children {
		b, err := strconv.ParseUint(child.Node.Value, 10, 8)
		if err != nil {
			return ""
		}
		ssid = append(ssid, byte(b))
	}

	return string(ssid)
}

// State returns the icon of the primary connection.
func (p *Provider) State() widget.Icon {
	switch p.kind {
	case Wired:
		return widget.Icon{Name: "network-wired-symbolic", Tooltip: "Wired connection"}
	case Wireless:
		tooltip := fmt.Sprintf("Wi-Fi: %d%%", p.strength)
		if p.ssid != "" {
			tooltip = fmt.Sprintf("%s: %d%%", p.ssid, p.strength)
		}
		return widget.Icon{Name: signalIcon(p.strength), Tooltip: tooltip}
	case Other:
		return widget.Icon{Name: "network-transmit-receive-symbolic", Tooltip: "Connected (" + p.typ + ")"}
	default:
		return widget.Icon{Name: "network-offline-symbolic", Tooltip: "Offline"}
	}
}

// signalIcon maps a strength in percent to one of five levels.
func signalIcon(strength int) string {
	idx := min(max(strength, 0)*len(signalIcons)/100, len(signalIcons)-1)
	return signalIcons[idx]
}
