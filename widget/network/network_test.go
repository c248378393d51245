package network

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelepuginivan/systat/bus"
	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/loop"
	"github.com/shelepuginivan/systat/wire"
)

const (
	activePath = "/org/freedesktop/NetworkManager/ActiveConnection/3"
	apPath     = "/org/freedesktop/NetworkManager/AccessPoint/12"
)

type property struct {
	sig   string
	write func(*wire.Encoder)
}

func str(sig, v string) property {
	return property{sig, func(e *wire.Encoder) { e.String(v) }}
}

func strength(v byte) property {
	return property{"y", func(e *wire.Encoder) { e.Byte(v) }}
}

func ssid(v string) property {
	return property{"ay", func(e *wire.Encoder) {
		e.Array("y", func(e *wire.Encoder) {
			for _, b := range []byte(v) {
				e.Byte(b)
			}
		})
	}}
}

type handler struct {
	iface, member string
	fn            bus.SignalHandler
}

type fakeConn struct {
	props    map[string]property
	rules    []string
	handlers []handler
	pending  []*wire.Message // unread on the socket
	queued   []*wire.Message // read but not dispatched
	watch    loop.Handle

	// onGet runs for every property read, before the reply.
	onGet func(c *fakeConn, name string)

	calls      int
	dispatched int
}

func newFakeConn(props map[string]property) *fakeConn {
	return &fakeConn{
		props: props,
		watch: loop.Handle{Fd: 7, Events: loop.Readable},
	}
}

func key(path dbus.ObjectPath, iface, name string) string {
	return string(path) + " " + iface + "." + name
}

func (c *fakeConn) SendAndWait(msg *wire.Message) (*wire.Message, error) {
	c.calls++

	iface, _ := msg.Args[0].(string)
	name, _ := msg.Args[1].(string)

	k := key(msg.Path(), iface, name)
	if c.onGet != nil {
		c.onGet(c, name)
	}

	prop, ok := c.props[k]
	if !ok {
		return nil, fault.Errorf(fault.Transport, "no property %s", k)
	}

	enc := wire.NewEncoder(binary.LittleEndian)
	enc.Variant(prop.sig, prop.write)

	reply := &wire.Message{Type: dbus.TypeMethodReply, Order: binary.LittleEndian}
	if err := reply.SetBody("v", enc.Bytes()); err != nil {
		return nil, err
	}

	return reply, nil
}

func (c *fakeConn) AddMatch(rule string) error {
	c.rules = append(c.rules, rule)
	return nil
}

func (c *fakeConn) OnSignal(iface, member string, fn bus.SignalHandler) {
	c.handlers = append(c.handlers, handler{iface, member, fn})
}

func (c *fakeConn) SetWatchFunctions(add, remove func(loop.Watch)) {
	add(c.watch)
}

// Handle reads the pending signals and dispatches them.
func (c *fakeConn) Handle(h loop.Handle) error {
	c.queued = append(c.queued, c.pending...)
	c.pending = nil
	c.Dispatch()
	return nil
}

func (c *fakeConn) Dispatch() {
	c.dispatched++

	queued := c.queued
	c.queued = nil

	for _, msg := range queued {
		for _, h := range c.handlers {
			if h.iface == msg.Interface() && (h.member == "" || h.member == msg.Member()) {
				h.fn(msg)
			}
		}
	}
}

func newSignal(iface, member string) *wire.Message {
	return &wire.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(dbus.ObjectPath(apPath)),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
	}
}

// signal makes a signal readable on the socket.
func (c *fakeConn) signal(iface, member string) {
	c.pending = append(c.pending, newSignal(iface, member))
}

// queue stores a signal as read while waiting for a reply.
func (c *fakeConn) queue(iface, member string) {
	c.queued = append(c.queued, newSignal(iface, member))
}

func wirelessProps() map[string]property {
	return map[string]property{
		key(nmPath, nmInterface, "PrimaryConnection"):  str("o", activePath),
		key(activePath, activeInterface, "Type"):           str("s", "802-11-wireless"),
		key(activePath, activeInterface, "SpecificObject"): str("o", apPath),
		key(apPath, apInterface, "Strength"):               strength(80),
		key(apPath, apInterface, "Ssid"):                   ssid("home"),
	}
}

func initProvider(t *testing.T, conn *fakeConn) *Provider {
	t.Helper()

	p := New(WithDialer(func() (Conn, error) { return conn, nil }))
	require.NoError(t, p.Init())
	return p
}

func TestInitSubscribesAndReadsState(t *testing.T) {
	conn := newFakeConn(wirelessProps())
	p := initProvider(t, conn)

	assert.Equal(t, []string{
		"type='signal',interface='org.freedesktop.NetworkManager.AccessPoint'",
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path_namespace='/org/freedesktop/NetworkManager'",
	}, conn.rules)

	assert.Equal(t, "network-wireless-signal-excellent-symbolic", p.State().Name)
	assert.Equal(t, "home: 80%", p.State().Tooltip)

	src, ok := p.Sources()[0].(*loop.Compound)
	require.True(t, ok)
	assert.Equal(t, []loop.Handle{conn.watch}, src.Set.Handles())
}

func TestDialFailure(t *testing.T) {
	p := New(WithDialer(func() (Conn, error) {
		return nil, fault.New(fault.Transport, "connection refused")
	}))

	err := p.Init()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.Transport))
	assert.Equal(t, []string{"connect to system bus", "connection refused"}, fault.Chain(err))
}

func TestUnreadableInitialStateIsOffline(t *testing.T) {
	p := initProvider(t, newFakeConn(map[string]property{}))
	assert.Equal(t, "network-offline-symbolic", p.State().Name)
}

func TestConnectionKinds(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]property
		want  string
	}{
		{
			name: "offline",
			props: map[string]property{
				key(nmPath, nmInterface, "PrimaryConnection"): str("o", "/"),
			},
			want: "network-offline-symbolic",
		},
		{
			name: "wired",
			props: map[string]property{
				key(nmPath, nmInterface, "PrimaryConnection"): str("o", activePath),
				key(activePath, activeInterface, "Type"):      str("s", "802-3-ethernet"),
			},
			want: "network-wired-symbolic",
		},
		{
			name: "vpn",
			props: map[string]property{
				key(nmPath, nmInterface, "PrimaryConnection"):       str("o", activePath),
				key(activePath, activeInterface, "Type"):           str("s", "vpn"),
				key(activePath, activeInterface, "SpecificObject"): str("o", "/"),
			},
			want: "network-transmit-receive-symbolic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(tt.props)
			p := initProvider(t, conn)
			assert.Equal(t, tt.want, p.State().Name)
		})
	}
}

func TestSignalTriggersRefresh(t *testing.T) {
	props := wirelessProps()
	conn := newFakeConn(props)
	p := initProvider(t, conn)
	src := p.Sources()[0].(*loop.Compound)

	calls := conn.calls
	require.NoError(t, src.React(conn.watch))
	assert.Equal(t, calls, conn.calls, "no signal, no refresh")

	props[key(apPath, apInterface, "Strength")] = strength(30)
	conn.signal(apInterface, "PropertiesChanged")
	conn.signal("org.freedesktop.DBus.Properties", "PropertiesChanged")

	require.NoError(t, src.React(conn.watch))
	assert.Equal(t, "network-wireless-signal-weak-symbolic", p.State().Name)
	assert.Empty(t, conn.queued)
}

// strengthChangesAfterRead lowers the strength once, right after the
// provider has read it, and queues the matching signal as SendAndWait does.
func strengthChangesAfterRead(props map[string]property) func(*fakeConn, string) {
	done := false
	return func(c *fakeConn, name string) {
		if done || name != "Ssid" {
			return
		}
		done = true
		props[key(apPath, apInterface, "Strength")] = strength(30)
		c.queue(apInterface, "PropertiesChanged")
	}
}

func TestSignalQueuedDuringActivateIsDelivered(t *testing.T) {
	props := wirelessProps()
	conn := newFakeConn(props)
	p := initProvider(t, conn)

	conn.onGet = strengthChangesAfterRead(props)
	require.NoError(t, p.Activate())

	assert.Equal(t, "network-wireless-signal-weak-symbolic", p.State().Name)
	assert.Empty(t, conn.queued)
	assert.False(t, p.dirty)
}

func TestSignalQueuedDuringInitIsDelivered(t *testing.T) {
	props := wirelessProps()
	conn := newFakeConn(props)
	conn.onGet = strengthChangesAfterRead(props)

	p := initProvider(t, conn)

	assert.Equal(t, "network-wireless-signal-weak-symbolic", p.State().Name)
	assert.Empty(t, conn.queued)
	assert.False(t, p.dirty)
}

func TestRefreshesAreBounded(t *testing.T) {
	conn := newFakeConn(wirelessProps())
	p := initProvider(t, conn)
	src := p.Sources()[0].(*loop.Compound)

	conn.onGet = func(c *fakeConn, name string) {
		if name == "PrimaryConnection" {
			c.queue(apInterface, "PropertiesChanged")
		}
	}
	conn.signal(apInterface, "PropertiesChanged")

	calls := conn.calls
	require.NoError(t, src.React(conn.watch))

	assert.Equal(t, maxRefreshes*5, conn.calls-calls)
	assert.False(t, p.dirty)
	assert.Empty(t, conn.queued)
}

func TestUnrelatedSignalIsIgnored(t *testing.T) {
	conn := newFakeConn(wirelessProps())
	p := initProvider(t, conn)
	src := p.Sources()[0].(*loop.Compound)

	calls := conn.calls
	conn.signal("org.freedesktop.DBus", "NameAcquired")
	require.NoError(t, src.React(conn.watch))
	assert.Equal(t, calls, conn.calls)
}

func TestRefreshFailureKeepsState(t *testing.T) {
	props := wirelessProps()
	conn := newFakeConn(props)
	p := initProvider(t, conn)

	delete(props, key(apPath, apInterface, "Strength"))
	err := p.Activate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.Transport))
	assert.Equal(t, "network-wireless-signal-excellent-symbolic", p.State().Name)
}

func TestInvalidStrength(t *testing.T) {
	props := wirelessProps()
	props[key(apPath, apInterface, "Strength")] = str("s", "strong")
	conn := newFakeConn(props)
	p := New(WithDialer(func() (Conn, error) { return conn, nil }))
	require.NoError(t, p.Init())

	err := p.Activate()
	assert.True(t, errors.Is(err, fault.MalformedStructure))
}

func TestMissingSSIDFallsBack(t *testing.T) {
	props := wirelessProps()
	delete(props, key(apPath, apInterface, "Ssid"))
	p := initProvider(t, newFakeConn(props))

	assert.Equal(t, "Wi-Fi: 80%", p.State().Tooltip)
}

func TestSignalIcon(t *testing.T) {
	tests := []struct {
		strength int
		want     string
	}{
		{-5, "network-wireless-signal-none-symbolic"},
		{0, "network-wireless-signal-none-symbolic"},
		{19, "network-wireless-signal-none-symbolic"},
		{20, "network-wireless-signal-weak-symbolic"},
		{50, "network-wireless-signal-ok-symbolic"},
		{79, "network-wireless-signal-good-symbolic"},
		{80, "network-wireless-signal-excellent-symbolic"},
		{100, "network-wireless-signal-excellent-symbolic"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, signalIcon(tt.strength), "strength=%d", tt.strength)
	}
}
