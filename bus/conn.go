// Package bus is a poll-driven D-Bus client. A [Conn] never starts
// goroutines: its socket is handed to the dispatch loop through watch
// callbacks, and method calls block on the socket of the connection only.
package bus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/eapache/queue"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/loop"
	"github.com/shelepuginivan/systat/wire"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	busInterface = "org.freedesktop.DBus"

	// DefaultTimeout is the time SendAndWait waits for a reply.
	DefaultTimeout = 25 * time.Second

	readChunk = 4096
)

// SignalHandler is called for every dispatched signal it was registered for.
type SignalHandler func(*wire.Message)

type signalHandler struct {
	iface  string
	member string
	fn     SignalHandler
}

// Conn is a connection to a message bus.
type Conn struct {
	fd      int
	guid    uuid.UUID
	name    string
	serial  uint32
	timeout time.Duration
	closed  bool
	log     zerolog.Logger

	rbuf []byte
	wbuf []byte

	// incoming holds messages read while waiting for a reply, until the next
	// Dispatch.
	incoming *queue.Queue

	watch       *Watch
	addWatch    func(loop.Watch)
	removeWatch func(loop.Watch)
	handlers    []signalHandler
}

type Option func(*Conn)

// WithTimeout sets the time SendAndWait waits for a reply.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conn) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger of the connection.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Conn) {
		c.log = log
	}
}

// Dial connects to the first reachable server listed in address,
// authenticates and registers on the bus.
func Dial(address string, opts ...Option) (*Conn, error) {
	addrs, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	var errs []error

	for _, addr := range addrs {
		fd, err := connect(addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		return open(fd, opts...)
	}

	return nil, fault.Wrap(fault.Transport, errors.Join(errs...), "dial "+address)
}

// SystemBus connects to the system bus.
func SystemBus(opts ...Option) (*Conn, error) {
	return Dial(SystemBusAddress(), opts...)
}

// SessionBus connects to the session bus.
func SessionBus(opts ...Option) (*Conn, error) {
	address := SessionBusAddress()
	if address == "" {
		return nil, fault.New(fault.Transport, "session bus address is not set")
	}
	return Dial(address, opts...)
}

func connect(addr unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr.(*unix.SockaddrUnix).Name, err)
	}

	return fd, nil
}

// open takes ownership of a connected socket.
func open(fd int, opts ...Option) (*Conn, error) {
	c := &Conn{
		fd:       fd,
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
		incoming: queue.New(),
	}
	c.watch = &Watch{conn: c}

	for _, opt := range opts {
		opt(c)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fault.Wrap(fault.Transport, err, "set non-blocking mode")
	}

	if err := c.auth(); err != nil {
		c.Close()
		return nil, fault.Context(err, "authenticate")
	}

	if err := c.hello(); err != nil {
		c.Close()
		return nil, fault.Context(err, "hello")
	}

	c.log.Debug().Str("name", c.name).Str("guid", c.guid.String()).Msg("connected to bus")

	return c, nil
}

// auth runs the SASL EXTERNAL exchange.
func (c *Conn) auth() error {
	mech, data, _ := dbus.AuthExternal(strconv.Itoa(os.Getuid())).FirstData()

	deadline := time.Now().Add(c.timeout)

	c.wbuf = append(c.wbuf, 0)
	c.wbuf = fmt.Appendf(c.wbuf, "AUTH %s %s\r\n", mech, data)

	line, err := c.readLine(deadline)
	if err != nil {
		return err
	}

	fields := bytes.Fields(line)
	if len(fields) != 2 || string(fields[0]) != "OK" {
		return fault.Errorf(fault.Transport, "authentication rejected: %q", line)
	}

	guid, err := uuid.Parse(string(fields[1]))
	if err != nil {
		return fault.Wrap(fault.Transport, err, "invalid server guid")
	}
	c.guid = guid

	c.wbuf = append(c.wbuf, "BEGIN\r\n"...)
	return c.flushWait(deadline)
}

func (c *Conn) readLine(deadline time.Time) ([]byte, error) {
	for {
		if idx := bytes.Index(c.rbuf, []byte("\r\n")); idx >= 0 {
			line := slices.Clone(c.rbuf[:idx])
			c.rbuf = append(c.rbuf[:0], c.rbuf[idx+2:]...)
			return line, nil
		}

		if err := c.waitIO(deadline); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) hello() error {
	node, err := c.Object(busName, busPath).Call(busInterface, "Hello")
	if err != nil {
		return err
	}

	if len(node.Children) == 0 {
		return fault.New(fault.EmptyReply, "no unique name assigned")
	}

	c.name = node.Children[0].Node.Value
	return nil
}

// Name returns the unique name of the connection on the bus.
func (c *Conn) Name() string {
	return c.name
}

// GUID returns the identifier of the server.
func (c *Conn) GUID() uuid.UUID {
	return c.guid
}

// SetWatchFunctions installs the callbacks through which the socket of the
// connection is announced to and withdrawn from the dispatch loop. The watch
// is announced immediately.
func (c *Conn) SetWatchFunctions(add, remove func(loop.Watch)) {
	c.addWatch = add
	c.removeWatch = remove

	if !c.closed && add != nil {
		add(c.watch)
	}
}

// OnSignal registers fn for signals of the given interface and member. Empty
// strings match any value.
func (c *Conn) OnSignal(iface, member string, fn SignalHandler) {
	c.handlers = append(c.handlers, signalHandler{iface: iface, member: member, fn: fn})
}

// AddMatch asks the bus to route signals matching rule to this connection.
func (c *Conn) AddMatch(rule string) error {
	if _, err := c.Object(busName, busPath).Call(busInterface, "AddMatch", rule); err != nil {
		return fault.Context(err, "add match "+rule)
	}
	return nil
}

// RemoveMatch removes a rule added with AddMatch.
func (c *Conn) RemoveMatch(rule string) error {
	if _, err := c.Object(busName, busPath).Call(busInterface, "RemoveMatch", rule); err != nil {
		return fault.Context(err, "remove match "+rule)
	}
	return nil
}

// Send queues msg for writing and returns its serial.
func (c *Conn) Send(msg *wire.Message) (uint32, error) {
	if c.closed {
		return 0, fault.New(fault.Transport, "connection is closed")
	}

	c.serial++
	msg.Serial = c.serial

	raw, err := msg.Marshal()
	if err != nil {
		return 0, err
	}

	c.wbuf = append(c.wbuf, raw...)

	if err := c.flush(); err != nil {
		return 0, err
	}

	return msg.Serial, nil
}

// SendAndWait sends msg and blocks until its reply arrives. Error replies are
// returned as [dbus.Error]. Other messages read meanwhile are queued for
// [Conn.Dispatch].
func (c *Conn) SendAndWait(msg *wire.Message) (*wire.Message, error) {
	serial, err := c.Send(msg)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)

	for {
		for {
			m, err := c.nextFrame()
			if err != nil {
				return nil, err
			}
			if m == nil {
				break
			}

			if rs, ok := m.ReplySerial(); ok && rs == serial {
				if m.Type == dbus.TypeError {
					return nil, fault.Context(replyError(m), "call "+msg.Name())
				}
				return m, nil
			}

			c.incoming.Add(m)
		}

		if err := c.waitIO(deadline); err != nil {
			return nil, fault.Context(err, "call "+msg.Name())
		}
	}
}

func replyError(m *wire.Message) error {
	var body []any

	if root, err := wire.Decode(m); err == nil && len(root.Children) > 0 {
		body = append(body, root.Children[0].Node.Value)
	}

	return dbus.NewError(m.ErrorName(), body)
}

// Handle reacts to readiness of the socket of the connection: pending output
// is written, available input is read, and queued messages are dispatched.
func (c *Conn) Handle(h loop.Handle) error {
	if c.closed {
		return nil
	}

	if h.Events&loop.Writable != 0 {
		if err := c.flush(); err != nil {
			return err
		}
	}

	var readErr error
	if h.Events&(loop.Readable|loop.Hangup|loop.Failed) != 0 {
		readErr = c.read()
	}

	for {
		m, err := c.nextFrame()
		if err != nil {
			return err
		}
		if m == nil {
			break
		}
		c.incoming.Add(m)
	}

	c.Dispatch()

	return readErr
}

// Dispatch delivers queued messages: signals go to the registered handlers,
// method calls are answered with an error, and stale replies are dropped.
func (c *Conn) Dispatch() {
	for c.incoming.Length() > 0 {
		m := c.incoming.Remove().(*wire.Message)

		switch m.Type {
		case dbus.TypeSignal:
			for _, h := range c.handlers {
				if (h.iface == "" || h.iface == m.Interface()) && (h.member == "" || h.member == m.Member()) {
					h.fn(m)
				}
			}
		case dbus.TypeMethodCall:
			if m.Flags&dbus.FlagNoReplyExpected == 0 {
				c.replyUnknownMethod(m)
			}
		default:
			c.log.Debug().Uint32("serial", m.Serial).Msg("dropping unexpected reply")
		}
	}
}

func (c *Conn) replyUnknownMethod(call *wire.Message) {
	reply := &wire.Message{
		Type:  dbus.TypeError,
		Flags: dbus.FlagNoReplyExpected,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldErrorName:   dbus.MakeVariant("org.freedesktop.DBus.Error.UnknownMethod"),
			dbus.FieldReplySerial: dbus.MakeVariant(call.Serial),
		},
		Order: call.Order,
		Args:  []any{fmt.Sprintf("no method %s on %s", call.Name(), call.Path())},
	}
	if sender := call.Sender(); sender != "" {
		reply.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}

	if _, err := c.Send(reply); err != nil {
		c.log.Debug().Err(err).Msg("failed to reply to method call")
	}
}

// Close closes the socket and withdraws its watch.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}

	if c.removeWatch != nil {
		c.removeWatch(c.watch)
	}
	c.closed = true

	if err := unix.Close(c.fd); err != nil {
		return fault.Wrap(fault.Transport, err, "close connection")
	}

	return nil
}

// waitIO blocks on the socket until it is readable or deadline passes, and
// performs the ready operations.
func (c *Conn) waitIO(deadline time.Time) error {
	if c.closed {
		return fault.New(fault.Transport, "connection is closed")
	}

	for {
		events := int16(unix.POLLIN)
		if len(c.wbuf) > 0 {
			events |= unix.POLLOUT
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fault.Errorf(fault.Transport, "no reply within %s", c.timeout)
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fault.Wrap(fault.Transport, err, "poll connection")
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLOUT != 0 {
			if err := c.flush(); err != nil {
				return err
			}
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			return c.read()
		}
	}
}

// flushWait writes all pending output, blocking until deadline.
func (c *Conn) flushWait(deadline time.Time) error {
	for len(c.wbuf) > 0 {
		if err := c.flush(); err != nil {
			return err
		}
		if len(c.wbuf) == 0 {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fault.New(fault.Transport, "write timed out")
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, int(remaining.Milliseconds())+1); err != nil && !errors.Is(err, unix.EINTR) {
			return fault.Wrap(fault.Transport, err, "poll connection")
		}
	}
	return nil
}

// flush writes as much pending output as the socket accepts.
func (c *Conn) flush() error {
	for len(c.wbuf) > 0 {
		n, err := unix.Write(c.fd, c.wbuf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			c.fail()
			return fault.Wrap(fault.Transport, err, "write to bus")
		}
		c.wbuf = c.wbuf[n:]
	}

	c.wbuf = nil
	return nil
}

// read appends everything available on the socket to the read buffer.
func (c *Conn) read() error {
	var chunk [readChunk]byte

	for {
		n, err := unix.Read(c.fd, chunk[:])
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			c.fail()
			return fault.Wrap(fault.Transport, err, "read from bus")
		case n == 0:
			c.fail()
			return fault.New(fault.Transport, "connection closed by peer")
		}

		c.rbuf = append(c.rbuf, chunk[:n]...)
	}
}

// nextFrame removes one complete message from the read buffer. It returns
// nil if the buffer holds no complete message.
func (c *Conn) nextFrame() (*wire.Message, error) {
	if len(c.rbuf) < 16 {
		return nil, nil
	}

	length, err := wire.FrameLength(c.rbuf[:16])
	if err != nil {
		c.fail()
		return nil, fault.Context(err, "read message")
	}

	if len(c.rbuf) < length {
		return nil, nil
	}

	raw := slices.Clone(c.rbuf[:length])
	c.rbuf = append(c.rbuf[:0], c.rbuf[length:]...)

	msg, err := wire.Unmarshal(raw)
	if err != nil {
		return nil, fault.Context(err, "read message")
	}

	c.log.Trace().Uint32("serial", msg.Serial).Str("name", msg.Name()).Msg("received message")

	return msg, nil
}

// fail closes a connection whose stream can no longer be used.
func (c *Conn) fail() {
	if err := c.Close(); err != nil {
		c.log.Debug().Err(err).Msg("failed to close connection")
	}
}

// Watch is the readiness handle of a connection socket. Its mask is computed
// when the loop aggregates: readable while open, writable while output is
// pending, disabled once closed.
type Watch struct {
	conn *Conn
}

func (w *Watch) Handle() loop.Handle {
	c := w.conn
	if c.closed {
		return loop.Handle{Fd: c.fd}
	}

	events := loop.Readable
	if len(c.wbuf) > 0 {
		events |= loop.Writable
	}

	return loop.Handle{Fd: c.fd, Events: events}
}
