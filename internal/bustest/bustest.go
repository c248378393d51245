// Package bustest provides an in-process message bus for tests.
package bustest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/shelepuginivan/systat/wire"
)

// GUID is the server GUID sent after authentication.
const GUID = "0123456789abcdef0123456789abcdef"

// UniqueName is the name assigned to the client by Hello.
const UniqueName = ":1.42"

// Handler answers a method call other than Hello, AddMatch and RemoveMatch.
// A nil reply leaves the call unanswered.
type Handler func(s *Server, call *wire.Message) *wire.Message

// Server is a single-client message bus speaking just enough of the protocol
// to exercise a client connection. It accepts both the direct
// "AUTH EXTERNAL" handshake and the probing one that starts with a bare
// "AUTH" and negotiates descriptor passing.
type Server struct {
	Address string

	// Calls receives every message sent by the client.
	Calls chan *wire.Message

	// Auth receives the AUTH line that carried the credentials.
	Auth chan string

	mu     sync.Mutex
	conn   net.Conn
	serial uint32
	handle Handler
}

// New starts a server listening on a socket in a temporary directory.
func New(t *testing.T, handle Handler) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bus")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	s := &Server{
		Address: "unix:path=" + path,
		Calls:   make(chan *wire.Message, 256),
		Auth:    make(chan string, 1),
		handle:  handle,
	}

	go s.serve(ln)

	t.Cleanup(func() {
		ln.Close()
		s.Hangup()
	})

	return s
}

func (s *Server) serve(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	r := bufio.NewReader(conn)

	if nul, err := r.ReadByte(); err != nil || nul != 0 {
		return
	}

	if !s.handshake(r, conn) {
		return
	}

	for {
		msg, err := readMessage(r)
		if err != nil {
			return
		}

		s.Calls <- msg

		if msg.Type != dbus.TypeMethodCall {
			continue
		}

		var reply *wire.Message
		switch msg.Name() {
		case "org.freedesktop.DBus.Hello":
			reply = ReplyTo(msg, "s", func(enc *wire.Encoder) { enc.String(UniqueName) })
		case "org.freedesktop.DBus.AddMatch", "org.freedesktop.DBus.RemoveMatch":
			reply = ReplyTo(msg, "", nil)
		default:
			if s.handle != nil {
				reply = s.handle(s, msg)
			}
		}

		if reply != nil {
			s.Send(reply)
		}
	}
}

func (s *Server) handshake(r *bufio.Reader, w io.Writer) bool {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}

		var answer string
		switch cmd := strings.TrimSpace(line); {
		case cmd == "AUTH":
			answer = "REJECTED EXTERNAL"
		case strings.HasPrefix(cmd, "AUTH EXTERNAL"):
			s.Auth <- line
			answer = "OK " + GUID
		case cmd == "NEGOTIATE_UNIX_FD":
			answer = "ERROR"
		case cmd == "BEGIN":
			return true
		default:
			answer = "ERROR"
		}

		if _, err := io.WriteString(w, answer+"\r\n"); err != nil {
			return false
		}
	}
}

func readMessage(r *bufio.Reader) (*wire.Message, error) {
	prefix := make([]byte, 16)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	length, err := wire.FrameLength(prefix)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, length)
	copy(raw, prefix)
	if _, err := io.ReadFull(r, raw[16:]); err != nil {
		return nil, err
	}

	return wire.Unmarshal(raw)
}

// Send assigns the next serial to msg and writes it to the client.
func (s *Server) Send(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}

	s.serial++
	msg.Serial = s.serial

	raw, err := msg.Marshal()
	if err != nil {
		return
	}

	s.conn.Write(raw)
}

// Hangup closes the client connection.
func (s *Server) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
}

// Next returns the next message sent by the client that satisfies match,
// skipping the others.
func (s *Server) Next(t *testing.T, match func(*wire.Message) bool) *wire.Message {
	t.Helper()

	for msg := range s.Calls {
		if match(msg) {
			return msg
		}
	}

	t.Fatal("bus closed")
	return nil
}

// ReplyTo returns a method return for call whose body of signature sig is
// written by body. The body is marshalled by hand so that tests can send
// shapes godbus refuses to encode.
func ReplyTo(call *wire.Message, sig string, body func(*wire.Encoder)) *wire.Message {
	reply := &wire.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(call.Serial),
			dbus.FieldSender:      dbus.MakeVariant("org.freedesktop.DBus"),
		},
		Order: binary.LittleEndian,
	}

	if sender := call.Sender(); sender != "" {
		reply.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}

	if body != nil {
		enc := wire.NewEncoder(binary.LittleEndian)
		body(enc)
		reply.SetBody(sig, enc.Bytes())
	}

	return reply
}

// ErrorTo returns an error reply for call.
func ErrorTo(call *wire.Message, name, text string) *wire.Message {
	return &wire.Message{
		Type: dbus.TypeError,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(call.Serial),
			dbus.FieldErrorName:   dbus.MakeVariant(name),
		},
		Order: binary.LittleEndian,
		Args:  []any{text},
	}
}

// Signal returns a signal without arguments.
func Signal(path dbus.ObjectPath, iface, member string) *wire.Message {
	return &wire.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
			dbus.FieldSender:    dbus.MakeVariant(":1.7"),
		},
		Order: binary.LittleEndian,
	}
}

// NameOwnerChanged returns the signal the bus sends when the owner of name
// changes.
func NameOwnerChanged(name, oldOwner, newOwner string) *wire.Message {
	msg := Signal("/org/freedesktop/DBus", "org.freedesktop.DBus", "NameOwnerChanged")
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant("org.freedesktop.DBus")

	msg.Args = []any{name, oldOwner, newOwner}

	return msg
}

// StringArgs returns the arguments of msg as text.
func StringArgs(msg *wire.Message) []string {
	if len(msg.Args) > 0 {
		args := make([]string, 0, len(msg.Args))
		for _, arg := range msg.Args {
			args = append(args, fmt.Sprint(arg))
		}
		return args
	}

	root, err := wire.Decode(msg)
	if err != nil {
		return nil
	}

	var args []string
	for _, child := range root.Children {
		args = append(args, child.Node.Value)
	}
	return args
}
