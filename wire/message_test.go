package wire

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/shelepuginivan/systat/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodCallRoundTrip(t *testing.T) {
	call := NewMethodCall(
		"org.freedesktop.NetworkManager",
		"/org/freedesktop/NetworkManager",
		"org.freedesktop.DBus.Properties",
		"Get",
		"org.freedesktop.NetworkManager", "PrimaryConnection",
	)
	call.Serial = 7

	raw, err := call.Marshal()
	require.NoError(t, err)

	length, err := FrameLength(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), length)

	msg, err := Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, dbus.TypeMethodCall, msg.Type)
	assert.Equal(t, uint32(7), msg.Serial)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/NetworkManager"), msg.Path())
	assert.Equal(t, "org.freedesktop.DBus.Properties.Get", msg.Name())
	assert.Equal(t, "ss", msg.Signature())

	root, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, []Child{leaf("org.freedesktop.NetworkManager"), leaf("PrimaryConnection")}, root.Children)
}

func TestReplyRoundTripBigEndian(t *testing.T) {
	enc := NewEncoder(binary.BigEndian)
	enc.Variant("y", func(enc *Encoder) { enc.Byte(80) })

	reply := &Message{
		Type:   dbus.TypeMethodReply,
		Serial: 12,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(uint32(3)),
			dbus.FieldSender:      dbus.MakeVariant("org.freedesktop.NetworkManager"),
		},
		Order: binary.BigEndian,
	}
	require.NoError(t, reply.SetBody("v", enc.Bytes()))

	raw, err := reply.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte('B'), raw[0])

	msg, err := Unmarshal(raw)
	require.NoError(t, err)

	serial, ok := msg.ReplySerial()
	require.True(t, ok)
	assert.Equal(t, uint32(3), serial)
	assert.Equal(t, "org.freedesktop.NetworkManager", msg.Sender())

	root, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, []Child{leaf("80")}, root.Children)
}

func TestSetBodyRejectsInvalidSignature(t *testing.T) {
	msg := &Message{}
	err := msg.SetBody("a{", nil)
	assert.True(t, errors.Is(err, fault.MalformedStructure))
}

func TestFrameLengthErrors(t *testing.T) {
	_, err := FrameLength([]byte{'l', 1})
	assert.True(t, errors.Is(err, fault.MalformedStructure))

	prefix := make([]byte, 16)
	prefix[0] = 'x'
	_, err = FrameLength(prefix)
	assert.True(t, errors.Is(err, fault.MalformedStructure))

	prefix[0] = 'l'
	binary.LittleEndian.PutUint32(prefix[4:], 1<<28)
	_, err = FrameLength(prefix)
	assert.True(t, errors.Is(err, fault.MalformedStructure))
}

func TestUnmarshalLengthMismatch(t *testing.T) {
	call := NewMethodCall("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello")
	call.Serial = 1

	raw, err := call.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(append(raw, 0))
	assert.True(t, errors.Is(err, fault.MalformedStructure))
}

func TestMarshalArgsMatchHandWrittenBody(t *testing.T) {
	call := NewMethodCall("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "AddMatch", "type='signal'")
	call.Serial = 4
	assert.Equal(t, []any{"type='signal'"}, call.Args)

	enc := NewEncoder(binary.LittleEndian)
	enc.String("type='signal'")

	manual := NewMethodCall("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "AddMatch")
	manual.Serial = 4
	require.NoError(t, manual.SetBody("s", enc.Bytes()))

	fromArgs, err := call.Marshal()
	require.NoError(t, err)
	fromBody, err := manual.Marshal()
	require.NoError(t, err)

	a, err := Unmarshal(fromArgs)
	require.NoError(t, err)
	b, err := Unmarshal(fromBody)
	require.NoError(t, err)

	assert.Equal(t, b.Body, a.Body)
	assert.Equal(t, "s", a.Signature())
	assert.Equal(t, uint32(4), a.Serial)
}

func TestMarshalRejectsInvalidMessages(t *testing.T) {
	call := NewMethodCall("org.example", "/", "not an interface", "Ping")
	_, err := call.Marshal()
	assert.True(t, errors.Is(err, fault.MalformedStructure))

	both := NewMethodCall("org.example", "/", "org.example", "Ping", "x")
	both.Body = []byte{0}
	_, err = both.Marshal()
	assert.True(t, errors.Is(err, fault.MalformedStructure))
}
