package wire

import (
	"bytes"
	"encoding/binary"
	"maps"

	"github.com/godbus/dbus/v5"

	"github.com/shelepuginivan/systat/fault"
)

const (
	// prefixLength is the size of the fixed part of a message header plus the
	// length of the header field array.
	prefixLength = 16

	// maxMessageLength is the largest message allowed by the D-Bus
	// specification (128 MiB).
	maxMessageLength = 1 << 27
)

// Message is a framed D-Bus message. Header fields are kept in godbus types;
// the body is kept marshalled so that it can be decoded in wire order.
type Message struct {
	Type    dbus.Type
	Flags   dbus.Flags
	Serial  uint32
	Headers map[dbus.HeaderField]dbus.Variant
	Order   binary.ByteOrder
	Body    []byte

	// Args are encoded by godbus when the message is framed, in place of
	// Body. Received messages never have Args.
	Args []any
}

// NewMethodCall returns a method call with string arguments.
func NewMethodCall(dest string, path dbus.ObjectPath, iface, member string, args ...string) *Message {
	msg := &Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:   dbus.MakeVariant(path),
			dbus.FieldMember: dbus.MakeVariant(member),
		},
		Order: binary.LittleEndian,
	}

	if dest != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(dest)
	}

	if iface != "" {
		msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}

	for _, arg := range args {
		msg.Args = append(msg.Args, arg)
	}

	return msg
}

// SetBody sets the marshalled body and its signature.
func (m *Message) SetBody(sig string, body []byte) error {
	if m.Headers == nil {
		m.Headers = make(map[dbus.HeaderField]dbus.Variant)
	}

	if sig == "" {
		delete(m.Headers, dbus.FieldSignature)
	} else {
		s, err := dbus.ParseSignature(sig)
		if err != nil {
			return fault.Wrap(fault.MalformedStructure, err, "invalid body signature")
		}
		m.Headers[dbus.FieldSignature] = dbus.MakeVariant(s)
	}

	m.Body = body
	return nil
}

func (m *Message) header(field dbus.HeaderField) any {
	v, ok := m.Headers[field]
	if !ok {
		return nil
	}
	return v.Value()
}

func (m *Message) stringHeader(field dbus.HeaderField) string {
	s, _ := m.header(field).(string)
	return s
}

// Signature returns the signature of the body.
func (m *Message) Signature() string {
	sig, ok := m.header(dbus.FieldSignature).(dbus.Signature)
	if !ok {
		return ""
	}
	return sig.String()
}

// ReplySerial returns the serial of the message this one replies to.
func (m *Message) ReplySerial() (uint32, bool) {
	serial, ok := m.header(dbus.FieldReplySerial).(uint32)
	return serial, ok
}

// Path returns the object path the message is sent to or emitted from.
func (m *Message) Path() dbus.ObjectPath {
	path, _ := m.header(dbus.FieldPath).(dbus.ObjectPath)
	return path
}

// Interface returns the interface of a method call or signal.
func (m *Message) Interface() string {
	return m.stringHeader(dbus.FieldInterface)
}

// Member returns the method or signal name.
func (m *Message) Member() string {
	return m.stringHeader(dbus.FieldMember)
}

// ErrorName returns the name of an error reply.
func (m *Message) ErrorName() string {
	return m.stringHeader(dbus.FieldErrorName)
}

// Sender returns the unique name of the sender, as set by the bus.
func (m *Message) Sender() string {
	return m.stringHeader(dbus.FieldSender)
}

// Name returns the full member name of a method call or signal, such as
// "org.freedesktop.DBus.Properties.PropertiesChanged".
func (m *Message) Name() string {
	if iface := m.Interface(); iface != "" {
		return iface + "." + m.Member()
	}
	return m.Member()
}

// Marshal frames the message. Header fields and Args are encoded by godbus;
// a marshalled Body is appended as is.
func (m *Message) Marshal() ([]byte, error) {
	order := m.Order
	if order == nil {
		order = binary.LittleEndian
	}

	if len(m.Args) > 0 && len(m.Body) > 0 {
		return nil, fault.New(fault.MalformedStructure, "message has both arguments and a marshalled body")
	}

	msg := &dbus.Message{
		Type:    m.Type,
		Flags:   m.Flags,
		Headers: make(map[dbus.HeaderField]dbus.Variant, len(m.Headers)+1),
		Body:    m.Args,
	}
	maps.Copy(msg.Headers, m.Headers)

	if len(m.Args) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(m.Args...))
	} else if err := validSignature(m.Signature()); err != nil {
		return nil, fault.Context(err, "marshal message")
	}

	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf, order); err != nil {
		return nil, fault.Wrap(fault.MalformedStructure, err, "marshal message")
	}

	raw := buf.Bytes()

	// godbus keeps serials to itself and frames an empty body here.
	order.PutUint32(raw[8:12], m.Serial)
	if len(m.Body) > 0 {
		order.PutUint32(raw[4:8], uint32(len(m.Body)))
		raw = append(raw, m.Body...)
	}

	if len(raw) > maxMessageLength {
		return nil, fault.Errorf(fault.MalformedStructure, "message of %d bytes is too long", len(raw))
	}

	return raw, nil
}

func byteOrder(flag byte) (binary.ByteOrder, error) {
	switch flag {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, fault.Errorf(fault.MalformedStructure, "invalid byte order flag %q", flag)
	}
}

// FrameLength returns the total length of the message whose first 16 bytes
// are prefix.
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < prefixLength {
		return 0, fault.Errorf(fault.MalformedStructure, "message prefix of %d bytes is too short", len(prefix))
	}

	order, err := byteOrder(prefix[0])
	if err != nil {
		return 0, err
	}

	bodyLength := uint64(order.Uint32(prefix[4:8]))
	fieldsLength := uint64(order.Uint32(prefix[12:16]))
	total := uint64(align(int(prefixLength+fieldsLength), 8)) + bodyLength

	if total > maxMessageLength {
		return 0, fault.Errorf(fault.MalformedStructure, "message of %d bytes is too long", total)
	}

	return int(total), nil
}

// Unmarshal parses a complete frame. Header fields are decoded and validated
// by godbus; the body is kept as is.
func Unmarshal(raw []byte) (*Message, error) {
	length, err := FrameLength(raw)
	if err != nil {
		return nil, err
	}
	if length != len(raw) {
		return nil, fault.Errorf(fault.MalformedStructure, "frame of %d bytes, header announces %d", len(raw), length)
	}

	order, _ := byteOrder(raw[0])

	hdr, err := dbus.DecodeMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.Wrap(fault.MalformedStructure, err, "decode message header")
	}

	bodyStart := align(prefixLength+int(order.Uint32(raw[12:16])), 8)

	return &Message{
		Type:    hdr.Type,
		Flags:   hdr.Flags,
		Serial:  hdr.Serial(),
		Headers: hdr.Headers,
		Order:   order,
		Body:    raw[bodyStart:],
	}, nil
}
