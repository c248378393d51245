package wire

import (
	"encoding/binary"
	"math"
)

// Encoder marshals values into a message body. Alignment is computed relative
// to the start of the body.
type Encoder struct {
	order binary.ByteOrder
	buf   []byte
	tmp   [8]byte
}

// NewEncoder returns an empty [Encoder] using the given byte order.
func NewEncoder(order binary.ByteOrder) *Encoder {
	return &Encoder{order: order}
}

// Bytes returns the marshalled body.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) pad(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

// Byte writes a byte.
func (e *Encoder) Byte(v byte) {
	e.buf = append(e.buf, v)
}

// Bool writes a boolean as a 4-byte integer.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// Int16 writes a 16-bit signed integer.
func (e *Encoder) Int16(v int16) {
	e.Uint16(uint16(v))
}

// Uint16 writes a 16-bit unsigned integer.
func (e *Encoder) Uint16(v uint16) {
	e.pad(2)
	e.order.PutUint16(e.tmp[:2], v)
	e.buf = append(e.buf, e.tmp[:2]...)
}

// Int32 writes a 32-bit signed integer.
func (e *Encoder) Int32(v int32) {
	e.Uint32(uint32(v))
}

// Uint32 writes a 32-bit unsigned integer.
func (e *Encoder) Uint32(v uint32) {
	e.pad(4)
	e.order.PutUint32(e.tmp[:4], v)
	e.buf = append(e.buf, e.tmp[:4]...)
}

// Int64 writes a 64-bit signed integer.
func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

// Uint64 writes a 64-bit unsigned integer.
func (e *Encoder) Uint64(v uint64) {
	e.pad(8)
	e.order.PutUint64(e.tmp[:8], v)
	e.buf = append(e.buf, e.tmp[:8]...)
}

// Double writes an IEEE 754 double.
func (e *Encoder) Double(v float64) {
	e.Uint64(math.Float64bits(v))
}

// String writes a string; object paths use the same encoding.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// Signature writes a type signature.
func (e *Encoder) Signature(sig string) {
	e.buf = append(e.buf, byte(len(sig)))
	e.buf = append(e.buf, sig...)
	e.buf = append(e.buf, 0)
}

// Variant writes the signature of the wrapped value followed by the value
// written by fn.
func (e *Encoder) Variant(sig string, fn func(*Encoder)) {
	e.Signature(sig)
	fn(e)
}

// Array writes an array whose elements have type elem and are written by fn.
// The length prefix is patched once fn returns.
func (e *Encoder) Array(elem string, fn func(*Encoder)) {
	e.Uint32(0)
	lengthAt := len(e.buf) - 4

	e.pad(alignment(elem[0]))
	start := len(e.buf)

	fn(e)

	e.order.PutUint32(e.buf[lengthAt:], uint32(len(e.buf)-start))
}

// Struct writes a struct or dictionary entry whose members are written by fn.
func (e *Encoder) Struct(fn func(*Encoder)) {
	e.pad(8)
	fn(e)
}
