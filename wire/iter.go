package wire

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/shelepuginivan/systat/fault"
)

// maxArrayLength is the largest array length allowed by the D-Bus
// specification (64 MiB).
const maxArrayLength = 1 << 26

// Iter is a cursor over one container level of a marshalled message body.
// Type reports the tag at the current position; TypeInvalid marks the end of
// the level. Offsets are relative to the start of the body, which is always
// 8-byte aligned within a message.
type Iter struct {
	order binary.ByteOrder
	data  []byte

	// sig holds the types of this level. For an array level it holds the
	// single element type, repeated until end.
	sig   string
	spos  int
	off   int
	end   int
	array bool
	depth int
}

// NewIter returns an iterator over a body with the given signature.
func NewIter(order binary.ByteOrder, sig string, body []byte) (*Iter, error) {
	if err := validSignature(sig); err != nil {
		return nil, err
	}

	return &Iter{
		order: order,
		data:  body,
		sig:   sig,
		end:   -1,
	}, nil
}

// Type returns the type code at the current position.
func (it *Iter) Type() byte {
	if it.array {
		if it.off >= it.end {
			return TypeInvalid
		}
		return it.sig[0]
	}

	if it.spos >= len(it.sig) {
		return TypeInvalid
	}

	return it.sig[it.spos]
}

// current returns the complete type at the current position.
func (it *Iter) current() string {
	if it.array {
		return it.sig
	}

	// The signature of a level is validated when the level is entered.
	end, _ := nextType(it.sig, it.spos, 0)
	return it.sig[it.spos:end]
}

// Next moves past the current value.
func (it *Iter) Next() error {
	if it.Type() == TypeInvalid {
		return nil
	}

	typ := it.current()

	off, err := it.skip(typ, it.off, it.depth)
	if err != nil {
		return err
	}

	if it.array {
		if off == it.off {
			return fault.Errorf(fault.MalformedStructure, "array element of type %q has no width", typ)
		}
		if off > it.end {
			return fault.Errorf(fault.MalformedStructure, "array element of type %q overruns its array", typ)
		}
	} else {
		it.spos += len(typ)
	}

	it.off = off
	return nil
}

// Recurse returns an iterator over the contents of the container at the
// current position: the wrapped value of a variant, the elements of an array,
// or the members of a struct or dictionary entry.
func (it *Iter) Recurse() (*Iter, error) {
	if it.depth+1 > MaxDepth {
		return nil, fault.Errorf(fault.MalformedStructure, "body is nested deeper than %d levels", MaxDepth)
	}

	typ := it.current()
	sub := &Iter{
		order: it.order,
		data:  it.data,
		end:   -1,
		depth: it.depth + 1,
	}

	switch typ[0] {
	case TypeVariant:
		sig, off, err := it.readSignature(it.off)
		if err != nil {
			return nil, err
		}
		if err := singleType(sig); err != nil {
			return nil, fault.Wrap(fault.MalformedStructure, err, "invalid variant signature")
		}
		sub.sig = sig
		sub.off = off
	case TypeArray:
		start, length, err := it.arrayBounds(typ, it.off)
		if err != nil {
			return nil, err
		}
		sub.sig = typ[1:]
		sub.off = start
		sub.end = start + length
		sub.array = true
	case TypeStruct, TypeDictEntry:
		sub.sig = typ[1 : len(typ)-1]
		sub.off = align(it.off, 8)
	default:
		return nil, fault.Errorf(fault.MalformedStructure, "cannot recurse into basic type %q", typ)
	}

	return sub, nil
}

// Basic returns the text form of the basic value at the current position.
// Integers use their decimal representation, booleans "true" or "false".
func (it *Iter) Basic() (string, error) {
	off := it.off

	switch code := it.Type(); code {
	case TypeByte:
		if err := it.need(off, 1); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(it.data[off]), 10), nil
	case TypeBoolean:
		v, err := it.uint32(off)
		if err != nil {
			return "", err
		}
		if v > 1 {
			return "", fault.Errorf(fault.MalformedStructure, "invalid boolean value %d", v)
		}
		return strconv.FormatBool(v == 1), nil
	case TypeInt16, TypeUint16:
		off = align(off, 2)
		if err := it.need(off, 2); err != nil {
			return "", err
		}
		v := it.order.Uint16(it.data[off:])
		if code == TypeInt16 {
			return strconv.FormatInt(int64(int16(v)), 10), nil
		}
		return strconv.FormatUint(uint64(v), 10), nil
	case TypeInt32:
		v, err := it.uint32(off)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(int32(v)), 10), nil
	case TypeUint32:
		v, err := it.uint32(off)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(v), 10), nil
	case TypeInt64, TypeUint64, TypeDouble:
		off = align(off, 8)
		if err := it.need(off, 8); err != nil {
			return "", err
		}
		v := it.order.Uint64(it.data[off:])
		switch code {
		case TypeInt64:
			return strconv.FormatInt(int64(v), 10), nil
		case TypeUint64:
			return strconv.FormatUint(v, 10), nil
		default:
			return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64), nil
		}
	case TypeString, TypeObjectPath:
		s, _, err := it.readString(off)
		return s, err
	case TypeSignature:
		s, _, err := it.readSignature(off)
		return s, err
	case TypeInvalid:
		return "", fault.New(fault.MalformedStructure, "no value at end of container")
	default:
		return "", fault.Errorf(fault.UnsupportedType, "type not implemented: %c", code)
	}
}

// skip returns the offset right after the value of type typ at off.
func (it *Iter) skip(typ string, off, depth int) (int, error) {
	if depth > MaxDepth {
		return 0, fault.Errorf(fault.MalformedStructure, "body is nested deeper than %d levels", MaxDepth)
	}

	switch typ[0] {
	case TypeByte:
		return off + 1, it.need(off, 1)
	case TypeInt16, TypeUint16:
		off = align(off, 2)
		return off + 2, it.need(off, 2)
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD:
		off = align(off, 4)
		return off + 4, it.need(off, 4)
	case TypeInt64, TypeUint64, TypeDouble:
		off = align(off, 8)
		return off + 8, it.need(off, 8)
	case TypeString, TypeObjectPath:
		_, next, err := it.readString(off)
		return next, err
	case TypeSignature:
		_, next, err := it.readSignature(off)
		return next, err
	case TypeVariant:
		sig, next, err := it.readSignature(off)
		if err != nil {
			return 0, err
		}
		if err := singleType(sig); err != nil {
			return 0, fault.Wrap(fault.MalformedStructure, err, "invalid variant signature")
		}
		return it.skip(sig, next, depth+1)
	case TypeArray:
		start, length, err := it.arrayBounds(typ, off)
		if err != nil {
			return 0, err
		}
		return start + length, nil
	case TypeStruct, TypeDictEntry:
		off = align(off, 8)
		inner := typ[1 : len(typ)-1]
		for i := 0; i < len(inner); {
			j, err := nextType(inner, i, 0)
			if err != nil {
				return 0, err
			}
			if off, err = it.skip(inner[i:j], off, depth+1); err != nil {
				return 0, err
			}
			i = j
		}
		return off, nil
	default:
		return 0, fault.Errorf(fault.MalformedStructure, "invalid type code %q", typ[0])
	}
}

// arrayBounds returns the offset of the first element and the byte length of
// the array of type typ at off.
func (it *Iter) arrayBounds(typ string, off int) (int, int, error) {
	length, err := it.uint32(off)
	if err != nil {
		return 0, 0, err
	}
	if length > maxArrayLength {
		return 0, 0, fault.Errorf(fault.MalformedStructure, "array length %d exceeds the maximum", length)
	}

	start := align(align(off, 4)+4, alignment(typ[1]))
	if err := it.need(start, int(length)); err != nil {
		return 0, 0, err
	}

	return start, int(length), nil
}

func (it *Iter) readString(off int) (string, int, error) {
	length, err := it.uint32(off)
	if err != nil {
		return "", 0, err
	}

	start := align(off, 4) + 4
	if err := it.need(start, int(length)+1); err != nil {
		return "", 0, err
	}
	if it.data[start+int(length)] != 0 {
		return "", 0, fault.New(fault.MalformedStructure, "string is not nul-terminated")
	}

	return string(it.data[start : start+int(length)]), start + int(length) + 1, nil
}

func (it *Iter) readSignature(off int) (string, int, error) {
	if err := it.need(off, 1); err != nil {
		return "", 0, err
	}

	length := int(it.data[off])
	start := off + 1
	if err := it.need(start, length+1); err != nil {
		return "", 0, err
	}
	if it.data[start+length] != 0 {
		return "", 0, fault.New(fault.MalformedStructure, "signature is not nul-terminated")
	}

	return string(it.data[start : start+length]), start + length + 1, nil
}

func (it *Iter) uint32(off int) (uint32, error) {
	off = align(off, 4)
	if err := it.need(off, 4); err != nil {
		return 0, err
	}
	return it.order.Uint32(it.data[off:]), nil
}

func (it *Iter) need(off, n int) error {
	if off < 0 || n < 0 || off+n > len(it.data) {
		return fault.Errorf(fault.MalformedStructure, "body truncated: need %d bytes at offset %d, have %d", n, off, len(it.data))
	}
	return nil
}
