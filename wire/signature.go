package wire

import "github.com/shelepuginivan/systat/fault"

// Type codes of the D-Bus type system.
const (
	TypeInvalid    byte = 0
	TypeByte       byte = 'y'
	TypeBoolean    byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeDouble     byte = 'd'
	TypeUnixFD     byte = 'h'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeVariant    byte = 'v'
	TypeArray      byte = 'a'
	TypeStruct     byte = '('
	TypeDictEntry  byte = '{'
)

// MaxDepth is the deepest container nesting accepted in signatures and
// message bodies.
const MaxDepth = 64

// alignment returns the alignment of values of the given type code.
func alignment(code byte) int {
	switch code {
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD, TypeString, TypeObjectPath, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 1
	}
}

func align(off, n int) int {
	return (off + n - 1) / n * n
}

// nextType returns the index right after the single complete type starting at
// sig[i].
//
// Dictionary entries are accepted with any number of members, so that an
// empty entry reaches the decoder and is reported there.
func nextType(sig string, i, depth int) (int, error) {
	if depth > MaxDepth {
		return 0, fault.Errorf(fault.MalformedStructure, "signature %q is nested too deeply", sig)
	}
	if i >= len(sig) {
		return 0, fault.Errorf(fault.MalformedStructure, "signature %q ends unexpectedly", sig)
	}

	switch c := sig[i]; c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeUnixFD, TypeString,
		TypeObjectPath, TypeSignature, TypeVariant:
		return i + 1, nil
	case TypeArray:
		return nextType(sig, i+1, depth+1)
	case TypeStruct, TypeDictEntry:
		closer := byte(')')
		if c == TypeDictEntry {
			closer = '}'
		}

		j := i + 1
		for j < len(sig) && sig[j] != closer {
			next, err := nextType(sig, j, depth+1)
			if err != nil {
				return 0, err
			}
			j = next
		}

		if j >= len(sig) {
			return 0, fault.Errorf(fault.MalformedStructure, "signature %q: unterminated %c", sig, c)
		}

		return j + 1, nil
	default:
		return 0, fault.Errorf(fault.MalformedStructure, "signature %q: invalid type code %q", sig, c)
	}
}

// validSignature checks that sig is a sequence of complete types.
func validSignature(sig string) error {
	for i := 0; i < len(sig); {
		next, err := nextType(sig, i, 0)
		if err != nil {
			return err
		}
		i = next
	}
	return nil
}

// singleType checks that sig is exactly one complete type, as required for
// variant and array element signatures.
func singleType(sig string) error {
	end, err := nextType(sig, 0, 0)
	if err != nil {
		return err
	}
	if end != len(sig) {
		return fault.Errorf(fault.MalformedStructure, "signature %q is not a single complete type", sig)
	}
	return nil
}
