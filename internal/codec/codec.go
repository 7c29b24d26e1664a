package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrBufferTooSmall reports that the destination buffer cannot hold the
	// encoded value. Nothing is written; the caller may retry with a larger
	// buffer.
	ErrBufferTooSmall = errors.New("codec: buffer too small")

	// ErrInvalidFormat reports bytes that do not decode as a value: unknown
	// tag, truncated payload, or a declared length past the end of the
	// buffer. Decoding never performs a partial read.
	ErrInvalidFormat = errors.New("codec: invalid format")

	// ErrInvalidKey reports a value that cannot be used as a table key.
	ErrInvalidKey = errors.New("codec: value is not a valid table key")
)

// EncodedLen returns the exact number of bytes Encode will write for v.
func EncodedLen(v Value) int {
	switch v := v.(type) {
	case Nil:
		return 1
	case Bool:
		return 2
	case Int, Float:
		return 9
	case Str:
		return 5 + len(v)
	case TableRef:
		return 5
	}
	panic(fmt.Sprintf("codec: unknown value type %T", v))
}

// Encode writes v into buf and returns the number of bytes written.
// The write is atomic: if buf is too small, Encode returns
// ErrBufferTooSmall and buf is untouched.
func Encode(v Value, buf []byte) (int, error) {
	n := EncodedLen(v)
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(buf))
	}
	switch v := v.(type) {
	case Nil:
		buf[0] = TagNil
	case Bool:
		buf[0] = TagBool
		if v {
			buf[1] = 1
		} else {
			buf[1] = 0
		}
	case Int:
		buf[0] = TagInt
		binary.LittleEndian.PutUint64(buf[1:], uint64(v))
	case Float:
		buf[0] = TagFloat
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(float64(v)))
	case Str:
		buf[0] = TagString
		binary.LittleEndian.PutUint32(buf[1:], uint32(len(v)))
		copy(buf[5:], v)
	case TableRef:
		buf[0] = TagTableRef
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
	}
	return n, nil
}

// Append encodes v onto the end of dst and returns the extended slice.
func Append(v Value, dst []byte) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, EncodedLen(v))...)
	if _, err := Encode(v, dst[off:]); err != nil {
		// EncodedLen sized the slice; a failure here is a codec bug.
		panic(err)
	}
	return dst
}

// Decode reads one value from the front of buf, returning it and the
// number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("%w: empty buffer", ErrInvalidFormat)
	}
	switch tag := buf[0]; tag {
	case TagNil:
		return Nil{}, 1, nil
	case TagBool:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("%w: truncated bool", ErrInvalidFormat)
		}
		return Bool(buf[1] != 0), 2, nil
	case TagInt:
		if len(buf) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated int", ErrInvalidFormat)
		}
		return Int(binary.LittleEndian.Uint64(buf[1:])), 9, nil
	case TagFloat:
		if len(buf) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated float", ErrInvalidFormat)
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(buf[1:]))), 9, nil
	case TagString:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("%w: truncated string length", ErrInvalidFormat)
		}
		n := int(binary.LittleEndian.Uint32(buf[1:]))
		if n < 0 || n > len(buf)-5 {
			return nil, 0, fmt.Errorf("%w: string length %d exceeds remaining %d bytes", ErrInvalidFormat, n, len(buf)-5)
		}
		return Str(buf[5 : 5+n]), 5 + n, nil
	case TagTableRef:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("%w: truncated table ref", ErrInvalidFormat)
		}
		return TableRef(binary.LittleEndian.Uint32(buf[1:])), 5, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidFormat, tag)
	}
}

// CanonicalKey formats a key value as the flat string the host store is
// keyed by: integers in decimal, floats like Lua's tostring ("%.14g"),
// strings verbatim. Numeric and string keys that format identically alias
// to the same slot (integer 1 and string "1" are the same key); that is a
// property of the flat string-keyed store, not a defect.
func CanonicalKey(v Value) (string, error) {
	switch v := v.(type) {
	case Int:
		return strconv.FormatInt(int64(v), 10), nil
	case Float:
		f := float64(v)
		if math.IsNaN(f) {
			return "", fmt.Errorf("%w: NaN key", ErrInvalidKey)
		}
		return strconv.FormatFloat(f, 'g', 14, 64), nil
	case Str:
		return string(v), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidKey, v)
	}
}
