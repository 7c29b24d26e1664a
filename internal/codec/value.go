// Package codec implements the tagged binary format used for every value
// that crosses the host/guest boundary. The format is fixed-width and
// little-endian regardless of platform byte order:
//
//	nil       0x00
//	bool      0x01  1 byte (0/1)
//	int       0x02  8 bytes, signed, little-endian
//	float     0x03  8 bytes, IEEE-754 double, little-endian
//	string    0x04  4-byte little-endian length, then raw bytes
//	table ref 0x05  4-byte little-endian table id
//
// Tag 0x06 is reserved for serialized function chunks and is owned by the
// luafunc package; this package treats it as an invalid value tag.
package codec

// Wire tag bytes. The tag uniquely selects the decoder branch; no two
// variants share a byte layout.
const (
	TagNil      byte = 0x00
	TagBool     byte = 0x01
	TagInt      byte = 0x02
	TagFloat    byte = 0x03
	TagString   byte = 0x04
	TagTableRef byte = 0x05
)

// Value is the closed set of guest values the bridge can carry. The
// unexported method seals the union: a new scriptable type means a new
// variant and a new wire tag, never an open "any" escape hatch.
type Value interface {
	wireTag() byte
}

// Nil is the absent value. Writing it to a table key is a delete.
type Nil struct{}

// Bool is a guest boolean.
type Bool bool

// Int is a 64-bit integer.
type Int int64

// Float is an IEEE-754 double. Encoding is bit-exact, including negative
// zero and NaN payloads.
type Float float64

// Str is a guest string. It owns its bytes only for the duration of one
// encode or decode call; nothing retains a reference across the boundary.
type Str string

// TableRef names an external table by id. Id 0 is reserved and never
// refers to an allocated table.
type TableRef uint32

func (Nil) wireTag() byte      { return TagNil }
func (Bool) wireTag() byte     { return TagBool }
func (Int) wireTag() byte      { return TagInt }
func (Float) wireTag() byte    { return TagFloat }
func (Str) wireTag() byte      { return TagString }
func (TableRef) wireTag() byte { return TagTableRef }
