// Package luafunc serializes Lua closures so they can live in external
// tables and survive a restart. A serialized chunk is framed by its own
// wire tag (distinct from every value tag) followed by a validated
// header, so untrusted bytes are rejected before any prototype is
// reconstructed and handed to the interpreter.
//
// Chunk layout:
//
//	0x06                     wire tag
//	1B 4C 75 61              magic ("\x1bLua")
//	51                       version (Lua 5.1 semantics)
//	flags                    bit 0: function captures upvalues
//	prototype tree           code, constants, nested prototypes
//
// Debug information is not serialized; loaded functions report line 0.
package luafunc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	lua "github.com/yuin/gopher-lua"

	"github.com/luakv/luakv/internal/codec"
)

// WireTag frames serialized functions in external-table values. It is
// deliberately outside the value codec's tag set.
const WireTag byte = 0x06

const (
	chunkVersion     byte = 0x51
	flagHasUpvalues  byte = 1 << 0
	headerLen             = 7 // tag + magic + version + flags
	maxNestedProtos       = 255
)

var chunkMagic = [4]byte{0x1b, 'L', 'u', 'a'}

var (
	// ErrNotSerializable reports a callable that has no dumpable bytecode,
	// such as a Go-implemented function.
	ErrNotSerializable = errors.New("luafunc: function is not serializable")

	// ErrInvalidBytecode reports a chunk whose header or body does not
	// match the expected format. The bytes never reach the interpreter.
	ErrInvalidBytecode = errors.New("luafunc: invalid bytecode")

	// ErrUnsupportedUpvalues reports a chunk dumped from a closure that
	// captures upvalues. Loading it would bind the captures to empty
	// values, so it is refused instead.
	ErrUnsupportedUpvalues = errors.New("luafunc: function captures upvalues")
)

// Dump serializes fn's bytecode. Dumping a closure that captures upvalues
// succeeds (the bytes are still useful diagnostically) but the chunk is
// flagged and Load will refuse it.
func Dump(fn *lua.LFunction) ([]byte, error) {
	if fn == nil || fn.IsG || fn.Proto == nil {
		return nil, fmt.Errorf("%w: not a Lua-defined function", ErrNotSerializable)
	}
	flags := byte(0)
	if fn.Proto.NumUpvalues > 0 {
		flags |= flagHasUpvalues
	}

	out := make([]byte, 0, 64+8*len(fn.Proto.Code))
	out = append(out, WireTag)
	out = append(out, chunkMagic[:]...)
	out = append(out, chunkVersion, flags)
	return appendProto(out, fn.Proto), nil
}

// HasUpvalues reports whether a dumped chunk is flagged as capturing
// upvalues. It returns false for bytes that are not a chunk at all.
func HasUpvalues(b []byte) bool {
	return len(b) >= headerLen && b[0] == WireTag && b[6]&flagHasUpvalues != 0
}

// Load validates a dumped chunk and reconstructs a callable function in
// L. Header validation happens before any prototype is built; flagged
// chunks fail with ErrUnsupportedUpvalues rather than producing a
// function with dangling captures.
func Load(L *lua.LState, b []byte) (*lua.LFunction, error) {
	if len(b) < headerLen || b[0] != WireTag {
		return nil, fmt.Errorf("%w: missing chunk header", ErrInvalidBytecode)
	}
	if [4]byte(b[1:5]) != chunkMagic {
		return nil, fmt.Errorf("%w: bad magic % x", ErrInvalidBytecode, b[1:5])
	}
	if b[5] != chunkVersion {
		return nil, fmt.Errorf("%w: version 0x%02x, want 0x%02x", ErrInvalidBytecode, b[5], chunkVersion)
	}
	if b[6]&flagHasUpvalues != 0 {
		return nil, ErrUnsupportedUpvalues
	}

	r := &chunkReader{buf: b[headerLen:]}
	proto, err := r.proto(0)
	if err != nil {
		return nil, err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBytecode, len(r.buf))
	}
	if err := rebuildConstantCache(proto); err != nil {
		return nil, err
	}
	return L.NewFunctionFromProto(proto), nil
}

func appendProto(out []byte, p *lua.FunctionProto) []byte {
	out = codec.Append(codec.Str(p.SourceName), out)
	out = binary.LittleEndian.AppendUint32(out, uint32(p.LineDefined))
	out = binary.LittleEndian.AppendUint32(out, uint32(p.LastLineDefined))
	out = append(out, p.NumUpvalues, p.NumParameters, p.IsVarArg, p.NumUsedRegisters)

	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Code)))
	for _, ins := range p.Code {
		out = binary.LittleEndian.AppendUint32(out, ins)
	}

	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Constants)))
	for _, c := range p.Constants {
		out = codec.Append(constantValue(c), out)
	}

	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.FunctionPrototypes)))
	for _, sub := range p.FunctionPrototypes {
		out = appendProto(out, sub)
	}
	return out
}

// constantValue maps a prototype constant to its codec variant. Constants
// in a Lua 5.1 prototype are nil, booleans, numbers, or strings.
func constantValue(c lua.LValue) codec.Value {
	switch c := c.(type) {
	case *lua.LNilType:
		return codec.Nil{}
	case lua.LBool:
		return codec.Bool(c)
	case lua.LNumber:
		return codec.Float(c)
	case lua.LString:
		return codec.Str(c)
	default:
		// The compiler only emits the four constant kinds above.
		panic(fmt.Sprintf("luafunc: unexpected constant type %T", c))
	}
}

type chunkReader struct {
	buf []byte
}

func (r *chunkReader) u32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, fmt.Errorf("%w: truncated chunk", ErrInvalidBytecode)
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

func (r *chunkReader) u8() (byte, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("%w: truncated chunk", ErrInvalidBytecode)
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v, nil
}

func (r *chunkReader) value() (codec.Value, error) {
	v, n, err := codec.Decode(r.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBytecode, err)
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *chunkReader) proto(depth int) (*lua.FunctionProto, error) {
	if depth > maxNestedProtos {
		return nil, fmt.Errorf("%w: prototype nesting too deep", ErrInvalidBytecode)
	}
	p := &lua.FunctionProto{}

	src, err := r.value()
	if err != nil {
		return nil, err
	}
	s, ok := src.(codec.Str)
	if !ok {
		return nil, fmt.Errorf("%w: source name is not a string", ErrInvalidBytecode)
	}
	p.SourceName = string(s)

	ld, err := r.u32()
	if err != nil {
		return nil, err
	}
	lld, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.LineDefined = int(ld)
	p.LastLineDefined = int(lld)

	for _, dst := range []*uint8{&p.NumUpvalues, &p.NumParameters, &p.IsVarArg, &p.NumUsedRegisters} {
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		*dst = b
	}

	ncode, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(ncode) > len(r.buf)/4 {
		return nil, fmt.Errorf("%w: code length %d exceeds chunk", ErrInvalidBytecode, ncode)
	}
	p.Code = make([]uint32, ncode)
	for i := range p.Code {
		ins, err := r.u32()
		if err != nil {
			return nil, err
		}
		p.Code[i] = ins
	}

	nconst, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(nconst) > len(r.buf) {
		return nil, fmt.Errorf("%w: constant count %d exceeds chunk", ErrInvalidBytecode, nconst)
	}
	p.Constants = make([]lua.LValue, nconst)
	for i := range p.Constants {
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case codec.Nil:
			p.Constants[i] = lua.LNil
		case codec.Bool:
			p.Constants[i] = lua.LBool(v)
		case codec.Float:
			p.Constants[i] = lua.LNumber(v)
		case codec.Str:
			p.Constants[i] = lua.LString(v)
		default:
			return nil, fmt.Errorf("%w: constant %d has non-constant tag", ErrInvalidBytecode, i)
		}
	}

	nsub, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(nsub) > maxNestedProtos {
		return nil, fmt.Errorf("%w: prototype count %d exceeds limit", ErrInvalidBytecode, nsub)
	}
	p.FunctionPrototypes = make([]*lua.FunctionProto, nsub)
	for i := range p.FunctionPrototypes {
		sub, err := r.proto(depth + 1)
		if err != nil {
			return nil, err
		}
		p.FunctionPrototypes[i] = sub
	}

	// Debug info is not serialized, but the VM's traceback path indexes
	// these slices by pc and upvalue number, so they must exist.
	p.DbgSourcePositions = make([]int, len(p.Code))
	p.DbgUpvalues = make([]string, p.NumUpvalues)
	p.DbgLocals = []*lua.DbgLocalInfo{}
	p.DbgCalls = []lua.DbgCall{}

	return p, nil
}

// rebuildConstantCache repopulates the prototype's unexported
// string-constant cache, which the VM consults for constant-indexed
// instructions and the compiler normally derives from Constants. Access
// goes through reflect+unsafe; if the interpreter's layout ever stops
// matching, loading fails cleanly instead of producing a half-wired
// prototype.
func rebuildConstantCache(p *lua.FunctionProto) error {
	sc := make([]string, len(p.Constants))
	for i, c := range p.Constants {
		if s, ok := c.(lua.LString); ok {
			sc[i] = string(s)
		}
	}

	f := reflect.ValueOf(p).Elem().FieldByName("stringConstants")
	if !f.IsValid() || f.Type() != reflect.TypeOf([]string(nil)) {
		return fmt.Errorf("%w: interpreter prototype layout changed, cannot rebuild constant cache", ErrInvalidBytecode)
	}
	reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem().Set(reflect.ValueOf(sc))

	for _, sub := range p.FunctionPrototypes {
		if err := rebuildConstantCache(sub); err != nil {
			return err
		}
	}
	return nil
}
