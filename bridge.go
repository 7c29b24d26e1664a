package luakv

import (
	"encoding/binary"
	"fmt"
)

// hostBridge is the narrow surface between the proxy traps and host
// storage. Every call stages bytes through fixed-size reusable buffers:
// data is copied out of them before the store call and copied back in
// after it returns, so no buffer reference survives a crossing. Store
// failures are reported as ErrHostUnavailable; the caller's table id
// stays valid for retry.
type hostBridge struct {
	store   TableStore
	valBuf  []byte // staging for one encoded key or value
	keysBuf []byte // staging for one packed key enumeration
}

func newHostBridge(store TableStore, cfg Config) *hostBridge {
	return &hostBridge{
		store:   store,
		valBuf:  make([]byte, cfg.ValueBufferSize),
		keysBuf: make([]byte, cfg.KeysBufferSize),
	}
}

// valueBuf exposes the staging buffer for callers that encode in place
// before a set call. Its contents are only valid until the next crossing.
func (b *hostBridge) valueBuf() []byte { return b.valBuf }

func (b *hostBridge) set(id TableID, key string, value []byte) error {
	// The store keeps its own copy; the staging buffer is reused.
	owned := append([]byte(nil), value...)
	if err := b.store.Set(id, key, owned); err != nil {
		return fmt.Errorf("%w: set %q on table %d: %v", ErrHostUnavailable, key, id, err)
	}
	return nil
}

// get returns the stored bytes for key, staged in the bridge's value
// buffer. found=false means the key is absent (reads as nil). A stored
// value larger than the staging buffer is an error, not a partial read.
func (b *hostBridge) get(id TableID, key string) ([]byte, bool, error) {
	v, found, err := b.store.Get(id, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q on table %d: %v", ErrHostUnavailable, key, id, err)
	}
	if !found {
		return nil, false, nil
	}
	if len(v) > len(b.valBuf) {
		return nil, false, fmt.Errorf("%w: value for %q is %d bytes, staging buffer holds %d",
			ErrHostUnavailable, key, len(v), len(b.valBuf))
	}
	n := copy(b.valBuf, v)
	return b.valBuf[:n], true, nil
}

func (b *hostBridge) delete(id TableID, key string) error {
	if err := b.store.Delete(id, key); err != nil {
		return fmt.Errorf("%w: delete %q on table %d: %v", ErrHostUnavailable, key, id, err)
	}
	return nil
}

func (b *hostBridge) size(id TableID) (int, error) {
	n, err := b.store.Size(id)
	if err != nil {
		return 0, fmt.Errorf("%w: size of table %d: %v", ErrHostUnavailable, id, err)
	}
	return n, nil
}

// keys enumerates the table's keys. The enumeration crosses the boundary
// in packed form ([count:u32][len:u32][bytes]...), staged through the
// keys buffer, and is unpacked on the way back in.
func (b *hostBridge) keys(id TableID) ([]string, error) {
	raw, err := b.store.Keys(id)
	if err != nil {
		return nil, fmt.Errorf("%w: keys of table %d: %v", ErrHostUnavailable, id, err)
	}
	n, err := packKeys(b.keysBuf, raw)
	if err != nil {
		return nil, err
	}
	keys, err := unpackKeys(b.keysBuf[:n])
	if err != nil {
		// packKeys produced the bytes; failing to read them back is a bug.
		return nil, fmt.Errorf("luakv: internal key packing error: %w", err)
	}
	return keys, nil
}

// packKeys writes keys into dst as [count:u32][len1:u32][key1]... and
// returns the number of bytes written.
func packKeys(dst []byte, keys []string) (int, error) {
	need := 4
	for _, k := range keys {
		need += 4 + len(k)
	}
	if need > len(dst) {
		return 0, fmt.Errorf("%w: key enumeration needs %d bytes, staging buffer holds %d",
			ErrHostUnavailable, need, len(dst))
	}
	binary.LittleEndian.PutUint32(dst, uint32(len(keys)))
	off := 4
	for _, k := range keys {
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(k)))
		off += 4
		off += copy(dst[off:], k)
	}
	return off, nil
}

// unpackKeys parses a packed key enumeration.
func unpackKeys(buf []byte) ([]string, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("packed keys: truncated count")
	}
	count := int(binary.LittleEndian.Uint32(buf))
	keys := make([]string, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("packed keys: truncated length for key %d", i)
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return nil, fmt.Errorf("packed keys: key %d declares %d bytes past end", i, n)
		}
		keys = append(keys, string(buf[off:off+n]))
		off += n
	}
	if off != len(buf) {
		return nil, fmt.Errorf("packed keys: %d trailing bytes", len(buf)-off)
	}
	return keys, nil
}
