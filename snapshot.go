package luakv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/fxamacker/cbor/v2"

	lua "github.com/yuin/gopher-lua"
)

// SnapshotMeta is the metadata record written alongside table contents.
// It is created fresh on the first save, read-modify-written on every
// later save, and read once at startup restore.
//
// Older revisions wrote the root id under "rootId"; the loader accepts
// either name and prefers the canonical one when both are present.
type SnapshotMeta struct {
	RootTableID uint32 `json:"root_table_id"`
	LegacyAlias bool   `json:"legacy_alias_enabled"`
	NextID      uint32 `json:"next_id"`
	SavedAt     string `json:"saved_at"`

	// OldRootID carries the legacy field name on the wire. It is only
	// consulted when the canonical field is absent and never written.
	OldRootID *uint32 `json:"rootId,omitempty"`
}

func decodeMeta(data []byte) (SnapshotMeta, error) {
	var m SnapshotMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return SnapshotMeta{}, fmt.Errorf("decoding snapshot metadata: %w", err)
	}
	if m.RootTableID == 0 && m.OldRootID != nil {
		m.RootTableID = *m.OldRootID
	}
	m.OldRootID = nil
	return m, nil
}

func encodeMeta(m SnapshotMeta) ([]byte, error) {
	m.OldRootID = nil
	return json.Marshal(m)
}

// tableContent is one table's snapshot record before compression.
type tableContent struct {
	ID      uint32            `cbor:"id"`
	Entries map[string][]byte `cbor:"entries"`
}

func encodeContent(id TableID, entries map[string][]byte) ([]byte, error) {
	raw, err := cbor.Marshal(tableContent{ID: uint32(id), Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encoding content record for table %d: %w", id, err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing content record for table %d: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing content record for table %d: %w", id, err)
	}
	return buf.Bytes(), nil
}

func decodeContent(data []byte) (tableContent, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return tableContent{}, fmt.Errorf("decompressing content record: %w", err)
	}
	var c tableContent
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return tableContent{}, fmt.Errorf("decoding content record: %w", err)
	}
	return c, nil
}

// Manager orchestrates snapshotting live tables into a SnapshotStore and
// restoring them after a process restart.
type Manager struct {
	rt   *Runtime
	snap SnapshotStore
}

// NewManager pairs a runtime with a snapshot store.
func NewManager(rt *Runtime, snap SnapshotStore) *Manager {
	return &Manager{rt: rt, snap: snap}
}

// Save persists every live table's contents, then the metadata record.
// Save is all-or-nothing from the manager's perspective: a content write
// failure aborts before metadata is touched, leaving the previous
// snapshot stale but consistent.
func (m *Manager) Save(rootID TableID, legacyAlias bool) error {
	ids, err := m.rt.LiveTableIDs()
	if err != nil {
		return fmt.Errorf("enumerating live tables: %w", err)
	}

	for _, id := range ids {
		entries, err := m.collectEntries(id)
		if err != nil {
			return err
		}
		content, err := encodeContent(id, entries)
		if err != nil {
			return err
		}
		if err := m.snap.WriteTable(id, content); err != nil {
			return fmt.Errorf("writing content record for table %d: %w", id, err)
		}
	}

	meta := SnapshotMeta{}
	if data, found, err := m.snap.ReadMeta(); err != nil {
		return fmt.Errorf("reading previous snapshot metadata: %w", err)
	} else if found {
		if prev, err := decodeMeta(data); err == nil {
			meta = prev
		}
	}
	meta.RootTableID = uint32(rootID)
	meta.LegacyAlias = legacyAlias
	meta.NextID = m.rt.NextID()
	meta.SavedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encoding snapshot metadata: %w", err)
	}
	if err := m.snap.WriteMeta(data); err != nil {
		return fmt.Errorf("writing snapshot metadata: %w", err)
	}
	return nil
}

func (m *Manager) collectEntries(id TableID) (map[string][]byte, error) {
	keys, err := m.rt.store.Keys(id)
	if err != nil {
		return nil, fmt.Errorf("enumerating table %d: %w", id, err)
	}
	entries := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, found, err := m.rt.store.Get(id, k)
		if err != nil {
			return nil, fmt.Errorf("reading table %d key %q: %w", id, k, err)
		}
		if !found {
			continue
		}
		entries[k] = append([]byte(nil), v...)
	}
	return entries, nil
}

// RestoreResult summarizes what a restore brought back.
type RestoreResult struct {
	Meta      SnapshotMeta
	Tables    int
	RootTable *lua.LTable
	RootID    TableID
	NextID    uint32
}

// Restore reads the snapshot back into the live store, rebinds a proxy
// for the root table under the configured global name (and, when the
// metadata enables it, under the legacy alias bound to the same id, so
// both names observe identical mutations), and reconciles the id
// counter. The counter is forced to max(restored ids)+1 even when the
// metadata claims less (a crash mid-save can leave the metadata
// understating it), and it never moves backward.
func (m *Manager) Restore() (RestoreResult, error) {
	data, found, err := m.snap.ReadMeta()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	if !found {
		return RestoreResult{}, ErrNoSnapshot
	}
	meta, err := decodeMeta(data)
	if err != nil {
		return RestoreResult{}, err
	}

	ids, err := m.snap.SnapshotIDs()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("enumerating snapshot tables: %w", err)
	}

	for _, id := range ids {
		blob, found, err := m.snap.ReadTable(id)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("reading content record for table %d: %w", id, err)
		}
		if !found {
			continue
		}
		content, err := decodeContent(blob)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("table %d: %w", id, err)
		}
		for k, v := range content.Entries {
			if err := m.rt.store.Set(id, k, v); err != nil {
				return RestoreResult{}, fmt.Errorf("restoring table %d key %q: %w", id, k, err)
			}
		}
		m.rt.reserveTableID(id)
	}
	m.rt.reserveCounter(meta.NextID)

	res := RestoreResult{
		Meta:   meta,
		Tables: len(ids),
		NextID: m.rt.NextID(),
	}
	if meta.RootTableID != 0 {
		rootID := TableID(meta.RootTableID)
		m.rt.reserveTableID(rootID)
		proxy := m.rt.bindProxy(rootID)
		m.rt.L.SetGlobal(m.rt.cfg.RootGlobal, proxy)
		if meta.LegacyAlias {
			// Same proxy object, same id: not a copy.
			m.rt.L.SetGlobal(m.rt.cfg.LegacyGlobal, proxy)
		}
		res.RootTable = proxy
		res.RootID = rootID
		res.NextID = m.rt.NextID()
	}
	return res, nil
}
