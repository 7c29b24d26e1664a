package luakv

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

// memSnapStore is an in-memory SnapshotStore for tests.
type memSnapStore struct {
	meta      []byte
	tables    map[TableID][]byte
	failTable bool
	failMeta  bool
}

func newMemSnapStore() *memSnapStore {
	return &memSnapStore{tables: make(map[TableID][]byte)}
}

func (s *memSnapStore) WriteMeta(data []byte) error {
	if s.failMeta {
		return fmt.Errorf("meta write refused")
	}
	s.meta = append([]byte(nil), data...)
	return nil
}

func (s *memSnapStore) ReadMeta() ([]byte, bool, error) {
	if s.meta == nil {
		return nil, false, nil
	}
	return s.meta, true, nil
}

func (s *memSnapStore) WriteTable(id TableID, content []byte) error {
	if s.failTable {
		return fmt.Errorf("content write refused")
	}
	s.tables[id] = append([]byte(nil), content...)
	return nil
}

func (s *memSnapStore) ReadTable(id TableID) ([]byte, bool, error) {
	c, ok := s.tables[id]
	return c, ok, nil
}

func (s *memSnapStore) SnapshotIDs() ([]TableID, error) {
	ids := make([]TableID, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestSnapshot_SaveRestoreAcrossRuntimes(t *testing.T) {
	snap := newMemSnapStore()

	rt1 := NewRuntime(DefaultConfig(), NewMemStore())
	err := rt1.L.DoString(`
		t = ext.table()
		t.name = "alice"
		t.count = 3
		root_id = ext.id(t)
	`)
	if err != nil {
		t.Fatalf("DoString: %v", err)
	}
	rootID := TableID(rt1.L.GetGlobal("root_id").(lua.LNumber))
	if err := NewManager(rt1, snap).Save(rootID, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	wantNext := rt1.NextID()
	rt1.Close()

	// Full restart: fresh interpreter, fresh live store.
	rt2 := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt2.Close()
	res, err := NewManager(rt2, snap).Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.RootID != rootID {
		t.Errorf("RootID = %d, want %d", res.RootID, rootID)
	}
	if rt2.NextID() < wantNext {
		t.Errorf("NextID = %d, want >= %d", rt2.NextID(), wantNext)
	}

	err = rt2.L.DoString(`
		assert(root.name == "alice", "restored string")
		assert(root.count == 3, "restored number")
		assert(legacy_root.name == "alice", "legacy alias reads same table")
		legacy_root.extra = true
		assert(root.extra == true, "alias writes same table")
	`)
	if err != nil {
		t.Fatalf("post-restore checks: %v", err)
	}
}

func TestSnapshot_RestoreNeverDecreasesNextID(t *testing.T) {
	snap := newMemSnapStore()

	// Metadata understates the counter (as after a crash mid-save), while
	// host storage reports a table with id 10.
	meta, _ := encodeMeta(SnapshotMeta{RootTableID: 1, NextID: 5, SavedAt: "2026-01-01T00:00:00Z"})
	if err := snap.WriteMeta(meta); err != nil {
		t.Fatal(err)
	}
	for _, id := range []TableID{1, 10} {
		content, err := encodeContent(id, map[string][]byte{"k": {0x00}})
		if err != nil {
			t.Fatalf("encodeContent: %v", err)
		}
		if err := snap.WriteTable(id, content); err != nil {
			t.Fatal(err)
		}
	}

	rt := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt.Close()
	if _, err := NewManager(rt, snap).Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rt.NextID() < 11 {
		t.Errorf("NextID = %d, want >= 11", rt.NextID())
	}
}

func TestSnapshot_MetaHonorsCounterAboveTables(t *testing.T) {
	snap := newMemSnapStore()
	meta, _ := encodeMeta(SnapshotMeta{RootTableID: 1, NextID: 50, SavedAt: "2026-01-01T00:00:00Z"})
	_ = snap.WriteMeta(meta)
	content, _ := encodeContent(1, map[string][]byte{"k": {0x00}})
	_ = snap.WriteTable(1, content)

	rt := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt.Close()
	if _, err := NewManager(rt, snap).Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rt.NextID() != 50 {
		t.Errorf("NextID = %d, want 50 (metadata claims more than tables imply)", rt.NextID())
	}
}

func TestSnapshot_LegacyRootFieldName(t *testing.T) {
	snap := newMemSnapStore()
	// Metadata written by an older revision: root id under "rootId".
	_ = snap.WriteMeta([]byte(`{"rootId": 3, "legacy_alias_enabled": false, "next_id": 4, "saved_at": "2026-01-01T00:00:00Z"}`))
	content, _ := encodeContent(3, map[string][]byte{"k": {0x02, 7, 0, 0, 0, 0, 0, 0, 0}})
	_ = snap.WriteTable(3, content)

	rt := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt.Close()
	res, err := NewManager(rt, snap).Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.RootID != 3 {
		t.Errorf("RootID = %d, want 3 (legacy field name)", res.RootID)
	}
	if err := rt.L.DoString(`assert(root.k == 7, "entry under legacy-named root")`); err != nil {
		t.Fatalf("checks: %v", err)
	}
}

func TestSnapshot_CanonicalFieldWinsOverLegacy(t *testing.T) {
	m, err := decodeMeta([]byte(`{"root_table_id": 2, "rootId": 9, "next_id": 3}`))
	if err != nil {
		t.Fatalf("decodeMeta: %v", err)
	}
	if m.RootTableID != 2 {
		t.Errorf("RootTableID = %d, want canonical 2", m.RootTableID)
	}
}

func TestSnapshot_FailedSaveLeavesMetaUntouched(t *testing.T) {
	snap := newMemSnapStore()

	rt := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt.Close()
	mgr := NewManager(rt, snap)

	if err := rt.L.DoString(`t = ext.table(); t.k = 1`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if err := mgr.Save(1, false); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	before := append([]byte(nil), snap.meta...)

	if err := rt.L.DoString(`t.k = 2`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	snap.failTable = true
	if err := mgr.Save(1, false); err == nil {
		t.Fatalf("Save with failing content writes: no error")
	}
	if string(snap.meta) != string(before) {
		t.Errorf("metadata rewritten despite failed save")
	}
}

func TestSnapshot_RestoreWithoutMeta(t *testing.T) {
	rt := NewRuntime(DefaultConfig(), NewMemStore())
	defer rt.Close()
	if _, err := NewManager(rt, newMemSnapStore()).Restore(); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Restore: err = %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshot_MetaOnWireUsesCanonicalField(t *testing.T) {
	data, err := encodeMeta(SnapshotMeta{RootTableID: 4, NextID: 9})
	if err != nil {
		t.Fatalf("encodeMeta: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := raw["rootId"]; ok {
		t.Errorf("legacy field written on save: %s", data)
	}
	if raw["root_table_id"] != float64(4) {
		t.Errorf("root_table_id = %v, want 4", raw["root_table_id"])
	}
}

func TestSnapshot_ContentRecordRoundTrip(t *testing.T) {
	entries := map[string][]byte{
		"a": {0x02, 1, 0, 0, 0, 0, 0, 0, 0},
		"b": {0x04, 2, 0, 0, 0, 'h', 'i'},
	}
	blob, err := encodeContent(12, entries)
	if err != nil {
		t.Fatalf("encodeContent: %v", err)
	}
	c, err := decodeContent(blob)
	if err != nil {
		t.Fatalf("decodeContent: %v", err)
	}
	if c.ID != 12 || len(c.Entries) != 2 {
		t.Fatalf("content = id %d, %d entries", c.ID, len(c.Entries))
	}
	if string(c.Entries["b"]) != string(entries["b"]) {
		t.Errorf("entry b = % x", c.Entries["b"])
	}
}
