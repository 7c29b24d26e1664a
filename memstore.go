package luakv

import "sort"

// MemStore is an in-memory TableStore. It is the capacity-unbounded side
// of the bridge during normal operation; durability comes from
// snapshotting into a SnapshotStore.
type MemStore struct {
	tables map[TableID]map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[TableID]map[string][]byte)}
}

func (m *MemStore) Set(id TableID, key string, value []byte) error {
	t, ok := m.tables[id]
	if !ok {
		t = make(map[string][]byte)
		m.tables[id] = t
	}
	t[key] = value
	return nil
}

func (m *MemStore) Get(id TableID, key string) ([]byte, bool, error) {
	v, ok := m.tables[id][key]
	return v, ok, nil
}

func (m *MemStore) Delete(id TableID, key string) error {
	// Deleting an absent key is a no-op, matching a nil write to a key
	// that was never set.
	delete(m.tables[id], key)
	return nil
}

func (m *MemStore) Size(id TableID) (int, error) {
	return len(m.tables[id]), nil
}

func (m *MemStore) Keys(id TableID) ([]string, error) {
	t := m.tables[id]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	// Map order is not a contract; sorted output just keeps enumeration
	// stable within one process.
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) TableIDs() ([]TableID, error) {
	ids := make([]TableID, 0, len(m.tables))
	for id, t := range m.tables {
		if len(t) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
