package luakv

// TableID identifies one external table for the lifetime of the process.
// Ids are allocated monotonically, never reused while the process lives,
// and persisted so a restore can reuse them with the same meaning. Id 0
// is reserved as the "no table" sentinel.
type TableID uint32

// TableStore is the host-side storage an external table's entries live
// in. The bridge only ever indexes it by TableID and canonical string
// key; values are opaque encoded bytes. Implementations do not need to
// be safe for concurrent use: there is exactly one script-execution
// context.
//
// Get reports found=false for an absent key, which the proxy surfaces as
// nil. Key enumeration order is whatever the store provides; it is not
// part of the contract.
type TableStore interface {
	Set(id TableID, key string, value []byte) error
	Get(id TableID, key string) (value []byte, found bool, err error)
	Delete(id TableID, key string) error
	Size(id TableID) (int, error)
	Keys(id TableID) ([]string, error)

	// TableIDs enumerates every table the store holds entries for. Tables
	// created but never written to are absent, since creation is lazy.
	TableIDs() ([]TableID, error)
}

// SnapshotStore holds durable snapshot records: one metadata record plus
// one content record per table. Durability is the store's own concern;
// the persistence manager only sequences the writes.
type SnapshotStore interface {
	WriteMeta(data []byte) error
	ReadMeta() (data []byte, found bool, err error)
	WriteTable(id TableID, content []byte) error
	ReadTable(id TableID) (content []byte, found bool, err error)

	// SnapshotIDs enumerates every table id the store holds a content
	// record for.
	SnapshotIDs() ([]TableID, error)
}
