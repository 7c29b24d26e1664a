package luakv

import (
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Runtime owns the guest interpreter and the bridge state attached to
// it: the host bridge, and the process-wide table id counter. The
// runtime is single-threaded and cooperative; every bridge call blocks
// the executing script statement until it returns.
type Runtime struct {
	L      *lua.LState
	cfg    Config
	store  TableStore
	bridge *hostBridge

	// nextID is process-wide mutable state with exactly one writer.
	// Every allocation goes through allocTableID and every restore-time
	// adjustment through reserveTableID; an increment anywhere else is a
	// correctness bug.
	nextID uint32
}

// NewRuntime creates an interpreter bound to the given host store and
// registers the `ext` script API in its globals.
func NewRuntime(cfg Config, store TableStore) *Runtime {
	L := lua.NewState(lua.Options{
		RegistrySize:  cfg.RegistrySize,
		CallStackSize: cfg.CallStackSize,
	})
	rt := &Runtime{
		L:      L,
		cfg:    cfg,
		store:  store,
		bridge: newHostBridge(store, cfg),
		nextID: 1,
	}
	rt.registerExt()
	return rt
}

// Close releases the interpreter. Host storage is untouched; every
// table id remains valid in the store.
func (rt *Runtime) Close() {
	rt.L.Close()
}

// NextID returns the value the next allocation will use.
func (rt *Runtime) NextID() uint32 { return rt.nextID }

// allocTableID hands out the next table id. Id 0 is never returned.
func (rt *Runtime) allocTableID() TableID {
	if rt.nextID == math.MaxUint32 {
		// Internal invariant violation, not recoverable bad input: 2^32-2
		// allocations in one process lifetime indicates a bug.
		panic("luakv: table id space exhausted")
	}
	id := TableID(rt.nextID)
	rt.nextID++
	return id
}

// reserveTableID moves the counter past id if it is not already there.
// The counter never moves backward; restored tables must not collide
// with tables created afterward.
func (rt *Runtime) reserveTableID(id TableID) {
	if uint32(id) >= rt.nextID {
		rt.nextID = uint32(id) + 1
	}
}

// reserveCounter raises the counter to at least next. Used when a
// snapshot's metadata claims a higher counter than its tables imply.
func (rt *Runtime) reserveCounter(next uint32) {
	if next > rt.nextID {
		rt.nextID = next
	}
}

// LiveTableIDs enumerates tables holding at least one entry host-side.
func (rt *Runtime) LiveTableIDs() ([]TableID, error) {
	return rt.store.TableIDs()
}
