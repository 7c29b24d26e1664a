// Package luakv embeds a Lua interpreter whose tables can live outside
// the interpreter heap, in host-owned key/value storage, behind a narrow
// five-operation bridge. External tables survive a full process restart:
// their contents are snapshotted into a durable store and rebound to the
// same table ids on restore.
package luakv

import (
	"fmt"
	"runtime"
	"strings"
)

// Engine is the top-level facade: one guest runtime, its host store, and
// optionally a snapshot store for persistence. On startup the engine
// restores an existing snapshot if the snapshot store holds one, and
// otherwise creates a fresh root table bound under cfg.RootGlobal (plus
// cfg.LegacyGlobal when the alias is enabled).
type Engine struct {
	cfg         Config
	rt          *Runtime
	mgr         *Manager
	rootID      TableID
	legacyAlias bool
}

// NewEngine builds an engine. snap may be nil, which disables Save and
// Restore but leaves the bridge fully functional.
func NewEngine(cfg Config, store TableStore, snap SnapshotStore) (*Engine, error) {
	rt := NewRuntime(cfg, store)
	e := &Engine{
		cfg:         cfg,
		rt:          rt,
		legacyAlias: cfg.LegacyAlias,
	}
	if snap != nil {
		e.mgr = NewManager(rt, snap)
	}

	if e.mgr != nil {
		res, err := e.mgr.Restore()
		switch {
		case err == nil && res.RootID != 0:
			e.rootID = res.RootID
			e.legacyAlias = res.Meta.LegacyAlias
			return e, nil
		case err != nil && err != ErrNoSnapshot:
			rt.Close()
			return nil, err
		}
	}

	e.bindFreshRoot()
	return e, nil
}

func (e *Engine) bindFreshRoot() {
	id := e.rt.allocTableID()
	proxy := e.rt.bindProxy(id)
	e.rt.L.SetGlobal(e.cfg.RootGlobal, proxy)
	if e.legacyAlias {
		e.rt.L.SetGlobal(e.cfg.LegacyGlobal, proxy)
	}
	e.rootID = id
}

// Runtime exposes the underlying runtime for callers that register their
// own bindings.
func (e *Engine) Runtime() *Runtime { return e.rt }

// RootID returns the root table's id.
func (e *Engine) RootID() TableID { return e.rootID }

// Eval runs a chunk of Lua source and returns its results formatted one
// per line. Script-level
// failures (including bridge errors surfaced to the script) come back as
// an error, not a crash; the engine stays usable.
func (e *Engine) Eval(code string) (string, error) {
	L := e.rt.L
	base := L.GetTop()
	if err := L.DoString(code); err != nil {
		return "", fmt.Errorf("eval: %w", err)
	}
	top := L.GetTop()
	if top == base {
		return "", nil
	}
	var out strings.Builder
	for i := base + 1; i <= top; i++ {
		if i > base+1 {
			out.WriteByte('\n')
		}
		out.WriteString(L.Get(i).String())
	}
	L.SetTop(base)
	return out.String(), nil
}

// Save snapshots every live table plus the metadata record.
func (e *Engine) Save() error {
	if e.mgr == nil {
		return fmt.Errorf("luakv: no snapshot store configured")
	}
	return e.mgr.Save(e.rootID, e.legacyAlias)
}

// Restore re-reads the snapshot, rebinding the root table and
// reconciling the id counter. Normally run once at startup (NewEngine
// does it automatically); exposed for hosts that replace the snapshot
// out from under a running engine.
func (e *Engine) Restore() error {
	if e.mgr == nil {
		return fmt.Errorf("luakv: no snapshot store configured")
	}
	res, err := e.mgr.Restore()
	if err != nil {
		return err
	}
	if res.RootID != 0 {
		e.rootID = res.RootID
		e.legacyAlias = res.Meta.LegacyAlias
	}
	return nil
}

// Stats reports bridge-level counters.
type Stats struct {
	Tables int    // tables with at least one entry host-side
	NextID uint32 // next table id to be allocated
	HeapKB uint64 // host heap in use, KiB; the interpreter shares it
}

// Stats returns current bridge statistics.
func (e *Engine) Stats() (Stats, error) {
	ids, err := e.rt.LiveTableIDs()
	if err != nil {
		return Stats{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Stats{Tables: len(ids), NextID: e.rt.NextID(), HeapKB: ms.HeapAlloc / 1024}, nil
}

// GC asks the guest interpreter to collect garbage.
func (e *Engine) GC() {
	_ = e.rt.L.DoString(`collectgarbage("collect")`)
}

// Close releases the interpreter. Call Save first if the state matters.
func (e *Engine) Close() {
	e.rt.Close()
}
