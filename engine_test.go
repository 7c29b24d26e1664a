package luakv

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestEngine_EvalReturnsResults(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	out, err := e.Eval(`return 1 + 1`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "2" {
		t.Errorf("Eval = %q, want %q", out, "2")
	}

	out, err = e.Eval(`return "a", 2`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "a\n2" {
		t.Errorf("Eval = %q", out)
	}

	if out, err = e.Eval(`x = 1`); err != nil || out != "" {
		t.Errorf("statement Eval = %q, %v", out, err)
	}
}

func TestEngine_EvalErrorIsRecoverable(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	if _, err := e.Eval(`error("boom")`); err == nil {
		t.Fatalf("Eval(error): no error")
	} else if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Eval error = %v", err)
	}

	// The engine stays usable after a script error.
	if out, err := e.Eval(`return 3`); err != nil || out != "3" {
		t.Errorf("Eval after error = %q, %v", out, err)
	}
}

func TestEngine_FreshRootIsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LegacyAlias = true
	e, err := NewEngine(cfg, NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	if e.RootID() == 0 {
		t.Fatalf("RootID = 0")
	}
	_, err = e.Eval(`
		root.x = 1
		assert(legacy_root.x == 1, "legacy alias not bound to root table")
	`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
}

func TestEngine_SaveRestoreAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snap.db")

	snap1, err := OpenSQLiteStore(snapPath)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	cfg := DefaultConfig()
	cfg.LegacyAlias = true

	e1, err := NewEngine(cfg, NewMemStore(), snap1)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e1.Eval(`root.greeting = "hello"; root.n = 41`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := e1.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rootID := e1.RootID()
	e1.Close()
	snap1.Close()

	// Restart: new engine, empty live store, same snapshot database.
	snap2, err := OpenSQLiteStore(snapPath)
	if err != nil {
		t.Fatalf("reopen snapshot store: %v", err)
	}
	defer snap2.Close()
	e2, err := NewEngine(cfg, NewMemStore(), snap2)
	if err != nil {
		t.Fatalf("NewEngine after restart: %v", err)
	}
	defer e2.Close()

	if e2.RootID() != rootID {
		t.Errorf("RootID after restore = %d, want %d", e2.RootID(), rootID)
	}
	_, err = e2.Eval(`
		assert(root.greeting == "hello", "restored entry")
		assert(legacy_root.n == 41, "restored entry via alias")
		root.n = root.n + 1
		assert(legacy_root.n == 42, "post-restore writes alias correctly")
	`)
	if err != nil {
		t.Fatalf("post-restart Eval: %v", err)
	}

	// New tables must not collide with restored ids.
	out, err := e2.Eval(`return ext.id(ext.table())`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out == "" || out == "0" {
		t.Errorf("new table id = %q", out)
	}
	if got := e2.Runtime().NextID(); got <= uint32(rootID) {
		t.Errorf("NextID = %d, want > %d", got, rootID)
	}
}

func TestEngine_Stats(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	if _, err := e.Eval(`root.a = 1; t = ext.table(); t.b = 2`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	st, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Tables != 2 {
		t.Errorf("Stats.Tables = %d, want 2", st.Tables)
	}
	if st.NextID != 3 {
		t.Errorf("Stats.NextID = %d, want 3", st.NextID)
	}
}

func TestEngine_SaveWithoutSnapshotStore(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()
	if err := e.Save(); err == nil {
		t.Errorf("Save without snapshot store: no error")
	}
}
