package treedb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ryogrid/treedb-go-for-embedding/storage/array"
)

func TestDatabase_reopenKeepsData(t *testing.T) {
	pa := array.NewMem(4096)
	redoPath := filepath.Join(t.TempDir(), "redo.log")
	cfg := DefaultConfig("")
	cfg.RedoPath = redoPath

	db, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tree, err := db.OpenTree("main")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := tree.Store(nil, u64Key(uint64(i)), u64Key(uint64(i))); err != nil {
			t.Fatalf("Store(%d) error = %v", i, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db2, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer db2.Close()
	tree2, err := db2.OpenTree("main")
	if err != nil {
		t.Fatalf("reopen OpenTree() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		v, lerr := tree2.Load(nil, u64Key(uint64(i)))
		if lerr != nil || !bytes.Equal(v, u64Key(uint64(i))) {
			t.Fatalf("Load(%d) after reopen = (%v, %v), want value", i, v, lerr)
		}
	}
}

func TestDatabase_crashRecovery(t *testing.T) {
	pa := array.NewMem(4096)
	redoPath := filepath.Join(t.TempDir(), "redo.log")
	cfg := DefaultConfig("")
	cfg.RedoPath = redoPath

	db, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tree, err := db.OpenTree("main")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	// Make the registry durable so the crash only loses tree content.
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	t1 := db.NewTransactionMode(DurabilitySync)
	if err := tree.Store(t1, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("t1 Store() error = %v", err)
	}
	if err := t1.Commit(); err != nil {
		t.Fatalf("t1 Commit() error = %v", err)
	}

	t2 := db.NewTransactionMode(DurabilityNoFlush)
	if err := tree.Store(t2, []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("t2 Store() error = %v", err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2 Commit() error = %v", err)
	}

	// Crash: take what durable storage would hold and abandon the
	// process state. The unsynced t2 commit never left the redo buffer.
	snapshot := pa.Snapshot()
	pa2 := array.RestoreFromSnapshot(4096, snapshot)

	db2, err := Open(pa2, cfg)
	if err != nil {
		t.Fatalf("recovery Open() error = %v", err)
	}
	defer db2.Close()
	tree2, err := db2.OpenTree("main")
	if err != nil {
		t.Fatalf("recovery OpenTree() error = %v", err)
	}

	v, err := tree2.Load(nil, []byte("k1"))
	if err != nil || string(v) != "v1" {
		t.Errorf("Load(k1) after recovery = (%v, %v), want v1", v, err)
	}
	v, err = tree2.Load(nil, []byte("k2"))
	if err != nil || v != nil {
		t.Errorf("Load(k2) after recovery = (%v, %v), want nil", v, err)
	}
}

func TestDatabase_uncommittedInvisibleAfterCrash(t *testing.T) {
	pa := array.NewMem(4096)
	redoPath := filepath.Join(t.TempDir(), "redo.log")
	cfg := DefaultConfig("")
	cfg.RedoPath = redoPath

	db, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tree, err := db.OpenTree("main")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// Write but never commit; force the records to the file so only
	// the missing commit protects isolation.
	txn := db.NewTransactionMode(DurabilitySync)
	if err := tree.Store(txn, []byte("ghost"), []byte("data")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := db.redo.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	pa2 := array.RestoreFromSnapshot(4096, pa.Snapshot())
	db2, err := Open(pa2, cfg)
	if err != nil {
		t.Fatalf("recovery Open() error = %v", err)
	}
	defer db2.Close()
	tree2, err := db2.OpenTree("main")
	if err != nil {
		t.Fatalf("recovery OpenTree() error = %v", err)
	}
	v, err := tree2.Load(nil, []byte("ghost"))
	if err != nil || v != nil {
		t.Errorf("Load(uncommitted) after recovery = (%v, %v), want nil", v, err)
	}
}

func TestDatabase_renameTree(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("before")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	if err := tree.Store(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := db.RenameTree(tree, "after"); err != nil {
		t.Fatalf("RenameTree() error = %v", err)
	}
	again, err := db.OpenTree("after")
	if err != nil {
		t.Fatalf("OpenTree(after) error = %v", err)
	}
	if again != tree {
		t.Errorf("OpenTree(after) returned a different tree")
	}
	v, err := tree.Load(nil, []byte("k"))
	if err != nil || string(v) != "v" {
		t.Errorf("Load() after rename = (%v, %v), want v", v, err)
	}
}

func TestDatabase_dropTree(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("doomed")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	if err := tree.Store(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := db.DropTree(nil, tree); err != nil {
		t.Fatalf("DropTree() error = %v", err)
	}
	if err := tree.Store(nil, []byte("k"), []byte("v")); err != ErrClosedIndex {
		t.Errorf("Store() after drop = %v, want ErrClosedIndex", err)
	}
}

func TestDatabase_stats(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("stats")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := tree.Store(nil, u64Key(uint64(i)), []byte("v")); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	s := db.Stats()
	if s.OpenTrees < 1 {
		t.Errorf("Stats().OpenTrees = %v, want >= 1", s.OpenTrees)
	}
	if s.CachedNodes < 1 {
		t.Errorf("Stats().CachedNodes = %v, want >= 1", s.CachedNodes)
	}
	if s.PageCount < firstUserPageId {
		t.Errorf("Stats().PageCount = %v, want >= %v", s.PageCount, firstUserPageId)
	}
}

func TestDatabase_checkpointCleansDirtyNodes(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("ckpt")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := tree.Store(nil, u64Key(uint64(i)), []byte("v")); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	if got := db.Stats().DirtyNodes; got == 0 {
		t.Fatalf("DirtyNodes before checkpoint = 0, want > 0")
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if got := db.Stats().DirtyNodes; got != 0 {
		t.Errorf("DirtyNodes after checkpoint = %v, want 0", got)
	}
	if got := db.redo.Position(); got != redoHeaderSize+5 {
		// A reset record (op + terminator) follows the truncation.
		t.Logf("redo position after checkpoint = %v", got)
	}
}
