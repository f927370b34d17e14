package treedb

import (
	"bytes"
	"testing"
	"time"
)

func TestTransaction_commitMakesVisible(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("txn")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	txn := db.NewTransaction()
	if err := tree.Store(txn, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	v, err := tree.Load(nil, []byte("k"))
	if err != nil || string(v) != "v" {
		t.Errorf("Load() = (%v, %v), want v", v, err)
	}
	if txn.Id() != 0 {
		t.Errorf("Id() after commit = %v, want 0", txn.Id())
	}
}

func TestTransaction_rollbackRestores(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("rollback")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	if err := tree.Store(nil, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("seed Store() error = %v", err)
	}

	txn := db.NewTransaction()
	if err := tree.Store(txn, []byte("k1"), []byte("v1-new")); err != nil {
		t.Fatalf("update Store() error = %v", err)
	}
	if err := tree.Store(txn, []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("insert Store() error = %v", err)
	}
	if err := tree.Delete(txn, []byte("k1")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := txn.Exit(); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}

	v, err := tree.Load(nil, []byte("k1"))
	if err != nil || string(v) != "v1" {
		t.Errorf("Load(k1) after rollback = (%v, %v), want v1", v, err)
	}
	v, err = tree.Load(nil, []byte("k2"))
	if err != nil || v != nil {
		t.Errorf("Load(k2) after rollback = (%v, %v), want nil", v, err)
	}
	if err := tree.Verify(); err != nil {
		t.Errorf("Verify() after rollback error = %v", err)
	}
}

func TestTransaction_ghostDeleteReapsOnCommit(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("ghost")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	if err := tree.Store(nil, []byte("g"), []byte("v")); err != nil {
		t.Fatalf("seed Store() error = %v", err)
	}

	txn := db.NewTransaction()
	if err := tree.Delete(txn, []byte("g")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The slot survives as a ghost until commit.
	tree.root.latch.AcquireShared()
	keys := tree.root.numKeys()
	tree.root.latch.ReleaseShared()
	if keys != 1 {
		t.Fatalf("numKeys before commit = %v, want 1 (ghost)", keys)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	v, err := tree.Load(nil, []byte("g"))
	if err != nil || v != nil {
		t.Errorf("Load() after commit = (%v, %v), want nil", v, err)
	}
	tree.root.latch.AcquireShared()
	keys = tree.root.numKeys()
	tree.root.latch.ReleaseShared()
	if keys != 0 {
		t.Errorf("numKeys after commit = %v, want 0 (reaped)", keys)
	}
}

func TestTransaction_conflictTimesOut(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("conflict")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	a := db.NewTransaction()
	if err := tree.Store(a, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("a Store() error = %v", err)
	}

	b := db.NewTransaction()
	b.SetLockTimeout(50 * time.Millisecond)
	if _, err := tree.Load(b, []byte("k")); err == nil {
		t.Fatalf("b Load() error = nil, want lock failure")
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("a.Commit() error = %v", err)
	}
	v, err := tree.Load(b, []byte("k"))
	if err != nil || string(v) != "v" {
		t.Errorf("b Load() after commit = (%v, %v), want v", v, err)
	}
	if err := b.Exit(); err != nil {
		t.Errorf("b.Exit() error = %v", err)
	}
}

func TestTransaction_nestedScopes(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("nested")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	txn := db.NewTransaction()
	if err := tree.Store(txn, []byte("outer"), []byte("1")); err != nil {
		t.Fatalf("outer Store() error = %v", err)
	}

	if err := txn.Enter(); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if err := tree.Store(txn, []byte("inner-rolled"), []byte("2")); err != nil {
		t.Fatalf("inner Store() error = %v", err)
	}
	if err := txn.Exit(); err != nil {
		t.Fatalf("inner Exit() error = %v", err)
	}

	if err := txn.Enter(); err != nil {
		t.Fatalf("second Enter() error = %v", err)
	}
	if err := tree.Store(txn, []byte("inner-kept"), []byte("3")); err != nil {
		t.Fatalf("kept Store() error = %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("nested Commit() error = %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("top Commit() error = %v", err)
	}

	checks := map[string][]byte{
		"outer":        []byte("1"),
		"inner-rolled": nil,
		"inner-kept":   []byte("3"),
	}
	for k, want := range checks {
		v, lerr := tree.Load(nil, []byte(k))
		if lerr != nil {
			t.Fatalf("Load(%q) error = %v", k, lerr)
		}
		if !bytes.Equal(v, want) {
			t.Errorf("Load(%q) = %v, want %v", k, v, want)
		}
	}
}

func TestTransaction_borkedRefusesWork(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("borked")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	txn := db.NewTransaction()
	txn.borked = ErrClosed // simulate a poisoned transaction

	if err := tree.Store(txn, []byte("x"), []byte("y")); err == nil {
		t.Errorf("Store() on borked txn = nil, want InvalidTransactionError")
	}
	// Exit must still be callable and release cleanly.
	if err := txn.Exit(); err != nil {
		t.Errorf("Exit() on borked txn = %v, want nil", err)
	}
}

func TestTransaction_bogusPassesThrough(t *testing.T) {
	db := newTestDB(t, 4096)
	if err := db.Bogus().Commit(); err != nil {
		t.Errorf("Bogus().Commit() = %v, want nil", err)
	}
	if err := db.Bogus().Exit(); err != nil {
		t.Errorf("Bogus().Exit() = %v, want nil", err)
	}
}

func TestTransaction_undoRollbackPartialPrefix(t *testing.T) {
	db := newTestDB(t, 4096)
	tree, err := db.OpenTree("prefix")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	// Any prefix of operations followed by rollback restores the
	// pre-transaction content.
	for i := 0; i < 10; i++ {
		if err := tree.Store(nil, u64Key(uint64(i)), u64Key(uint64(i))); err != nil {
			t.Fatalf("seed Store(%d) error = %v", i, err)
		}
	}

	txn := db.NewTransaction()
	for i := 0; i < 5; i++ {
		if err := tree.Delete(txn, u64Key(uint64(i))); err != nil {
			t.Fatalf("Delete(%d) error = %v", i, err)
		}
		if err := tree.Store(txn, u64Key(uint64(100+i)), []byte("x")); err != nil {
			t.Fatalf("Store(%d) error = %v", 100+i, err)
		}
	}
	if err := txn.Exit(); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 10 {
		t.Errorf("Count() after rollback = %v, want 10", count)
	}
	for i := 0; i < 10; i++ {
		v, lerr := tree.Load(nil, u64Key(uint64(i)))
		if lerr != nil || !bytes.Equal(v, u64Key(uint64(i))) {
			t.Errorf("Load(%d) = (%v, %v), want original value", i, v, lerr)
		}
	}
}
