package treedb

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ryogrid/treedb-go-for-embedding/storage/array"
)

// newTestDB opens a database over a memory page array with a redo log
// in a per-test temp dir.
func newTestDB(t *testing.T, pageSize int) *Database {
	t.Helper()
	pa := array.NewMem(uint32(pageSize))
	cfg := DefaultConfig("")
	cfg.PageSize = pageSize
	cfg.RedoPath = filepath.Join(t.TempDir(), "redo.log")
	db, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newBareTestDB opens a database without a redo log, for tests that
// only exercise the in-memory engine.
func newBareTestDB(t *testing.T, pageSize int) *Database {
	t.Helper()
	pa := array.NewMem(uint32(pageSize))
	cfg := DefaultConfig("")
	cfg.PageSize = pageSize
	db, err := Open(pa, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func u64Key(i uint64) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, i)
	return bs
}

// StoreAndLoadConcurrently drives routineNum goroutines through
// interleaved stores and loads of the given keys.
func StoreAndLoadConcurrently(t *testing.T, routineNum int, tree *Tree, keys [][]byte) {
	wg := sync.WaitGroup{}
	wg.Add(routineNum)

	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			for i := range keys {
				if i%routineNum != n {
					continue
				}
				if err := tree.Store(nil, keys[i], keys[i]); err != nil {
					t.Errorf("in goroutine%d Store() = %v, want nil", n, err)
					return
				}
				v, err := tree.Load(nil, keys[i])
				if err != nil {
					t.Errorf("in goroutine%d Load() = %v, want nil", n, err)
					return
				}
				if string(v) != string(keys[i]) {
					t.Errorf("in goroutine%d Load() = %v, want %v", n, v, keys[i])
					return
				}
			}
		}(r)
	}
	wg.Wait()
}
