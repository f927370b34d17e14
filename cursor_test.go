package treedb

import (
	"bytes"
	"testing"
)

func fillTree(t *testing.T, tree *Tree, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := tree.Store(nil, u64Key(uint64(i*2)), u64Key(uint64(i))); err != nil {
			t.Fatalf("Store(%d) error = %v", i, err)
		}
	}
}

func TestCursor_findVariants(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("variants")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	// Even keys 0, 2, 4, ..., 198.
	fillTree(t, tree, 100)

	c := tree.NewCursor(nil)
	defer c.Reset()

	ok, err := c.FindGE(u64Key(10))
	if err != nil || !ok {
		t.Fatalf("FindGE(10) = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(10)) {
		t.Errorf("FindGE(10) key = %v, want 10", c.Key())
	}

	ok, err = c.FindGE(u64Key(11))
	if err != nil || !ok {
		t.Fatalf("FindGE(11) = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(12)) {
		t.Errorf("FindGE(11) key = %v, want 12", c.Key())
	}

	ok, err = c.FindGT(u64Key(10))
	if err != nil || !ok {
		t.Fatalf("FindGT(10) = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(12)) {
		t.Errorf("FindGT(10) key = %v, want 12", c.Key())
	}

	ok, err = c.FindLE(u64Key(11))
	if err != nil || !ok {
		t.Fatalf("FindLE(11) = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(10)) {
		t.Errorf("FindLE(11) key = %v, want 10", c.Key())
	}

	ok, err = c.FindLT(u64Key(10))
	if err != nil || !ok {
		t.Fatalf("FindLT(10) = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(8)) {
		t.Errorf("FindLT(10) key = %v, want 8", c.Key())
	}

	ok, err = c.FindGE(u64Key(1000))
	if err != nil {
		t.Fatalf("FindGE(1000) error = %v", err)
	}
	if ok {
		t.Errorf("FindGE(1000) = true, want false")
	}
}

func TestCursor_fullScanAcrossSplits(t *testing.T) {
	db := newBareTestDB(t, 512)
	tree, err := db.OpenTree("scan")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	const total = 500
	for i := 0; i < total; i++ {
		if err := tree.Store(nil, u64Key(uint64(i)), u64Key(uint64(i))); err != nil {
			t.Fatalf("Store(%d) error = %v", i, err)
		}
	}

	c := tree.NewCursor(nil)
	defer c.Reset()
	ok, err := c.First()
	if err != nil || !ok {
		t.Fatalf("First() = (%v, %v), want (true, nil)", ok, err)
	}
	seen := 0
	for {
		want := u64Key(uint64(seen))
		if !bytes.Equal(c.Key(), want) {
			t.Fatalf("scan key %d = %v, want %v", seen, c.Key(), want)
		}
		seen++
		ok, err = c.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !ok {
			break
		}
	}
	if seen != total {
		t.Errorf("scanned %v keys, want %v", seen, total)
	}

	// And backward.
	ok, err = c.Last()
	if err != nil || !ok {
		t.Fatalf("Last() = (%v, %v), want (true, nil)", ok, err)
	}
	seen = 0
	for {
		want := u64Key(uint64(total - 1 - seen))
		if !bytes.Equal(c.Key(), want) {
			t.Fatalf("reverse key %d = %v, want %v", seen, c.Key(), want)
		}
		seen++
		ok, err = c.Previous()
		if err != nil {
			t.Fatalf("Previous() error = %v", err)
		}
		if !ok {
			break
		}
	}
	if seen != total {
		t.Errorf("reverse scanned %v keys, want %v", seen, total)
	}
}

func TestCursor_unpositioned(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("unpositioned")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	c := tree.NewCursor(nil)
	if _, _, err := c.step(true); err != ErrCursorUnpositioned {
		t.Errorf("step() error = %v, want ErrCursorUnpositioned", err)
	}
	if err := c.Store([]byte("x")); err != ErrCursorUnpositioned {
		t.Errorf("Store() error = %v, want ErrCursorUnpositioned", err)
	}
}

func TestCursor_findMissBindsInsertionPoint(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("bindmiss")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := tree.Store(nil, u64Key(uint64(i*10)), []byte{byte(i)}); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	c := tree.NewCursor(nil)
	defer c.Reset()
	if err := c.Find(u64Key(35)); err != nil {
		t.Fatalf("Find(35) error = %v", err)
	}
	if c.Value() != nil {
		t.Errorf("Find(35) value = %v, want nil", c.Value())
	}
	ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next() after miss = (%v, %v), want (true, nil)", ok, err)
	}
	if !bytes.Equal(c.Key(), u64Key(40)) {
		t.Errorf("Next() after miss key = %v, want 40", c.Key())
	}
}
