package treedb

import (
	"bytes"
	"testing"
)

func TestKeyEncoding(t *testing.T) {
	tests := []struct {
		name      string
		key       []byte
		headerLen int
	}{
		{name: "one byte key", key: []byte{0x41}, headerLen: 1},
		{name: "128 byte key", key: bytes.Repeat([]byte{7}, 128), headerLen: 1},
		{name: "129 byte key", key: bytes.Repeat([]byte{7}, 129), headerLen: 2},
		{name: "large key", key: bytes.Repeat([]byte{7}, 1000), headerLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateKeyLength(tt.key); got != tt.headerLen+len(tt.key) {
				t.Errorf("calculateKeyLength() = %v, want %v", got, tt.headerLen+len(tt.key))
			}
			page := make([]byte, 4096)
			end := encodeKey(page, 0, tt.key, false)
			if end != tt.headerLen+len(tt.key) {
				t.Fatalf("encodeKey() end = %v, want %v", end, tt.headerLen+len(tt.key))
			}
			n := &Node{page: page}
			start, klen, frag := n.keyAtLoc(0)
			if frag {
				t.Errorf("keyAtLoc() fragmented = true, want false")
			}
			if start != tt.headerLen || klen != len(tt.key) {
				t.Errorf("keyAtLoc() = (%v, %v), want (%v, %v)", start, klen, tt.headerLen, len(tt.key))
			}
			if !bytes.Equal(page[start:start+klen], tt.key) {
				t.Errorf("decoded key bytes differ")
			}
		})
	}
}

func TestKeyEncoding_fragmentedFlag(t *testing.T) {
	page := make([]byte, 256)
	key := []byte("placeholder")
	encodeKey(page, 0, key, true)
	n := &Node{page: page}
	_, _, frag := n.keyAtLoc(0)
	if !frag {
		t.Errorf("keyAtLoc() fragmented = false, want true")
	}
}

func TestValueEncoding(t *testing.T) {
	tests := []struct {
		name      string
		valueLen  int
		headerLen int
	}{
		{name: "empty", valueLen: 0, headerLen: 1},
		{name: "small", valueLen: 127, headerLen: 1},
		{name: "medium low", valueLen: 128, headerLen: 2},
		{name: "medium high", valueLen: 8192, headerLen: 2},
		{name: "large", valueLen: 8193, headerLen: 3},
		{name: "max", valueLen: 1 << 20, headerLen: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := bytes.Repeat([]byte{0x5a}, tt.valueLen)
			if got := calculateLeafValueLength(value); got != tt.headerLen+tt.valueLen {
				t.Fatalf("calculateLeafValueLength() = %v, want %v", got, tt.headerLen+tt.valueLen)
			}
			page := make([]byte, tt.headerLen+tt.valueLen+8)
			end := encodeLeafValue(page, 0, value, false)
			if end != tt.headerLen+tt.valueLen {
				t.Fatalf("encodeLeafValue() end = %v, want %v", end, tt.headerLen+tt.valueLen)
			}
			n := &Node{page: page}
			start, vlen, frag, ghost := n.valueAtLoc(0)
			if frag || ghost {
				t.Fatalf("valueAtLoc() frag=%v ghost=%v, want false false", frag, ghost)
			}
			if start != tt.headerLen || vlen != tt.valueLen {
				t.Errorf("valueAtLoc() = (%v, %v), want (%v, %v)", start, vlen, tt.headerLen, tt.valueLen)
			}
		})
	}
}

func TestValueEncoding_ghost(t *testing.T) {
	page := []byte{ghostValueHeader}
	n := &Node{page: page}
	_, vlen, _, ghost := n.valueAtLoc(0)
	if !ghost || vlen != 0 {
		t.Errorf("valueAtLoc(ghost) = (len %v, ghost %v), want (0, true)", vlen, ghost)
	}
}

func TestNode_headerRoundTrip(t *testing.T) {
	n := &Node{page: make([]byte, 4096), id: 42}
	n.asEmptyRoot()
	n.garbage = 7
	n.writeFields()

	m := &Node{page: n.page, id: 42}
	if err := m.readFields(); err != nil {
		t.Fatalf("readFields() error = %v", err)
	}
	if m.typ != n.typ || m.garbage != 7 ||
		m.leftSegTail != n.leftSegTail || m.rightSegTail != n.rightSegTail ||
		m.searchVecStart != n.searchVecStart || m.searchVecEnd != n.searchVecEnd {
		t.Errorf("readFields() = %+v, want fields of %+v", m, n)
	}
}

func TestNode_readFieldsRejectsCorruption(t *testing.T) {
	n := &Node{page: make([]byte, 4096), id: 9}
	n.asEmptyRoot()
	n.writeFields()
	n.page[hdrReservedOffset] = 0x55
	if err := n.readFields(); err == nil {
		t.Errorf("readFields() error = nil, want corrupt")
	}

	n.page[hdrReservedOffset] = 0
	n.page[hdrTypeOffset] = 0x13
	if err := n.readFields(); err == nil {
		t.Errorf("readFields() with bad type error = nil, want corrupt")
	}
}

func TestNode_binarySearch(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("search")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	keys := []string{"bb", "dd", "ff", "hh"}
	for _, k := range keys {
		if err := tree.Store(nil, []byte(k), []byte{1}); err != nil {
			t.Fatalf("Store(%q) error = %v", k, err)
		}
	}

	root := tree.root
	root.latch.AcquireShared()
	defer root.latch.ReleaseShared()

	for i, k := range keys {
		pos, serr := root.binarySearch(tree, []byte(k))
		if serr != nil {
			t.Fatalf("binarySearch(%q) error = %v", k, serr)
		}
		if pos != i*2 {
			t.Errorf("binarySearch(%q) = %v, want %v", k, pos, i*2)
		}
	}

	misses := map[string]int{
		"aa": 0, // before everything
		"cc": 2, // between bb and dd
		"zz": 8, // after everything
	}
	for k, want := range misses {
		pos, serr := root.binarySearch(tree, []byte(k))
		if serr != nil {
			t.Fatalf("binarySearch(%q) error = %v", k, serr)
		}
		if pos >= 0 || ^pos != want {
			t.Errorf("binarySearch(%q) = %v, want ^%v", k, pos, want)
		}
	}
}

func TestNode_garbageAccounting(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("garbage")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}

	if err := tree.Store(nil, []byte("k"), bytes.Repeat([]byte{1}, 50)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	// A differently sized update abandons the old entry bytes.
	if err := tree.Store(nil, []byte("k"), bytes.Repeat([]byte{2}, 80)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	tree.root.latch.AcquireShared()
	g := tree.root.garbage
	tree.root.latch.ReleaseShared()
	if g == 0 {
		t.Errorf("garbage = 0, want > 0 after resized update")
	}
}

func TestNode_storeIdempotence(t *testing.T) {
	db := newBareTestDB(t, 4096)
	tree, err := db.OpenTree("idem")
	if err != nil {
		t.Fatalf("OpenTree() error = %v", err)
	}
	key := []byte("stable")
	value := bytes.Repeat([]byte{3}, 40)
	if err := tree.Store(nil, key, value); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := tree.Store(nil, key, value); err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	got, err := tree.Load(nil, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Load() = %v, want %v", got, value)
	}
	if err := tree.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
