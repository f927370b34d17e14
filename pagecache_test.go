package treedb

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomPage(rnd *rand.Rand, size int) []byte {
	p := make([]byte, size)
	rnd.Read(p)
	return p
}

func TestPageCache_fill(t *testing.T) {
	tests := []struct {
		name     string
		scramble bool
	}{
		{name: "sequential ids"},
		{name: "scrambled ids", scramble: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const capacity = 64
			rnd := rand.New(rand.NewSource(1))
			c := NewPageCache(capacity, 4096, nil)
			if c.Capacity() != capacity {
				t.Fatalf("Capacity() = %v, want %v", c.Capacity(), capacity)
			}

			pages := make(map[uint64][]byte, capacity)
			for i := 1; i <= capacity; i++ {
				id := uint64(i)
				if tt.scramble {
					id = scramble(uint64(i))
				}
				p := randomPage(rnd, 4096)
				pages[id] = p
				c.Add(id, p)
			}

			out := make([]byte, 4096)
			for id, p := range pages {
				if !c.Remove(id, out) {
					t.Fatalf("Remove(%d) = false, want true", id)
				}
				if !bytes.Equal(out, p) {
					t.Fatalf("Remove(%d) returned wrong bytes", id)
				}
			}

			// Everything was removed; nothing is left to find.
			if c.Remove(1, out) {
				t.Errorf("Remove(1) after draining = true, want false")
			}

			c.Close()
			c.Close() // idempotent
			if c.Remove(1, out) {
				t.Errorf("Remove(1) after Close = true, want false")
			}
		})
	}
}

func TestPageCache_eviction(t *testing.T) {
	const capacity = 32
	rnd := rand.New(rand.NewSource(2))
	c := NewPageCache(capacity, 100, nil)

	pages := make([][]byte, 2*capacity)
	for i := 0; i < 2*capacity; i++ {
		pages[i] = randomPage(rnd, 100)
		c.Add(uint64(i+1), pages[i])
	}

	out := make([]byte, 100)
	// The first capacity pages were evicted.
	for i := 0; i < capacity; i++ {
		if c.Remove(uint64(i+1), out) {
			t.Errorf("Remove(%d) = true, want false (evicted)", i+1)
		}
	}
	// The last capacity pages are retrievable with their exact bytes.
	for i := capacity; i < 2*capacity; i++ {
		if !c.Remove(uint64(i+1), out) {
			t.Fatalf("Remove(%d) = false, want true", i+1)
		}
		if !bytes.Equal(out, pages[i]) {
			t.Fatalf("Remove(%d) returned wrong bytes", i+1)
		}
	}
}

func TestPageCache_overwriteSameId(t *testing.T) {
	c := NewPageCache(8, 64, nil)
	a := bytes.Repeat([]byte{0xaa}, 64)
	b := bytes.Repeat([]byte{0xbb}, 64)
	c.Add(7, a)
	c.Add(7, b)
	out := make([]byte, 64)
	if !c.Remove(7, out) {
		t.Fatalf("Remove(7) = false, want true")
	}
	if !bytes.Equal(out, b) {
		t.Errorf("Remove(7) = first write, want second write")
	}
	if c.Remove(7, out) {
		t.Errorf("second Remove(7) = true, want false")
	}
}

func TestPageCache_removePromotesReuse(t *testing.T) {
	// A removed slot must be the first one reused, ahead of live pages.
	c := NewPageCache(4, 16, nil)
	var out [16]byte
	for i := 1; i <= 4; i++ {
		c.Add(uint64(i), bytes.Repeat([]byte{byte(i)}, 16))
	}
	if !c.Remove(3, out[:]) {
		t.Fatalf("Remove(3) = false, want true")
	}
	// Adding one more page reuses the freed slot; pages 1, 2, 4 stay.
	c.Add(9, bytes.Repeat([]byte{9}, 16))
	for _, id := range []uint64{1, 2, 4, 9} {
		if !c.Remove(id, out[:]) {
			t.Errorf("Remove(%d) = false, want true", id)
		}
	}
}
