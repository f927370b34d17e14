package treedb

// PageCache is the primary page cache: a fixed-capacity LRU of raw pages
// keyed by 64-bit page id, backing the node pool. Slots live in one
// contiguous buffer and are tracked by fixed-width index records instead
// of pointers, keeping collector pressure and cache-line pollution down
// the way the buffer-pool latch table does.
//
// Every slot is always a member of the LRU list. A slot whose id is zero
// holds no page (page id zero never names a real page) and sits at the
// least-recent end, so it is reused before any live page is evicted.
//
// Remove has deliberately contrary LRU semantics: a successful Remove
// unmaps the page and pushes its slot to the least-recent end. Callers
// call Remove when they are about to install the page into a node, at
// which point this copy is redundant and should be the first to go.
type PageCache struct {
	latch Latch

	pageSize int
	capacity int

	// data holds capacity pages back to back.
	data []byte

	// Slot records, sliced out of one allocation: page id, LRU links,
	// and the hash chain link. Links are slot indexes; -1 terminates.
	ids   []uint64
	less  []int32 // toward least recent
	more  []int32 // toward most recent
	chain []int32

	// LRU ends. head is least recent.
	head int32
	tail int32

	// ht maps hash(pageId) mod capacity to a slot index chain.
	ht []int32

	closed bool

	metrics *Metrics
}

// NewPageCache creates a cache of the given capacity in pages. Capacity
// must be at least one.
func NewPageCache(capacity, pageSize int, metrics *Metrics) *PageCache {
	c := &PageCache{
		pageSize: pageSize,
		capacity: capacity,
		data:     make([]byte, capacity*pageSize),
		ids:      make([]uint64, capacity),
		less:     make([]int32, capacity),
		more:     make([]int32, capacity),
		chain:    make([]int32, capacity),
		ht:       make([]int32, capacity),
		metrics:  metrics,
	}
	for i := 0; i < capacity; i++ {
		c.less[i] = int32(i - 1)
		c.more[i] = int32(i + 1)
		c.chain[i] = -1
		c.ht[i] = -1
	}
	c.more[capacity-1] = -1
	c.head = 0
	c.tail = int32(capacity - 1)
	return c
}

// Capacity returns the number of page slots.
func (c *PageCache) Capacity() int { return c.capacity }

func (c *PageCache) bucket(pageId uint64) int {
	return int((scramble(pageId) & 0x7fffffff) % uint64(c.capacity))
}

// Add admits a page, evicting the least recently used page if no free
// slot remains. The bytes are copied.
func (c *PageCache) Add(pageId uint64, page []byte) {
	if pageId == 0 {
		return
	}
	c.latch.AcquireExclusive()
	defer c.latch.ReleaseExclusive()
	if c.closed {
		return
	}

	if slot := c.findLocked(pageId); slot >= 0 {
		copy(c.data[slot*c.pageSize:(slot+1)*c.pageSize], page)
		c.moveToTailLocked(int32(slot))
		return
	}

	// Reuse the least-recent slot, unmapping its previous occupant.
	slot := c.head
	if c.ids[slot] != 0 {
		c.unhashLocked(slot)
		if c.metrics != nil {
			c.metrics.pageCacheEvictions.Inc()
		}
	}
	c.ids[slot] = pageId
	copy(c.data[int(slot)*c.pageSize:(int(slot)+1)*c.pageSize], page)

	b := c.bucket(pageId)
	c.chain[slot] = c.ht[b]
	c.ht[b] = slot

	c.moveToTailLocked(slot)
}

// Remove copies the page out if present, unmaps it, and moves its slot to
// the reuse head. Returns false when pageId is not cached.
func (c *PageCache) Remove(pageId uint64, page []byte) bool {
	if pageId == 0 {
		return false
	}
	c.latch.AcquireExclusive()
	defer c.latch.ReleaseExclusive()
	if c.closed {
		return false
	}

	slot := c.findLocked(pageId)
	if slot < 0 {
		if c.metrics != nil {
			c.metrics.pageCacheMisses.Inc()
		}
		return false
	}
	copy(page, c.data[slot*c.pageSize:(slot+1)*c.pageSize])

	c.unhashLocked(int32(slot))
	c.ids[slot] = 0
	c.moveToHeadLocked(int32(slot))
	if c.metrics != nil {
		c.metrics.pageCacheHits.Inc()
	}
	return true
}

// Close releases the page buffer. Subsequent Add and Remove calls are
// no-ops; Remove returns false.
func (c *PageCache) Close() {
	c.latch.AcquireExclusive()
	c.closed = true
	c.data = nil
	c.ht = nil
	c.latch.ReleaseExclusive()
}

func (c *PageCache) findLocked(pageId uint64) int {
	for slot := c.ht[c.bucket(pageId)]; slot >= 0; slot = c.chain[slot] {
		if c.ids[slot] == pageId {
			return int(slot)
		}
	}
	return -1
}

func (c *PageCache) unhashLocked(slot int32) {
	b := c.bucket(c.ids[slot])
	cur := c.ht[b]
	if cur == slot {
		c.ht[b] = c.chain[slot]
	} else {
		for cur >= 0 {
			next := c.chain[cur]
			if next == slot {
				c.chain[cur] = c.chain[slot]
				break
			}
			cur = next
		}
	}
	c.chain[slot] = -1
}

func (c *PageCache) unlinkLocked(slot int32) {
	if c.less[slot] >= 0 {
		c.more[c.less[slot]] = c.more[slot]
	} else {
		c.head = c.more[slot]
	}
	if c.more[slot] >= 0 {
		c.less[c.more[slot]] = c.less[slot]
	} else {
		c.tail = c.less[slot]
	}
}

func (c *PageCache) moveToTailLocked(slot int32) {
	if c.tail == slot {
		return
	}
	c.unlinkLocked(slot)
	c.less[slot] = c.tail
	c.more[slot] = -1
	c.more[c.tail] = slot
	c.tail = slot
}

func (c *PageCache) moveToHeadLocked(slot int32) {
	if c.head == slot {
		return
	}
	c.unlinkLocked(slot)
	c.more[slot] = c.head
	c.less[slot] = -1
	c.less[c.head] = slot
	c.head = slot
}
