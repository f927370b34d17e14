package treedb

import "sync/atomic"

// The usage list is the doubly linked LRU of evictable nodes. The least
// recently used end is the head. Nodes pinned by cursors, splits, or an
// explicit unevictable count are skipped by the eviction sweep rather
// than unlinked, which keeps used/unused constant time.
type usageList struct {
	latch Latch
	head  *Node // least recently used
	tail  *Node // most recently used
	size  int
	max   int
}

func newUsageList(maxNodes int) *usageList {
	return &usageList{max: maxNodes}
}

// used moves n to the most recent end. Called after any access.
func (u *usageList) used(n *Node) {
	u.latch.AcquireExclusive()
	u.moveToTailLocked(n)
	u.latch.ReleaseExclusive()
}

// unused moves n to the least recent end, making it the next eviction
// candidate, and releases n's latch.
func (u *usageList) unused(n *Node, exclusive bool) {
	u.latch.AcquireExclusive()
	u.moveToHeadLocked(n)
	u.latch.ReleaseExclusive()
	if exclusive {
		n.latch.ReleaseExclusive()
	} else {
		n.latch.ReleaseShared()
	}
}

// attach links a newly created node at the most recent end.
func (u *usageList) attach(n *Node) {
	u.latch.AcquireExclusive()
	n.lessUsed = u.tail
	n.moreUsed = nil
	if u.tail != nil {
		u.tail.moreUsed = n
	} else {
		u.head = n
	}
	u.tail = n
	u.size++
	u.latch.ReleaseExclusive()
}

// detach unlinks n entirely (tree close, node destruction).
func (u *usageList) detach(n *Node) {
	u.latch.AcquireExclusive()
	u.unlinkLocked(n)
	u.size--
	u.latch.ReleaseExclusive()
}

func (u *usageList) unlinkLocked(n *Node) {
	if n.lessUsed != nil {
		n.lessUsed.moreUsed = n.moreUsed
	} else if u.head == n {
		u.head = n.moreUsed
	}
	if n.moreUsed != nil {
		n.moreUsed.lessUsed = n.lessUsed
	} else if u.tail == n {
		u.tail = n.lessUsed
	}
	n.lessUsed = nil
	n.moreUsed = nil
}

func (u *usageList) moveToTailLocked(n *Node) {
	if u.tail == n {
		return
	}
	u.unlinkLocked(n)
	n.lessUsed = u.tail
	if u.tail != nil {
		u.tail.moreUsed = n
	} else {
		u.head = n
	}
	u.tail = n
}

func (u *usageList) moveToHeadLocked(n *Node) {
	if u.head == n {
		return
	}
	u.unlinkLocked(n)
	n.moreUsed = u.head
	if u.head != nil {
		u.head.lessUsed = n
	} else {
		u.tail = n
	}
	u.head = n
}

// sweep walks from the least recent end looking for a node that can be
// evicted: not pinned, not bound by cursors, not mid split, and
// exclusively latchable without waiting. Returns the node exclusively
// latched and unlinked, or nil after limit candidates failed.
func (u *usageList) sweep(limit int) *Node {
	u.latch.AcquireExclusive()
	n := u.head
	for n != nil && limit > 0 {
		next := n.moreUsed
		if atomic.LoadInt32(&n.pinCount) == 0 && n.split == nil && n.latch.TryAcquireExclusive() {
			if n.lastCursorFrame == nil && atomic.LoadInt32(&n.pinCount) == 0 && n.split == nil {
				u.unlinkLocked(n)
				u.size--
				u.latch.ReleaseExclusive()
				return n
			}
			n.latch.ReleaseExclusive()
		}
		n = next
		limit--
	}
	u.latch.ReleaseExclusive()
	return nil
}

// full reports whether the list is at its configured node budget.
func (u *usageList) full() bool {
	u.latch.AcquireShared()
	f := u.size >= u.max
	u.latch.ReleaseShared()
	return f
}
