package treedb

import "bytes"

// CursorFrame binds a cursor to a position inside one node. Frames form
// a stack from leaf to root through parentFrame, and each node chains
// its bound frames through prevSibling so split, merge, and rebalance
// can relocate them under the node's latch. A bound frame pins its node
// against eviction.
//
// pos holds the slot byte offset on leaves (negative values are the
// complement of an insertion offset) and twice the child index on
// internal nodes.
type CursorFrame struct {
	node        *Node
	pos         int
	parentFrame *CursorFrame
	prevSibling *CursorFrame
}

// bind links the frame into node's frame list. The node latch is held.
func (f *CursorFrame) bind(node *Node, pos int) {
	f.node = node
	f.pos = pos
	f.prevSibling = node.lastCursorFrame
	node.lastCursorFrame = f
}

// unbind removes the frame from its node's list. The node latch is held.
func (f *CursorFrame) unbind() {
	n := f.node
	if n == nil {
		return
	}
	if n.lastCursorFrame == f {
		n.lastCursorFrame = f.prevSibling
	} else {
		for cur := n.lastCursorFrame; cur != nil; cur = cur.prevSibling {
			if cur.prevSibling == f {
				cur.prevSibling = f.prevSibling
				break
			}
		}
	}
	f.node = nil
	f.prevSibling = nil
}

// acquireShared latches the frame's node shared, rechecking the binding
// in case a concurrent relocation moved the frame.
func (f *CursorFrame) acquireShared() *Node {
	for {
		n := f.node
		n.latch.AcquireShared()
		if f.node == n {
			return n
		}
		n.latch.ReleaseShared()
	}
}

// acquireExclusive latches the frame's node exclusively, rechecking the
// binding.
func (f *CursorFrame) acquireExclusive() *Node {
	for {
		n := f.node
		n.latch.AcquireExclusive()
		if f.node == n {
			return n
		}
		n.latch.ReleaseExclusive()
	}
}

// Cursor iterates a tree in key order. Cursors are not safe for
// concurrent use by multiple goroutines; the engine's latching protects
// the tree, not the cursor object.
type Cursor struct {
	tree *Tree
	txn  *Transaction

	leaf *CursorFrame

	// key and value mirror the current entry. value is nil when the
	// cursor is positioned at a missing or ghosted key.
	key   []byte
	value []byte
}

// NewCursor returns an unpositioned cursor. A nil transaction reads
// committed state without acquiring locks.
func (t *Tree) NewCursor(txn *Transaction) *Cursor {
	return &Cursor{tree: t, txn: txn}
}

// Key returns the current key, or nil when unpositioned.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current value, nil at a missing or ghosted entry.
func (c *Cursor) Value() []byte { return c.value }

// Reset unbinds every frame and forgets the position.
func (c *Cursor) Reset() {
	frame := c.leaf
	for frame != nil {
		parent := frame.parentFrame
		if frame.node != nil {
			n := frame.acquireAny()
			frame.unbind()
			n.latch.ReleaseExclusive()
		}
		frame = parent
	}
	c.leaf = nil
	c.key = nil
	c.value = nil
}

// acquireAny latches the frame node exclusively for unbinding.
func (f *CursorFrame) acquireAny() *Node {
	return f.acquireExclusive()
}

// Close is an alias for Reset, releasing the cursor's pins.
func (c *Cursor) Close() { c.Reset() }

// Find positions the cursor at key. The value field is loaded; a miss
// leaves Value nil but keeps the insertion position bound for a
// subsequent Store or Next.
func (c *Cursor) Find(key []byte) error {
	if len(key) == 0 {
		return ErrKeyTooLarge
	}
	if c.txn != nil {
		res, err := c.txn.lockKeyShared(c.tree, key)
		if err != nil {
			return err
		}
		_ = res
	}
	return c.findInner(key, true)
}

// findInner descends from the root with shared latches, hand over hand,
// and binds a frame stack along the path.
func (c *Cursor) findInner(key []byte, loadValue bool) error {
	c.Reset()
	t := c.tree
	node := t.root
	node.latch.AcquireShared()

	var parentFrame *CursorFrame
	for {
		// A pending split redirects by the promoted separator; the
		// sibling's latch is free after phase one, so readers never
		// hold-and-wait here.
		if node.split != nil {
			if node.split.selectSide(key) == node.split.left {
				sibling := node.split.sibling
				sibling.latch.AcquireShared()
				node.latch.ReleaseShared()
				node = sibling
			}
		}

		frame := &CursorFrame{parentFrame: parentFrame}

		if node.isLeaf() {
			pos, err := node.binarySearch(t, key)
			if err != nil {
				node.latch.ReleaseShared()
				return err
			}
			frame.bind(node, pos)
			c.leaf = frame
			c.key = append([]byte(nil), key...)
			c.value = nil
			if loadValue && pos >= 0 {
				v, ghost, err := node.retrieveLeafValue(t, pos)
				if err != nil {
					node.latch.ReleaseShared()
					return err
				}
				if !ghost {
					c.value = v
				}
			}
			t.db.usage.used(node)
			node.latch.ReleaseShared()
			return nil
		}

		pos, err := node.binarySearch(t, key)
		if err != nil {
			node.latch.ReleaseShared()
			return err
		}
		var ci int
		if pos >= 0 {
			ci = pos/2 + 1
		} else {
			ci = (^pos) / 2
		}
		frame.bind(node, ci*2)
		childId := node.retrieveChildId(ci)

		child, err := t.latchChildShared(node, childId)
		if err != nil {
			frame.unbindUnderLatch(node, false)
			node.latch.ReleaseShared()
			return err
		}
		parentFrame = frame
		node = child
	}
}

// unbindUnderLatch unbinds when the caller already holds the node latch
// in the given mode.
func (f *CursorFrame) unbindUnderLatch(n *Node, exclusive bool) {
	_ = exclusive
	if n.lastCursorFrame == f {
		n.lastCursorFrame = f.prevSibling
	} else {
		for cur := n.lastCursorFrame; cur != nil; cur = cur.prevSibling {
			if cur.prevSibling == f {
				cur.prevSibling = f.prevSibling
				break
			}
		}
	}
	f.node = nil
	f.prevSibling = nil
}

// First positions the cursor at the smallest entry. Returns false when
// the tree is empty.
func (c *Cursor) First() (bool, error) {
	return c.findExtremity(true)
}

// Last positions the cursor at the largest entry.
func (c *Cursor) Last() (bool, error) {
	return c.findExtremity(false)
}

func (c *Cursor) findExtremity(low bool) (bool, error) {
	c.Reset()
	t := c.tree
	node := t.root
	node.latch.AcquireShared()

	var parentFrame *CursorFrame
	for {
		if node.split != nil {
			// The boundary half is the one keeping the extremity bit.
			s := node.split
			takeSibling := (low && s.left) || (!low && !s.left)
			if takeSibling {
				sibling := s.sibling
				sibling.latch.AcquireShared()
				node.latch.ReleaseShared()
				node = sibling
			}
		}

		frame := &CursorFrame{parentFrame: parentFrame}
		if node.isLeaf() {
			if !node.hasKeys() {
				frame.bind(node, ^0)
				c.leaf = frame
				node.latch.ReleaseShared()
				return false, nil
			}
			pos := 0
			if !low {
				pos = node.searchVecEnd - node.searchVecStart
			}
			frame.bind(node, pos)
			c.leaf = frame
			err := c.loadCurrentLocked(node, pos)
			node.latch.ReleaseShared()
			return err == nil, err
		}

		ci := 0
		if !low {
			ci = node.numKeys()
		}
		frame.bind(node, ci*2)
		childId := node.retrieveChildId(ci)
		child, err := t.latchChildShared(node, childId)
		if err != nil {
			frame.unbindUnderLatch(node, false)
			node.latch.ReleaseShared()
			return false, err
		}
		parentFrame = frame
		node = child
	}
}

// loadCurrentLocked refreshes key and value from the latched leaf.
func (c *Cursor) loadCurrentLocked(node *Node, pos int) error {
	k, err := node.retrieveKey(c.tree, pos)
	if err != nil {
		return err
	}
	c.key = k
	v, ghost, err := node.retrieveLeafValue(c.tree, pos)
	if err != nil {
		return err
	}
	if ghost {
		c.value = nil
	} else {
		c.value = v
	}
	return nil
}

// Next advances to the following entry, skipping ghosts. Returns false
// when exhausted.
func (c *Cursor) Next() (bool, error) {
	for {
		ok, ghost, err := c.step(true)
		if err != nil || !ok {
			return ok, err
		}
		if !ghost {
			return true, nil
		}
	}
}

// Previous steps to the preceding entry, skipping ghosts.
func (c *Cursor) Previous() (bool, error) {
	for {
		ok, ghost, err := c.step(false)
		if err != nil || !ok {
			return ok, err
		}
		if !ghost {
			return true, nil
		}
	}
}

// step moves one slot in the given direction, descending and ascending
// across node boundaries through the frame stack.
func (c *Cursor) step(forward bool) (ok, ghost bool, err error) {
	frame := c.leaf
	if frame == nil {
		return false, false, ErrCursorUnpositioned
	}

	node := frame.acquireShared()
	pos := frame.pos

	var next int
	if forward {
		if pos >= 0 {
			next = pos + 2
		} else {
			next = ^pos
		}
	} else {
		if pos >= 0 {
			next = pos - 2
		} else {
			next = (^pos) - 2
		}
	}

	if next >= 0 && next <= node.searchVecEnd-node.searchVecStart {
		frame.pos = next
		gpos := next
		err = c.loadCurrentLocked(node, gpos)
		isGhost := c.value == nil && err == nil
		c.tree.db.usage.used(node)
		node.latch.ReleaseShared()
		return err == nil, isGhost, err
	}

	// Boundary: ascend until a parent has a further child, then descend
	// its boundary path.
	node.latch.ReleaseShared()
	return c.stepAcross(forward)
}

func (c *Cursor) stepAcross(forward bool) (bool, bool, error) {
	frame := c.leaf

	for {
		parent := frame.parentFrame
		if parent == nil {
			// Exhausted: unbind the last frame so further steps report
			// an unpositioned cursor instead of walking an interior
			// node.
			n := frame.acquireExclusive()
			frame.unbindUnderLatch(n, true)
			n.latch.ReleaseExclusive()
			c.leaf = nil
			return false, false, nil
		}
		pnode := parent.acquireExclusive()

		// Unbind the exhausted frame.
		cnode := frame.acquireExclusive()
		frame.unbindUnderLatch(cnode, true)
		cnode.latch.ReleaseExclusive()

		ci := parent.pos / 2
		if forward {
			if ci < pnode.numKeys() {
				return c.descendBoundary(parent, pnode, ci+1, forward)
			}
		} else {
			if ci > 0 {
				return c.descendBoundary(parent, pnode, ci-1, forward)
			}
		}
		pnode.latch.ReleaseExclusive()
		c.leaf = parent
		frame = parent
	}
}

// descendBoundary descends from the latched parent into child ci,
// following the low (forward) or high (backward) edge to a leaf.
func (c *Cursor) descendBoundary(parentFrame *CursorFrame, pnode *Node, ci int, forward bool) (bool, bool, error) {
	t := c.tree
	parentFrame.pos = ci * 2
	pnode.latch.Downgrade()

	node := pnode
	pf := parentFrame
	childId := pnode.retrieveChildId(ci)
	for {
		child, err := t.latchChildShared(node, childId)
		if err != nil {
			node.latch.ReleaseShared()
			c.leaf = pf
			return false, false, err
		}
		if child.split != nil {
			s := child.split
			takeSibling := (forward && s.left) || (!forward && !s.left)
			if takeSibling {
				sibling := s.sibling
				sibling.latch.AcquireShared()
				child.latch.ReleaseShared()
				child = sibling
			}
		}
		frame := &CursorFrame{parentFrame: pf}
		if child.isLeaf() {
			if !child.hasKeys() {
				frame.bind(child, ^0)
				c.leaf = frame
				child.latch.ReleaseShared()
				return c.stepAcross(forward)
			}
			pos := 0
			if !forward {
				pos = child.searchVecEnd - child.searchVecStart
			}
			frame.bind(child, pos)
			c.leaf = frame
			err = c.loadCurrentLocked(child, pos)
			isGhost := err == nil && c.value == nil
			child.latch.ReleaseShared()
			return err == nil, isGhost, err
		}
		nci := 0
		if !forward {
			nci = child.numKeys()
		}
		frame.bind(child, nci*2)
		childId = child.retrieveChildId(nci)
		pf = frame
		node = child
	}
}

// Load re-reads the current entry's value, honoring the cursor's
// transaction lock mode.
func (c *Cursor) Load() error {
	if c.key == nil {
		return ErrCursorUnpositioned
	}
	return c.Find(c.key)
}

// Store writes value at the cursor's current key through the cursor's
// transaction.
func (c *Cursor) Store(value []byte) error {
	if c.key == nil {
		return ErrCursorUnpositioned
	}
	return c.tree.Store(c.txn, c.key, value)
}

// FindGE positions at the first entry with key >= the given key.
func (c *Cursor) FindGE(key []byte) (bool, error) {
	if err := c.findInner(key, true); err != nil {
		return false, err
	}
	if c.leaf.pos >= 0 {
		return true, nil
	}
	ok, err := c.Next()
	return ok, err
}

// FindGT positions at the first entry with key > the given key.
func (c *Cursor) FindGT(key []byte) (bool, error) {
	if err := c.findInner(key, false); err != nil {
		return false, err
	}
	return c.Next()
}

// FindLE positions at the last entry with key <= the given key.
func (c *Cursor) FindLE(key []byte) (bool, error) {
	if err := c.findInner(key, true); err != nil {
		return false, err
	}
	if c.leaf.pos >= 0 && c.value != nil {
		return true, nil
	}
	return c.Previous()
}

// FindLT positions at the last entry with key < the given key.
func (c *Cursor) FindLT(key []byte) (bool, error) {
	if err := c.findInner(key, false); err != nil {
		return false, err
	}
	return c.Previous()
}

// compareKeyTo orders the cursor's current key against another key.
func (c *Cursor) compareKeyTo(other []byte) int {
	return bytes.Compare(c.key, other)
}
