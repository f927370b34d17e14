package treedb

import (
	"sync/atomic"
)

// Tree is a named ordered index owning a root node. The root is pinned
// against eviction and latched like any other node.
type Tree struct {
	db   *Database
	id   uint64
	name string

	root *Node

	maxKeySize   int
	maxEntrySize int

	// temporary trees skip redo entirely
	temporary bool

	closed atomic.Bool
}

// Id returns the tree's 64-bit identity, used by the lock manager and
// the logs.
func (t *Tree) Id() uint64 { return t.id }

// Name returns the tree's registered name, empty for temporary trees.
func (t *Tree) Name() string { return t.name }

// markDirty transitions a node into the current dirty generation and
// tracks it for the next checkpoint. The node latch is held.
func (t *Tree) markDirty(n *Node) {
	t.db.markDirty(n)
}

// latchChildShared resolves childId to its node, latched shared, and
// releases the parent latch. The parent is latched shared on entry.
func (t *Tree) latchChildShared(parent *Node, childId uint64) (*Node, error) {
	for {
		child := t.db.nodeMapGet(childId)
		if child == nil {
			loaded, err := t.db.loadNode(childId)
			if err != nil {
				return nil, err
			}
			child = loaded
		}
		child.latch.AcquireShared()
		if child.id == childId {
			t.db.usage.used(child)
			parent.latch.ReleaseShared()
			return child, nil
		}
		// Evicted between lookup and latch; retry.
		child.latch.ReleaseShared()
	}
}

// latchChildExclusive is latchChildShared for the write path's bottom
// level.
func (t *Tree) latchChildExclusive(parent *Node, childId uint64) (*Node, error) {
	for {
		child := t.db.nodeMapGet(childId)
		if child == nil {
			loaded, err := t.db.loadNode(childId)
			if err != nil {
				return nil, err
			}
			child = loaded
		}
		child.latch.AcquireExclusive()
		if child.id == childId {
			t.db.usage.used(child)
			parent.latch.ReleaseShared()
			return child, nil
		}
		child.latch.ReleaseExclusive()
	}
}

// openWriteFrame descends to the leaf covering key and returns its
// frame stack with the leaf exclusively latched, along with the binary
// search position. The caller releases the leaf latch and unbinds the
// frames through closeWriteFrame.
func (t *Tree) openWriteFrame(key []byte) (*CursorFrame, *Node, int, error) {
	for {
		node := t.root
		node.latch.AcquireShared()

		// A leaf root needs the exclusive latch immediately.
		for node.isLeaf() {
			if node.latch.TryUpgrade() {
				break
			}
			node.latch.ReleaseShared()
			node.latch.AcquireExclusive()
			if node.isLeaf() {
				break
			}
			node.latch.Downgrade()
		}

		var parentFrame *CursorFrame
		retry := false
		for {
			if node.split != nil {
				// Writers finish pending splits before proceeding.
				frame := &CursorFrame{parentFrame: parentFrame}
				frame.bind(node, 0)
				if !node.isLeaf() {
					// Descent latched it shared; the finisher needs it
					// exclusive.
					if !node.latch.TryUpgrade() {
						frame.unbindUnderLatch(node, false)
						node.latch.ReleaseShared()
						t.unwindFrames(parentFrame)
						retry = true
						break
					}
				}
				if err := t.finishSplit(frame, node); err != nil {
					t.unwindFrames(parentFrame)
					return nil, nil, 0, err
				}
				t.unwindFrames(frame)
				retry = true
				break
			}

			if node.isLeaf() {
				pos, err := node.binarySearch(t, key)
				if err != nil {
					node.latch.ReleaseExclusive()
					t.unwindFrames(parentFrame)
					return nil, nil, 0, err
				}
				frame := &CursorFrame{parentFrame: parentFrame}
				frame.bind(node, pos)
				return frame, node, pos, nil
			}

			pos, err := node.binarySearch(t, key)
			if err != nil {
				node.latch.ReleaseShared()
				t.unwindFrames(parentFrame)
				return nil, nil, 0, err
			}
			var ci int
			if pos >= 0 {
				ci = pos/2 + 1
			} else {
				ci = (^pos) / 2
			}
			frame := &CursorFrame{parentFrame: parentFrame}
			frame.bind(node, ci*2)
			childId := node.retrieveChildId(ci)

			var child *Node
			if node.isBottomInternal() {
				child, err = t.latchChildExclusive(node, childId)
			} else {
				child, err = t.latchChildShared(node, childId)
			}
			if err != nil {
				frame.unbindUnderLatch(node, false)
				node.latch.ReleaseShared()
				t.unwindFrames(parentFrame)
				return nil, nil, 0, err
			}
			parentFrame = frame
			node = child
		}
		if retry {
			continue
		}
	}
}

// unwindFrames unbinds a frame chain from leaf side up. Latches are not
// held on entry.
func (t *Tree) unwindFrames(frame *CursorFrame) {
	for frame != nil {
		parent := frame.parentFrame
		if frame.node != nil {
			n := frame.acquireExclusive()
			frame.unbindUnderLatch(n, true)
			n.latch.ReleaseExclusive()
		}
		frame = parent
	}
}

// closeWriteFrame releases the latched leaf and unbinds the stack.
func (t *Tree) closeWriteFrame(frame *CursorFrame, node *Node) {
	frame.unbindUnderLatch(node, true)
	node.latch.ReleaseExclusive()
	t.unwindFrames(frame.parentFrame)
}

// finishSplit drives the split cascade upward from a node whose split
// descriptor is pending. The node is exclusively latched on entry; all
// latches are released by the time finishSplit returns.
func (t *Tree) finishSplit(frame *CursorFrame, node *Node) error {
	for {
		if node.split == nil {
			node.latch.ReleaseExclusive()
			return nil
		}
		pf := frame.parentFrame
		if pf == nil {
			if err := t.finishSplitRoot(node); err != nil {
				node.latch.ReleaseExclusive()
				t.db.panicClose(err)
				return err
			}
			continue
		}

		node.latch.ReleaseExclusive()
		parent := pf.acquireExclusive()
		if parent.split != nil {
			frame, node = pf, parent
			continue
		}
		node.latch.AcquireExclusive()
		if node.split == nil {
			node.latch.ReleaseExclusive()
			parent.latch.ReleaseExclusive()
			return nil
		}
		ok, err := t.insertSplitChildRef(pf, parent, node)
		if err != nil {
			node.latch.ReleaseExclusive()
			parent.latch.ReleaseExclusive()
			return err
		}
		node.latch.ReleaseExclusive()
		if ok {
			parent.latch.ReleaseExclusive()
			return nil
		}
		// The parent split to absorb the reference; keep cascading.
		frame, node = pf, parent
	}
}

// Load returns the value for key, or nil when absent. With a
// transaction the read takes a shared lock in the transaction's scope;
// without one a short-lived shared lock provides read committed.
func (t *Tree) Load(txn *Transaction, key []byte) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrKeyTooLarge
	}

	if txn != nil {
		if err := txn.check(); err != nil {
			return nil, err
		}
		if _, err := txn.lockKeyShared(t, key); err != nil {
			return nil, err
		}
		return t.loadInner(key)
	}

	locker := t.db.lockManager.NewLocker()
	if _, err := locker.LockShared(t.id, key, int64(t.db.lockTimeout)); err != nil {
		return nil, err
	}
	defer locker.unlockAll()
	return t.loadInner(key)
}

func (t *Tree) loadInner(key []byte) ([]byte, error) {
	c := t.NewCursor(nil)
	defer c.Reset()
	if err := c.findInner(key, true); err != nil {
		return nil, err
	}
	return c.value, nil
}

// Store sets key to value, replacing any prior value. A nil value
// deletes the entry.
func (t *Tree) Store(txn *Transaction, key, value []byte) error {
	_, err := t.exchange(txn, key, value, false)
	return err
}

// Exchange sets key to value and returns the prior value.
func (t *Tree) Exchange(txn *Transaction, key, value []byte) ([]byte, error) {
	return t.exchange(txn, key, value, true)
}

// Insert stores the entry only when absent; reports whether it stored.
func (t *Tree) Insert(txn *Transaction, key, value []byte) (bool, error) {
	old, err := t.exchangeConditional(txn, key, value, true)
	return old, err
}

// Replace stores the entry only when present; reports whether it
// stored.
func (t *Tree) Replace(txn *Transaction, key, value []byte) (bool, error) {
	return t.exchangeConditional(txn, key, value, false)
}

// Delete removes key; equivalent to storing nil.
func (t *Tree) Delete(txn *Transaction, key []byte) error {
	_, err := t.exchange(txn, key, nil, false)
	return err
}

func (t *Tree) exchangeConditional(txn *Transaction, key, value []byte, whenAbsent bool) (bool, error) {
	old, err := t.Load(txn, key)
	if err != nil {
		return false, err
	}
	if (old == nil) != whenAbsent {
		return false, nil
	}
	_, err = t.exchange(txn, key, value, false)
	return err == nil, err
}

// exchange is the single data-plane mutation path: commit lock shared,
// key lock, undo entry, node mutation, redo record.
func (t *Tree) exchange(txn *Transaction, key, value []byte, wantOld bool) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrKeyTooLarge
	}
	db := t.db
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.commitLatch.AcquireShared()
	defer db.commitLatch.ReleaseShared()

	if txn != nil {
		if err := txn.check(); err != nil {
			return nil, err
		}
		if _, err := txn.lockKeyExclusive(t, key); err != nil {
			return nil, err
		}
		return t.exchangeLocked(txn, key, value, wantOld)
	}

	locker := db.lockManager.NewLocker()
	if _, err := locker.LockExclusive(t.id, key, int64(db.lockTimeout)); err != nil {
		return nil, err
	}
	defer locker.unlockAll()
	return t.exchangeAutoCommit(locker, key, value, wantOld)
}

func (t *Tree) exchangeLocked(txn *Transaction, key, value []byte, wantOld bool) ([]byte, error) {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return nil, err
	}

	var old []byte
	existed := false
	if pos >= 0 {
		v, ghost, verr := node.retrieveLeafValue(t, pos)
		if verr != nil {
			t.closeWriteFrame(frame, node)
			return nil, verr
		}
		if !ghost {
			old = v
			existed = true
		}
	}

	// Undo before mutate, so a failed mutation still rolls back clean.
	if value == nil {
		if !existed {
			t.closeWriteFrame(frame, node)
			return nil, nil
		}
		if err = txn.pushUndoDelete(t.id, key, old); err != nil {
			t.closeWriteFrame(frame, node)
			return nil, err
		}
		t.markDirty(node)
		displaced := node.ghostLeafEntry(pos)
		if displaced != nil && t.db.fragmentStore != nil {
			_ = t.db.fragmentStore.TrashFragments(txn.id, displaced)
			txn.hasTrash = true
		}
		txn.locker().addGhost(t, key)
		t.closeWriteFrame(frame, node)
		err = txn.redoDelete(t, key)
		if wantOld {
			return old, err
		}
		return nil, err
	}

	if existed {
		err = txn.pushUndoUpdate(t.id, key, old)
	} else {
		err = txn.pushUndoInsert(t.id, key)
	}
	if err != nil {
		t.closeWriteFrame(frame, node)
		return nil, err
	}

	err = t.storeIntoLeaf(frame, node, pos, key, value, existed)
	if err != nil {
		return nil, err
	}
	err = txn.redoStore(t, key, value)
	if wantOld {
		return old, err
	}
	return nil, err
}

func (t *Tree) exchangeAutoCommit(locker *Locker, key, value []byte, wantOld bool) ([]byte, error) {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return nil, err
	}

	var old []byte
	existed := false
	if pos >= 0 {
		v, ghost, verr := node.retrieveLeafValue(t, pos)
		if verr != nil {
			t.closeWriteFrame(frame, node)
			return nil, verr
		}
		if !ghost {
			old = v
			existed = true
		}
	}

	if value == nil {
		if !existed {
			t.closeWriteFrame(frame, node)
			return nil, nil
		}
		t.markDirty(node)
		node.deleteLeafEntry(pos)
		t.considerMerge(frame, node)
		err = t.db.redoAutoCommitDelete(t, key)
		if wantOld {
			return old, err
		}
		return nil, err
	}

	err = t.storeIntoLeaf(frame, node, pos, key, value, existed)
	if err != nil {
		return nil, err
	}
	err = t.db.redoAutoCommitStore(t, key, value)
	if wantOld {
		return old, err
	}
	return nil, err
}

// storeIntoLeaf performs the node mutation for a store, consuming the
// write frame.
func (t *Tree) storeIntoLeaf(frame *CursorFrame, node *Node, pos int, key, value []byte, existed bool) error {
	t.markDirty(node)
	var err error
	if pos >= 0 {
		err = node.updateLeafValue(t, nil, pos, value)
	} else {
		err = node.insertLeafEntryWithFrame(t, frame, ^pos, key, value)
	}
	if err != nil {
		t.closeWriteFrame(frame, node)
		return err
	}
	if node.split != nil {
		// Phase two consumes the latch and the frame bindings.
		leafFrame := frame
		err = t.finishSplit(leafFrame, node)
		t.unwindFrames(leafFrame)
		return err
	}
	t.closeWriteFrame(frame, node)
	return nil
}

// insertLeafEntryWithFrame is insertLeafEntry with the rebalance step
// between compaction and split, using the frame to reach the parent.
func (n *Node) insertLeafEntryWithFrame(t *Tree, frame *CursorFrame, pos int, key, value []byte) error {
	loc := -1
	encodedLen := calculateKeyLength(key) + calculateLeafValueLength(value)
	if encodedLen <= t.maxEntrySize && calculateKeyLength(key) <= t.maxKeySize {
		loc = n.createLeafEntry(t, pos, encodedLen)
		if loc >= 0 {
			end := encodeKey(n.page, loc, key, false)
			encodeLeafValue(n.page, end, value, false)
			return nil
		}
		if newPos, ok := t.tryRebalanceLeaf(n, frame, pos, encodedLen); ok {
			loc = n.createLeafEntry(t, newPos, encodedLen)
			if loc >= 0 {
				frame.pos = ^newPos
				end := encodeKey(n.page, loc, key, false)
				encodeLeafValue(n.page, end, value, false)
				return nil
			}
			pos = newPos
		}
	}
	return n.insertLeafEntry(t, pos, key, value)
}

// deleteGhost physically removes a ghosted entry at commit time. The
// locks protecting the key are still held by the committing locker.
func (t *Tree) deleteGhost(key []byte) {
	if t.closed.Load() {
		return
	}
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return
	}
	if pos >= 0 {
		vloc := node.leafValueLoc(node.searchVecLoc(pos))
		if node.page[vloc] == ghostValueHeader {
			t.markDirty(node)
			node.deleteLeafEntry(pos)
			t.considerMerge(frame, node)
			return
		}
	}
	t.closeWriteFrame(frame, node)
}

// considerMerge consumes the write frame and, when the leaf emptied,
// splices it out of its parent. Empty nodes still bound by other
// cursors are left for a later pass.
func (t *Tree) considerMerge(frame *CursorFrame, node *Node) {
	if node.hasKeys() || node == t.root || node.split != nil ||
		node.lastCursorFrame != frame || frame.prevSibling != nil {
		t.closeWriteFrame(frame, node)
		return
	}
	pf := frame.parentFrame
	frame.unbindUnderLatch(node, true)
	node.latch.ReleaseExclusive()

	if pf == nil {
		t.unwindFrames(pf)
		return
	}

	parent := pf.acquireExclusive()
	if parent.split != nil {
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}
	node.latch.AcquireExclusive()
	if node.hasKeys() || node.lastCursorFrame != nil || node.split != nil {
		node.latch.ReleaseExclusive()
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}
	ci := parent.childPosOf(node.id)
	if ci < 0 || parent.numKeys() == 0 {
		node.latch.ReleaseExclusive()
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}

	// Extremity bits flow to the neighbor absorbing the key range.
	keySlot := ci - 1
	if ci == 0 {
		keySlot = 0
		if node.isLowExtremity() && parent.numKeys() > 0 {
			// The next child becomes the new low boundary.
			t.passExtremity(parent, 1, flagLowExtremity)
		}
	} else if node.isHighExtremity() {
		t.passExtremity(parent, ci-1, flagHighExtremity)
	}

	t.markDirty(parent)
	parent.deleteChildRef(keySlot*2, ci)

	freedId := node.id
	t.db.retireNode(node)
	t.db.freePage(freedId)

	t.mergeUpward(pf, parent)
}

// passExtremity stamps an extremity flag onto the child at index ci.
func (t *Tree) passExtremity(parent *Node, ci int, flag byte) {
	childId := parent.retrieveChildId(ci)
	child := t.db.nodeMapGet(childId)
	if child == nil {
		loaded, err := t.db.loadNode(childId)
		if err != nil {
			return
		}
		child = loaded
	}
	child.latch.AcquireExclusive()
	if child.id == childId {
		child.typ |= flag
		t.markDirty(child)
	}
	child.latch.ReleaseExclusive()
}

// mergeUpward collapses a parent left with zero keys: the root absorbs
// its lone child, and interior nodes are spliced out of their own
// parents. The parent is exclusively latched on entry and released on
// return.
func (t *Tree) mergeUpward(pf *CursorFrame, parent *Node) {
	if parent.numKeys() > 0 || !parent.isInternal() {
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}

	if parent == t.root {
		t.rootCollapse(parent)
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}

	// Interior splice: the grandparent's child id for parent is
	// replaced by parent's only child.
	gpf := pf.parentFrame
	if gpf == nil || parent.lastCursorFrame != pf || pf.prevSibling != nil {
		parent.latch.ReleaseExclusive()
		t.unwindFrames(pf)
		return
	}
	loneChild := parent.retrieveChildId(0)
	pf.unbindUnderLatch(parent, true)
	parent.latch.ReleaseExclusive()

	grand := gpf.acquireExclusive()
	if grand.split != nil {
		grand.latch.ReleaseExclusive()
		t.unwindFrames(gpf)
		return
	}
	parent.latch.AcquireExclusive()
	if parent.numKeys() > 0 || parent.lastCursorFrame != nil || parent.split != nil {
		parent.latch.ReleaseExclusive()
		grand.latch.ReleaseExclusive()
		t.unwindFrames(gpf)
		return
	}
	gci := grand.childPosOf(parent.id)
	if gci < 0 {
		parent.latch.ReleaseExclusive()
		grand.latch.ReleaseExclusive()
		t.unwindFrames(gpf)
		return
	}
	t.markDirty(grand)
	grand.setChildId(gci, loneChild)

	freedId := parent.id
	t.db.retireNode(parent)
	t.db.freePage(freedId)

	t.mergeUpward(gpf, grand)
}

// rootCollapse absorbs the root's lone child into the root, shrinking
// the tree by one level. The root is exclusively latched.
func (t *Tree) rootCollapse(root *Node) {
	childId := root.retrieveChildId(0)
	child := t.db.nodeMapGet(childId)
	if child == nil {
		loaded, err := t.db.loadNode(childId)
		if err != nil {
			return
		}
		child = loaded
	}
	child.latch.AcquireExclusive()
	if child.id != childId || child.split != nil {
		child.latch.ReleaseExclusive()
		return
	}

	root.page, child.page = child.page, root.page
	root.typ = child.typ | flagLowExtremity | flagHighExtremity
	root.garbage = child.garbage
	root.leftSegTail = child.leftSegTail
	root.rightSegTail = child.rightSegTail
	root.searchVecStart = child.searchVecStart
	root.searchVecEnd = child.searchVecEnd

	// Frames on the child move to the root and drop a level. Their old
	// parent frames were bound to the root; unbind those first.
	for frame := child.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		if pf := frame.parentFrame; pf != nil && pf.node == root {
			pf.unbindUnderLatch(root, true)
		}
		frame.node = root
		frame.parentFrame = nil
	}
	if child.lastCursorFrame != nil {
		tail := child.lastCursorFrame
		for tail.prevSibling != nil {
			tail = tail.prevSibling
		}
		tail.prevSibling = root.lastCursorFrame
		root.lastCursorFrame = child.lastCursorFrame
		child.lastCursorFrame = nil
	}

	t.markDirty(root)

	freedId := child.id
	t.db.retireNode(child)
	t.db.freePage(freedId)
}

// Count returns the number of live entries by walking the tree.
func (t *Tree) Count() (uint64, error) {
	c := t.NewCursor(nil)
	defer c.Reset()
	var count uint64
	ok, err := c.First()
	for ok && err == nil {
		count++
		ok, err = c.Next()
	}
	return count, err
}

// Verify walks the whole tree checking the layout invariants and key
// ordering, returning the first violation found.
func (t *Tree) Verify() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.verifySubtree(t.root)
}

func (t *Tree) verifySubtree(n *Node) error {
	n.latch.AcquireShared()
	if err := n.verifyNode(t); err != nil {
		n.latch.ReleaseShared()
		return err
	}
	if n.isLeaf() {
		n.latch.ReleaseShared()
		return nil
	}
	children := make([]uint64, 0, n.numKeys()+1)
	for i := 0; i <= n.numKeys(); i++ {
		children = append(children, n.retrieveChildId(i))
	}
	n.latch.ReleaseShared()

	for _, id := range children {
		child := t.db.nodeMapGet(id)
		if child == nil {
			loaded, err := t.db.loadNode(id)
			if err != nil {
				return err
			}
			child = loaded
		}
		if err := t.verifySubtree(child); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) checkOpen() error {
	if t.closed.Load() {
		return ErrClosedIndex
	}
	return nil
}

// Close detaches the tree from the database. Dirty nodes remain in the
// pool and flush on the next checkpoint.
func (t *Tree) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.db.forgetTree(t)
	return nil
}

// Drop deletes the tree: its pages are freed and its root degrades into
// the stub sentinel so cursors still bound to it drain as an empty
// index.
func (t *Tree) Drop(txn *Transaction) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	db := t.db
	db.commitLatch.AcquireShared()
	defer db.commitLatch.ReleaseShared()

	t.root.latch.AcquireExclusive()
	if err := t.freeSubtreePages(t.root); err != nil {
		t.root.latch.ReleaseExclusive()
		return err
	}
	// The root's page returns to the allocator; the node degrades to the
	// reserved stub id so draining cursors see an empty index. The node
	// map entry goes away under the root's real id first.
	db.nodeMap.remove(t.root)
	db.freePage(t.root.id)
	t.root.asStub()
	t.root.latch.ReleaseExclusive()
	t.closed.Store(true)

	if err := db.redoDeleteIndex(txn, t); err != nil {
		return err
	}
	db.forgetTree(t)
	// Stub roots stay pinned: the sweep must never write or recycle the
	// sentinel.
	db.makeUnevictable(t.root)
	return nil
}

// freeSubtreePages returns every page below n (exclusive of n itself)
// to the allocator. n is exclusively latched.
func (t *Tree) freeSubtreePages(n *Node) error {
	if n.isLeaf() {
		return nil
	}
	for i := 0; i <= n.numKeys(); i++ {
		childId := n.retrieveChildId(i)
		child := t.db.nodeMapGet(childId)
		if child == nil {
			loaded, err := t.db.loadNode(childId)
			if err != nil {
				return err
			}
			child = loaded
		}
		child.latch.AcquireExclusive()
		if err := t.freeSubtreePages(child); err != nil {
			child.latch.ReleaseExclusive()
			return err
		}
		freedId := child.id
		t.db.retireNode(child)
		t.db.freePage(freedId)
	}
	return nil
}
