package treedb

// Split is the transient descriptor attached to a node between the two
// phases of a split. Phase one moves half the entries into a new
// unevictable sibling while the node is exclusively latched; the sibling
// is not yet reachable from the parent. Phase two inserts the promoted
// separator and sibling id into the parent, rebinds affected cursor
// frames, and clears the descriptor. Any thread that encounters a node
// with a pending split finishes it before proceeding; nobody latches the
// sibling while the descriptor is pending, which keeps hold-and-wait
// cycles impossible.
type Split struct {
	sibling    *Node
	key        []byte
	fragmented bool

	// left means the sibling holds the low half of the key space.
	left bool
}

// selectSide reports which half of a split node covers key: true for
// the low half, false for the high half. Called with the original node
// latched.
func (s *Split) selectSide(key []byte) bool {
	// true selects the low side
	return compareUnsigned(key, s.key, 0) < 0
}

// splitLeafAndInsert performs phase one of a leaf split and inserts the
// pending entry into the correct half. The node is exclusively latched;
// a failure here is not recoverable beyond the current operation and
// panics the database.
func (t *Tree) splitLeafAndInsert(n *Node, pos int, key []byte, keyFrag bool,
	value []byte, valueFrag bool, encodedLen int) error {

	sibling, err := t.db.allocUnevictableNode()
	if err != nil {
		return err
	}

	vecLen := n.searchVecEnd - n.searchVecStart + 2
	half := (vecLen >> 1) &^ 1
	if half == 0 {
		half = 2
	}
	left := pos < half

	pageSize := len(n.page)

	// Pack the moved half into the sibling and the surviving half onto
	// a spare page swapped into n.
	lowInto, highInto := sibling, n
	if !left {
		lowInto, highInto = n, sibling
	}

	spare := t.db.acquireSparePage()

	packLeaf := func(dstPage []byte, from, to int) (leftTail, vecStart, vecEnd int) {
		tail := tnHeaderSize
		count := (to - from) / 2
		vecBytes := count * 2
		// Estimate placement after packing: entries first, vector
		// centered in what remains.
		live := 0
		for sp := from; sp < to; sp += 2 {
			live += n.leafEntryLengthAtLoc(n.searchVecLoc(sp))
		}
		span := pageSize - (tnHeaderSize + live)
		start := (tnHeaderSize + live + (span-vecBytes)/2 + 1) &^ 1
		out := start
		for sp := from; sp < to; sp += 2 {
			loc := n.searchVecLoc(sp)
			elen := n.leafEntryLengthAtLoc(loc)
			copy(dstPage[tail:], n.page[loc:loc+elen])
			putUint16LE(dstPage, out, uint16(tail))
			tail += elen
			out += 2
		}
		return tail, start, start + vecBytes - 2
	}

	sibPage := sibling.page
	var movedFrom, movedTo, keptFrom, keptTo int
	if left {
		movedFrom, movedTo = 0, half
		keptFrom, keptTo = half, vecLen
	} else {
		movedFrom, movedTo = half, vecLen
		keptFrom, keptTo = 0, half
	}

	// Sibling half.
	sTail, sStart, sEnd := packLeaf(sibPage, movedFrom, movedTo)
	// Surviving half, onto the spare page.
	kTail, kStart, kEnd := packLeaf(spare, keptFrom, keptTo)

	// Rebind cursor frames across the boundary before swapping pages.
	t.rebindLeafFramesForSplit(n, sibling, movedFrom, movedTo, keptFrom, vecLen)

	t.db.releaseSparePage(n.page)
	n.page = spare
	n.garbage = 0
	n.leftSegTail = kTail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = kStart
	n.searchVecEnd = kEnd

	sibling.typ = typeLeaf
	sibling.garbage = 0
	sibling.leftSegTail = sTail
	sibling.rightSegTail = pageSize - 1
	sibling.searchVecStart = sStart
	sibling.searchVecEnd = sEnd

	// Extremity bits follow the half that keeps the boundary.
	if left {
		if n.isLowExtremity() {
			sibling.typ |= flagLowExtremity
			n.typ &^= flagLowExtremity
		}
	} else {
		if n.isHighExtremity() {
			sibling.typ |= flagHighExtremity
			n.typ &^= flagHighExtremity
		}
	}

	// Insert the pending entry into whichever half owns pos.
	target := n
	tpos := pos
	if left {
		if pos < half {
			target, tpos = sibling, pos
		} else {
			tpos = pos - half
		}
	} else {
		if pos >= half {
			target, tpos = sibling, pos-half
		}
	}
	loc := target.createLeafEntry(t, tpos, encodedLen)
	if loc < 0 {
		// Both halves were just packed; a failed insert means the
		// entry cannot fit a half page, which the entry size limit
		// prevents.
		t.db.panicClose(corruptf(n.id, "split left no room for entry"))
		return corruptf(n.id, "split left no room for entry")
	}
	end := encodeKey(target.page, loc, key, keyFrag)
	encodeLeafValue(target.page, end, value, valueFrag)

	// Promote a short separator between the halves.
	lowLast, err := lowInto.retrieveKey(t, lowInto.searchVecEnd-lowInto.searchVecStart)
	if err != nil {
		return err
	}
	highFirst, err := highInto.retrieveKey(t, 0)
	if err != nil {
		return err
	}
	sep := midKey(lowLast, highFirst)

	t.markDirty(sibling)
	t.markDirty(n)

	// Phase one ends with the sibling unlatched: it stays pinned and
	// unreachable from the parent, so nobody mutates it, and no thread
	// ever holds it while waiting on the parent.
	sibling.latch.ReleaseExclusive()

	n.split = &Split{sibling: sibling, key: sep, left: left}
	return nil
}

// rebindLeafFramesForSplit moves cursor frames bound inside the moved
// range onto the sibling and renumbers the survivors.
func (t *Tree) rebindLeafFramesForSplit(n, sibling *Node, movedFrom, movedTo, keptFrom, vecLen int) {
	var keep *CursorFrame
	frame := n.lastCursorFrame
	n.lastCursorFrame = nil
	for frame != nil {
		next := frame.prevSibling
		pos := frame.pos
		idx := pos
		if idx < 0 {
			idx = ^idx
		}
		inMoved := idx >= movedFrom && idx < movedTo
		if movedTo == vecLen && idx >= vecLen {
			// An insertion point past the last slot follows the high
			// half.
			inMoved = true
		}
		if inMoved {
			adj := idx - movedFrom
			if pos < 0 {
				frame.pos = ^adj
			} else {
				frame.pos = adj
			}
			frame.node = sibling
			frame.prevSibling = sibling.lastCursorFrame
			sibling.lastCursorFrame = frame
		} else {
			adj := idx - keptFrom
			if adj < 0 {
				adj = 0
			}
			if pos < 0 {
				frame.pos = ^adj
			} else {
				frame.pos = adj
			}
			frame.prevSibling = keep
			keep = frame
		}
		frame = next
	}
	n.lastCursorFrame = keep
}

// splitInternalAndInsert performs phase one of an internal split with a
// pending separator insert. Internal nodes hold few entries, so the
// halves are materialized rather than juggled in place. The middle key
// is promoted and stored in neither half; when the incoming key is
// itself the middle of a two key node, it is promoted directly.
func (t *Tree) splitInternalAndInsert(n *Node, pos, childPos int,
	key []byte, fragmented bool, newChildId uint64) error {

	type ientry struct {
		key  []byte
		frag bool
	}

	numKeys := n.numKeys()
	keys := make([]ientry, 0, numKeys+1)
	children := make([]uint64, 0, numKeys+2)

	for sp := 0; sp <= n.searchVecEnd-n.searchVecStart; sp += 2 {
		loc := n.searchVecLoc(sp)
		start, klen, frag := n.keyAtLoc(loc)
		k := make([]byte, klen)
		copy(k, n.page[start:start+klen])
		keys = append(keys, ientry{key: k, frag: frag})
	}
	for i := 0; i <= numKeys; i++ {
		children = append(children, n.retrieveChildId(i))
	}

	ki := pos / 2
	keys = append(keys[:ki], append([]ientry{{key: key, frag: fragmented}}, keys[ki:]...)...)
	children = append(children[:childPos], append([]uint64{newChildId}, children[childPos:]...)...)

	m := len(keys) / 2
	promoted := keys[m]

	sibling, err := t.db.allocUnevictableNode()
	if err != nil {
		return err
	}

	left := pos < m*2
	pageSize := len(n.page)

	build := func(page []byte, ks []ientry, cs []uint64) (tail, vecStart, vecEnd int) {
		tail = tnHeaderSize
		live := 0
		for _, k := range ks {
			live += calculateKeyLength(k.key)
		}
		vecBytes := len(ks) * 2
		childBytes := len(cs) * childIdSize
		span := pageSize - (tnHeaderSize + live) - childBytes
		start := (tnHeaderSize + live + (span-vecBytes)/2 + 1) &^ 1
		out := start
		for _, k := range ks {
			putUint16LE(page, out, uint16(tail))
			tail = encodeKey(page, tail, k.key, k.frag)
			out += 2
		}
		end := start + vecBytes - 2
		for i, c := range cs {
			putUint64LE(page, end+2+i*childIdSize, c)
		}
		return tail, start, end
	}

	lowKeys, lowChildren := keys[:m], children[:m+1]
	highKeys, highChildren := keys[m+1:], children[m+1:]

	spare := t.db.acquireSparePage()
	baseType := n.typ &^ extremityMask

	var sTail, sStart, sEnd, kTail, kStart, kEnd int
	if left {
		sTail, sStart, sEnd = build(sibling.page, lowKeys, lowChildren)
		kTail, kStart, kEnd = build(spare, highKeys, highChildren)
	} else {
		sTail, sStart, sEnd = build(sibling.page, highKeys, highChildren)
		kTail, kStart, kEnd = build(spare, lowKeys, lowChildren)
	}

	t.rebindInternalFramesForSplit(n, sibling, childPos, m, left)

	t.db.releaseSparePage(n.page)
	n.page = spare
	n.garbage = 0
	n.leftSegTail = kTail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = kStart
	n.searchVecEnd = kEnd

	sibling.typ = baseType
	sibling.garbage = 0
	sibling.leftSegTail = sTail
	sibling.rightSegTail = pageSize - 1
	sibling.searchVecStart = sStart
	sibling.searchVecEnd = sEnd

	if left {
		if n.isLowExtremity() {
			sibling.typ |= flagLowExtremity
			n.typ &^= flagLowExtremity
		}
	} else {
		if n.isHighExtremity() {
			sibling.typ |= flagHighExtremity
			n.typ &^= flagHighExtremity
		}
	}

	t.markDirty(sibling)
	t.markDirty(n)

	sibling.latch.ReleaseExclusive()

	n.split = &Split{sibling: sibling, key: promoted.key, fragmented: promoted.frag, left: left}
	return nil
}

// rebindInternalFramesForSplit renumbers internal frames after the
// materialized split. Frame positions on internal nodes are child
// pointer offsets (child index times two).
func (t *Tree) rebindInternalFramesForSplit(n, sibling *Node, insChildPos, m int, left bool) {
	var keep *CursorFrame
	frame := n.lastCursorFrame
	n.lastCursorFrame = nil
	for frame != nil {
		next := frame.prevSibling
		ci := frame.pos / 2
		if ci >= insChildPos {
			ci++
		}
		var lowSide bool
		var newCi int
		if ci <= m {
			lowSide = true
			newCi = ci
		} else {
			lowSide = false
			newCi = ci - (m + 1)
		}
		target := n
		if lowSide == left {
			target = sibling
		}
		frame.pos = newCi * 2
		frame.node = target
		if target == sibling {
			frame.prevSibling = sibling.lastCursorFrame
			sibling.lastCursorFrame = frame
		} else {
			frame.prevSibling = keep
			keep = frame
		}
		frame = next
	}
	n.lastCursorFrame = keep
}

// insertSplitChildRef performs phase two: with the parent and the split
// node exclusively latched, the promoted separator and sibling id become
// reachable, affected parent frames shift, and the descriptor clears.
// Returns false when the parent itself must split first; the caller then
// cascades upward.
func (t *Tree) insertSplitChildRef(parentFrame *CursorFrame, parent, node *Node) (bool, error) {
	split := node.split
	sibling := split.sibling

	ci := parent.childPosOf(node.id)
	if ci < 0 {
		err := corruptf(parent.id, "split child %d not referenced by parent", node.id)
		t.db.panicClose(err)
		return false, err
	}

	insChild := ci
	if !split.left {
		insChild = ci + 1
	}

	if !parent.insertSplitKey(t, ci*2, insChild, split.key, split.fragmented) {
		// Rotate into a sibling if one can absorb the pressure.
		need := calculateKeyLength(split.key) + 2 + childIdSize
		if t.tryRebalanceInternal(parent, parentFrame, need) {
			ci = parent.childPosOf(node.id)
			if ci >= 0 {
				insChild = ci
				if !split.left {
					insChild = ci + 1
				}
				if parent.insertSplitKey(t, ci*2, insChild, split.key, split.fragmented) {
					goto inserted
				}
			}
		}
		// Parent is full: split it around the same insertion point.
		ci = parent.childPosOf(node.id)
		insChild = ci
		if !split.left {
			insChild = ci + 1
		}
		if err := t.splitInternalAndInsert(parent, ci*2, insChild, split.key, split.fragmented, sibling.id); err != nil {
			return false, err
		}
		t.finalizeSplitChild(node, sibling)
		return false, nil
	}

inserted:
	parent.setChildId(insChild, sibling.id)

	for frame := parent.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		if frame.pos/2 >= insChild {
			frame.pos += 2
		}
	}

	t.markDirty(parent)
	t.finalizeSplitChild(node, sibling)
	return true, nil
}

func (t *Tree) finalizeSplitChild(node, sibling *Node) {
	node.split = nil
	t.db.makeEvictable(sibling)
}

// childPosOf scans the child ids for the given node id. Internal nodes
// are small; the scan is cheaper than auxiliary bookkeeping.
func (n *Node) childPosOf(childId uint64) int {
	for i := 0; i <= n.numKeys(); i++ {
		if n.retrieveChildId(i) == childId {
			return i
		}
	}
	return -1
}

// finishSplitRoot handles the cascade reaching the root: the root's
// content moves into a new child, and the root becomes an internal node
// holding the promoted key and the two halves.
func (t *Tree) finishSplitRoot(root *Node) error {
	split := root.split
	sibling := split.sibling

	child, err := t.db.allocUnevictableNode()
	if err != nil {
		return err
	}

	// The root keeps its object and id; its content moves to the child.
	child.page, root.page = root.page, child.page
	child.typ = root.typ
	child.garbage = root.garbage
	child.leftSegTail = root.leftSegTail
	child.rightSegTail = root.rightSegTail
	child.searchVecStart = root.searchVecStart
	child.searchVecEnd = root.searchVecEnd

	// Frames bound to the root follow its content.
	child.lastCursorFrame = root.lastCursorFrame
	root.lastCursorFrame = nil
	for frame := child.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		frame.node = child
	}

	var low, high *Node
	if split.left {
		low, high = sibling, child
	} else {
		low, high = child, sibling
	}

	// Extremity bits: the halves cover the boundary sides, the root
	// covers everything.
	low.typ = low.typ&^extremityMask | flagLowExtremity
	high.typ = high.typ&^extremityMask | flagHighExtremity

	rootType := byte(typeInternal)
	if low.isLeaf() {
		rootType = typeBottomInternal
	}
	// Rebuild the root as a one key internal node.
	pageSize := len(root.page)
	root.typ = rootType | flagLowExtremity | flagHighExtremity
	root.garbage = 0
	keyLen := calculateKeyLength(split.key)
	tail := tnHeaderSize
	vecBytes := 2
	childBytes := 2 * childIdSize
	span := pageSize - (tnHeaderSize + keyLen) - childBytes
	start := (tnHeaderSize + keyLen + (span-vecBytes)/2 + 1) &^ 1
	putUint16LE(root.page, start, uint16(tail))
	tail = encodeKey(root.page, tail, split.key, split.fragmented)
	root.leftSegTail = tail
	root.rightSegTail = pageSize - 1
	root.searchVecStart = start
	root.searchVecEnd = start
	putUint64LE(root.page, start+2, low.id)
	putUint64LE(root.page, start+2+childIdSize, high.id)

	// Give every frame that now lives on a half a parent frame bound to
	// the root.
	bindParentFrames := t.bindRootParentFrames
	bindParentFrames(root, low, 0)
	bindParentFrames(root, high, 2)

	root.split = nil
	t.markDirty(child)
	t.markDirty(sibling)
	t.markDirty(root)

	child.latchlessRelease()
	t.db.makeEvictable(child)
	t.db.makeEvictable(sibling)
	return nil
}

// latchlessRelease releases the construction-time exclusive latch taken
// by allocUnevictableNode.
func (n *Node) latchlessRelease() {
	n.latch.ReleaseExclusive()
}

func (t *Tree) bindRootParentFrames(root, half *Node, pos int) {
	for frame := half.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		if frame.parentFrame == nil {
			pf := &CursorFrame{node: root, pos: pos}
			pf.prevSibling = root.lastCursorFrame
			root.lastCursorFrame = pf
			frame.parentFrame = pf
		} else {
			frame.parentFrame.pos = pos
		}
	}
}
