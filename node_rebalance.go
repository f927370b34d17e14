package treedb

// Rebalance is the only path that touches a sibling under the same
// parent latch. Everything is try-only: if the parent or the sibling
// cannot be latched immediately, or any precondition fails, the caller
// falls through to a split. Readers of unrelated keys are unaffected;
// readers traversing the moved range are redirected by the parent's
// rewritten separator.

// tryRebalanceLeaf attempts to free room in n by shifting entries into
// an adjacent leaf, so the pending insert at pos (needing encodedLen
// plus a slot) can proceed in place. The node is exclusively latched and
// frame binds it through its parent chain. Returns true when space was
// freed; the caller retries its allocation.
func (t *Tree) tryRebalanceLeaf(n *Node, frame *CursorFrame, pos, encodedLen int) (int, bool) {
	if frame == nil || frame.parentFrame == nil || n.split != nil {
		return pos, false
	}
	// Cheap pseudo-random first choice of sibling.
	first := n.id&1 == 0
	if newPos, ok := t.tryRebalanceLeafSide(n, frame, pos, encodedLen, first); ok {
		return newPos, true
	}
	return t.tryRebalanceLeafSide(n, frame, pos, encodedLen, !first)
}

func (t *Tree) tryRebalanceLeafSide(n *Node, frame *CursorFrame, pos, encodedLen int, toLeft bool) (int, bool) {
	parent := frame.parentFrame.node
	if !parent.latch.TryAcquireExclusive() {
		return pos, false
	}
	defer parent.latch.ReleaseExclusive()

	if parent.split != nil || !parent.isInternal() {
		return pos, false
	}
	ci := parent.childPosOf(n.id)
	if ci < 0 {
		return pos, false
	}

	var sibCi int
	if toLeft {
		if ci == 0 {
			return pos, false
		}
		sibCi = ci - 1
	} else {
		if ci >= parent.numKeys() {
			return pos, false
		}
		sibCi = ci + 1
	}
	sibId := parent.retrieveChildId(sibCi)

	sibling := t.db.nodeMapGet(sibId)
	if sibling == nil {
		// Not resident; loading under two held latches is not worth it.
		return pos, false
	}
	if !sibling.latch.TryAcquireExclusive() {
		return pos, false
	}
	defer sibling.latch.ReleaseExclusive()

	if sibling.id != sibId || sibling.split != nil || !sibling.isLeaf() ||
		sibling.cachedState != n.cachedState {
		return pos, false
	}

	need := encodedLen + 2
	vecLen := n.searchVecEnd - n.searchVecStart + 2

	// Accumulate entries outward from the move boundary until enough
	// bytes are freed. The pending insert position must stay put.
	moved := 0
	freed := 0
	for moved < vecLen-2 && freed < need {
		var sp int
		if toLeft {
			sp = moved
		} else {
			sp = vecLen - 2 - moved
		}
		if toLeft && pos <= sp+2 {
			break
		}
		if !toLeft && pos >= sp {
			break
		}
		freed += n.leafEntryLengthAtLoc(n.searchVecLoc(sp)) + 2
		moved += 2
	}
	if freed < need || moved == 0 {
		return pos, false
	}
	if sibling.availableLeafBytes() < freed {
		return pos, false
	}

	// Compute the new separator before moving anything, so an abort
	// leaves no trace.
	var sepLow, sepHigh []byte
	var err error
	if toLeft {
		sepLow, err = n.retrieveKey(t, moved-2)
		if err != nil {
			return pos, false
		}
		sepHigh, err = n.retrieveKey(t, moved)
	} else {
		sepLow, err = n.retrieveKey(t, vecLen-2-moved)
		if err != nil {
			return pos, false
		}
		sepHigh, err = n.retrieveKey(t, vecLen-moved)
	}
	if err != nil {
		return pos, false
	}
	sep := midKey(sepLow, sepHigh)
	if calculateKeyLength(sep) > t.maxKeySize {
		return pos, false
	}

	sepPos := ci*2 - 2
	if !toLeft {
		sepPos = ci * 2
	}
	if !parent.updateInternalKey(t, sepPos, sep) {
		return pos, false
	}
	t.markDirty(parent)

	// Move the accumulated entries.
	if toLeft {
		for sp := 0; sp < moved; sp += 2 {
			loc := n.searchVecLoc(sp)
			elen := n.leafEntryLengthAtLoc(loc)
			spos := sibling.searchVecEnd - sibling.searchVecStart + 2
			dloc := sibling.createLeafEntry(t, spos, elen)
			copy(sibling.page[dloc:], n.page[loc:loc+elen])
			n.garbage += elen
		}
		// Dropping the low slots only advances the vector start.
		n.searchVecStart += moved
		t.rebindFramesAfterShift(n, sibling, moved, true)
	} else {
		for sp := vecLen - moved; sp < vecLen; sp += 2 {
			loc := n.searchVecLoc(sp)
			elen := n.leafEntryLengthAtLoc(loc)
			spos := sp - (vecLen - moved)
			dloc := sibling.createLeafEntry(t, spos, elen)
			copy(sibling.page[dloc:], n.page[loc:loc+elen])
			n.garbage += elen
		}
		n.searchVecEnd -= moved
		t.rebindFramesAfterShift(n, sibling, moved, false)
	}

	t.markDirty(sibling)
	t.markDirty(n)
	if toLeft {
		return pos - moved, true
	}
	return pos, true
}

// rebindFramesAfterShift moves cursor frames bound to shifted-out slots
// onto the sibling and renumbers the rest. For a left shift the sibling
// received the low `moved` slots appended at its end; for a right shift
// it received the high slots prepended at its start.
func (t *Tree) rebindFramesAfterShift(n, sibling *Node, moved int, toLeft bool) {
	vecLen := n.searchVecEnd - n.searchVecStart + 2
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
		migrate := false
		var adj int
		if toLeft {
			if idx < moved {
				migrate = true
				sibLen := sibling.searchVecEnd - sibling.searchVecStart + 2
				adj = sibLen - moved + idx
			} else {
				adj = idx - moved
			}
		} else {
			if idx >= vecLen {
				migrate = true
				adj = idx - vecLen
			} else {
				adj = idx
			}
		}
		if pos < 0 {
			frame.pos = ^adj
		} else {
			frame.pos = adj
		}
		if migrate {
			frame.node = sibling
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

// tryRebalanceInternal mirrors the leaf case for an internal node whose
// separator insert did not fit. Internal nodes rotate entries through
// the parent separator: the moved side's boundary key replaces the
// parent's separator, and the old separator descends into the sibling.
func (t *Tree) tryRebalanceInternal(n *Node, frame *CursorFrame, need int) bool {
	if frame == nil || frame.parentFrame == nil || n.split != nil {
		return false
	}
	parent := frame.parentFrame.node
	if !parent.latch.TryAcquireExclusive() {
		return false
	}
	defer parent.latch.ReleaseExclusive()
	if parent.split != nil || !parent.isInternal() {
		return false
	}
	ci := parent.childPosOf(n.id)
	if ci <= 0 {
		// Only left rotation is attempted; the split path covers the
		// rest.
		return false
	}
	sibId := parent.retrieveChildId(ci - 1)
	sibling := t.db.nodeMapGet(sibId)
	if sibling == nil || !sibling.latch.TryAcquireExclusive() {
		return false
	}
	defer sibling.latch.ReleaseExclusive()
	if sibling.id != sibId || sibling.split != nil || !sibling.isInternal() ||
		sibling.cachedState != n.cachedState {
		return false
	}

	// Rotate a single entry: parent separator moves down into the
	// sibling, n's first key moves up to the parent.
	sepLoc := parent.searchVecLoc(ci*2 - 2)
	sepKey, err := parent.retrieveKeyAtLoc(t, sepLoc)
	if err != nil {
		return false
	}
	firstKey, err := n.retrieveKey(t, 0)
	if err != nil {
		return false
	}
	if calculateKeyLength(firstKey) > t.maxKeySize {
		return false
	}

	sibKeys := sibling.numKeys()
	encodedSep := calculateKeyLength(sepKey)
	if sibling.availableInternalBytes() < encodedSep+2+childIdSize {
		return false
	}

	movedChild := n.retrieveChildId(0)

	if !parent.updateInternalKey(t, ci*2-2, firstKey) {
		return false
	}

	loc := sibling.createInternalEntry(t, sibKeys*2, sibKeys+1, encodedSep)
	if loc < 0 {
		return false
	}
	encodeKey(sibling.page, loc, sepKey, false)
	sibling.setChildId(sibKeys+1, movedChild)

	// Remove the first key and child from n: child ids shift left one
	// id and the vector start advances one slot. The vector end stays,
	// so the child region does not move.
	n.garbage += n.internalEntryLengthAtLoc(n.searchVecLoc(0))
	p := n.page
	numKeys := n.numKeys()
	childStart := n.searchVecEnd + 2
	copy(p[childStart:], p[childStart+childIdSize:childStart+(numKeys+1)*childIdSize])
	n.searchVecStart += 2

	for f := n.lastCursorFrame; f != nil; f = f.prevSibling {
		if f.pos >= 2 {
			f.pos -= 2
		}
	}

	t.markDirty(parent)
	t.markDirty(sibling)
	t.markDirty(n)
	_ = need
	return true
}
