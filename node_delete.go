package treedb

// Deletion paths. Transactional deletes replace the value with a ghost
// so that concurrent lockers blocked on the key observe the delete only
// after commit; the lock manager carries the ghosted flag and the commit
// reap makes the delete physical.

// ghostLeafEntry replaces the value of the entry at pos with the ghost
// header. The freed value bytes become garbage. Returns the displaced
// fragmented placeholder when the old value was fragmented, so the
// caller can hand it to the fragmented trash.
func (n *Node) ghostLeafEntry(pos int) (displaced []byte) {
	loc := n.searchVecLoc(pos)
	vloc := n.leafValueLoc(loc)
	vstart, vlen, fragmented, ghost := n.valueAtLoc(vloc)
	if ghost {
		return nil
	}
	if fragmented {
		displaced = make([]byte, vlen)
		copy(displaced, n.page[vstart:vstart+vlen])
	}
	oldSize := vstart + vlen - vloc
	n.page[vloc] = ghostValueHeader
	n.garbage += oldSize - 1
	return displaced
}

// deleteLeafEntry physically removes the entry at pos: its bytes become
// garbage and the shorter side of the search vector shifts toward the
// middle. Cursor frames bound at or after pos are adjusted.
func (n *Node) deleteLeafEntry(pos int) {
	loc := n.searchVecLoc(pos)
	n.garbage += n.leafEntryLengthAtLoc(loc)
	n.deleteSlot(pos)

	for frame := n.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		fpos := frame.pos
		if fpos >= 0 {
			if fpos > pos {
				frame.pos = fpos - 2
			} else if fpos == pos {
				// The frame now references the next entry; mark it as a
				// not-found position so iteration does not skip.
				frame.pos = ^pos
			}
		} else {
			if ^fpos > pos {
				frame.pos = ^(^fpos - 2)
			}
		}
	}
}

// deleteChildRef removes the separator slot at pos and the child id at
// childPos from an internal node. The caller has already emptied and
// unlinked the child itself.
func (n *Node) deleteChildRef(pos, childPos int) {
	p := n.page
	loc := n.searchVecLoc(pos)
	n.garbage += n.internalEntryLengthAtLoc(loc)

	numKeys := n.numKeys()
	childStart := n.searchVecEnd + 2

	// Close the child id hole, shifting the trailing ids left.
	copy(p[childStart+childPos*childIdSize:],
		p[childStart+(childPos+1)*childIdSize:childStart+(numKeys+1)*childIdSize])

	// Remove the slot; shift the suffix left so the child region start
	// moves by a single slot width only.
	copy(p[n.searchVecStart+pos:], p[n.searchVecStart+pos+2:n.searchVecEnd+2])
	n.searchVecEnd -= 2

	// The child array moved relative to the vector end: rebuild its
	// packing so childIdLoc stays consistent.
	copy(p[n.searchVecEnd+2:], p[n.searchVecEnd+4:n.searchVecEnd+4+numKeys*childIdSize])

	for frame := n.lastCursorFrame; frame != nil; frame = frame.prevSibling {
		if frame.pos > pos {
			frame.pos -= 2
		}
	}
}

// updateInternalKey rewrites the separator key in the slot at pos. When
// the new key is longer than the old slot, the entry is reallocated and
// may force compaction. Returns false when even compaction cannot hold
// the new key, in which case the caller aborts its rebalance.
func (n *Node) updateInternalKey(tree *Tree, pos int, key []byte) bool {
	loc := n.searchVecLoc(pos)
	oldLen := n.internalEntryLengthAtLoc(loc)
	newLen := calculateKeyLength(key)

	if newLen <= oldLen {
		encodeKey(n.page, loc, key, false)
		n.garbage += oldLen - newLen
		return true
	}

	n.garbage += oldLen
	newLoc := n.allocFromSegments(newLen)
	if newLoc < 0 {
		leftSpace := n.searchVecStart - n.leftSegTail
		childEnd := n.childIdLoc(n.numKeys())
		rightSpace := n.rightSegTail - (childEnd + childIdSize - 1)
		if n.garbage+leftSpace+rightSpace < newLen {
			n.garbage -= oldLen
			return false
		}
		newLoc = n.compactInternalRepoint(tree, newLen, pos)
	} else {
		n.setSearchVecLoc(pos, newLoc)
	}
	encodeKey(n.page, newLoc, key, false)
	return true
}
