package treedb

// Entry allocation and insertion for the slotted page. All methods are
// called with the node latched exclusively.

// allocFromSegments takes encodedLen bytes from whichever segment has
// room, preferring the larger span. Returns -1 when neither fits.
func (n *Node) allocFromSegments(encodedLen int) int {
	leftSpace := n.searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - n.searchVecEnd - 1
	if n.isInternal() {
		rightSpace = n.rightSegTail - (n.childIdLoc(n.numKeys()+1) - 1)
	}
	if leftSpace >= rightSpace {
		if leftSpace >= encodedLen {
			loc := n.leftSegTail
			n.leftSegTail += encodedLen
			return loc
		}
		if rightSpace >= encodedLen {
			n.rightSegTail -= encodedLen
			return n.rightSegTail + 1
		}
	} else {
		if rightSpace >= encodedLen {
			n.rightSegTail -= encodedLen
			return n.rightSegTail + 1
		}
		if leftSpace >= encodedLen {
			loc := n.leftSegTail
			n.leftSegTail += encodedLen
			return loc
		}
	}
	return -1
}

// createLeafEntry makes room for a new slot at pos and encodedLen entry
// bytes, returning the entry location to write into, or -1 when the node
// must be rebalanced or split first. The new slot is left pointing at
// the returned location.
func (n *Node) createLeafEntry(tree *Tree, pos, encodedLen int) int {
	p := n.page
	vecLen := n.searchVecEnd - n.searchVecStart + 2
	leftSpace := n.searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - n.searchVecEnd - 1

	// Fast path: grow the vector in place at the end nearer pos.
	if pos < vecLen>>1 {
		if leftSpace >= encodedLen+2 || (leftSpace >= 2 && rightSpace >= encodedLen) {
			copy(p[n.searchVecStart-2:], p[n.searchVecStart:n.searchVecStart+pos])
			n.searchVecStart -= 2
			loc := n.allocFromSegments(encodedLen)
			n.setSearchVecLoc(pos, loc)
			return loc
		}
	} else {
		if rightSpace >= encodedLen+2 || (rightSpace >= 2 && leftSpace >= encodedLen) {
			copy(p[n.searchVecStart+pos+2:], p[n.searchVecStart+pos:n.searchVecEnd+2])
			n.searchVecEnd += 2
			loc := n.allocFromSegments(encodedLen)
			n.setSearchVecLoc(pos, loc)
			return loc
		}
	}

	// Re-center the vector inside the free span, leaving a hole at pos.
	if leftSpace+rightSpace >= encodedLen+2 {
		if loc := n.recenterLeafVector(pos, encodedLen); loc >= 0 {
			return loc
		}
	}

	// Reclaim garbage when it covers the deficit.
	if n.garbage+leftSpace+rightSpace >= encodedLen+2 {
		return n.compactLeaf(tree, encodedLen, pos)
	}

	return -1
}

// recenterLeafVector moves the whole search vector so a slot opens at
// pos and encodedLen entry bytes fit in a segment. The new vector end is
// biased so it lands on an even address; when no biasing aligns it, the
// caller falls back to full compaction. Returns the entry location, or
// -1 when alignment cannot be kept.
func (n *Node) recenterLeafVector(pos, encodedLen int) int {
	p := n.page
	vecLen := n.searchVecEnd - n.searchVecStart + 2

	// Take the entry bytes first, from the larger segment.
	leftSpace := n.searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - n.searchVecEnd - 1
	var entryLoc int
	if leftSpace >= rightSpace {
		entryLoc = n.leftSegTail
		n.leftSegTail += encodedLen
	} else {
		n.rightSegTail -= encodedLen
		entryLoc = n.rightSegTail + 1
	}

	span := n.rightSegTail - n.leftSegTail + 1
	newVecLen := vecLen + 2
	if span < newVecLen {
		// Entry allocation consumed the slot's room; undo and compact.
		if entryLoc == n.rightSegTail+1 {
			n.rightSegTail += encodedLen
		} else {
			n.leftSegTail -= encodedLen
		}
		return -1
	}

	newStart := (n.leftSegTail + (span-newVecLen)>>1) &^ 1
	if newStart < n.leftSegTail {
		newStart += 2
	}
	if newStart+newVecLen-1 > n.rightSegTail {
		if entryLoc == n.rightSegTail+1 {
			n.rightSegTail += encodedLen
		} else {
			n.leftSegTail -= encodedLen
		}
		return -1
	}

	oldStart := n.searchVecStart
	if newStart <= oldStart {
		copy(p[newStart:], p[oldStart:oldStart+pos])
		copy(p[newStart+pos+2:], p[oldStart+pos:oldStart+vecLen])
	} else {
		copy(p[newStart+pos+2:], p[oldStart+pos:oldStart+vecLen])
		copy(p[newStart:], p[oldStart:oldStart+pos])
	}
	n.searchVecStart = newStart
	n.searchVecEnd = newStart + newVecLen - 2
	n.setSearchVecLoc(pos, entryLoc)
	return entryLoc
}

// insertLeafEntry writes a new leaf entry at pos. The caller has already
// established that the key is absent. Fragmentation of oversized keys
// and values happens here; the caller sees only the resulting error.
func (n *Node) insertLeafEntry(tree *Tree, pos int, key, value []byte) error {
	akey := key
	keyFragmented := false
	encodedKeyLen := calculateKeyLength(key)
	if encodedKeyLen > tree.maxKeySize {
		fs := tree.db.fragmentStore
		if fs == nil {
			return ErrKeyTooLarge
		}
		placeholder, err := fs.FragmentKey(key)
		if err != nil {
			return err
		}
		akey = placeholder
		keyFragmented = true
		encodedKeyLen = calculateKeyLength(akey)
	}

	avalue := value
	valueFragmented := false
	encodedLen := encodedKeyLen + calculateLeafValueLength(value)
	if encodedLen > tree.maxEntrySize {
		fs := tree.db.fragmentStore
		if fs == nil {
			return ErrEntryTooLarge
		}
		max := tree.maxEntrySize - encodedKeyLen - 3
		placeholder, err := fs.Fragment(value, len(value), max)
		if err != nil {
			if keyFragmented {
				_ = tree.db.fragmentStore.DeleteFragments(akey)
			}
			return err
		}
		avalue = placeholder
		valueFragmented = true
		encodedLen = encodedKeyLen + calculateFragmentedValueLength(len(avalue))
	}

	loc := n.createLeafEntry(tree, pos, encodedLen)
	if loc < 0 {
		return tree.splitLeafAndInsert(n, pos, akey, keyFragmented, avalue, valueFragmented, encodedLen)
	}
	end := encodeKey(n.page, loc, akey, keyFragmented)
	encodeLeafValue(n.page, end, avalue, valueFragmented)
	return nil
}

// updateLeafValue replaces the value of the entry at pos. A quick update
// rewrites the bytes in place when the new value encodes to exactly the
// old slot size; otherwise the whole entry is rewritten through the
// allocator and the old bytes become garbage.
func (n *Node) updateLeafValue(tree *Tree, txn *Transaction, pos int, value []byte) error {
	loc := n.searchVecLoc(pos)
	vloc := n.leafValueLoc(loc)
	vstart, vlen, fragmented, ghost := n.valueAtLoc(vloc)
	oldSize := vstart + vlen - vloc

	if fragmented {
		// Preserve rollback: the displaced chain goes to the
		// fragmented trash keyed by the transaction.
		fs := tree.db.fragmentStore
		if fs != nil {
			txnId := uint64(0)
			if txn != nil {
				txnId = txn.id
			}
			if err := fs.TrashFragments(txnId, n.page[vstart:vstart+vlen]); err != nil {
				return err
			}
		}
	}

	newSize := calculateLeafValueLength(value)
	if newSize == oldSize && !fragmented {
		encodeLeafValue(n.page, vloc, value, false)
		return nil
	}
	_ = ghost

	// Rewrite: key survives in place only if the new entry lands on the
	// same location, so re-enter through the insert path.
	kstart, klen, keyFragmented := n.keyAtLoc(loc)
	keyCopy := make([]byte, klen)
	copy(keyCopy, n.page[kstart:kstart+klen])
	encodedKeyLen := kstart + klen - loc

	avalue := value
	valueFragmented := false
	encodedLen := encodedKeyLen + newSize
	if encodedLen > tree.maxEntrySize {
		fs := tree.db.fragmentStore
		if fs == nil {
			return ErrEntryTooLarge
		}
		max := tree.maxEntrySize - encodedKeyLen - 3
		placeholder, err := fs.Fragment(value, len(value), max)
		if err != nil {
			return err
		}
		avalue = placeholder
		valueFragmented = true
		encodedLen = encodedKeyLen + calculateFragmentedValueLength(len(avalue))
	}

	// Retire the old entry before reallocating.
	n.garbage += n.leafEntryLengthAtLoc(loc)

	newLoc := n.createLeafUpdateEntry(tree, pos, encodedLen)
	if newLoc < 0 {
		// The vector already has the slot; only entry bytes are short.
		// Split as if inserting fresh.
		key := keyCopy
		if keyFragmented {
			full, err := n.retrieveKeyAtLoc(tree, loc)
			if err != nil {
				return err
			}
			key = full
		}
		n.deleteSlot(pos)
		return tree.splitLeafAndInsert(n, pos, key, keyFragmented, avalue, valueFragmented, encodedLen)
	}
	end := encodeKey(n.page, newLoc, keyCopy, keyFragmented)
	encodeLeafValue(n.page, end, avalue, valueFragmented)
	return nil
}

// createLeafUpdateEntry allocates entry bytes for an update: the slot at
// pos already exists and is repointed at the new location.
func (n *Node) createLeafUpdateEntry(tree *Tree, pos, encodedLen int) int {
	loc := n.allocFromSegments(encodedLen)
	if loc < 0 {
		leftSpace := n.searchVecStart - n.leftSegTail
		rightSpace := n.rightSegTail - n.searchVecEnd - 1
		if n.garbage+leftSpace+rightSpace < encodedLen {
			return -1
		}
		loc = n.compactLeafForUpdate(tree, encodedLen, pos)
		return loc
	}
	n.setSearchVecLoc(pos, loc)
	return loc
}

// createInternalEntry makes room in an internal node for a new key slot
// at pos and a new child id at childPos (a child index). Two shift
// variants exist: move the vector left by ten with the leading child ids
// following, or move the vector left by two and the trailing child ids
// right by eight. The variant moving fewer bytes wins. Returns the key
// entry location, or -1 when the node must split.
func (n *Node) createInternalEntry(tree *Tree, pos, childPos, encodedKeyLen int) int {
	p := n.page
	numKeys := n.numKeys()
	vecLen := n.searchVecEnd - n.searchVecStart + 2
	childBytes := (numKeys + 1) * childIdSize
	childEnd := n.searchVecEnd + 2 + childBytes // one past last child byte

	leftSpace := n.searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - childEnd + 1

	// Bytes moved by each variant, relative to the insertion points.
	costA := pos + (childPos * childIdSize) + (vecLen - pos)
	costB := (childBytes - childPos*childIdSize) + pos

	tryA := leftSpace >= 10
	tryB := leftSpace >= 2 && rightSpace >= childIdSize

	var keyLoc int
	switch {
	case tryA && (!tryB || costA <= costB):
		n.shiftInternalLeft(pos, childPos)
	case tryB:
		n.shiftInternalRight(pos, childPos)
	default:
		// Neither variant fits in place; compact if garbage plus free
		// space covers the need, else give up to the split path.
		need := encodedKeyLen + 2 + childIdSize
		if n.garbage+leftSpace+rightSpace >= need {
			return n.compactInternal(tree, encodedKeyLen, pos, childPos)
		}
		return -1
	}

	keyLoc = n.allocFromSegments(encodedKeyLen)
	if keyLoc < 0 {
		need := encodedKeyLen
		leftSpace = n.searchVecStart - n.leftSegTail
		childEnd = n.childIdLoc(n.numKeys() + 1)
		rightSpace = n.rightSegTail - childEnd + 1
		if n.garbage+leftSpace+rightSpace >= need {
			return n.compactInternalRepoint(tree, encodedKeyLen, pos)
		}
		return -1
	}
	n.setSearchVecLoc(pos, keyLoc)
	return keyLoc
}

// shiftInternalLeft implements variant A: vector moves left by ten, the
// child ids before childPos move left by eight, opening a slot gap at
// pos and a child gap at childPos. searchVec bounds are updated; the new
// slot and child are left unwritten.
func (n *Node) shiftInternalLeft(pos, childPos int) {
	p := n.page
	start := n.searchVecStart
	end := n.searchVecEnd

	// vector prefix, then gap, then vector suffix and leading children
	copy(p[start-10:], p[start:start+pos])
	copy(p[start-8+pos+2-2:], p[start+pos:end+2+childPos*childIdSize])
	n.searchVecStart = start - 10
	n.searchVecEnd = end - 8
}

// shiftInternalRight implements variant B: vector moves left by two and
// the child ids from childPos on move right by eight.
func (n *Node) shiftInternalRight(pos, childPos int) {
	p := n.page
	start := n.searchVecStart
	end := n.searchVecEnd
	numKeys := n.numKeys()
	childStart := end + 2

	copy(p[childStart+childPos*childIdSize+childIdSize:],
		p[childStart+childPos*childIdSize:childStart+(numKeys+1)*childIdSize])
	copy(p[start-2:], p[start:start+pos])
	n.searchVecStart = start - 2
	// The vector suffix stays put; the slot gap sits at pos.
	n.searchVecEnd = end
}

// insertSplitKey inserts the promoted key and new child id produced by a
// child split at the given positions. Returns false when the node is
// full and must itself split.
func (n *Node) insertSplitKey(tree *Tree, pos, childPos int, key []byte, fragmented bool) bool {
	encodedKeyLen := calculateKeyLength(key)
	loc := n.createInternalEntry(tree, pos, childPos, encodedKeyLen)
	if loc < 0 {
		return false
	}
	encodeKey(n.page, loc, key, fragmented)
	return true
}

// deleteSlot removes the slot at pos, shifting the shorter side of the
// vector toward the middle. Entry bytes are the caller's concern.
func (n *Node) deleteSlot(pos int) {
	p := n.page
	vecLen := n.searchVecEnd - n.searchVecStart + 2
	if pos < vecLen>>1 {
		copy(p[n.searchVecStart+2:], p[n.searchVecStart:n.searchVecStart+pos])
		n.searchVecStart += 2
	} else {
		copy(p[n.searchVecStart+pos:], p[n.searchVecStart+pos+2:n.searchVecEnd+2])
		n.searchVecEnd -= 2
	}
}
