package treedb

// Compaction copies the surviving entries onto a fresh page from the
// spare pool, in search vector order, packing them into the left
// segment. Afterwards garbage is zero, rightSegTail is the last page
// byte (the right segment is empty), and the vector is centered in the
// free span, so free space lies on both sides of it.

// compactLeaf rebuilds the leaf with a slot hole at pos and encodedLen
// bytes reserved for the pending insert. Returns the reserved entry
// location.
func (n *Node) compactLeaf(tree *Tree, encodedLen, pos int) int {
	db := tree.db
	dst := db.acquireSparePage()
	pageSize := len(n.page)

	vecLen := n.searchVecEnd - n.searchVecStart + 2
	newVecLen := vecLen + 2

	tail := tnHeaderSize
	// Pack entries; remember new locations in the destination vector.
	// The vector is positioned after the reserved insert so its final
	// location is known up front.
	live := n.liveLeafBytes()
	newLeftTail := tnHeaderSize + live + encodedLen
	span := pageSize - newLeftTail
	newStart := (newLeftTail + (span-newVecLen)/2 + 1) &^ 1
	if newStart < newLeftTail {
		newStart += 2
	}

	out := 0
	for sp := 0; sp < vecLen; sp += 2 {
		if out == pos {
			out += 2
		}
		loc := n.searchVecLoc(sp)
		elen := n.leafEntryLengthAtLoc(loc)
		copy(dst[tail:], n.page[loc:loc+elen])
		putUint16LE(dst, newStart+out, uint16(tail))
		tail += elen
		out += 2
	}

	entryLoc := tail
	putUint16LE(dst, newStart+pos, uint16(entryLoc))
	tail += encodedLen

	db.releaseSparePage(n.page)
	n.page = dst
	n.garbage = 0
	n.leftSegTail = tail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = newStart
	n.searchVecEnd = newStart + newVecLen - 2
	return entryLoc
}

// compactLeafForUpdate rebuilds the leaf reserving encodedLen bytes for
// the entry whose slot at pos already exists (and whose old bytes are
// already garbage).
func (n *Node) compactLeafForUpdate(tree *Tree, encodedLen, pos int) int {
	db := tree.db
	dst := db.acquireSparePage()
	pageSize := len(n.page)

	vecLen := n.searchVecEnd - n.searchVecStart + 2
	tail := tnHeaderSize
	live := n.liveLeafBytesExcept(pos)
	newLeftTail := tnHeaderSize + live + encodedLen
	span := pageSize - newLeftTail
	newStart := (newLeftTail + (span-vecLen)/2 + 1) &^ 1
	if newStart < newLeftTail {
		newStart += 2
	}

	for sp := 0; sp < vecLen; sp += 2 {
		if sp == pos {
			continue
		}
		loc := n.searchVecLoc(sp)
		elen := n.leafEntryLengthAtLoc(loc)
		copy(dst[tail:], n.page[loc:loc+elen])
		putUint16LE(dst, newStart+sp, uint16(tail))
		tail += elen
	}

	entryLoc := tail
	putUint16LE(dst, newStart+pos, uint16(entryLoc))
	tail += encodedLen

	db.releaseSparePage(n.page)
	n.page = dst
	n.garbage = 0
	n.leftSegTail = tail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = newStart
	n.searchVecEnd = newStart + vecLen - 2
	return entryLoc
}

// compactInternal rebuilds an internal node with a slot hole at pos, a
// child id hole at childPos, and encodedKeyLen bytes reserved. Returns
// the reserved key location.
func (n *Node) compactInternal(tree *Tree, encodedKeyLen, pos, childPos int) int {
	db := tree.db
	dst := db.acquireSparePage()
	pageSize := len(n.page)

	numKeys := n.numKeys()
	vecLen := n.searchVecEnd - n.searchVecStart + 2
	newVecLen := vecLen + 2
	newChildBytes := (numKeys + 2) * childIdSize

	live := n.liveInternalBytes()
	newLeftTail := tnHeaderSize + live + encodedKeyLen
	span := pageSize - newLeftTail - newChildBytes
	newStart := (newLeftTail + (span-newVecLen)/2 + 1) &^ 1
	if newStart < newLeftTail {
		newStart += 2
	}
	newEnd := newStart + newVecLen - 2

	tail := tnHeaderSize
	out := 0
	for sp := 0; sp < vecLen; sp += 2 {
		if out == pos {
			out += 2
		}
		loc := n.searchVecLoc(sp)
		elen := n.internalEntryLengthAtLoc(loc)
		copy(dst[tail:], n.page[loc:loc+elen])
		putUint16LE(dst, newStart+out, uint16(tail))
		tail += elen
		out += 2
	}

	keyLoc := tail
	putUint16LE(dst, newStart+pos, uint16(keyLoc))
	tail += encodedKeyLen

	// Child ids, with a hole at childPos.
	outChild := 0
	for i := 0; i <= numKeys; i++ {
		if outChild == childPos {
			outChild++
		}
		putUint64LE(dst, newEnd+2+outChild*childIdSize, n.retrieveChildId(i))
		outChild++
	}

	db.releaseSparePage(n.page)
	n.page = dst
	n.garbage = 0
	n.leftSegTail = tail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = newStart
	n.searchVecEnd = newEnd
	return keyLoc
}

// compactInternalRepoint rebuilds an internal node whose vector and
// child array already have their final shape, reserving encodedKeyLen
// bytes for the slot at pos (which points at garbage).
func (n *Node) compactInternalRepoint(tree *Tree, encodedKeyLen, pos int) int {
	db := tree.db
	dst := db.acquireSparePage()
	pageSize := len(n.page)

	numKeys := n.numKeys()
	vecLen := n.searchVecEnd - n.searchVecStart + 2
	childBytes := (numKeys + 1) * childIdSize

	live := n.liveInternalBytesExcept(pos)
	newLeftTail := tnHeaderSize + live + encodedKeyLen
	span := pageSize - newLeftTail - childBytes
	newStart := (newLeftTail + (span-vecLen)/2 + 1) &^ 1
	if newStart < newLeftTail {
		newStart += 2
	}
	newEnd := newStart + vecLen - 2

	tail := tnHeaderSize
	for sp := 0; sp < vecLen; sp += 2 {
		if sp == pos {
			continue
		}
		loc := n.searchVecLoc(sp)
		elen := n.internalEntryLengthAtLoc(loc)
		copy(dst[tail:], n.page[loc:loc+elen])
		putUint16LE(dst, newStart+sp, uint16(tail))
		tail += elen
	}

	keyLoc := tail
	putUint16LE(dst, newStart+pos, uint16(keyLoc))
	tail += encodedKeyLen

	for i := 0; i <= numKeys; i++ {
		putUint64LE(dst, newEnd+2+i*childIdSize, n.retrieveChildId(i))
	}

	db.releaseSparePage(n.page)
	n.page = dst
	n.garbage = 0
	n.leftSegTail = tail
	n.rightSegTail = pageSize - 1
	n.searchVecStart = newStart
	n.searchVecEnd = newEnd
	return keyLoc
}

func (n *Node) liveLeafBytes() int {
	total := 0
	for sp := 0; sp <= n.searchVecEnd-n.searchVecStart; sp += 2 {
		total += n.leafEntryLengthAtLoc(n.searchVecLoc(sp))
	}
	return total
}

func (n *Node) liveLeafBytesExcept(pos int) int {
	total := 0
	for sp := 0; sp <= n.searchVecEnd-n.searchVecStart; sp += 2 {
		if sp == pos {
			continue
		}
		total += n.leafEntryLengthAtLoc(n.searchVecLoc(sp))
	}
	return total
}

func (n *Node) liveInternalBytes() int {
	total := 0
	for sp := 0; sp <= n.searchVecEnd-n.searchVecStart; sp += 2 {
		total += n.internalEntryLengthAtLoc(n.searchVecLoc(sp))
	}
	return total
}

func (n *Node) liveInternalBytesExcept(pos int) int {
	total := 0
	for sp := 0; sp <= n.searchVecEnd-n.searchVecStart; sp += 2 {
		if sp == pos {
			continue
		}
		total += n.internalEntryLengthAtLoc(n.searchVecLoc(sp))
	}
	return total
}
