package treedb

import (
	"github.com/pkg/errors"
)

// Undo log operation codes.
const (
	undoOpCommit         = 1
	undoOpCommitTruncate = 2
	undoOpUninsert       = 16
	undoOpUnupdate       = 17
	undoOpUndelete       = 18
	undoOpUndeleteFrag   = 19
	undoOpCustom         = 24
)

// undoPage is one page of a transaction's undo chain. Pages chain
// lowest-first: lower points toward older entries. Entries are written
// downward from the page end, so the top pointer names the first byte
// of the most recent entry.
type undoPage struct {
	buf   []byte
	lower *undoPage

	// top is the offset of this page's most recent entry.
	top int

	// id is the page array page backing this node once persisted;
	// zero while memory only.
	id uint64

	// persistedTop tracks how far the page was written out.
	persistedTop int
}

// undoSavepoint snapshots the log top for nested scopes.
type undoSavepoint struct {
	node *undoPage
	top  int
}

// UndoLog is the per-transaction stack of inverse operations. Pushes
// and rollbacks run on the transaction's own goroutine; no latching is
// needed beyond what the mutated trees take themselves.
type UndoLog struct {
	db    *Database
	txnId uint64

	node *undoPage
	top  int
}

func newUndoLog(db *Database, txnId uint64) *UndoLog {
	return &UndoLog{db: db, txnId: txnId}
}

func (u *UndoLog) savepoint() undoSavepoint {
	return undoSavepoint{node: u.node, top: u.top}
}

// push appends an entry: op byte, payload length, payload. The entry is
// laid out forward in memory but allocated downward from the top.
func (u *UndoLog) push(op byte, payload []byte) error {
	need := 1 + uvarintLen(uint64(len(payload))) + len(payload)
	pageSize := u.db.pageSize

	if u.node == nil || u.top-need < tnHeaderSize {
		if need > pageSize-tnHeaderSize {
			return errors.Errorf("undo entry of %d bytes exceeds page capacity", need)
		}
		page := &undoPage{buf: make([]byte, pageSize), lower: u.node, top: pageSize, persistedTop: pageSize}
		u.node = page
		u.top = pageSize
	}

	start := u.top - need
	off := start
	u.node.buf[off] = op
	off++
	off = putUvarint(u.node.buf, off, uint64(len(payload)))
	copy(u.node.buf[off:], payload)
	u.top = start
	u.node.top = start
	return nil
}

func (u *UndoLog) pushUninsert(treeId uint64, key []byte) error {
	payload := make([]byte, 0, uvarintLen(treeId)+len(key))
	var tmp [10]byte
	n := putUvarint(tmp[:], 0, treeId)
	payload = append(payload, tmp[:n]...)
	payload = append(payload, key...)
	return u.push(undoOpUninsert, payload)
}

func (u *UndoLog) pushUnupdate(treeId uint64, key, oldValue []byte) error {
	return u.pushEntryCopy(undoOpUnupdate, treeId, key, oldValue)
}

func (u *UndoLog) pushUndelete(treeId uint64, key, oldValue []byte) error {
	return u.pushEntryCopy(undoOpUndelete, treeId, key, oldValue)
}

func (u *UndoLog) pushUndeleteFragmented(treeId uint64, key, placeholder []byte) error {
	return u.pushEntryCopy(undoOpUndeleteFrag, treeId, key, placeholder)
}

// pushCustom records an opaque payload replayed through the database's
// custom undo handler.
func (u *UndoLog) pushCustom(payload []byte) error {
	return u.push(undoOpCustom, payload)
}

func (u *UndoLog) pushEntryCopy(op byte, treeId uint64, key, value []byte) error {
	var tmp [10]byte
	payload := make([]byte, 0, 20+len(key)+len(value))
	n := putUvarint(tmp[:], 0, treeId)
	payload = append(payload, tmp[:n]...)
	n = putUvarint(tmp[:], 0, uint64(len(key)))
	payload = append(payload, tmp[:n]...)
	payload = append(payload, key...)
	payload = append(payload, value...)
	return u.push(op, payload)
}

// pushCommit writes the commit marker. It is called under the commit
// lock, together with the redo record bearing the transaction's commit,
// so recovery cannot observe one without the other.
func (u *UndoLog) pushCommit() error {
	if err := u.push(undoOpCommit, nil); err != nil {
		return err
	}
	return u.persist()
}

// persist writes every page of the chain that has unwritten bytes
// through the page array.
func (u *UndoLog) persist() error {
	db := u.db
	top := u.top
	for page := u.node; page != nil; page = page.lower {
		if page.persistedTop <= top && page.id != 0 {
			break // everything below is already out
		}
		if page.id == 0 {
			id, err := db.allocPageId()
			if err != nil {
				return err
			}
			page.id = id
		}
		lowerId := uint64(0)
		if page.lower != nil {
			// The lower page gets its id assigned on its own pass;
			// allocate eagerly so the chain field is correct.
			if page.lower.id == 0 {
				id, err := db.allocPageId()
				if err != nil {
					return err
				}
				page.lower.id = id
			}
			lowerId = page.lower.id
		}
		page.buf[hdrTypeOffset] = typeUndoLog
		page.buf[hdrReservedOffset] = 0
		putUint16LE(page.buf, hdrGarbageOffset, uint16(top))
		putUint48LE(page.buf, hdrLeftSegTailOffset, lowerId)
		if err := db.pageArray.WritePage(page.id, page.buf); err != nil {
			return &WriteFailureError{PageId: page.id, Cause: err}
		}
		page.persistedTop = top
		top = len(page.buf) // lower pages are full
	}
	return nil
}

// entry iteration for rollback: decode the entry at top of the given
// page.
func (u *UndoLog) decodeTop(page *undoPage, top int) (op byte, payload []byte, next int) {
	buf := page.buf
	op = buf[top]
	plen, off := getUvarint(buf, top+1)
	payload = buf[off : off+int(plen)]
	next = off + int(plen)
	return op, payload, next
}

// rollbackTo pops entries back to the savepoint, applying each inverse
// operation.
func (u *UndoLog) rollbackTo(sp undoSavepoint) error {
	for {
		if u.node == sp.node && u.top == sp.top {
			return nil
		}
		if u.node == nil {
			return nil
		}
		if u.top >= len(u.node.buf) {
			// Page exhausted; drop to the lower page.
			freed := u.node
			u.node = freed.lower
			if freed.id != 0 {
				u.db.freePage(freed.id)
			}
			if u.node == nil {
				return nil
			}
			u.top = u.node.top
			continue
		}
		op, payload, next := u.decodeTop(u.node, u.top)
		if err := u.apply(op, payload); err != nil {
			return err
		}
		u.top = next
		u.node.top = next
	}
}

// rollback undoes the whole log.
func (u *UndoLog) rollback() error {
	return u.rollbackTo(undoSavepoint{})
}

// apply performs one inverse operation.
func (u *UndoLog) apply(op byte, payload []byte) error {
	switch op {
	case undoOpCommit, undoOpCommitTruncate:
		// Markers carry no inverse.
		return nil
	case undoOpUninsert:
		treeId, off := getUvarint(payload, 0)
		key := payload[off:]
		tree, err := u.db.treeById(treeId)
		if err != nil || tree == nil {
			return err
		}
		return tree.applyUndoDelete(key)
	case undoOpUnupdate, undoOpUndelete:
		treeId, off := getUvarint(payload, 0)
		klen, off2 := getUvarint(payload, off)
		key := payload[off2 : off2+int(klen)]
		value := payload[off2+int(klen):]
		tree, err := u.db.treeById(treeId)
		if err != nil || tree == nil {
			return err
		}
		return tree.applyUndoStore(key, value)
	case undoOpUndeleteFrag:
		treeId, off := getUvarint(payload, 0)
		klen, off2 := getUvarint(payload, off)
		key := payload[off2 : off2+int(klen)]
		placeholder := payload[off2+int(klen):]
		tree, err := u.db.treeById(treeId)
		if err != nil || tree == nil {
			return err
		}
		return tree.applyUndoStoreFragmented(key, placeholder)
	case undoOpCustom:
		if u.db.customUndoHandler != nil {
			return u.db.customUndoHandler(payload)
		}
		return nil
	}
	return errors.Errorf("unknown undo op %d", op)
}

// truncate discards the whole chain, freeing any persisted pages. Used
// after commit.
func (u *UndoLog) truncate() {
	for page := u.node; page != nil; page = page.lower {
		if page.id != 0 {
			u.db.freePage(page.id)
		}
	}
	u.node = nil
	u.top = 0
}

// applyUndoDelete removes key without locks, undo, or redo: the undo
// applier owns the transaction's locks already.
func (t *Tree) applyUndoDelete(key []byte) error {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return err
	}
	if pos < 0 {
		t.closeWriteFrame(frame, node)
		return nil
	}
	t.markDirty(node)
	node.deleteLeafEntry(pos)
	t.considerMerge(frame, node)
	return nil
}

// applyUndoStore restores key to value without locks, undo, or redo.
func (t *Tree) applyUndoStore(key, value []byte) error {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return err
	}
	return t.storeIntoLeaf(frame, node, pos, key, value, pos >= 0)
}

// applyUndoStoreFragmented restores a fragmented entry's placeholder
// and revives its trash chain.
func (t *Tree) applyUndoStoreFragmented(key, placeholder []byte) error {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return err
	}
	if pos >= 0 {
		t.markDirty(node)
		loc := node.searchVecLoc(pos)
		vloc := node.leafValueLoc(loc)
		if node.page[vloc] == ghostValueHeader {
			// Rewrite the ghost back into the fragmented placeholder.
			t.closeWriteFrame(frame, node)
			return t.applyUndoStoreRaw(key, placeholder, true)
		}
	}
	t.closeWriteFrame(frame, node)
	return t.applyUndoStoreRaw(key, placeholder, true)
}

// applyUndoStoreRaw stores pre-encoded (possibly fragmented) bytes.
func (t *Tree) applyUndoStoreRaw(key, value []byte, fragmented bool) error {
	frame, node, pos, err := t.openWriteFrame(key)
	if err != nil {
		return err
	}
	t.markDirty(node)
	if pos >= 0 {
		// Replace in place through the update path; fragmented bytes
		// re-enter as a plain value of placeholder bytes.
		err = node.updateLeafValue(t, nil, pos, value)
	} else {
		err = node.insertLeafEntry(t, ^pos, key, value)
	}
	if err != nil {
		t.closeWriteFrame(frame, node)
		return err
	}
	if node.split != nil {
		leafFrame := frame
		err = t.finishSplit(leafFrame, node)
		t.unwindFrames(leafFrame)
		return err
	}
	t.closeWriteFrame(frame, node)
	return nil
}
