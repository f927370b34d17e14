package treedb

import (
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Redo log operation codes.
const (
	redoOpTimestamp = 1
	redoOpShutdown  = 2
	redoOpClose     = 3
	redoOpEndFile   = 4
	redoOpReset     = 5

	redoOpStore  = 16 // no transaction
	redoOpDelete = 17

	redoOpTxnEnter       = 24
	redoOpTxnRollback    = 25
	redoOpTxnCommit      = 26 // scoped commit
	redoOpTxnCommitFinal = 27

	redoOpTxnStore  = 32
	redoOpTxnDelete = 33

	redoOpRenameIndex = 40
	redoOpDeleteIndex = 41

	redoOpCustom = 48
)

// Redo file framing, in the manner of the physical WAL: a magic header,
// then records of [op][fields][crc32 terminator]. The crc covers the op
// and fields; a mismatch is treated as the log's end (a torn tail).
const (
	redoMagic      = "TRDO"
	redoVersion    = 1
	redoHeaderSize = 8

	redoBufSize = 64 << 10
)

// RedoWriter appends the operation stream to its file through a fixed
// buffer guarded by the writer's own monitor. A nil *RedoWriter (redo
// disabled) accepts every call as a no-op.
type RedoWriter struct {
	mu sync.Mutex

	file *os.File
	path string

	buf []byte

	// pos is the stream position of the end of buffered data; synced
	// tracks the sync horizon.
	pos    int64
	synced int64

	// lastTxnId is the delta encoding basis.
	lastTxnId uint64

	logger  *zap.Logger
	metrics *Metrics

	closed bool
}

// NewRedoWriter opens or creates the redo file and positions at its
// end.
func NewRedoWriter(path string, logger *zap.Logger, metrics *Metrics) (*RedoWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open redo log")
	}
	w := &RedoWriter{
		file:    file,
		path:    path,
		buf:     make([]byte, 0, redoBufSize),
		logger:  logger,
		metrics: metrics,
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat redo log")
	}
	if stat.Size() == 0 {
		hdr := make([]byte, redoHeaderSize)
		copy(hdr, redoMagic)
		putUint32LE(hdr, 4, redoVersion)
		if _, err := file.Write(hdr); err != nil {
			file.Close()
			return nil, errors.Wrap(err, "write redo header")
		}
		w.pos = redoHeaderSize
	} else {
		hdr := make([]byte, redoHeaderSize)
		if _, err := file.ReadAt(hdr, 0); err != nil {
			file.Close()
			return nil, errors.Wrap(err, "read redo header")
		}
		if string(hdr[:4]) != redoMagic {
			file.Close()
			return nil, errors.New("redo log: bad magic")
		}
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, errors.Wrap(err, "seek redo log")
		}
		w.pos = stat.Size()
	}
	w.synced = w.pos
	return w, nil
}

// record appends one framed record to the buffer. The caller holds mu.
func (w *RedoWriter) record(body []byte) error {
	if w.closed {
		return ErrClosed
	}
	crc := crc32.ChecksumIEEE(body)
	if len(w.buf)+len(body)+4 > redoBufSize {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, body...)
	var term [4]byte
	putUint32LE(term[:], 0, crc)
	w.buf = append(w.buf, term[:]...)
	w.pos += int64(len(body) + 4)
	if w.metrics != nil {
		w.metrics.redoBytes.Add(float64(len(body) + 4))
	}
	return nil
}

func (w *RedoWriter) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.file.Write(w.buf); err != nil {
		return errors.Wrap(err, "redo flush")
	}
	w.buf = w.buf[:0]
	return nil
}

// Flush drains the buffer to the file without syncing.
func (w *RedoWriter) Flush() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Sync flushes and syncs the file.
func (w *RedoWriter) Sync() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *RedoWriter) syncLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "redo sync")
	}
	w.synced = w.pos
	if w.metrics != nil {
		w.metrics.redoSyncs.Inc()
	}
	return nil
}

// CommitFlush finalizes a commit record under the given durability
// mode, returning the captured stream position.
func (w *RedoWriter) CommitFlush(mode DurabilityMode) (int64, error) {
	if w == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	pos := w.pos
	switch mode {
	case DurabilityNoFlush, DurabilityNoRedo:
		return pos, nil
	case DurabilityNoSync:
		return pos, w.flushLocked()
	default:
		return pos, w.syncLocked()
	}
}

// Position returns the current stream position.
func (w *RedoWriter) Position() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// SyncedPosition returns the durable horizon.
func (w *RedoWriter) SyncedPosition() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.synced
}

func (w *RedoWriter) deltaTxnId(txnId uint64) uint64 {
	d := zigzag(int64(txnId) - int64(w.lastTxnId))
	w.lastTxnId = txnId
	return d
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [10]byte
	n := putUvarint(tmp[:], 0, v)
	return append(b, tmp[:n]...)
}

func appendBytes(b, p []byte) []byte {
	b = appendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

// Store records a non-transactional store.
func (w *RedoWriter) Store(treeId uint64, key, value []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpStore}
	body = appendUvarint(body, treeId)
	body = appendBytes(body, key)
	body = appendBytes(body, value)
	return w.record(body)
}

// Delete records a non-transactional delete.
func (w *RedoWriter) Delete(treeId uint64, key []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpDelete}
	body = appendUvarint(body, treeId)
	body = appendBytes(body, key)
	return w.record(body)
}

// TxnStore records a transactional store.
func (w *RedoWriter) TxnStore(txnId, treeId uint64, key, value []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpTxnStore}
	body = appendUvarint(body, w.deltaTxnId(txnId))
	body = appendUvarint(body, treeId)
	body = appendBytes(body, key)
	body = appendBytes(body, value)
	return w.record(body)
}

// TxnDelete records a transactional delete.
func (w *RedoWriter) TxnDelete(txnId, treeId uint64, key []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpTxnDelete}
	body = appendUvarint(body, w.deltaTxnId(txnId))
	body = appendUvarint(body, treeId)
	body = appendBytes(body, key)
	return w.record(body)
}

func (w *RedoWriter) txnLifecycle(op byte, txnId uint64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{op}
	body = appendUvarint(body, w.deltaTxnId(txnId))
	return w.record(body)
}

// TxnEnter records the start of a transaction scope.
func (w *RedoWriter) TxnEnter(txnId uint64) error {
	return w.txnLifecycle(redoOpTxnEnter, txnId)
}

// TxnCommit records a nested scope commit.
func (w *RedoWriter) TxnCommit(txnId uint64) error {
	return w.txnLifecycle(redoOpTxnCommit, txnId)
}

// TxnCommitFinal records the top scope commit.
func (w *RedoWriter) TxnCommitFinal(txnId uint64) error {
	return w.txnLifecycle(redoOpTxnCommitFinal, txnId)
}

// TxnRollback records a rollback.
func (w *RedoWriter) TxnRollback(txnId uint64) error {
	return w.txnLifecycle(redoOpTxnRollback, txnId)
}

// RenameIndex records an index rename.
func (w *RedoWriter) RenameIndex(treeId uint64, newName []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpRenameIndex}
	body = appendUvarint(body, treeId)
	body = appendBytes(body, newName)
	return w.record(body)
}

// DeleteIndex records an index drop.
func (w *RedoWriter) DeleteIndex(treeId uint64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpDeleteIndex}
	body = appendUvarint(body, treeId)
	return w.record(body)
}

// Custom records an opaque payload.
func (w *RedoWriter) Custom(txnId uint64, payload []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpCustom}
	body = appendUvarint(body, w.deltaTxnId(txnId))
	body = appendBytes(body, payload)
	return w.record(body)
}

// Timestamp records a wall-clock marker.
func (w *RedoWriter) Timestamp(nanos int64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	body := []byte{redoOpTimestamp}
	body = appendUvarint(body, uint64(nanos))
	return w.record(body)
}

// Reset truncates the log after a checkpoint made earlier records
// redundant. The delta basis resets with it.
func (w *RedoWriter) Reset() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = w.buf[:0]
	if err := w.file.Truncate(redoHeaderSize); err != nil {
		return errors.Wrap(err, "redo truncate")
	}
	if _, err := w.file.Seek(redoHeaderSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "redo seek")
	}
	w.pos = redoHeaderSize
	w.synced = redoHeaderSize
	w.lastTxnId = 0
	body := []byte{redoOpReset}
	return w.record(body)
}

// Close writes the close record and shuts the file.
func (w *RedoWriter) Close(shutdown bool) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	op := byte(redoOpClose)
	if shutdown {
		op = redoOpShutdown
	}
	if err := w.record([]byte{op}); err != nil {
		return err
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// RedoVisitor receives decoded redo operations during recovery.
type RedoVisitor interface {
	Timestamp(nanos int64) error
	Reset() error
	Store(treeId uint64, key, value []byte) error
	Delete(treeId uint64, key []byte) error
	TxnEnter(txnId uint64) error
	TxnStore(txnId, treeId uint64, key, value []byte) error
	TxnDelete(txnId, treeId uint64, key []byte) error
	TxnCommit(txnId uint64) error
	TxnCommitFinal(txnId uint64) error
	TxnRollback(txnId uint64) error
	RenameIndex(treeId uint64, newName []byte) error
	DeleteIndex(treeId uint64) error
	Custom(txnId uint64, payload []byte) error
}

// DecodeRedo replays the redo stream at path into the visitor. A record
// with a bad terminator ends the replay silently: it is the torn tail
// of a crash.
func DecodeRedo(path string, visitor RedoVisitor) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read redo log")
	}
	if len(data) < redoHeaderSize || string(data[:4]) != redoMagic {
		return nil
	}

	off := redoHeaderSize
	lastTxnId := uint64(0)
	readTxn := func(body []byte, p int) (uint64, int) {
		d, p2 := getUvarint(body, p)
		lastTxnId = uint64(int64(lastTxnId) + unzigzag(d))
		return lastTxnId, p2
	}
	readBytes := func(body []byte, p int) ([]byte, int) {
		n, p2 := getUvarint(body, p)
		return body[p2 : p2+int(n)], p2 + int(n)
	}

	for off < len(data) {
		end, ok := scanRecord(data, off)
		if !ok {
			return nil // torn tail
		}
		body := data[off:end]
		crc := getUint32LE(data, end)
		if crc32.ChecksumIEEE(body) != crc {
			return nil
		}
		off = end + 4

		op := body[0]
		p := 1
		var verr error
		switch op {
		case redoOpTimestamp:
			v, _ := getUvarint(body, p)
			verr = visitor.Timestamp(int64(v))
		case redoOpReset:
			lastTxnId = 0
			verr = visitor.Reset()
		case redoOpShutdown, redoOpClose, redoOpEndFile:
			// Lifecycle markers carry nothing to apply.
		case redoOpStore:
			treeId, p2 := getUvarint(body, p)
			key, p3 := readBytes(body, p2)
			value, _ := readBytes(body, p3)
			verr = visitor.Store(treeId, key, value)
		case redoOpDelete:
			treeId, p2 := getUvarint(body, p)
			key, _ := readBytes(body, p2)
			verr = visitor.Delete(treeId, key)
		case redoOpTxnEnter:
			txnId, _ := readTxn(body, p)
			verr = visitor.TxnEnter(txnId)
		case redoOpTxnRollback:
			txnId, _ := readTxn(body, p)
			verr = visitor.TxnRollback(txnId)
		case redoOpTxnCommit:
			txnId, _ := readTxn(body, p)
			verr = visitor.TxnCommit(txnId)
		case redoOpTxnCommitFinal:
			txnId, _ := readTxn(body, p)
			verr = visitor.TxnCommitFinal(txnId)
		case redoOpTxnStore:
			txnId, p2 := readTxn(body, p)
			treeId, p3 := getUvarint(body, p2)
			key, p4 := readBytes(body, p3)
			value, _ := readBytes(body, p4)
			verr = visitor.TxnStore(txnId, treeId, key, value)
		case redoOpTxnDelete:
			txnId, p2 := readTxn(body, p)
			treeId, p3 := getUvarint(body, p2)
			key, _ := readBytes(body, p3)
			verr = visitor.TxnDelete(txnId, treeId, key)
		case redoOpRenameIndex:
			treeId, p2 := getUvarint(body, p)
			name, _ := readBytes(body, p2)
			verr = visitor.RenameIndex(treeId, name)
		case redoOpDeleteIndex:
			treeId, _ := getUvarint(body, p)
			verr = visitor.DeleteIndex(treeId)
		case redoOpCustom:
			txnId, p2 := readTxn(body, p)
			payload, _ := readBytes(body, p2)
			verr = visitor.Custom(txnId, payload)
		default:
			return nil // unknown op: treat as corruption tail
		}
		if verr != nil {
			return verr
		}
	}
	return nil
}

// scanRecord computes the end offset of the record body starting at
// off, by decoding its shape. Returns false when the data is too short.
func scanRecord(data []byte, off int) (int, bool) {
	defer func() { recover() }()
	if off >= len(data) {
		return 0, false
	}
	p := off + 1
	skipUvarint := func() bool {
		for p < len(data) {
			c := data[p]
			p++
			if c < 0x80 {
				return true
			}
		}
		return false
	}
	skipBytes := func() bool {
		start := p
		if !skipUvarint() {
			return false
		}
		n, _ := getUvarint(data, start)
		p += int(n)
		return p <= len(data)
	}

	switch data[off] {
	case redoOpReset, redoOpShutdown, redoOpClose, redoOpEndFile:
	case redoOpTimestamp, redoOpTxnEnter, redoOpTxnRollback, redoOpTxnCommit,
		redoOpTxnCommitFinal, redoOpDeleteIndex:
		if !skipUvarint() {
			return 0, false
		}
	case redoOpStore:
		if !skipUvarint() || !skipBytes() || !skipBytes() {
			return 0, false
		}
	case redoOpDelete:
		if !skipUvarint() || !skipBytes() {
			return 0, false
		}
	case redoOpTxnStore:
		if !skipUvarint() || !skipUvarint() || !skipBytes() || !skipBytes() {
			return 0, false
		}
	case redoOpTxnDelete:
		if !skipUvarint() || !skipUvarint() || !skipBytes() {
			return 0, false
		}
	case redoOpRenameIndex:
		if !skipUvarint() || !skipBytes() {
			return 0, false
		}
	case redoOpCustom:
		if !skipUvarint() || !skipBytes() {
			return 0, false
		}
	default:
		return 0, false
	}
	if p+4 > len(data) {
		return 0, false
	}
	return p, true
}
