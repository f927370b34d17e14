package treedb

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ryogrid/treedb-go-for-embedding/interfaces"
	secondary "github.com/ryogrid/treedb-go-for-embedding/storage/cache"
)

// Database header page layout (page zero, little endian):
//
//	+0  magic "TRDB"
//	+4  format version (u32)
//	+8  page size (u32)
//	+12 page count high water (u64)
//	+20 registry root page id (u64)
//	+28 last tree id (u64)
//	+36 last transaction id (u64)
const (
	dbMagic   = "TRDB"
	dbVersion = 1

	headerPageId       = 0
	registryRootPageId = 2
	registryTreeId     = 1
	firstUserTreeId    = 2
	firstUserPageId    = 3
)

// Registry key prefixes: names map to (treeId, rootPageId); ids map to
// (rootPageId, name).
const (
	registryKeyByName = 0x00
	registryKeyById   = 0x01
)

type pendingCommit struct {
	txnId uint64
	pos   int64
}

// Database is an embedded, transactional, ordered key/value store over
// a paged file.
type Database struct {
	pageArray interfaces.PageArray
	pageSize  int

	nodeMap *nodeMap
	usage   *usageList

	pageCache      *PageCache
	secondaryCache interfaces.PageCache
	fragmentStore  interfaces.FragmentStore

	lockManager *LockManager

	// commitLatch is the process-wide commit lock: shared by every
	// mutation, exclusive only while a checkpoint captures its cut-off.
	commitLatch Latch

	redo *RedoWriter

	logger  *zap.Logger
	metrics *Metrics

	durability  DurabilityMode
	lockTimeout time.Duration
	readOnly    bool

	checkpointThreshold int64
	checkpointMu        sync.Mutex

	sparePool sync.Pool

	loadFlight singleflight.Group

	// dirty tracking: every dirty node is reachable from here exactly
	// once.
	dirtyMu     sync.Mutex
	dirtyNodes  map[*Node]struct{}
	commitState byte

	// page allocation
	allocLatch sync.Mutex
	freePages  []uint64
	pageCount  uint64
	maxPages   uint64

	txnIdCounter  atomic.Uint64
	treeIdCounter atomic.Uint64

	treesMu     sync.Mutex
	treesByName map[string]*Tree
	treesById   map[uint64]*Tree
	registry    *Tree

	bogusTxn *Transaction

	pendingMu sync.Mutex
	pendings  []pendingCommit

	customUndoHandler func(payload []byte) error

	closed   atomic.Bool
	panicked atomic.Value // error
}

// Open opens or creates a database over the given page array.
func Open(pa interfaces.PageArray, cfg *Config) (*Database, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pageSize := int(pa.PageSize())
	if pageSize != cfg.PageSize {
		return nil, errors.Errorf("page array page size %d does not match configured %d", pageSize, cfg.PageSize)
	}

	nodeMax := int(cfg.CacheBytes) / pageSize
	if nodeMax < 32 {
		nodeMax = 32
	}

	db := &Database{
		pageArray:           pa,
		pageSize:            pageSize,
		nodeMap:             newNodeMap(nodeMax),
		usage:               newUsageList(nodeMax),
		lockManager:         NewLockManager(),
		logger:              cfg.Logger,
		durability:          cfg.Durability,
		lockTimeout:         cfg.LockTimeout,
		readOnly:            cfg.ReadOnly,
		checkpointThreshold: cfg.CheckpointSizeThreshold,
		dirtyNodes:          make(map[*Node]struct{}),
		commitState:         cachedDirty0,
		treesByName:         make(map[string]*Tree),
		treesById:           make(map[uint64]*Tree),
		secondaryCache:      cfg.SecondaryCache,
		fragmentStore:       cfg.FragmentStore,
	}
	if cfg.MetricsRegisterer != nil {
		db.metrics = NewMetrics(cfg.MetricsRegisterer)
	}
	db.sparePool.New = func() interface{} { return make([]byte, pageSize) }

	cacheSlots := nodeMax / 4
	if cacheSlots < 16 {
		cacheSlots = 16
	}
	db.pageCache = NewPageCache(cacheSlots, pageSize, db.metrics)

	if db.secondaryCache == nil && cfg.SecondaryCacheBytes > 0 {
		db.secondaryCache = secondary.NewFast(int(cfg.SecondaryCacheBytes))
	}

	db.bogusTxn = &Transaction{db: db, borked: errBogus}

	count, err := pa.PageCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if err := db.initStore(); err != nil {
			return nil, err
		}
	} else {
		if err := db.readHeader(); err != nil {
			return nil, err
		}
	}

	if err := db.openRegistry(); err != nil {
		return nil, err
	}

	// Recovery replays the surviving redo tail before a fresh writer
	// appends to it.
	if cfg.RedoPath != "" {
		if err := db.recover(cfg.RedoPath); err != nil {
			return nil, err
		}
		w, err := NewRedoWriter(cfg.RedoPath, db.logger, db.metrics)
		if err != nil {
			return nil, err
		}
		db.redo = w
		// Everything replayed is in the node pool now; checkpoint and
		// reset so the log only carries new work.
		if err := db.Checkpoint(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *Database) initStore() error {
	if err := db.pageArray.SetPageCount(firstUserPageId); err != nil {
		return err
	}
	db.pageCount = firstUserPageId
	db.treeIdCounter.Store(firstUserTreeId)

	// Registry root: an empty leaf.
	root := &Node{page: make([]byte, db.pageSize), id: registryRootPageId}
	root.asEmptyRoot()
	root.writeFields()
	if err := db.pageArray.WritePage(registryRootPageId, root.page); err != nil {
		return &WriteFailureError{PageId: registryRootPageId, Cause: err}
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	return db.pageArray.Sync(true)
}

func (db *Database) writeHeader() error {
	h := make([]byte, db.pageSize)
	copy(h, dbMagic)
	putUint32LE(h, 4, dbVersion)
	putUint32LE(h, 8, uint32(db.pageSize))
	db.allocLatch.Lock()
	putUint64LE(h, 12, db.pageCount)
	db.allocLatch.Unlock()
	putUint64LE(h, 20, registryRootPageId)
	putUint64LE(h, 28, db.treeIdCounter.Load())
	putUint64LE(h, 36, db.txnIdCounter.Load())
	if err := db.pageArray.WritePage(headerPageId, h); err != nil {
		return &WriteFailureError{PageId: headerPageId, Cause: err}
	}
	return nil
}

func (db *Database) readHeader() error {
	h := make([]byte, db.pageSize)
	if err := db.pageArray.ReadPage(headerPageId, h, 0, db.pageSize); err != nil {
		return err
	}
	if string(h[:4]) != dbMagic {
		return corruptf(headerPageId, "bad database magic")
	}
	if int(getUint32LE(h, 8)) != db.pageSize {
		return corruptf(headerPageId, "page size mismatch: stored %d", getUint32LE(h, 8))
	}
	db.pageCount = getUint64LE(h, 12)
	db.treeIdCounter.Store(getUint64LE(h, 28))
	db.txnIdCounter.Store(getUint64LE(h, 36))
	return nil
}

func (db *Database) openRegistry() error {
	root, err := db.loadNode(registryRootPageId)
	if err != nil {
		return err
	}
	db.makeUnevictable(root)
	db.registry = &Tree{
		db:           db,
		id:           registryTreeId,
		name:         "",
		root:         root,
		maxKeySize:   defaultMaxKeySize(db.pageSize),
		maxEntrySize: defaultMaxEntrySize(db.pageSize),
	}
	return nil
}

func (db *Database) checkOpen() error {
	if db.closed.Load() {
		if p := db.panicked.Load(); p != nil {
			return p.(error)
		}
		return ErrClosed
	}
	return nil
}

// panicClose shuts the database down after an unrecoverable failure,
// such as a half-applied split or a failed rollback.
func (db *Database) panicClose(cause error) {
	if db.closed.Swap(true) {
		return
	}
	db.panicked.Store(cause)
	db.logger.Error("database panicked closed", zap.Error(cause))
}

// Close checkpoints and releases every resource.
func (db *Database) Close() error {
	if db.closed.Load() {
		return nil
	}
	if err := db.Checkpoint(); err != nil {
		db.closed.Store(true)
		return err
	}
	db.closed.Store(true)
	if err := db.redo.Close(true); err != nil {
		return err
	}
	db.pageCache.Close()
	if db.secondaryCache != nil {
		db.secondaryCache.Close()
	}
	return db.pageArray.Close()
}

func (db *Database) nextTxnId() uint64 {
	return db.txnIdCounter.Add(1)
}

// --- spare pages ---

func (db *Database) acquireSparePage() []byte {
	return db.sparePool.Get().([]byte)
}

func (db *Database) releaseSparePage(p []byte) {
	db.sparePool.Put(p)
}

// --- page allocation ---

func (db *Database) allocPageId() (uint64, error) {
	db.allocLatch.Lock()
	defer db.allocLatch.Unlock()
	if n := len(db.freePages); n > 0 {
		id := db.freePages[n-1]
		db.freePages = db.freePages[:n-1]
		return id, nil
	}
	if db.maxPages != 0 && db.pageCount >= db.maxPages {
		return 0, ErrDatabaseFull
	}
	id := db.pageCount
	if err := db.pageArray.SetPageCount(id + 1); err != nil {
		return 0, errors.Wrap(ErrDatabaseFull, err.Error())
	}
	db.pageCount = id + 1
	return id, nil
}

func (db *Database) freePage(id uint64) {
	if id <= stubNodeId {
		return
	}
	db.allocLatch.Lock()
	db.freePages = append(db.freePages, id)
	db.allocLatch.Unlock()
}

// --- node pool ---

func (db *Database) nodeMapGet(id uint64) *Node {
	return db.nodeMap.get(id)
}

// loadNode resolves a page id to a registered node, reading through the
// caches and the page array. Concurrent loads of the same id collapse
// onto one flight, so no latch is held across the read.
func (db *Database) loadNode(id uint64) (*Node, error) {
	if n := db.nodeMap.get(id); n != nil {
		return n, nil
	}
	v, err, _ := db.loadFlight.Do(strconv.FormatUint(id, 16), func() (interface{}, error) {
		if n := db.nodeMap.get(id); n != nil {
			return n, nil
		}
		n, err := db.allocLatchedNode()
		if err != nil {
			return nil, err
		}
		n.id = id

		have := false
		if db.secondaryCache != nil && db.secondaryCache.EvictPage(id, n.page) {
			have = true
		}
		if !have && db.pageCache.Remove(id, n.page) {
			have = true
		}
		if !have {
			if rerr := db.pageArray.ReadPage(id, n.page, 0, db.pageSize); rerr != nil {
				db.recycleNode(n)
				return nil, rerr
			}
		}
		if ferr := n.readFields(); ferr != nil {
			db.recycleNode(n)
			return nil, ferr
		}
		n.cachedState = cachedClean

		if prev := db.nodeMap.put(n); prev != nil {
			db.recycleNode(n)
			return prev, nil
		}
		db.usage.attach(n)
		n.latch.ReleaseExclusive()
		if db.metrics != nil {
			db.metrics.nodeLoads.Inc()
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Node), nil
}

// allocLatchedNode produces an exclusively latched, unregistered node,
// evicting from the usage list when the pool is at budget.
func (db *Database) allocLatchedNode() (*Node, error) {
	if db.usage.full() {
		if n := db.usage.sweep(8); n != nil {
			if err := db.evictNode(n); err != nil {
				db.usage.attach(n)
				n.latch.ReleaseExclusive()
				return nil, err
			}
			return n, nil
		}
	}
	n := &Node{page: make([]byte, db.pageSize)}
	n.latch.AcquireExclusive()
	return n, nil
}

// recycleNode returns a failed allocation to the pool.
func (db *Database) recycleNode(n *Node) {
	n.id = 0
	n.latch.ReleaseExclusive()
	db.usage.attach(n)
}

// evictNode flushes or offers the node's page and unregisters it. The
// node is exclusively latched and already off the usage list.
func (db *Database) evictNode(n *Node) error {
	if n.isDirty() {
		if err := db.writeNode(n); err != nil {
			return err
		}
	} else if n.id != 0 {
		db.pageCache.Add(n.id, n.page)
		if db.secondaryCache != nil {
			db.secondaryCache.CachePage(n.id, n.page)
		}
	}
	if n.id != 0 {
		db.nodeMap.remove(n)
		n.id = 0
	}
	if db.metrics != nil {
		db.metrics.nodeEvictions.Inc()
	}
	return nil
}

// writeNode persists a dirty node and marks it clean. The node latch is
// held.
func (db *Database) writeNode(n *Node) error {
	n.writeFields()
	if err := db.pageArray.WritePage(n.id, n.page); err != nil {
		return &WriteFailureError{PageId: n.id, Cause: err}
	}
	db.dirtyMu.Lock()
	delete(db.dirtyNodes, n)
	db.dirtyMu.Unlock()
	n.cachedState = cachedClean
	if db.metrics != nil {
		db.metrics.dirtyNodes.Dec()
	}
	return nil
}

// markDirty transitions a node into the current dirty generation.
func (db *Database) markDirty(n *Node) {
	if n.cachedState != cachedClean {
		return
	}
	db.dirtyMu.Lock()
	n.cachedState = db.commitState
	db.dirtyNodes[n] = struct{}{}
	db.dirtyMu.Unlock()
	if db.metrics != nil {
		db.metrics.dirtyNodes.Inc()
	}
}

// allocUnevictableNode creates a new pinned node bound to a fresh page
// id, exclusively latched and registered.
func (db *Database) allocUnevictableNode() (*Node, error) {
	n, err := db.allocLatchedNode()
	if err != nil {
		return nil, err
	}
	id, err := db.allocPageId()
	if err != nil {
		n.latch.ReleaseExclusive()
		db.usage.attach(n)
		return nil, err
	}
	n.id = id
	n.typ = typeLeaf
	n.cachedState = cachedClean
	n.split = nil
	n.lastCursorFrame = nil
	n.pinCount = 1
	if prev := db.nodeMap.put(n); prev != nil {
		db.panicClose(corruptf(id, "freshly allocated page already mapped"))
		return nil, corruptf(id, "freshly allocated page already mapped")
	}
	db.usage.attach(n)
	return n, nil
}

func (db *Database) makeEvictable(n *Node) {
	atomic.AddInt32(&n.pinCount, -1)
}

func (db *Database) makeUnevictable(n *Node) {
	atomic.AddInt32(&n.pinCount, 1)
}

// retireNode unregisters a node whose page was freed. The node is
// exclusively latched; the latch is released here.
func (db *Database) retireNode(n *Node) {
	db.dirtyMu.Lock()
	delete(db.dirtyNodes, n)
	db.dirtyMu.Unlock()
	if n.cachedState != cachedClean {
		n.cachedState = cachedClean
		if db.metrics != nil {
			db.metrics.dirtyNodes.Dec()
		}
	}
	db.nodeMap.remove(n)
	db.usage.detach(n)
	n.id = 0
	n.latch.ReleaseExclusive()
}

// --- redo helpers for auto-commit operations ---

func (db *Database) redoAutoCommitStore(t *Tree, key, value []byte) error {
	if t.temporary || db.redo == nil {
		return nil
	}
	if db.readOnly {
		return ErrUnmodifiable
	}
	if err := db.redo.Store(t.id, key, value); err != nil {
		return err
	}
	_, err := db.redo.CommitFlush(db.durability)
	return err
}

func (db *Database) redoAutoCommitDelete(t *Tree, key []byte) error {
	if t.temporary || db.redo == nil {
		return nil
	}
	if db.readOnly {
		return ErrUnmodifiable
	}
	if err := db.redo.Delete(t.id, key); err != nil {
		return err
	}
	_, err := db.redo.CommitFlush(db.durability)
	return err
}

func (db *Database) redoDeleteIndex(txn *Transaction, t *Tree) error {
	if t.temporary || db.redo == nil {
		return nil
	}
	if db.readOnly {
		return ErrUnmodifiable
	}
	_ = txn
	return db.redo.DeleteIndex(t.id)
}

// --- pending commits (NO_SYNC durability) ---

func (db *Database) addPendingCommit(txnId uint64, pos int64) {
	db.pendingMu.Lock()
	db.pendings = append(db.pendings, pendingCommit{txnId: txnId, pos: pos})
	db.pendingMu.Unlock()
}

// Flush drains the redo buffer without syncing.
func (db *Database) Flush() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.redo.Flush()
}

// Sync makes every pending commit durable.
func (db *Database) Sync() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.redo.Sync(); err != nil {
		return err
	}
	horizon := db.redo.SyncedPosition()
	db.pendingMu.Lock()
	kept := db.pendings[:0]
	for _, p := range db.pendings {
		if p.pos > horizon {
			kept = append(kept, p)
		}
	}
	db.pendings = kept
	db.pendingMu.Unlock()
	return nil
}

// --- trees ---

func registryNameKey(name string) []byte {
	k := make([]byte, 1+len(name))
	k[0] = registryKeyByName
	copy(k[1:], name)
	return k
}

func registryIdKey(treeId uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = registryKeyById
	putUint64LE(k, 1, treeId)
	return k
}

// OpenTree opens the named tree, creating it on first use.
func (db *Database) OpenTree(name string) (*Tree, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("tree name must not be empty")
	}

	db.treesMu.Lock()
	if t, ok := db.treesByName[name]; ok {
		db.treesMu.Unlock()
		return t, nil
	}
	db.treesMu.Unlock()

	v, err := db.registry.Load(nil, registryNameKey(name))
	if err != nil {
		return nil, err
	}

	var treeId, rootId uint64
	if v != nil {
		treeId = getUint64LE(v, 0)
		rootId = getUint64LE(v, 8)
	} else {
		treeId = db.treeIdCounter.Add(1)
		rootId, err = db.allocPageId()
		if err != nil {
			return nil, err
		}
		root := &Node{page: make([]byte, db.pageSize), id: rootId}
		root.asEmptyRoot()
		root.writeFields()
		if err = db.pageArray.WritePage(rootId, root.page); err != nil {
			return nil, &WriteFailureError{PageId: rootId, Cause: err}
		}

		val := make([]byte, 16)
		putUint64LE(val, 0, treeId)
		putUint64LE(val, 8, rootId)
		if err = db.registry.Store(nil, registryNameKey(name), val); err != nil {
			return nil, err
		}
		idVal := make([]byte, 8+len(name))
		putUint64LE(idVal, 0, rootId)
		copy(idVal[8:], name)
		if err = db.registry.Store(nil, registryIdKey(treeId), idVal); err != nil {
			return nil, err
		}
	}

	return db.materializeTree(treeId, rootId, name, false)
}

func (db *Database) materializeTree(treeId, rootId uint64, name string, temporary bool) (*Tree, error) {
	root, err := db.loadNode(rootId)
	if err != nil {
		if _, ok := err.(*CorruptError); !ok {
			return nil, err
		}
		// The root page never reached durable storage before a crash;
		// redo replay rebuilds its content from an empty root.
		root = &Node{page: make([]byte, db.pageSize), id: rootId}
		root.asEmptyRoot()
		if prev := db.nodeMap.put(root); prev != nil {
			root = prev
		} else {
			db.usage.attach(root)
			db.markDirty(root)
		}
	}
	db.makeUnevictable(root)

	t := &Tree{
		db:           db,
		id:           treeId,
		name:         name,
		root:         root,
		maxKeySize:   defaultMaxKeySize(db.pageSize),
		maxEntrySize: defaultMaxEntrySize(db.pageSize),
		temporary:    temporary,
	}

	db.treesMu.Lock()
	if existing, ok := db.treesById[treeId]; ok {
		db.treesMu.Unlock()
		db.makeEvictable(root)
		return existing, nil
	}
	if name != "" {
		db.treesByName[name] = t
	}
	db.treesById[treeId] = t
	db.treesMu.Unlock()
	return t, nil
}

// NewTemporaryTree creates an unnamed tree that skips redo; its pages
// free when it closes.
func (db *Database) NewTemporaryTree() (*Tree, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	rootId, err := db.allocPageId()
	if err != nil {
		return nil, err
	}
	root := &Node{page: make([]byte, db.pageSize), id: rootId}
	root.asEmptyRoot()
	root.writeFields()
	if err = db.pageArray.WritePage(rootId, root.page); err != nil {
		return nil, &WriteFailureError{PageId: rootId, Cause: err}
	}
	treeId := db.treeIdCounter.Add(1)
	return db.materializeTree(treeId, rootId, "", true)
}

// RenameTree renames a registered tree.
func (db *Database) RenameTree(t *Tree, newName string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if t.temporary {
		return errors.New("temporary trees have no name")
	}
	if newName == "" {
		return errors.New("tree name must not be empty")
	}

	v, err := db.registry.Load(nil, registryNameKey(t.name))
	if err != nil {
		return err
	}
	if v == nil {
		return ErrClosedIndex
	}
	if err = db.registry.Store(nil, registryNameKey(newName), v); err != nil {
		return err
	}
	if err = db.registry.Delete(nil, registryNameKey(t.name)); err != nil {
		return err
	}
	idVal := make([]byte, 8+len(newName))
	putUint64LE(idVal, 0, getUint64LE(v, 8))
	copy(idVal[8:], newName)
	if err = db.registry.Store(nil, registryIdKey(t.id), idVal); err != nil {
		return err
	}
	if db.redo != nil && !db.readOnly {
		if err = db.redo.RenameIndex(t.id, []byte(newName)); err != nil {
			return err
		}
	}

	db.treesMu.Lock()
	delete(db.treesByName, t.name)
	t.name = newName
	db.treesByName[newName] = t
	db.treesMu.Unlock()
	return nil
}

// DropTree drops a registered tree and removes its registry entries.
func (db *Database) DropTree(txn *Transaction, t *Tree) error {
	if err := t.Drop(txn); err != nil {
		return err
	}
	if t.temporary {
		return nil
	}
	if err := db.registry.Delete(nil, registryNameKey(t.name)); err != nil {
		return err
	}
	return db.registry.Delete(nil, registryIdKey(t.id))
}

// forgetTree detaches a tree from the live registries.
func (db *Database) forgetTree(t *Tree) {
	db.treesMu.Lock()
	if t.name != "" {
		delete(db.treesByName, t.name)
	}
	delete(db.treesById, t.id)
	db.treesMu.Unlock()
	db.makeEvictable(t.root)
}

// treeById resolves a tree id through the live set, then the registry.
// Used by undo rollback and recovery.
func (db *Database) treeById(treeId uint64) (*Tree, error) {
	if treeId == registryTreeId {
		return db.registry, nil
	}
	db.treesMu.Lock()
	if t, ok := db.treesById[treeId]; ok {
		db.treesMu.Unlock()
		return t, nil
	}
	db.treesMu.Unlock()

	v, err := db.registry.Load(nil, registryIdKey(treeId))
	if err != nil || v == nil {
		return nil, err
	}
	rootId := getUint64LE(v, 0)
	name := string(v[8:])
	return db.materializeTree(treeId, rootId, name, false)
}

// --- checkpoint ---

// Checkpoint flushes every dirty node, syncs the page array, rewrites
// the header, and truncates the redo log. Writers are quiesced only for
// the instant the cut-off is captured.
func (db *Database) Checkpoint() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	start := time.Now()

	db.commitLatch.AcquireExclusive()
	var snapshot []*Node
	db.dirtyMu.Lock()
	for n := range db.dirtyNodes {
		snapshot = append(snapshot, n)
	}
	if db.commitState == cachedDirty0 {
		db.commitState = cachedDirty1
	} else {
		db.commitState = cachedDirty0
	}
	db.dirtyMu.Unlock()
	db.commitLatch.ReleaseExclusive()

	var g errgroup.Group
	g.SetLimit(4)
	for _, n := range snapshot {
		n := n
		g.Go(func() error {
			n.latch.AcquireExclusive()
			defer n.latch.ReleaseExclusive()
			if !n.isDirty() || n.id == 0 {
				return nil
			}
			return db.writeNode(n)
		})
	}
	if err := g.Wait(); err != nil {
		db.logger.Error("checkpoint flush failed", zap.Error(err))
		return err
	}

	if err := db.pageArray.Sync(false); err != nil {
		return err
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	if err := db.pageArray.Sync(true); err != nil {
		return err
	}

	// Earlier redo is now redundant.
	if db.redo != nil {
		if err := db.redo.Reset(); err != nil {
			return err
		}
		if err := db.redo.Sync(); err != nil {
			return err
		}
	}

	db.pendingMu.Lock()
	db.pendings = db.pendings[:0]
	db.pendingMu.Unlock()

	if db.metrics != nil {
		db.metrics.checkpointSeconds.Observe(time.Since(start).Seconds())
	}
	db.logger.Debug("checkpoint complete",
		zap.Int("flushed", len(snapshot)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// maybeCheckpoint runs a checkpoint when the redo log crossed the
// configured threshold.
func (db *Database) maybeCheckpoint() {
	if db.checkpointThreshold <= 0 || db.redo == nil {
		return
	}
	if db.redo.Position() >= db.checkpointThreshold {
		if err := db.Checkpoint(); err != nil && db.logger != nil {
			db.logger.Warn("automatic checkpoint failed", zap.Error(err))
		}
	}
}

// --- stats ---

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	OpenTrees      int
	CachedNodes    int
	DirtyNodes     int
	PageCount      uint64
	FreePages      int
	PendingCommits int
	RedoPosition   int64
}

func (db *Database) Stats() Stats {
	var s Stats
	db.treesMu.Lock()
	s.OpenTrees = len(db.treesById)
	db.treesMu.Unlock()
	db.dirtyMu.Lock()
	s.DirtyNodes = len(db.dirtyNodes)
	db.dirtyMu.Unlock()
	db.usage.latch.AcquireShared()
	s.CachedNodes = db.usage.size
	db.usage.latch.ReleaseShared()
	db.allocLatch.Lock()
	s.PageCount = db.pageCount
	s.FreePages = len(db.freePages)
	db.allocLatch.Unlock()
	db.pendingMu.Lock()
	s.PendingCommits = len(db.pendings)
	db.pendingMu.Unlock()
	if db.redo != nil {
		s.RedoPosition = db.redo.Position()
	}
	return s
}
