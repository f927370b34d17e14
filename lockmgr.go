package treedb

import (
	"sync/atomic"
)

// LockResult is the outcome of a lock acquisition attempt. Results at or
// above LockAcquired mean the locker holds the lock.
type LockResult int8

const (
	// LockIllegal: a shared owner requested exclusive, which would
	// deadlock against any concurrent shared owner.
	LockIllegal LockResult = iota - 3
	LockInterrupted
	LockTimedOut
	LockUnowned
	LockAcquired
	LockOwnedShared
	LockOwnedUpgradable
	LockOwnedExclusive
	LockUpgraded
)

// isHeld reports whether the attempt left the locker holding the lock.
func (r LockResult) isHeld() bool { return r >= LockAcquired }

// isAcquired reports whether the attempt newly acquired or upgraded, so
// the locker must record it on its stack.
func (r LockResult) isAcquired() bool { return r == LockAcquired || r == LockUpgraded }

func (r LockResult) String() string {
	switch r {
	case LockIllegal:
		return "ILLEGAL"
	case LockInterrupted:
		return "INTERRUPTED"
	case LockTimedOut:
		return "TIMED_OUT_LOCK"
	case LockUnowned:
		return "UNOWNED"
	case LockAcquired:
		return "ACQUIRED"
	case LockOwnedShared:
		return "OWNED_SHARED"
	case LockOwnedUpgradable:
		return "OWNED_UPGRADABLE"
	case LockOwnedExclusive:
		return "OWNED_EXCLUSIVE"
	case LockUpgraded:
		return "UPGRADED"
	}
	return "UNKNOWN"
}

// Lock is the per-(indexId, key) record. All fields are guarded by the
// owning bucket's latch.
type Lock struct {
	treeId uint64
	hash   uint64
	key    []byte

	// owner holds the upgradable or exclusive owner.
	owner     *Locker
	exclusive bool

	sharedLockers map[*Locker]struct{}

	// queueSX waits for shared access (blocked by an exclusive owner);
	// queueU waits for ownership.
	queueSX *LatchCondition
	queueU  *LatchCondition

	// ghost marks a delete pending commit; readers that acquire the
	// lock after release observe the reaped slot.
	ghost bool

	next *Lock
}

func (lk *Lock) isFree() bool {
	return lk.owner == nil && len(lk.sharedLockers) == 0 && lk.ghost == false &&
		(lk.queueSX == nil || lk.queueSX.empty()) &&
		(lk.queueU == nil || lk.queueU.empty())
}

const lockBucketCount = 256 // power of two

type lockBucket struct {
	latch Latch
	head  *Lock
}

// LockManager maintains the per-key lock table, hashed into latched
// buckets.
type LockManager struct {
	buckets [lockBucketCount]lockBucket

	// lockerSeq hands out tie-break ordinals for deadlock victim
	// selection.
	lockerSeq atomic.Uint64
}

func NewLockManager() *LockManager {
	return &LockManager{}
}

func (m *LockManager) bucket(hash uint64) *lockBucket {
	return &m.buckets[hash&(lockBucketCount-1)]
}

func (b *lockBucket) find(treeId uint64, key []byte, hash uint64) *Lock {
	for lk := b.head; lk != nil; lk = lk.next {
		if lk.hash == hash && lk.treeId == treeId && compareUnsigned(lk.key, key, 0) == 0 {
			return lk
		}
	}
	return nil
}

func (b *lockBucket) findOrInsert(treeId uint64, key []byte, hash uint64) *Lock {
	if lk := b.find(treeId, key, hash); lk != nil {
		return lk
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	lk := &Lock{treeId: treeId, hash: hash, key: keyCopy, next: b.head}
	b.head = lk
	return lk
}

// removeIfFree unlinks a lock that no longer represents any state.
func (b *lockBucket) removeIfFree(lk *Lock) {
	if !lk.isFree() {
		return
	}
	if b.head == lk {
		b.head = lk.next
		return
	}
	for cur := b.head; cur != nil; cur = cur.next {
		if cur.next == lk {
			cur.next = lk.next
			return
		}
	}
}

// tryLockShared attempts shared ownership for locker within
// nanosTimeout (negative waits forever, zero never waits).
func (m *LockManager) tryLockShared(locker *Locker, treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	hash := keyHash(treeId, key)
	b := m.bucket(hash)
	b.latch.AcquireExclusive()
	lk := b.findOrInsert(treeId, key, hash)

	for {
		if lk.owner == locker {
			r := LockOwnedUpgradable
			if lk.exclusive {
				r = LockOwnedExclusive
			}
			b.latch.ReleaseExclusive()
			return r, nil
		}
		if _, ok := lk.sharedLockers[locker]; ok {
			b.latch.ReleaseExclusive()
			return LockOwnedShared, nil
		}
		if !lk.exclusive {
			if lk.sharedLockers == nil {
				lk.sharedLockers = make(map[*Locker]struct{}, 2)
			}
			lk.sharedLockers[locker] = struct{}{}
			b.latch.ReleaseExclusive()
			return LockAcquired, nil
		}
		// Blocked by an exclusive owner.
		res, err := m.await(locker, lk, b, &lk.queueSX, nanosTimeout)
		if res != LockAcquired {
			return res, err
		}
	}
}

// tryLockUpgradable attempts upgradable ownership.
func (m *LockManager) tryLockUpgradable(locker *Locker, treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	hash := keyHash(treeId, key)
	b := m.bucket(hash)
	b.latch.AcquireExclusive()
	lk := b.findOrInsert(treeId, key, hash)

	for {
		if lk.owner == locker {
			r := LockOwnedUpgradable
			if lk.exclusive {
				r = LockOwnedExclusive
			}
			b.latch.ReleaseExclusive()
			return r, nil
		}
		if lk.owner == nil {
			lk.owner = locker
			lk.exclusive = false
			b.latch.ReleaseExclusive()
			return LockAcquired, nil
		}
		res, err := m.await(locker, lk, b, &lk.queueU, nanosTimeout)
		if res != LockAcquired {
			return res, err
		}
	}
}

// tryLockExclusive attempts exclusive ownership. An upgradable owner is
// upgraded; a plain shared owner gets LockIllegal.
func (m *LockManager) tryLockExclusive(locker *Locker, treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	hash := keyHash(treeId, key)
	b := m.bucket(hash)
	b.latch.AcquireExclusive()
	lk := b.findOrInsert(treeId, key, hash)

	preOwned := lk.owner == locker
	tookOwner := false
	fail := func(res LockResult, err error) (LockResult, error) {
		// The bucket latch is already released. Roll back ownership
		// taken inside this call so a timeout leaves no trace.
		if tookOwner {
			b.latch.AcquireExclusive()
			if lk.owner == locker && !lk.exclusive {
				lk.owner = nil
				m.wakeLocked(lk)
				b.removeIfFree(lk)
			}
			b.latch.ReleaseExclusive()
		}
		return res, err
	}

	for {
		if lk.owner == locker {
			if lk.exclusive {
				b.latch.ReleaseExclusive()
				return LockOwnedExclusive, nil
			}
			// Upgradable to exclusive: wait out other shared owners.
			others := len(lk.sharedLockers)
			if _, self := lk.sharedLockers[locker]; self {
				others--
			}
			if others == 0 {
				delete(lk.sharedLockers, locker)
				lk.exclusive = true
				b.latch.ReleaseExclusive()
				if preOwned {
					return LockUpgraded, nil
				}
				return LockAcquired, nil
			}
			res, err := m.await(locker, lk, b, &lk.queueU, nanosTimeout)
			if res != LockAcquired {
				return fail(res, err)
			}
			continue
		}
		if _, ok := lk.sharedLockers[locker]; ok {
			b.latch.ReleaseExclusive()
			return LockIllegal, &LockFailureError{
				Kind: LockFailureIllegalUpgrade, TreeId: treeId, Key: key,
			}
		}
		if lk.owner == nil {
			// Take upgradable ownership first; shared owners drain
			// before the exclusive grant.
			lk.owner = locker
			lk.exclusive = false
			tookOwner = true
			continue
		}
		res, err := m.await(locker, lk, b, &lk.queueU, nanosTimeout)
		if res != LockAcquired {
			return fail(res, err)
		}
	}
}

// await parks locker on the lock's queue. The bucket latch is held on
// entry and on a LockAcquired return; on failure the latch is released
// and the failure is final.
func (m *LockManager) await(locker *Locker, lk *Lock, b *lockBucket, queue **LatchCondition, nanosTimeout int64) (LockResult, error) {
	if nanosTimeout == 0 {
		b.latch.ReleaseExclusive()
		return LockTimedOut, &LockFailureError{
			Kind: LockFailureTimedOut, TreeId: lk.treeId, Key: lk.key, Timeout: nanosTimeout,
		}
	}
	if *queue == nil {
		*queue = NewLatchCondition(&b.latch)
	}
	locker.waitingFor = lk
	signaled := (*queue).Await(nanosTimeout)
	locker.waitingFor = nil
	if signaled {
		return LockAcquired, nil // caller rechecks state in its loop
	}

	// Timed out: walk the wait-for graph before reporting.
	guilty, cycle := m.detectDeadlock(locker, lk)
	b.latch.ReleaseExclusive()
	if cycle && guilty {
		return LockTimedOut, &DeadlockError{
			LockFailureError: LockFailureError{
				Kind: LockFailureDeadlock, TreeId: lk.treeId, Key: lk.key, Timeout: nanosTimeout,
			},
			Guilty: true,
		}
	}
	return LockTimedOut, &LockFailureError{
		Kind: LockFailureTimedOut, TreeId: lk.treeId, Key: lk.key, Timeout: nanosTimeout,
	}
}

// detectDeadlock walks the wait-for graph from origin. Each lock points
// at its holders and each waiting locker records the lock it waits on.
// The walk only reads; lock state is never modified. When a cycle is
// found, the participant with the highest ordinal is chosen guilty so
// exactly one waiter backs out.
func (m *LockManager) detectDeadlock(origin *Locker, waitingOn *Lock) (guilty, cycle bool) {
	visited := make(map[*Locker]struct{})
	var maxSeq uint64
	var found bool

	var walk func(lk *Lock) bool
	walk = func(lk *Lock) bool {
		holders := make([]*Locker, 0, 1+len(lk.sharedLockers))
		if lk.owner != nil {
			holders = append(holders, lk.owner)
		}
		for s := range lk.sharedLockers {
			holders = append(holders, s)
		}
		for _, h := range holders {
			if h == origin {
				return true
			}
			if _, seen := visited[h]; seen {
				continue
			}
			visited[h] = struct{}{}
			if h.seq > maxSeq {
				maxSeq = h.seq
			}
			next := h.waitingFor
			if next != nil && walk(next) {
				return true
			}
		}
		return false
	}

	if origin.seq > maxSeq {
		maxSeq = origin.seq
	}
	found = walk(waitingOn)
	if !found {
		return false, false
	}
	return origin.seq >= maxSeq, true
}

// unlock releases whatever locker holds on lk and wakes waiters. Ghosts
// are the caller's concern; by the time unlock runs the reap already
// happened or was abandoned.
func (m *LockManager) unlock(locker *Locker, lk *Lock) {
	b := m.bucket(lk.hash)
	b.latch.AcquireExclusive()
	if lk.owner == locker {
		lk.owner = nil
		lk.exclusive = false
	} else if lk.sharedLockers != nil {
		delete(lk.sharedLockers, locker)
	}
	lk.ghost = false
	m.wakeLocked(lk)
	b.removeIfFree(lk)
	b.latch.ReleaseExclusive()
}

// downgradeToUpgradable demotes an upgraded exclusive hold back to
// upgradable, waking shared waiters. Used when a nested scope unwinds an
// upgrade entry.
func (m *LockManager) downgradeToUpgradable(locker *Locker, lk *Lock) {
	b := m.bucket(lk.hash)
	b.latch.AcquireExclusive()
	if lk.owner == locker && lk.exclusive {
		lk.exclusive = false
		if lk.queueSX != nil {
			lk.queueSX.SignalAll()
		}
	}
	b.latch.ReleaseExclusive()
}

func (m *LockManager) wakeLocked(lk *Lock) {
	if lk.queueU != nil {
		lk.queueU.Signal()
	}
	if lk.queueSX != nil && !lk.exclusive {
		lk.queueSX.SignalAll()
	}
}

// setGhost flags the lock of a transactionally deleted key. The flag
// survives until the owning locker unlocks.
func (m *LockManager) setGhost(treeId uint64, key []byte) {
	hash := keyHash(treeId, key)
	b := m.bucket(hash)
	b.latch.AcquireExclusive()
	lk := b.find(treeId, key, hash)
	if lk != nil {
		lk.ghost = true
	}
	b.latch.ReleaseExclusive()
}
