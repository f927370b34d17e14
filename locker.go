package treedb

// Locker owns locks on behalf of one transaction. Acquired locks are
// recorded on an append-only stack of fixed-capacity blocks; a bitmap
// per block marks entries that were upgrades of already owned locks, so
// scope unwinding downgrades them instead of releasing.

const (
	lockBlockMinCap = 8
	lockBlockMaxCap = 64
)

type lockBlock struct {
	locks    []*Lock
	upgrades uint64
	prev     *lockBlock
}

// lockSavepoint marks a position in the lock stack.
type lockSavepoint struct {
	block *lockBlock
	size  int
}

type ghostRef struct {
	tree *Tree
	key  []byte
	hash uint64
}

type Locker struct {
	manager *LockManager

	seq uint64

	block *lockBlock

	// waitingFor is published while parked in the lock manager, for the
	// deadlock walk.
	waitingFor *Lock

	ghosts []ghostRef
}

func (m *LockManager) NewLocker() *Locker {
	return &Locker{
		manager: m,
		seq:     m.lockerSeq.Add(1),
	}
}

func (l *Locker) savepoint() lockSavepoint {
	if l.block == nil {
		return lockSavepoint{}
	}
	return lockSavepoint{block: l.block, size: len(l.block.locks)}
}

func (l *Locker) push(lk *Lock, upgrade bool) {
	b := l.block
	if b == nil || len(b.locks) == cap(b.locks) {
		newCap := lockBlockMinCap
		if b != nil {
			newCap = cap(b.locks) * 2
			if newCap > lockBlockMaxCap {
				newCap = lockBlockMaxCap
			}
		}
		b = &lockBlock{locks: make([]*Lock, 0, newCap), prev: l.block}
		l.block = b
	}
	if upgrade {
		// Suppress an immediate upgrade when the stack tail already
		// refers to the same lock, so unlockLast releases it outright.
		if n := len(b.locks); n > 0 && b.locks[n-1] == lk {
			return
		}
		if n := len(b.locks); n == 0 && b.prev != nil {
			p := b.prev
			if pn := len(p.locks); pn > 0 && p.locks[pn-1] == lk {
				return
			}
		}
		b.upgrades |= 1 << uint(len(b.locks))
	}
	b.locks = append(b.locks, lk)
}

// LockShared acquires a shared lock on (treeId, key).
func (l *Locker) LockShared(treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	res, err := l.manager.tryLockShared(l, treeId, key, nanosTimeout)
	if res == LockAcquired {
		l.push(l.manager.lockFor(treeId, key), false)
	}
	return res, err
}

// LockUpgradable acquires an upgradable lock on (treeId, key).
func (l *Locker) LockUpgradable(treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	res, err := l.manager.tryLockUpgradable(l, treeId, key, nanosTimeout)
	if res == LockAcquired {
		l.push(l.manager.lockFor(treeId, key), false)
	}
	return res, err
}

// LockExclusive acquires an exclusive lock on (treeId, key). An
// upgradable hold is upgraded and recorded with the upgrade bit.
func (l *Locker) LockExclusive(treeId uint64, key []byte, nanosTimeout int64) (LockResult, error) {
	res, err := l.manager.tryLockExclusive(l, treeId, key, nanosTimeout)
	switch res {
	case LockAcquired:
		l.push(l.manager.lockFor(treeId, key), false)
	case LockUpgraded:
		l.push(l.manager.lockFor(treeId, key), true)
	}
	return res, err
}

// lockFor relocates the lock record after an acquisition; the record
// cannot vanish while held.
func (m *LockManager) lockFor(treeId uint64, key []byte) *Lock {
	hash := keyHash(treeId, key)
	b := m.bucket(hash)
	b.latch.AcquireShared()
	lk := b.find(treeId, key, hash)
	b.latch.ReleaseShared()
	return lk
}

// unlockLast releases the most recently acquired lock. When the tail is
// an upgrade entry, the lock is downgraded back to upgradable instead of
// released.
func (l *Locker) unlockLast() {
	b := l.block
	if b == nil || len(b.locks) == 0 {
		return
	}
	n := len(b.locks) - 1
	lk := b.locks[n]
	upgrade := b.upgrades&(1<<uint(n)) != 0
	b.locks = b.locks[:n]
	b.upgrades &^= 1 << uint(n)
	if len(b.locks) == 0 {
		l.block = b.prev
	}
	if upgrade {
		l.manager.downgradeToUpgradable(l, lk)
	} else {
		l.manager.unlock(l, lk)
	}
}

// unlockToSavepoint releases every lock acquired after sp, downgrading
// upgrade entries instead of releasing them.
func (l *Locker) unlockToSavepoint(sp lockSavepoint) {
	for l.block != nil {
		b := l.block
		limit := 0
		if b == sp.block {
			limit = sp.size
		}
		for len(b.locks) > limit {
			n := len(b.locks) - 1
			lk := b.locks[n]
			upgrade := b.upgrades&(1<<uint(n)) != 0
			b.locks = b.locks[:n]
			b.upgrades &^= 1 << uint(n)
			if upgrade {
				l.manager.downgradeToUpgradable(l, lk)
			} else {
				l.manager.unlock(l, lk)
			}
		}
		if b == sp.block {
			return
		}
		l.block = b.prev
	}
}

// unlockAll releases everything the locker holds.
func (l *Locker) unlockAll() {
	l.unlockToSavepoint(lockSavepoint{})
	l.ghosts = nil
}

// addGhost records a transactionally deleted key for the commit reap.
func (l *Locker) addGhost(tree *Tree, key []byte) {
	l.ghosts = append(l.ghosts, ghostRef{tree: tree, key: key, hash: keyHash(tree.id, key)})
	l.manager.setGhost(tree.id, key)
}

// reapGhosts physically deletes every ghosted entry. Called during
// commit while the locks are still held, so no other transaction can
// observe the slots in between.
func (l *Locker) reapGhosts() {
	for _, g := range l.ghosts {
		g.tree.deleteGhost(g.key)
	}
	l.ghosts = nil
}

// discardGhosts forgets the ghost set without reaping. Rollback restores
// the slots from the undo log instead.
func (l *Locker) discardGhosts() {
	l.ghosts = nil
}
