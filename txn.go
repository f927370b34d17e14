package treedb

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// errBogus marks the bogus transaction: operations run through it fail
// with InvalidTransactionError, while Commit, Exit and Reset on it are
// no-ops.
var errBogus = errors.New("bogus")

// txnScope captures the state a nested scope must restore on exit.
type txnScope struct {
	undoSP      undoSavepoint
	lockSP      lockSavepoint
	durability  DurabilityMode
	lockTimeout time.Duration
	hasCommit   bool
}

// Transaction composes the locker, the undo log, and the redo stream
// into atomic multi-key commits with nested scopes. A Transaction is
// not safe for concurrent use.
type Transaction struct {
	db *Database

	// id stays zero until the first durable action assigns one.
	id uint64

	durability  DurabilityMode
	lockTimeout time.Duration

	lkr  *Locker
	undo *UndoLog

	// scopes holds the parent scope stack; empty means top scope.
	scopes []txnScope

	// hasCommit is set once redo has seen this transaction, so commit
	// and rollback records are only emitted when something happened.
	hasCommit bool

	// hasTrash is set when fragmented values were moved to the trash
	// and the commit must sweep them.
	hasTrash bool

	// borked is nil for a healthy transaction, errBogus for the bogus
	// sentinel, or the failure that poisoned the transaction.
	borked error
}

// NewTransaction begins a transaction in the database's default
// durability mode.
func (db *Database) NewTransaction() *Transaction {
	return db.NewTransactionMode(db.durability)
}

// NewTransactionMode begins a transaction with an explicit durability
// mode.
func (db *Database) NewTransactionMode(mode DurabilityMode) *Transaction {
	return &Transaction{
		db:          db,
		durability:  mode,
		lockTimeout: db.lockTimeout,
		lkr:         db.lockManager.NewLocker(),
	}
}

// Bogus returns the database's bogus transaction: a sentinel whose
// operations fail with InvalidTransactionError.
func (db *Database) Bogus() *Transaction {
	return db.bogusTxn
}

func (txn *Transaction) isBogus() bool { return txn.borked == errBogus }

// check refuses operations on a poisoned or bogus transaction.
func (txn *Transaction) check() error {
	if txn.borked != nil {
		return &InvalidTransactionError{Cause: txn.borked}
	}
	return nil
}

// Id returns the assigned transaction id, zero before the first durable
// action.
func (txn *Transaction) Id() uint64 { return txn.id }

// SetDurability changes the durability mode for subsequent commits in
// the current scope.
func (txn *Transaction) SetDurability(mode DurabilityMode) { txn.durability = mode }

// SetLockTimeout changes the lock acquisition timeout for the current
// scope.
func (txn *Transaction) SetLockTimeout(d time.Duration) { txn.lockTimeout = d }

// LockTimeout returns the current scope's lock timeout.
func (txn *Transaction) LockTimeout() time.Duration { return txn.lockTimeout }

func (txn *Transaction) locker() *Locker { return txn.lkr }

// lockKeyShared takes a shared lock on (tree, key) in this
// transaction's scope.
func (txn *Transaction) lockKeyShared(t *Tree, key []byte) (LockResult, error) {
	return txn.lkr.LockShared(t.id, key, int64(txn.lockTimeout))
}

// lockKeyUpgradable takes an upgradable lock on (tree, key).
func (txn *Transaction) lockKeyUpgradable(t *Tree, key []byte) (LockResult, error) {
	return txn.lkr.LockUpgradable(t.id, key, int64(txn.lockTimeout))
}

// lockKeyExclusive takes an exclusive lock on (tree, key).
func (txn *Transaction) lockKeyExclusive(t *Tree, key []byte) (LockResult, error) {
	return txn.lkr.LockExclusive(t.id, key, int64(txn.lockTimeout))
}

// ensureId assigns the transaction id and undo log on first use.
func (txn *Transaction) ensureId() {
	if txn.id == 0 {
		txn.id = txn.db.nextTxnId()
		txn.undo = newUndoLog(txn.db, txn.id)
	}
}

func (txn *Transaction) pushUndoInsert(treeId uint64, key []byte) error {
	txn.ensureId()
	return txn.undo.pushUninsert(treeId, key)
}

func (txn *Transaction) pushUndoUpdate(treeId uint64, key, oldValue []byte) error {
	txn.ensureId()
	return txn.undo.pushUnupdate(treeId, key, oldValue)
}

func (txn *Transaction) pushUndoDelete(treeId uint64, key, oldValue []byte) error {
	txn.ensureId()
	return txn.undo.pushUndelete(treeId, key, oldValue)
}

// PushCustomUndo records an opaque undo payload handled by the
// database's custom undo handler on rollback.
func (txn *Transaction) PushCustomUndo(payload []byte) error {
	if err := txn.check(); err != nil {
		return err
	}
	txn.ensureId()
	return txn.undo.pushCustom(payload)
}

// redoStore emits the transactional store record, entering the
// transaction into the stream on first contact.
func (txn *Transaction) redoStore(t *Tree, key, value []byte) error {
	if txn.durability == DurabilityNoRedo || t.temporary {
		return nil
	}
	w := txn.db.redo
	if w == nil {
		return nil
	}
	if txn.db.readOnly {
		return ErrUnmodifiable
	}
	if err := txn.redoEnter(w); err != nil {
		return err
	}
	return w.TxnStore(txn.id, t.id, key, value)
}

func (txn *Transaction) redoDelete(t *Tree, key []byte) error {
	if txn.durability == DurabilityNoRedo || t.temporary {
		return nil
	}
	w := txn.db.redo
	if w == nil {
		return nil
	}
	if txn.db.readOnly {
		return ErrUnmodifiable
	}
	if err := txn.redoEnter(w); err != nil {
		return err
	}
	return w.TxnDelete(txn.id, t.id, key)
}

func (txn *Transaction) redoEnter(w *RedoWriter) error {
	if txn.hasCommit {
		return nil
	}
	txn.hasCommit = true
	return w.TxnEnter(txn.id)
}

// Enter begins a nested scope. Commit of a nested scope promotes its
// locks to the parent; exit rolls back to the scope's savepoints.
func (txn *Transaction) Enter() error {
	if err := txn.check(); err != nil {
		return err
	}
	sp := txnScope{
		lockSP:      txn.lkr.savepoint(),
		durability:  txn.durability,
		lockTimeout: txn.lockTimeout,
		hasCommit:   txn.hasCommit,
	}
	if txn.undo != nil {
		sp.undoSP = txn.undo.savepoint()
	}
	txn.scopes = append(txn.scopes, sp)
	return nil
}

// Commit commits the current scope. The top scope's commit finalizes
// the redo record under the commit lock and truncates the undo log.
func (txn *Transaction) Commit() error {
	if txn.isBogus() {
		return nil
	}
	if err := txn.check(); err != nil {
		return err
	}

	if len(txn.scopes) > 0 {
		// Nested commit: scoped redo record; locks promote by simply
		// dropping the scope boundary.
		if txn.hasCommit && txn.db.redo != nil {
			if err := txn.db.redo.TxnCommit(txn.id); err != nil {
				return err
			}
		}
		txn.scopes = txn.scopes[:len(txn.scopes)-1]
		return nil
	}

	db := txn.db
	db.commitLatch.AcquireShared()

	var commitPos int64
	var err error
	if txn.id != 0 {
		// The undo COMMIT marker and the redo commit record go out
		// together under the commit lock, so a checkpoint observing
		// one observes both.
		if txn.undo != nil {
			if err = txn.undo.pushCommit(); err != nil {
				db.commitLatch.ReleaseShared()
				return txn.bork(err)
			}
		}
		if txn.hasCommit && db.redo != nil {
			if err = db.redo.TxnCommitFinal(txn.id); err != nil {
				db.commitLatch.ReleaseShared()
				return txn.bork(err)
			}
		}
	}
	db.commitLatch.ReleaseShared()

	if txn.id != 0 && txn.hasCommit && db.redo != nil {
		commitPos, err = db.redo.CommitFlush(txn.durability)
		if err != nil {
			return txn.bork(err)
		}
		if txn.durability == DurabilityNoSync {
			db.addPendingCommit(txn.id, commitPos)
		}
	}

	// Sweep trashed fragment chains now that the commit is durable.
	if txn.hasTrash && db.fragmentStore != nil {
		if serr := db.fragmentStore.SweepTrash(txn.id); serr != nil {
			db.logger.Warn("fragment trash sweep failed", zap.Error(serr))
		}
		txn.hasTrash = false
	}

	// Releasing the locks reaps the ghosts, making transactional
	// deletes physical.
	txn.lkr.reapGhosts()
	txn.lkr.unlockAll()

	if txn.undo != nil {
		txn.undo.truncate()
		txn.undo = nil
	}
	txn.id = 0
	txn.hasCommit = false
	if db.metrics != nil {
		db.metrics.txnCommits.Inc()
	}
	db.maybeCheckpoint()
	return nil
}

// Exit rolls back the current scope. At the top scope the whole
// transaction unwinds and every lock releases. Exit on a borked
// transaction releases locks without touching the undo chain.
func (txn *Transaction) Exit() error {
	if txn.isBogus() {
		return nil
	}

	if txn.borked != nil {
		txn.lkr.discardGhosts()
		txn.lkr.unlockAll()
		txn.scopes = nil
		return nil
	}

	if len(txn.scopes) > 0 {
		sp := txn.scopes[len(txn.scopes)-1]
		txn.scopes = txn.scopes[:len(txn.scopes)-1]
		if txn.undo != nil {
			if err := txn.undo.rollbackTo(sp.undoSP); err != nil {
				return txn.panicRollback(err)
			}
		}
		txn.lkr.unlockToSavepoint(sp.lockSP)
		txn.durability = sp.durability
		txn.lockTimeout = sp.lockTimeout
		return nil
	}

	return txn.rollbackTop()
}

// Reset abandons every scope and rolls the whole transaction back.
func (txn *Transaction) Reset() error {
	if txn.isBogus() {
		return nil
	}
	if txn.borked != nil {
		txn.lkr.discardGhosts()
		txn.lkr.unlockAll()
		txn.scopes = nil
		return nil
	}
	txn.scopes = nil
	return txn.rollbackTop()
}

func (txn *Transaction) rollbackTop() error {
	db := txn.db
	if txn.hasCommit && db.redo != nil {
		_ = db.redo.TxnRollback(txn.id)
	}
	txn.lkr.discardGhosts()
	if txn.undo != nil {
		if err := txn.undo.rollback(); err != nil {
			return txn.panicRollback(err)
		}
		txn.undo.truncate()
		txn.undo = nil
	}
	txn.lkr.unlockAll()
	txn.id = 0
	txn.hasCommit = false
	if db.metrics != nil {
		db.metrics.txnRollbacks.Inc()
	}
	return nil
}

// bork poisons the transaction with its failure cause. Locks are kept;
// only Reset or Exit can run afterward.
func (txn *Transaction) bork(cause error) error {
	txn.borked = cause
	return &InvalidTransactionError{Cause: cause}
}

// panicRollback handles a rollback that itself failed: isolation cannot
// be preserved, so the transaction is borked and the database panics
// closed.
func (txn *Transaction) panicRollback(cause error) error {
	txn.borked = cause
	txn.db.panicClose(cause)
	return &InvalidTransactionError{Cause: cause}
}
