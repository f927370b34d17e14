package treedb

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const testTreeId = 77

func TestLockManager_sharedCompatibility(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()
	key := []byte("k")

	res, err := a.LockShared(testTreeId, key, 0)
	if err != nil || res != LockAcquired {
		t.Fatalf("a.LockShared() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	res, err = b.LockShared(testTreeId, key, 0)
	if err != nil || res != LockAcquired {
		t.Fatalf("b.LockShared() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	res, err = a.LockShared(testTreeId, key, 0)
	if err != nil || res != LockOwnedShared {
		t.Fatalf("repeat a.LockShared() = (%v, %v), want (OWNED_SHARED, nil)", res, err)
	}

	a.unlockAll()
	b.unlockAll()
}

func TestLockManager_illegalUpgrade(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	key := []byte("k")

	if res, err := a.LockShared(testTreeId, key, 0); err != nil || res != LockAcquired {
		t.Fatalf("LockShared() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	res, err := a.LockExclusive(testTreeId, key, 0)
	if res != LockIllegal {
		t.Fatalf("LockExclusive() after shared = %v, want ILLEGAL", res)
	}
	var lf *LockFailureError
	if !errors.As(err, &lf) || lf.Kind != LockFailureIllegalUpgrade {
		t.Errorf("error = %v, want illegal upgrade LockFailureError", err)
	}
	a.unlockAll()
}

func TestLockManager_upgradableToExclusive(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	key := []byte("k")

	if res, _ := a.LockUpgradable(testTreeId, key, 0); res != LockAcquired {
		t.Fatalf("LockUpgradable() = %v, want ACQUIRED", res)
	}
	res, err := a.LockExclusive(testTreeId, key, 0)
	if err != nil || res != LockUpgraded {
		t.Fatalf("LockExclusive() = (%v, %v), want (UPGRADED, nil)", res, err)
	}
	if res, _ := a.LockExclusive(testTreeId, key, 0); res != LockOwnedExclusive {
		t.Errorf("repeat LockExclusive() = %v, want OWNED_EXCLUSIVE", res)
	}
	a.unlockAll()
}

func TestLockManager_timeoutThenAcquire(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()
	key := []byte("conflict")

	if res, _ := a.LockExclusive(testTreeId, key, 0); res != LockAcquired {
		t.Fatalf("a.LockExclusive() = %v, want ACQUIRED", res)
	}

	start := time.Now()
	res, err := b.LockShared(testTreeId, key, int64(50*time.Millisecond))
	elapsed := time.Since(start)
	if res != LockTimedOut {
		t.Fatalf("b.LockShared() = %v, want TIMED_OUT_LOCK", res)
	}
	if err == nil {
		t.Fatalf("b.LockShared() error = nil, want LockFailureError")
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %v, want >= 50ms", elapsed)
	}

	// The conflict clears and the retry succeeds.
	a.unlockAll()
	res, err = b.LockShared(testTreeId, key, int64(50*time.Millisecond))
	if err != nil || res != LockAcquired {
		t.Fatalf("retry b.LockShared() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	b.unlockAll()
}

func TestLockManager_exclusiveBlocksUntilRelease(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()
	key := []byte("handoff")

	if res, _ := a.LockExclusive(testTreeId, key, 0); res != LockAcquired {
		t.Fatalf("a.LockExclusive() = %v, want ACQUIRED", res)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := b.LockExclusive(testTreeId, key, int64(5*time.Second))
		if err != nil || res != LockAcquired {
			t.Errorf("b.LockExclusive() = (%v, %v), want (ACQUIRED, nil)", res, err)
		}
		b.unlockAll()
	}()

	time.Sleep(20 * time.Millisecond)
	a.unlockAll()
	wg.Wait()
}

func TestLockManager_deadlockDetection(t *testing.T) {
	m := NewLockManager()
	t1 := m.NewLocker()
	t2 := m.NewLocker()
	k1 := []byte("k1")
	k2 := []byte("k2")

	if res, _ := t1.LockExclusive(testTreeId, k1, 0); res != LockAcquired {
		t.Fatalf("t1 lock k1 = %v, want ACQUIRED", res)
	}
	if res, _ := t2.LockExclusive(testTreeId, k2, 0); res != LockAcquired {
		t.Fatalf("t2 lock k2 = %v, want ACQUIRED", res)
	}

	type outcome struct {
		res LockResult
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := t1.LockExclusive(testTreeId, k2, int64(time.Second))
		results <- outcome{res, err}
	}()
	go func() {
		defer wg.Done()
		res, err := t2.LockExclusive(testTreeId, k1, int64(time.Second))
		results <- outcome{res, err}
	}()
	wg.Wait()
	close(results)

	deadlocks := 0
	for o := range results {
		var dl *DeadlockError
		if errors.As(o.err, &dl) {
			deadlocks++
		} else if o.res != LockTimedOut {
			t.Errorf("cross acquisition = (%v, %v), want timeout or deadlock", o.res, o.err)
		}
	}
	if deadlocks != 1 {
		t.Fatalf("deadlock errors = %v, want exactly 1", deadlocks)
	}

	// Once t1 releases k1, t2's retry on k1 succeeds.
	t1.unlockAll()
	res, err := t2.LockExclusive(testTreeId, k1, int64(time.Second))
	if err != nil || res != LockAcquired {
		t.Errorf("survivor retry = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	t1.unlockAll()
	t2.unlockAll()
}

func TestLockManager_invariantSharedExcludesExclusive(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()
	key := []byte("inv")

	if res, _ := a.LockShared(testTreeId, key, 0); res != LockAcquired {
		t.Fatalf("a.LockShared() = %v, want ACQUIRED", res)
	}
	// An exclusive request cannot be granted while a shared owner
	// remains; with a zero timeout it must fail immediately.
	res, _ := b.LockExclusive(testTreeId, key, 0)
	if res != LockTimedOut {
		t.Errorf("b.LockExclusive() = %v, want TIMED_OUT_LOCK", res)
	}
	// But an upgradable grant alongside shared owners is legal.
	res, err := b.LockUpgradable(testTreeId, key, 0)
	if err != nil || res != LockAcquired {
		t.Errorf("b.LockUpgradable() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	a.unlockAll()
	b.unlockAll()
}

func TestLocker_scopeUnlock(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()

	sp := a.savepoint()
	for i := 0; i < 20; i++ {
		if res, _ := a.LockExclusive(testTreeId, u64Key(uint64(i)), 0); res != LockAcquired {
			t.Fatalf("LockExclusive(%d) = %v, want ACQUIRED", i, res)
		}
	}
	a.unlockToSavepoint(sp)

	// Everything released: another locker acquires immediately.
	for i := 0; i < 20; i++ {
		if res, _ := b.LockExclusive(testTreeId, u64Key(uint64(i)), 0); res != LockAcquired {
			t.Fatalf("b.LockExclusive(%d) = %v, want ACQUIRED after scope unlock", i, res)
		}
	}
	b.unlockAll()
}

func TestLocker_scopeDowngradesUpgrades(t *testing.T) {
	m := NewLockManager()
	a := m.NewLocker()
	b := m.NewLocker()
	key := []byte("scoped")

	if res, _ := a.LockUpgradable(testTreeId, key, 0); res != LockAcquired {
		t.Fatalf("LockUpgradable() = %v, want ACQUIRED", res)
	}
	sp := a.savepoint()
	if res, _ := a.LockExclusive(testTreeId, key, 0); res != LockUpgraded {
		t.Fatalf("LockExclusive() = %v, want UPGRADED", res)
	}

	// Unwinding the scope downgrades back to upgradable rather than
	// releasing: shared access works, ownership is still held.
	a.unlockToSavepoint(sp)
	if res, err := b.LockShared(testTreeId, key, 0); err != nil || res != LockAcquired {
		t.Errorf("b.LockShared() = (%v, %v), want (ACQUIRED, nil)", res, err)
	}
	if res, _ := b.LockUpgradable(testTreeId, key, 0); res == LockAcquired {
		t.Errorf("b.LockUpgradable() = ACQUIRED, want blocked while a owns")
	}
	a.unlockAll()
	b.unlockAll()
}
