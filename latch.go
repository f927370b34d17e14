package treedb

import (
	"sync"
	"time"
)

// Latch is the one-writer/many-reader primitive every in-memory structure
// of the engine is guarded by. It is short-duration by design: holders
// never block on I/O or user callbacks while latched, except through a
// LatchCondition which releases the latch while waiting.
//
// Fairness follows the blink-tree latch discipline: once an exclusive
// acquirer is pending, new shared acquirers queue behind it so writers
// cannot starve.
//
// The zero value is an unheld latch.
type Latch struct {
	mu sync.Mutex

	// state is -1 when held exclusively, otherwise the shared count.
	state int

	// pendingX is the count of blocked exclusive acquirers. New shared
	// acquirers wait while it is non-zero.
	pendingX int

	rwait *sync.Cond
	wwait *sync.Cond
}

// initConds is called with mu held.
func (l *Latch) initConds() {
	if l.rwait == nil {
		l.rwait = sync.NewCond(&l.mu)
		l.wwait = sync.NewCond(&l.mu)
	}
}

// AcquireShared blocks until the latch is held shared.
func (l *Latch) AcquireShared() {
	l.mu.Lock()
	l.initConds()
	for l.state < 0 || l.pendingX > 0 {
		l.rwait.Wait()
	}
	l.state++
	l.mu.Unlock()
}

// TryAcquireShared acquires the latch shared only if that cannot block.
func (l *Latch) TryAcquireShared() bool {
	l.mu.Lock()
	if l.state < 0 || l.pendingX > 0 {
		l.mu.Unlock()
		return false
	}
	l.state++
	l.mu.Unlock()
	return true
}

// AcquireExclusive blocks until the latch is held exclusively.
func (l *Latch) AcquireExclusive() {
	l.mu.Lock()
	l.initConds()
	l.pendingX++
	for l.state != 0 {
		l.wwait.Wait()
	}
	l.pendingX--
	l.state = -1
	l.mu.Unlock()
}

// TryAcquireExclusive acquires the latch exclusively only if that cannot
// block.
func (l *Latch) TryAcquireExclusive() bool {
	l.mu.Lock()
	if l.state != 0 {
		l.mu.Unlock()
		return false
	}
	l.state = -1
	l.mu.Unlock()
	return true
}

// TryUpgrade converts a shared hold into an exclusive hold without
// blocking. It succeeds only when the caller is the sole shared holder.
func (l *Latch) TryUpgrade() bool {
	l.mu.Lock()
	if l.state != 1 {
		l.mu.Unlock()
		return false
	}
	l.state = -1
	l.mu.Unlock()
	return true
}

// Downgrade converts an exclusive hold into a shared hold. Never fails.
func (l *Latch) Downgrade() {
	l.mu.Lock()
	l.initConds()
	l.state = 1
	// Readers may proceed alongside us unless a writer is pending.
	l.rwait.Broadcast()
	l.mu.Unlock()
}

// ReleaseShared releases one shared hold.
func (l *Latch) ReleaseShared() {
	l.mu.Lock()
	l.state--
	if l.state == 0 {
		l.wakeLocked()
	}
	l.mu.Unlock()
}

// ReleaseExclusive releases the exclusive hold.
func (l *Latch) ReleaseExclusive() {
	l.mu.Lock()
	l.state = 0
	l.wakeLocked()
	l.mu.Unlock()
}

func (l *Latch) wakeLocked() {
	if l.wwait == nil {
		return
	}
	if l.pendingX > 0 {
		l.wwait.Signal()
	} else {
		l.rwait.Broadcast()
	}
}

// heldExclusive reports whether the latch is currently held exclusively
// by someone. Used only by internal assertions.
func (l *Latch) heldExclusive() bool {
	l.mu.Lock()
	h := l.state < 0
	l.mu.Unlock()
	return h
}

// LatchCondition is a condition queue bound to a latch. Await is called
// with the latch held exclusively; the latch is released while blocked
// and re-acquired exclusively before Await returns. Signal is called with
// the latch held exclusively.
type LatchCondition struct {
	latch   *Latch
	waiters []chan struct{}
}

func NewLatchCondition(latch *Latch) *LatchCondition {
	return &LatchCondition{latch: latch}
}

// Await blocks until signaled or until nanosTimeout elapses. A negative
// timeout means wait forever. Returns false on timeout.
func (c *LatchCondition) Await(nanosTimeout int64) bool {
	w := make(chan struct{})
	l := c.latch

	l.mu.Lock()
	c.waiters = append(c.waiters, w)
	l.state = 0
	l.wakeLocked()
	l.mu.Unlock()

	signaled := true
	if nanosTimeout < 0 {
		<-w
	} else {
		t := time.NewTimer(time.Duration(nanosTimeout))
		select {
		case <-w:
			t.Stop()
		case <-t.C:
			signaled = false
		}
	}

	if !signaled {
		// Unregister, unless a concurrent Signal already consumed the
		// waiter, in which case the signal wins.
		l.mu.Lock()
		found := false
		for i, o := range c.waiters {
			if o == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				found = true
				break
			}
		}
		l.mu.Unlock()
		if !found {
			signaled = true
		}
	}

	l.AcquireExclusive()
	return signaled
}

// Signal wakes the longest waiting Await call, if any.
func (c *LatchCondition) Signal() {
	c.latch.mu.Lock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(w)
	}
	c.latch.mu.Unlock()
}

// SignalAll wakes every waiting Await call.
func (c *LatchCondition) SignalAll() {
	c.latch.mu.Lock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
	c.latch.mu.Unlock()
}

// empty reports whether no Await call is blocked on the condition. The
// caller holds the bound latch exclusively.
func (c *LatchCondition) empty() bool {
	c.latch.mu.Lock()
	e := len(c.waiters) == 0
	c.latch.mu.Unlock()
	return e
}
