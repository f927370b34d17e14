package treedb

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrDatabaseFull is returned when page allocation is exhausted and
	// the capacity limit was not overridden.
	ErrDatabaseFull = errors.New("database full")

	// ErrClosedIndex is returned by mutations against a tree whose root
	// has been replaced by the empty-tree sentinel.
	ErrClosedIndex = errors.New("index closed")

	// ErrUnmodifiable is returned when a redo write is attempted in a
	// role that forbids it.
	ErrUnmodifiable = errors.New("replica not modifiable")

	// ErrKeyTooLarge is returned when an unfragmentable key exceeds the
	// tree maximum.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrEntryTooLarge is returned when an entry exceeds the maximum and
	// no fragment store is configured.
	ErrEntryTooLarge = errors.New("entry too large")

	// ErrCursorUnpositioned is returned by value operations on a cursor
	// that is not positioned at an entry.
	ErrCursorUnpositioned = errors.New("cursor not positioned")
)

// CorruptError reports an invariant violation detected while reading a
// page.
type CorruptError struct {
	PageId uint64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt database: page %d: %s", e.PageId, e.Reason)
}

func corruptf(pageId uint64, format string, args ...interface{}) error {
	return &CorruptError{PageId: pageId, Reason: fmt.Sprintf(format, args...)}
}

// WriteFailureError wraps an I/O error reported by the page array.
type WriteFailureError struct {
	PageId uint64
	Cause  error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("write failure: page %d: %v", e.PageId, e.Cause)
}

func (e *WriteFailureError) Unwrap() error { return e.Cause }

// InvalidTransactionError reports an operation on a borked or bogus
// transaction. Cause holds the failure that borked it, if any.
type InvalidTransactionError struct {
	Cause error
}

func (e *InvalidTransactionError) Error() string {
	if e.Cause == nil {
		return "invalid transaction"
	}
	return fmt.Sprintf("invalid transaction: %v", e.Cause)
}

func (e *InvalidTransactionError) Unwrap() error { return e.Cause }

// LockFailureKind discriminates LockFailureError values.
type LockFailureKind int

const (
	LockFailureTimedOut LockFailureKind = iota
	LockFailureInterrupted
	LockFailureIllegalUpgrade
	LockFailureDeadlock
)

func (k LockFailureKind) String() string {
	switch k {
	case LockFailureTimedOut:
		return "timed out"
	case LockFailureInterrupted:
		return "interrupted"
	case LockFailureIllegalUpgrade:
		return "illegal upgrade"
	case LockFailureDeadlock:
		return "deadlock"
	}
	return "unknown"
}

// LockFailureError reports a failed lock acquisition.
type LockFailureError struct {
	Kind    LockFailureKind
	TreeId  uint64
	Key     []byte
	Timeout int64 // nanoseconds requested
}

func (e *LockFailureError) Error() string {
	return fmt.Sprintf("lock acquisition %s: index %d", e.Kind, e.TreeId)
}

// DeadlockError is a LockFailureError whose wait-for walk found a cycle.
type DeadlockError struct {
	LockFailureError
	// Guilty reports whether the receiver is the locker chosen to back
	// out of the cycle.
	Guilty bool
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected: index %d", e.TreeId)
}
