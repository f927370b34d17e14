package array

import (
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/pkg/errors"

	"github.com/ryogrid/treedb-go-for-embedding/interfaces"
)

// MemPageArray keeps pages in an in-memory file. It backs temporary
// databases and tests; Snapshot and Restore give crash simulations a
// handle on exactly the pages that were "durable" at a sync point.
type MemPageArray struct {
	pageSize uint32

	mu        sync.RWMutex
	file      *memfile.File
	pageCount uint64

	// synced mirrors the bytes as of the last Sync call.
	synced []byte
}

var _ interfaces.PageArray = (*MemPageArray)(nil)

// NewMem creates an empty memory page array.
func NewMem(pageSize uint32) *MemPageArray {
	return &MemPageArray{
		pageSize: pageSize,
		file:     memfile.New(nil),
	}
}

func (a *MemPageArray) PageSize() uint32 { return a.pageSize }

func (a *MemPageArray) PageCount() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pageCount, nil
}

func (a *MemPageArray) SetPageCount(count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Truncate(int64(count) * int64(a.pageSize)); err != nil {
		return errors.Wrap(err, "resize memory pages")
	}
	a.pageCount = count
	return nil
}

func (a *MemPageArray) ReadPage(index uint64, buf []byte, offset, length int) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	off := int64(index) * int64(a.pageSize)
	if _, err := a.file.ReadAt(buf[offset:offset+length], off); err != nil {
		return errors.Wrapf(err, "read page %d", index)
	}
	return nil
}

func (a *MemPageArray) WritePage(index uint64, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := int64(index) * int64(a.pageSize)
	if _, err := a.file.WriteAt(buf[:a.pageSize], off); err != nil {
		return errors.Wrapf(err, "write page %d", index)
	}
	return nil
}

func (a *MemPageArray) Sync(metadata bool) error {
	_ = metadata
	a.mu.Lock()
	defer a.mu.Unlock()
	data := a.file.Bytes()
	a.synced = append(a.synced[:0], data...)
	return nil
}

func (a *MemPageArray) Close() error { return nil }

// Snapshot returns a copy of the bytes as of the last Sync, simulating
// what a crash would leave on disk.
func (a *MemPageArray) Snapshot() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]byte, len(a.synced))
	copy(out, a.synced)
	return out
}

// RestoreFromSnapshot builds a new array holding exactly the snapshot's
// pages.
func RestoreFromSnapshot(pageSize uint32, snapshot []byte) *MemPageArray {
	a := &MemPageArray{
		pageSize: pageSize,
		file:     memfile.New(append([]byte(nil), snapshot...)),
	}
	a.pageCount = uint64(len(snapshot)) / uint64(pageSize)
	a.synced = append([]byte(nil), snapshot...)
	return a
}
