package interfaces

// PageCache is the optional secondary cache evicted-but-clean pages are
// offered to. It may drop anything at any time.
type PageCache interface {
	// CachePage offers a clean evicted page for later retrieval.
	CachePage(id uint64, page []byte)

	// EvictPage removes the cached copy of id, copying it into page.
	// Returns false when id is not cached; page is then untouched.
	EvictPage(id uint64, page []byte) bool

	Close()
}
