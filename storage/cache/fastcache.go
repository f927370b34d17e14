// Package cache provides the bundled secondary page cache, holding
// clean evicted pages in a fastcache arena the way path-database disk
// layers front their node stores.
package cache

import (
	"github.com/VictoriaMetrics/fastcache"

	"github.com/ryogrid/treedb-go-for-embedding/interfaces"
)

// FastPageCache adapts fastcache to the secondary page cache contract.
type FastPageCache struct {
	inner *fastcache.Cache
}

var _ interfaces.PageCache = (*FastPageCache)(nil)

// NewFast creates a cache bounded to roughly maxBytes.
func NewFast(maxBytes int) *FastPageCache {
	return &FastPageCache{inner: fastcache.New(maxBytes)}
}

func key(id uint64) []byte {
	var k [8]byte
	k[0] = byte(id)
	k[1] = byte(id >> 8)
	k[2] = byte(id >> 16)
	k[3] = byte(id >> 24)
	k[4] = byte(id >> 32)
	k[5] = byte(id >> 40)
	k[6] = byte(id >> 48)
	k[7] = byte(id >> 56)
	return k[:]
}

func (c *FastPageCache) CachePage(id uint64, page []byte) {
	c.inner.Set(key(id), page)
}

func (c *FastPageCache) EvictPage(id uint64, page []byte) bool {
	k := key(id)
	v, ok := c.inner.HasGet(page[:0], k)
	if !ok || len(v) != len(page) {
		return false
	}
	c.inner.Del(k)
	return true
}

func (c *FastPageCache) Close() {
	c.inner.Reset()
}
