package treedb

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ryogrid/treedb-go-for-embedding/interfaces"
)

// DurabilityMode selects what a transaction commit waits for.
type DurabilityMode int

const (
	// DurabilitySync flushes and syncs the redo log before commit
	// returns.
	DurabilitySync DurabilityMode = iota

	// DurabilityNoSync flushes the redo log but does not sync; the
	// commit joins the pending queue and durability is reported by a
	// later Flush or Sync.
	DurabilityNoSync

	// DurabilityNoFlush leaves the commit in the redo writer's buffer.
	DurabilityNoFlush

	// DurabilityNoRedo disables redo recording entirely. Used by
	// temporary trees.
	DurabilityNoRedo
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilitySync:
		return "sync"
	case DurabilityNoSync:
		return "no-sync"
	case DurabilityNoFlush:
		return "no-flush"
	case DurabilityNoRedo:
		return "no-redo"
	}
	return "unknown"
}

// Config carries database open options.
type Config struct {
	// PageSize is the fixed page size in bytes, a power of two in
	// 512..65536. Must match the page array.
	PageSize int

	// CacheBytes sizes the node pool at CacheBytes/PageSize nodes (at
	// least 32). The primary page cache gets a quarter as many slots (at
	// least 16) on top of that.
	CacheBytes int64

	// SecondaryCacheBytes sizes the optional secondary clean-page
	// cache; zero disables it unless SecondaryCache is set explicitly.
	SecondaryCacheBytes int64

	// LockTimeout is the default lock acquisition timeout.
	LockTimeout time.Duration

	// Durability is the default transaction durability mode.
	Durability DurabilityMode

	// MaxKeySize is checked against the key format limit; zero selects
	// the page-size-derived default. Trees do not read it: every tree
	// limits keys by the page-size-derived default.
	MaxKeySize int

	// MaxEntrySize is defaulted when zero (half a page minus
	// bookkeeping). Trees do not read it: every tree limits entries by
	// that page-size-derived default.
	MaxEntrySize int

	// MaxFragmentedEntrySize is defaulted when zero; the engine does not
	// read it, and reconstructed entries are not capped by it.
	MaxFragmentedEntrySize int

	// CheckpointSizeThreshold triggers an automatic checkpoint when the
	// redo log grows past it; zero disables the trigger.
	CheckpointSizeThreshold int64

	// RedoPath names the redo log file. Empty disables redo (all
	// transactions behave as DurabilityNoRedo).
	RedoPath string

	// ReadOnly refuses redo writes; commits proceed on local state
	// only.
	ReadOnly bool

	// SecondaryCache, when set, receives clean evicted pages. When nil
	// and SecondaryCacheBytes is positive, the bundled fastcache-backed
	// implementation is used.
	SecondaryCache interfaces.PageCache

	// FragmentStore, when set, handles keys and values too large to
	// inline in a node.
	FragmentStore interfaces.FragmentStore

	Logger *zap.Logger

	// MetricsRegisterer, when set, gets the engine collectors
	// registered on it.
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig returns the standard configuration, with the redo log
// placed under dir. Empty dir leaves redo disabled.
func DefaultConfig(dir string) *Config {
	cfg := &Config{
		PageSize:    4096,
		CacheBytes:  64 << 20,
		LockTimeout: time.Second,
		Durability:  DurabilitySync,
	}
	if dir != "" {
		cfg.RedoPath = dir + "/redo.log"
	}
	return cfg
}

func (cfg *Config) validate() error {
	ps := cfg.PageSize
	if ps == 0 {
		cfg.PageSize = 4096
		ps = 4096
	}
	if ps < 512 || ps > 65536 || ps&(ps-1) != 0 {
		return errors.Errorf("page size %d not a power of two in 512..65536", ps)
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 64 << 20
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = time.Second
	}
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = defaultMaxKeySize(ps)
	}
	if cfg.MaxKeySize > maxKeyEncoding {
		return errors.Errorf("max key size %d exceeds format limit %d", cfg.MaxKeySize, maxKeyEncoding)
	}
	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = defaultMaxEntrySize(ps)
	}
	if cfg.MaxFragmentedEntrySize == 0 {
		cfg.MaxFragmentedEntrySize = maxValueEncoding
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return nil
}

// defaultMaxKeySize bounds keys so that a node can always hold at least
// two entries with room for bookkeeping.
func defaultMaxKeySize(pageSize int) int {
	max := pageSize/4 - 22
	if max > maxKeyEncoding {
		max = maxKeyEncoding
	}
	return max
}

func defaultMaxEntrySize(pageSize int) int {
	return pageSize/2 - tnHeaderSize - 2
}
