package treedb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's prometheus collectors. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	pageCacheHits      prometheus.Counter
	pageCacheMisses    prometheus.Counter
	pageCacheEvictions prometheus.Counter

	nodeEvictions prometheus.Counter
	nodeLoads     prometheus.Counter

	txnCommits   prometheus.Counter
	txnRollbacks prometheus.Counter

	redoBytes prometheus.Counter
	redoSyncs prometheus.Counter

	checkpointSeconds prometheus.Histogram

	dirtyNodes prometheus.Gauge
}

// NewMetrics builds the collector set and registers it on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pageCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "pagecache", Name: "hits_total",
			Help: "Primary page cache hits.",
		}),
		pageCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "pagecache", Name: "misses_total",
			Help: "Primary page cache misses.",
		}),
		pageCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "pagecache", Name: "evictions_total",
			Help: "Pages evicted from the primary page cache.",
		}),
		nodeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "nodes", Name: "evictions_total",
			Help: "Tree nodes evicted from the node pool.",
		}),
		nodeLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "nodes", Name: "loads_total",
			Help: "Tree nodes loaded from the page array.",
		}),
		txnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "txn", Name: "commits_total",
			Help: "Committed transactions.",
		}),
		txnRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "txn", Name: "rollbacks_total",
			Help: "Rolled back transactions.",
		}),
		redoBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "redo", Name: "bytes_total",
			Help: "Bytes appended to the redo log.",
		}),
		redoSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treedb", Subsystem: "redo", Name: "syncs_total",
			Help: "Redo log sync operations.",
		}),
		checkpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "treedb", Subsystem: "checkpoint", Name: "duration_seconds",
			Help:    "Checkpoint durations.",
			Buckets: prometheus.DefBuckets,
		}),
		dirtyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treedb", Subsystem: "nodes", Name: "dirty",
			Help: "Nodes currently dirty.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pageCacheHits, m.pageCacheMisses, m.pageCacheEvictions,
			m.nodeEvictions, m.nodeLoads,
			m.txnCommits, m.txnRollbacks,
			m.redoBytes, m.redoSyncs,
			m.checkpointSeconds, m.dirtyNodes,
		)
	}
	return m
}
