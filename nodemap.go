package treedb

// The node map is the process-wide registry of currently loaded nodes,
// keyed by page id. Lookups vastly outnumber insertions, so the table is
// partitioned and each partition carries its own latch, unlike the
// primary page cache whose single latch is cheaper than partitioning at
// its size.

const nodeMapPartitions = 16 // power of two

type nodeMapPartition struct {
	latch   Latch
	buckets []*Node
}

type nodeMap struct {
	partitions [nodeMapPartitions]nodeMapPartition
	mask       uint64 // bucket mask within a partition
}

func newNodeMap(capacityHint int) *nodeMap {
	perPart := capacityHint / nodeMapPartitions
	size := 16
	for size < perPart {
		size <<= 1
	}
	m := &nodeMap{mask: uint64(size - 1)}
	for i := range m.partitions {
		m.partitions[i].buckets = make([]*Node, size)
	}
	return m
}

func (m *nodeMap) partition(id uint64) *nodeMapPartition {
	return &m.partitions[scramble(id)&(nodeMapPartitions-1)]
}

func (m *nodeMap) bucket(id uint64) uint64 {
	return (scramble(id) >> 4) & m.mask
}

// get returns the live node for id, or nil.
func (m *nodeMap) get(id uint64) *Node {
	p := m.partition(id)
	b := m.bucket(id)
	p.latch.AcquireShared()
	n := p.buckets[b]
	for n != nil && n.id != id {
		n = n.mapNext
	}
	p.latch.ReleaseShared()
	return n
}

// put registers node under its id. Exactly one live node may exist per
// id; a duplicate insert reports the existing node instead.
func (m *nodeMap) put(node *Node) *Node {
	p := m.partition(node.id)
	b := m.bucket(node.id)
	p.latch.AcquireExclusive()
	for n := p.buckets[b]; n != nil; n = n.mapNext {
		if n.id == node.id {
			p.latch.ReleaseExclusive()
			return n
		}
	}
	node.mapNext = p.buckets[b]
	p.buckets[b] = node
	p.latch.ReleaseExclusive()
	return nil
}

// remove unregisters node by identity. A stale entry for the same id
// belonging to a different node is left alone.
func (m *nodeMap) remove(node *Node) {
	p := m.partition(node.id)
	b := m.bucket(node.id)
	p.latch.AcquireExclusive()
	cur := p.buckets[b]
	if cur == node {
		p.buckets[b] = node.mapNext
	} else {
		for cur != nil {
			next := cur.mapNext
			if next == node {
				cur.mapNext = node.mapNext
				break
			}
			cur = next
		}
	}
	node.mapNext = nil
	p.latch.ReleaseExclusive()
}

// forEach visits every registered node. Used by checkpoint and stats;
// the visit runs under the partition's shared latch, so visitors must
// not block on node latches.
func (m *nodeMap) forEach(visit func(*Node)) {
	for i := range m.partitions {
		p := &m.partitions[i]
		p.latch.AcquireShared()
		for _, head := range p.buckets {
			for n := head; n != nil; n = n.mapNext {
				visit(n)
			}
		}
		p.latch.ReleaseShared()
	}
}
