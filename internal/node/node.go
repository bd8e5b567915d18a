// Package node implements the buffered repository tree's Node: a
// partitioned B-tree node whose internal partitions hold per-child message
// FIFOs instead of directly mutated children, and whose leaf partitions
// hold basement nodes.
package node

import (
	"bytes"
	"sort"
	"sync"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/basement"
	"github.com/brtdb/brt/internal/msg"
)

// Fanout is the target nonleaf child count; FISSIBLE triggers above it,
// FUSIBLE below a quarter of it.
const Fanout = 16

// PartitionState is the tagged state of one child partition's in-memory
// representation.
type PartitionState uint8

const (
	Invalid PartitionState = iota
	OnDisk
	Compressed
	Available
)

func (s PartitionState) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case OnDisk:
		return "ON_DISK"
	case Compressed:
		return "COMPRESSED"
	case Available:
		return "AVAIL"
	default:
		return "UNKNOWN"
	}
}

// Estimate is a subtree summary used by keyrange/stat64 without a full
// descent; it may be a conservative (inexact) figure after some updates.
type Estimate struct {
	NKeys uint64
	NData uint64
	DSize uint64
	Exact bool
}

// Partition is one child slot of a node: either a leaf's basement or an
// internal node's per-child FIFO, tagged with its cache residency state.
type Partition struct {
	mu    sync.Mutex
	State PartitionState

	// Leaf form (only when the owning Node.Leaf is true).
	Basement *basement.Basement

	// Internal form (only when the owning Node.Leaf is false).
	Buffer *msg.Fifo

	// Compressed/on-disk form: opaque bytes, decompressed lazily by a
	// partial fetch. Nil once the partition reaches Available.
	CompressedBytes []byte
	DiskLen         int // uncompressed length, known even while Compressed/OnDisk

	// Clock hand used by the cache's partial-eviction sweep.
	ClockBit bool
}

// NBytesInBuffer reports the partition's contribution to the node's
// gorged-ness check: a leaf's basement size, or an internal partition's
// buffered-message size.
func (p *Partition) NBytesInBuffer() int {
	switch {
	case p.Basement != nil:
		return p.Basement.DiskSize()
	case p.Buffer != nil:
		return p.Buffer.NBytesInBuffer()
	default:
		return p.DiskLen
	}
}

// Node is one node of the tree: a dictionary is a tree of Nodes.
type Node struct {
	mu sync.RWMutex

	BlockNum base.BlockNum
	FullHash uint64
	Height   uint32 // 0 = leaf
	Leaf     bool

	NodeSizeTarget int // bytes; serialized size above this is FISSIBLE
	Dirty          bool
	LayoutVersion  uint16

	MaxMsnAppliedOnDisk   base.MSN
	MaxMsnAppliedInMemory base.MSN

	Partitions     []*Partition
	Pivots         [][]byte        // len(Partitions) - 1, strictly increasing
	ChildBlockNums []base.BlockNum // block number backing each child partition; len(Partitions)

	Estimates []Estimate // per-child subtree estimate, len(Partitions)
}

// InitEmpty creates a freshly allocated, dirty node with nChildren
// partitions all starting INVALID (never populated).
func InitEmpty(blockNum base.BlockNum, height uint32, nChildren int, nodeSize int) *Node {
	n := &Node{
		BlockNum:       blockNum,
		Height:         height,
		Leaf:           height == 0,
		NodeSizeTarget: nodeSize,
		Dirty:          true,
		LayoutVersion:  CurrentLayoutVersion,
		Partitions:     make([]*Partition, nChildren),
		ChildBlockNums: make([]base.BlockNum, nChildren),
		Estimates:      make([]Estimate, nChildren),
	}
	for i := range n.Partitions {
		n.Partitions[i] = &Partition{State: Invalid}
	}
	if nChildren > 0 {
		n.Pivots = make([][]byte, nChildren-1)
	}
	return n
}

// NewLeaf creates a single-partition leaf node with a ready basement.
func NewLeaf(blockNum base.BlockNum, nodeSize int) *Node {
	n := InitEmpty(blockNum, 0, 1, nodeSize)
	n.Partitions[0].State = Available
	n.Partitions[0].Basement = basement.New()
	n.Partitions[0].Basement.SetSoftCopyUpToDate(true)
	return n
}

// NewInternal creates a single-partition internal node with a ready FIFO.
func NewInternal(blockNum base.BlockNum, height uint32, nodeSize int) *Node {
	n := InitEmpty(blockNum, height, 1, nodeSize)
	n.Partitions[0].State = Available
	n.Partitions[0].Buffer = &msg.Fifo{}
	return n
}

// NChildren returns the number of child partitions.
func (n *Node) NChildren() int { return len(n.Partitions) }

// IsLeaf reports whether this is a leaf node (height 0).
func (n *Node) IsLeaf() bool { return n.Leaf }

// AppendChild extends the node by one partition/pivot pair, used while
// assembling a freshly split or merged node.
func (n *Node) AppendChild(p *Partition, pivotKey []byte, blockNum base.BlockNum) {
	if len(n.Partitions) > 0 {
		n.Pivots = append(n.Pivots, pivotKey)
	}
	n.Partitions = append(n.Partitions, p)
	n.ChildBlockNums = append(n.ChildBlockNums, blockNum)
	n.Estimates = append(n.Estimates, Estimate{})
}

// WhichChild returns the index of the child partition that owns key,
// binary searching the pivot array. It first checks against the last
// pivot to favor right-edge sequential inserts, the common case for
// monotonically increasing keys.
func (n *Node) WhichChild(key []byte) int {
	np := len(n.Pivots)
	if np == 0 {
		return 0
	}
	if bytes.Compare(key, n.Pivots[np-1]) > 0 {
		return np
	}
	idx := sort.Search(np, func(i int) bool {
		return bytes.Compare(key, n.Pivots[i]) <= 0
	})
	return idx
}

// KeyRangeForChild returns the exclusive lower and inclusive upper bound
// pivot keys for child i, or nil where the range is open-ended.
func (n *Node) KeyRangeForChild(i int) (lowerExclusive, upperInclusive []byte) {
	if i > 0 {
		lowerExclusive = n.Pivots[i-1]
	}
	if i < len(n.Pivots) {
		upperInclusive = n.Pivots[i]
	}
	return
}

// Reactivity classifies a node's size against its thresholds.
type Reactivity int

const (
	Stable Reactivity = iota
	Fissible
	Fusible
)

func (r Reactivity) String() string {
	switch r {
	case Stable:
		return "STABLE"
	case Fissible:
		return "FISSIBLE"
	case Fusible:
		return "FUSIBLE"
	default:
		return "UNKNOWN"
	}
}

// GetReactivity classifies the node per §4.D of the node-design spec.
func (n *Node) GetReactivity() Reactivity {
	if n.Leaf {
		// A leaf always has exactly one partition (its single basement); its
		// FISSIBLE check is purely a function of serialized size, but
		// FUSIBLE additionally requires the basement not be mid a
		// sustained right-edge insertion streak, so a leaf being actively
		// appended to isn't shrunk out from under the writer driving it.
		if n.SerializedSizeEstimate() > n.NodeSizeTarget {
			return Fissible
		}
		bn := n.Partitions[0].Basement
		if n.SerializedSizeEstimate()*4 < n.NodeSizeTarget && (bn == nil || !bn.SeqInsertActive()) {
			return Fusible
		}
		return Stable
	}
	nc := n.NChildren()
	if nc > Fanout {
		return Fissible
	}
	if nc*4 < Fanout {
		return Fusible
	}
	return Stable
}

// SerializedSizeEstimate sums the on-disk footprint of every AVAIL
// partition plus known on-disk lengths for evicted ones, approximating
// the node's serialized size without forcing a full fetch.
func (n *Node) SerializedSizeEstimate() int {
	size := HeaderSize + len(n.Pivots)*4
	for _, pivot := range n.Pivots {
		size += len(pivot)
	}
	for _, p := range n.Partitions {
		switch p.State {
		case Available:
			size += p.NBytesInBuffer()
		default:
			size += p.DiskLen
		}
	}
	return size
}

// MemorySize approximates the bytes this node attributes to the cache,
// summing header overhead and each partition's in-memory cost.
func (n *Node) MemorySize() int {
	size := 256 // header + slice overhead, approximate
	for _, pivot := range n.Pivots {
		size += len(pivot) + 16
	}
	for _, p := range n.Partitions {
		switch p.State {
		case Available:
			size += p.NBytesInBuffer() + 64
		case Compressed:
			size += len(p.CompressedBytes) + 32
		default:
			size += 16
		}
	}
	return size
}

// Lock/Unlock/RLock/RUnlock expose the node's own mutex: the cache holds
// a pin (refcount) but mutation of partition contents must additionally
// serialize against concurrent search descents into the same node.
func (n *Node) Lock()    { n.mu.Lock() }
func (n *Node) Unlock()  { n.mu.Unlock() }
func (n *Node) RLock()   { n.mu.RLock() }
func (n *Node) RUnlock() { n.mu.RUnlock() }
