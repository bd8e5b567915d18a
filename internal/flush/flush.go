// Package flush implements the in-line flush engine: it
// picks the heaviest-buffered child of a node and pushes that child's
// messages one level deeper. A flush triggered by root ingress (the
// first flush in a chain) keeps cascading into whichever grandchild,
// great-grandchild, and so on remains gorged, rather than stopping
// after one level.
package flush

import (
	"context"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

// Reshaper lets flush trigger a split/merge fixup on a node that becomes
// reactive as a result of absorbing a flush, without importing the
// reshape package directly.
type Reshaper interface {
	Fixup(ctx context.Context, h cachecontract.Handle, parent cachecontract.Handle, childIdx int) error
}

// Engine threads the cache table, reshape hook, and update callback a
// flush needs to move messages from a parent partition's FIFO into (or through) its
// child node.
type Engine struct {
	Cache    cachecontract.Table
	Reshaper Reshaper
	Update   entry.UpdateFunc
}

// HeaviestChild returns the index of the child partition carrying the
// most buffered bytes, the target of the next flush from n.
func HeaviestChild(n *node.Node) int {
	best, bestBytes := 0, -1
	for i, p := range n.Partitions {
		if p.Buffer == nil {
			continue
		}
		if nb := p.Buffer.NBytesInBuffer(); nb > bestBytes {
			best, bestBytes = i, nb
		}
	}
	return best
}

// FlushOneChild moves every message from parent's child-i FIFO into the
// child's own partitions (leaf basement or internal FIFO). isFirstFlush
// marks the top of a root-triggered flush chain: while true, the call
// keeps cascading into whichever descendant remains gorged (has a
// nonempty heaviest-child FIFO), one level at a time, until it reaches a
// leaf or a descendant that isn't gorged. A flush reached some other way
// (isFirstFlush false) never cascades past its own child.
func (e *Engine) FlushOneChild(ctx context.Context, parentHandle cachecontract.Handle, childIdx int, isFirstFlush bool) error {
	parent := parentHandle.Node()
	pp := parent.Partitions[childIdx]
	if pp.Buffer == nil || pp.Buffer.Len() == 0 {
		return nil
	}

	childBlock := blockNumFor(parent, childIdx)
	ch, err := e.Cache.Pin(ctx, childBlock, cachecontract.FetchAll)
	if err != nil {
		return err
	}
	defer ch.Release()
	child := ch.Node()

	msgs := pp.Buffer.DrainAll()
	parentHandle.MarkDirty()

	if child.IsLeaf() {
		if err := applyToLeaf(child, msgs, e.Update); err != nil {
			return err
		}
	} else {
		for _, m := range msgs {
			if m.Type.IsBroadcast() {
				for _, cp := range child.Partitions {
					if cp.Buffer == nil {
						cp.Buffer = &msg.Fifo{}
					}
					cp.Buffer.Push(m)
				}
				continue
			}
			idx := child.WhichChild(m.Key)
			cp := child.Partitions[idx]
			if cp.Buffer == nil {
				cp.Buffer = &msg.Fifo{}
			}
			cp.Buffer.Push(m)
		}
	}
	ch.MarkDirty()

	if isFirstFlush && !child.IsLeaf() {
		next := HeaviestChild(child)
		if child.Partitions[next].Buffer != nil && child.Partitions[next].Buffer.Len() > 0 {
			// Keep cascading (isFirstFlush stays true) as long as the next
			// node down is itself gorged; the recursion bottoms out once it
			// reaches a leaf or a descendant whose heaviest FIFO is empty.
			if err := e.FlushOneChild(ctx, ch, next, isFirstFlush); err != nil {
				return err
			}
		}
	}

	if e.Reshaper != nil {
		if r := child.GetReactivity(); r != node.Stable {
			if err := e.Reshaper.Fixup(ctx, ch, parentHandle, childIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyToLeaf(child *node.Node, msgs []msg.Message, update entry.UpdateFunc) error {
	bn := child.Partitions[0].Basement
	for _, m := range msgs {
		if m.Type.IsBroadcast() {
			for i := 0; i < bn.Size(); i++ {
				old := bn.Fetch(i)
				next, err := entry.ApplyMessage(old, m, update)
				if err != nil {
					return err
				}
				if next == nil {
					bn.DeleteAt(i)
					i--
					continue
				}
				bn.SetAt(i, next)
			}
			continue
		}
		idx, hit := bn.FindZero(m.Key)
		var old *entry.LeafEntry
		if hit {
			old = bn.Fetch(idx)
		}
		next, err := entry.ApplyMessage(old, m, update)
		if err != nil {
			return err
		}
		switch {
		case next == nil && hit:
			bn.DeleteAt(idx)
		case next == nil:
		case hit:
			bn.SetAt(idx, next)
		default:
			bn.InsertAt(idx, next)
		}
	}
	if child.MaxMsnAppliedOnDisk < maxMsn(msgs) {
		child.MaxMsnAppliedOnDisk = maxMsn(msgs)
		child.MaxMsnAppliedInMemory = child.MaxMsnAppliedOnDisk
	}
	return nil
}

func maxMsn(msgs []msg.Message) base.MSN {
	var m base.MSN
	for _, x := range msgs {
		if x.MSN > m {
			m = x.MSN
		}
	}
	return m
}

// blockNumFor resolves child i's block number. A partition in any
// residency state still carries its assigned block number once the tree
// has allocated one; callers that need it before allocation must go
// through the block allocator directly.
func blockNumFor(n *node.Node, i int) base.BlockNum {
	return n.ChildBlockNums[i]
}
