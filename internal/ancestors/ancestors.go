// Package ancestors applies the buffered messages held by a root-to-leaf
// path of internal node partitions onto the leaf basement a reader has
// just pinned, lazily catching the leaf up to the tree's current MSN
// without eagerly flushing on every read.
package ancestors

import (
	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/basement"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

// Frame is one link of the ancestor chain captured during a descent: the
// internal node and the index of the child partition the search took.
type Frame struct {
	Node       *node.Node
	ChildIndex int
}

// Chain is the root-to-parent path leading to a leaf, built up by the
// search/ingress descent as it pins each node in turn.
type Chain []Frame

// Push appends the next frame (called as the descent pins one more level).
func (c Chain) Push(n *node.Node, childIndex int) Chain {
	return append(c, Frame{Node: n, ChildIndex: childIndex})
}

// Apply walks the chain from root to immediate parent, applying every
// buffered message in each ancestor's relevant partition whose MSN is
// greater than leafMaxMsn to bn, then returns the new high-water MSN the
// leaf should record as its MaxMsnAppliedInMemory.
//
// key selects which messages are relevant at each internal level: a
// message applies if it is a broadcast, or if its Key falls within the
// child partition's own key range (it does, definitionally, since the
// descent routed it there) and equals key for point messages, or if key
// is nil (a full leaf catch-up is being performed, e.g. before a split).
func Apply(chain Chain, bn *basement.Basement, leafMaxMsn base.MSN, key []byte, update entry.UpdateFunc) (base.MSN, error) {
	highWater := leafMaxMsn

	for _, frame := range chain {
		p := frame.Node.Partitions[frame.ChildIndex]
		if p.Buffer == nil {
			continue
		}
		for _, m := range p.Buffer.Messages() {
			if m.MSN <= leafMaxMsn {
				continue
			}
			if key != nil && !m.Type.IsBroadcast() && string(m.Key) != string(key) {
				continue
			}
			if err := applyOne(bn, m, update); err != nil {
				return highWater, err
			}
			if m.MSN > highWater {
				highWater = m.MSN
			}
		}
	}
	return highWater, nil
}

// ApplyAll applies every buffered ancestor message above leafMaxMsn to bn
// with no key filter, inserting keys bn does not yet hold; it is used when
// a full leaf must be caught up (e.g. ahead of a split or a checkpoint
// flush) rather than just the one key a point read needs.
func ApplyAll(chain Chain, bn *basement.Basement, leafMaxMsn base.MSN, update entry.UpdateFunc) (base.MSN, error) {
	highWater := leafMaxMsn
	for _, frame := range chain {
		p := frame.Node.Partitions[frame.ChildIndex]
		if p.Buffer == nil {
			continue
		}
		for _, m := range p.Buffer.Messages() {
			if m.MSN <= leafMaxMsn {
				continue
			}
			if err := applyOne(bn, m, update); err != nil {
				return highWater, err
			}
			if m.MSN > highWater {
				highWater = m.MSN
			}
		}
	}
	return highWater, nil
}

func applyOne(bn *basement.Basement, m msg.Message, update entry.UpdateFunc) error {
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
		return nil
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
		// no-op: nothing existed and nothing should be created
	case hit:
		bn.SetAt(idx, next)
	default:
		bn.InsertAt(idx, next)
	}
	return nil
}
