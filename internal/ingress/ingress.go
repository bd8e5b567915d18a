// Package ingress implements the root entry point for every write against
// a dictionary: stamping a message with the next MSN, buffering it into
// the root node, and triggering whatever reactive fixup (split or a
// first flush) the root's new size demands.
package ingress

import (
	"context"
	"sync/atomic"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

// MsnGenerator hands out a strictly increasing sequence of MSNs, one per
// call, shared by every writer against one dictionary.
type MsnGenerator struct {
	counter atomic.Uint64
}

// Next returns the next MSN, starting from 1 (0 is base.NoneMSN).
func (g *MsnGenerator) Next() base.MSN {
	return base.MSN(g.counter.Add(1))
}

// Current returns the most recently assigned MSN without consuming a new
// one, used by checkpoint to snapshot the high-water mark.
func (g *MsnGenerator) Current() base.MSN {
	return base.MSN(g.counter.Load())
}

// Fixup is invoked after a root ingress leaves the root gorged (above its
// size or fanout threshold); it performs whatever reshape or flush the
// tree needs and returns the (possibly new) root block number.
type Fixup func(ctx context.Context, rootBlock base.BlockNum) (newRoot base.BlockNum, err error)

// Engine threads the shared MSN generator and cache table through every
// root_put call for one dictionary.
type Engine struct {
	Msn     *MsnGenerator
	Cache   cachecontract.Table
	Fixup   Fixup
	RootRef *base.BlockNum // updated by RootPut with the root Fixup returns
	Update  entry.UpdateFunc
}

// pinRootRetrying pins block nonblocking, falling back to one ordinary
// blocking Pin (to force residency, immediately released) and a further
// nonblocking attempt when it isn't already resident — root ingress only
// ever holds one pin at a time, so there is no ancestor chain to unwind
// the way a multi-level search descent needs.
func (e *Engine) pinRootRetrying(ctx context.Context, block base.BlockNum) (cachecontract.Handle, error) {
	for {
		h, err := e.Cache.PinNonblocking(block, cachecontract.FetchMin)
		if err != cachecontract.ErrTryAgain {
			return h, err
		}
		fh, ferr := e.Cache.Pin(ctx, block, cachecontract.FetchMin)
		if ferr != nil {
			return nil, ferr
		}
		fh.Release()
	}
}

// RootPut implements the eight-step root-ingress algorithm:
//  1. stamp the message with the next MSN
//  2. pin the root
//  3. route to the child partition the message belongs in (or every
//     partition, for a broadcast)
//  4. push the message onto that partition's FIFO (internal root) or
//     apply it directly (single-node/leaf-only root)
//  5. mark the root dirty
//  6. check the root's reactivity
//  7. unpin the root
//  8. if FISSIBLE, hand off to Fixup to split and install a new root
func (e *Engine) RootPut(ctx context.Context, t msg.Type, xids msg.Xids, key, val []byte) error {
	m := msg.New(t, xids, key, val)
	m.MSN = e.Msn.Next()

	root := *e.RootRef
	h, err := e.pinRootRetrying(ctx, root)
	if err != nil {
		return err
	}
	n := h.Node()

	if n.IsLeaf() {
		// A leaf-only root has no FIFO to buffer into: apply the message
		// straight to its single basement partition rather than deferring
		// through an ancestor chain that does not exist.
		bn := n.Partitions[0].Basement
		if t.IsBroadcast() {
			for i := 0; i < bn.Size(); i++ {
				old := bn.Fetch(i)
				next, err := entry.ApplyMessage(old, m, e.Update)
				if err != nil {
					h.Release()
					return err
				}
				if next == nil {
					bn.DeleteAt(i)
					i--
					continue
				}
				bn.SetAt(i, next)
			}
		} else {
			idx, hit := bn.FindZero(key)
			var old *entry.LeafEntry
			if hit {
				old = bn.Fetch(idx)
			}
			next, err := entry.ApplyMessage(old, m, e.Update)
			if err != nil {
				h.Release()
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
		h.MarkDirty()
	} else {
		if t.IsBroadcast() {
			for _, p := range n.Partitions {
				if p.Buffer == nil {
					p.Buffer = &msg.Fifo{}
				}
				p.Buffer.Push(m)
			}
		} else {
			idx := n.WhichChild(key)
			p := n.Partitions[idx]
			if p.Buffer == nil {
				p.Buffer = &msg.Fifo{}
			}
			p.Buffer.Push(m)
		}
		h.MarkDirty()
	}

	reactivity := n.GetReactivity()
	h.Release()

	if reactivity == node.Fissible && e.Fixup != nil {
		newRoot, err := e.Fixup(ctx, root)
		if err != nil {
			return err
		}
		*e.RootRef = newRoot
	}
	return nil
}
