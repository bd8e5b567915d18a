// Package search implements bounded point-lookup descent and a cursor
// over a dictionary: root-to-leaf pinning with ancestor message
// application on arrival, and TRY_AGAIN-based retry for non-blocking
// callers.
package search

import (
	"context"
	"errors"

	"github.com/brtdb/brt/internal/ancestors"
	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/node"
)

// ErrNotFound indicates the key does not exist in the dictionary as of
// the searching transaction's snapshot.
var ErrNotFound = errors.New("search: key not found")

// ErrFoundButRejected indicates the key exists on disk but the latest
// value visible under the searcher's snapshot is a delete.
var ErrFoundButRejected = errors.New("search: found but rejected (deleted)")

// Engine threads the cache table, root reference, and MVCC snapshot
// predicate through every descent.
type Engine struct {
	Cache    cachecontract.Table
	RootRef  *base.BlockNum
	Snapshot entry.SnapshotContext
	Update   entry.UpdateFunc
}

// descend performs a root-to-leaf pin chain for key (or the leftmost leaf
// if key is nil) using nonblocking pins throughout. Whenever a pin along
// the way comes back ErrTryAgain, every ancestor handle acquired so far
// is released (the Unlockers stack unwinding completely, per §4.G/§4.J),
// the missing block is forced resident with one ordinary blocking Pin and
// released again, and the whole descent restarts from the root — so a
// reader never blocks while holding another node pinned, at the cost of
// at most one extra fetch per retry.
func (e *Engine) descend(ctx context.Context, key []byte) (ancestors.Chain, []cachecontract.Handle, error) {
retry:
	for {
		var chain ancestors.Chain
		var handles []cachecontract.Handle
		block := *e.RootRef
		for {
			h, err := e.Cache.PinNonblocking(block, cachecontract.FetchMin)
			if err == cachecontract.ErrTryAgain {
				releaseAll(handles)
				if ferr := e.forcePin(ctx, block); ferr != nil {
					return ancestors.Chain{}, nil, ferr
				}
				continue retry
			}
			if err != nil {
				releaseAll(handles)
				return ancestors.Chain{}, nil, err
			}
			handles = append(handles, h)
			n := h.Node()
			if n.IsLeaf() {
				return chain, handles, nil
			}

			idx := 0
			if key != nil {
				idx = n.WhichChild(key)
			}
			chain = chain.Push(n, idx)
			block = n.ChildBlockNums[idx]
		}
	}
}

// forcePin blocks until block is resident via the ordinary blocking Pin,
// then releases it immediately: its purpose is only to make the next
// nonblocking attempt succeed, not to hold a reference across the retry.
func (e *Engine) forcePin(ctx context.Context, block base.BlockNum) error {
	h, err := e.Cache.Pin(ctx, block, cachecontract.FetchMin)
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

func releaseAll(handles []cachecontract.Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Release()
	}
}

// pinRetrying pins block nonblocking, falling back to one blocking Pin
// (to force residency) and a further nonblocking attempt when the block
// isn't already resident. Unlike descend, no ancestor chain needs
// unwinding here: callers using pinRetrying hold at most one handle at a
// time.
func (e *Engine) pinRetrying(ctx context.Context, block base.BlockNum, extra cachecontract.FetchExtra) (cachecontract.Handle, error) {
	for {
		h, err := e.Cache.PinNonblocking(block, extra)
		if err != cachecontract.ErrTryAgain {
			return h, err
		}
		if ferr := e.forcePin(ctx, block); ferr != nil {
			return nil, ferr
		}
	}
}

// Lookup performs a bounded root-to-leaf descent for key, applying any
// buffered ancestor messages relevant to it before returning its value.
func (e *Engine) Lookup(ctx context.Context, key []byte) ([]byte, error) {
	chain, handles, err := e.descend(ctx, key)
	if err != nil {
		return nil, err
	}
	defer releaseAll(handles)

	n := handles[len(handles)-1].Node()
	bn := n.Partitions[0].Basement
	if !bn.SoftCopyUpToDate() {
		hw, err := ancestors.ApplyAll(chain, bn, n.MaxMsnAppliedOnDisk, e.Update)
		if err != nil {
			return nil, err
		}
		n.MaxMsnAppliedInMemory = hw
		bn.SetSoftCopyUpToDate(true)
	} else {
		hw, err := ancestors.Apply(chain, bn, n.MaxMsnAppliedInMemory, key, e.Update)
		if err != nil {
			return nil, err
		}
		n.MaxMsnAppliedInMemory = hw
	}

	idx, hit := bn.FindZero(key)
	if !hit {
		return nil, ErrNotFound
	}
	le := bn.Fetch(idx)
	val, _ := le.LatestValAndLen(e.Snapshot)
	if le.LatestIsDel(e.Snapshot) {
		return nil, ErrFoundButRejected
	}
	return val, nil
}

// Cursor walks one leaf's basement forward in key order. It does not
// cross into a neighboring leaf: Next reports ErrNotFound once the leaf
// it was opened on is exhausted.
type Cursor struct {
	e          *Engine
	chain      ancestors.Chain
	handles    []cachecontract.Handle
	leafHandle cachecontract.Handle
	pos        int
	pivotBound []byte // the leaf's last pivot at open time; Next does not consult it
}

// NewCursor descends to the leaf owning key (or the leftmost leaf if key
// is nil) and positions the cursor at the first entry >= key.
func (e *Engine) NewCursor(ctx context.Context, key []byte) (*Cursor, error) {
	chain, handles, err := e.descend(ctx, key)
	if err != nil {
		return nil, err
	}

	h := handles[len(handles)-1]
	n := h.Node()
	bn := n.Partitions[0].Basement
	hw, err := ancestors.ApplyAll(chain, bn, n.MaxMsnAppliedOnDisk, e.Update)
	if err != nil {
		releaseAll(handles)
		return nil, err
	}
	n.MaxMsnAppliedInMemory = hw
	bn.SetSoftCopyUpToDate(true)

	pos := 0
	if key != nil {
		idx, _ := bn.FindZero(key)
		pos = idx
	}
	var bound []byte
	if len(n.Pivots) > 0 {
		bound = n.Pivots[len(n.Pivots)-1]
	}
	return &Cursor{e: e, chain: chain, handles: handles[:len(handles)-1], leafHandle: h, pos: pos, pivotBound: bound}, nil
}

// Next returns the current entry and advances, or ErrNotFound at the end
// of the current leaf.
func (c *Cursor) Next(ctx context.Context) ([]byte, []byte, error) {
	n := c.leafHandle.Node()
	bn := n.Partitions[0].Basement
	if c.pos >= bn.Size() {
		return nil, nil, ErrNotFound
	}
	le := bn.Fetch(c.pos)
	key := append([]byte(nil), le.Key...)
	val, _ := le.LatestValAndLen(c.e.Snapshot)
	c.pos++
	return key, val, nil
}

// Close releases every handle the cursor is holding.
func (c *Cursor) Close() {
	c.leafHandle.Release()
	for i := len(c.handles) - 1; i >= 0; i-- {
		c.handles[i].Release()
	}
}

// KeyRange estimates how many keys are less than, equal to, and greater
// than key by descending and summing sibling subtree estimates, per the keyrange
// operation's "best effort, not exact" contract.
func (e *Engine) KeyRange(ctx context.Context, key []byte) (lessThan, equal, greaterThan node.Estimate, err error) {
	block := *e.RootRef
	var total node.Estimate
	var before node.Estimate

	for {
		h, perr := e.pinRetrying(ctx, block, cachecontract.FetchMin)
		if perr != nil {
			return node.Estimate{}, node.Estimate{}, node.Estimate{}, perr
		}
		n := h.Node()

		if n.IsLeaf() {
			bn := n.Partitions[0].Basement
			idx, hit := bn.FindZero(key)
			for i := 0; i < idx; i++ {
				le := bn.Fetch(i)
				if !le.LatestIsDel(e.Snapshot) {
					before.NKeys++
				}
			}
			if hit && !bn.Fetch(idx).LatestIsDel(e.Snapshot) {
				equal.NKeys = 1
			}
			for i := 0; i < bn.Size(); i++ {
				if !bn.Fetch(i).LatestIsDel(e.Snapshot) {
					total.NKeys++
				}
			}
			h.Release()
			greaterThan.NKeys = total.NKeys - before.NKeys - equal.NKeys
			return before, equal, greaterThan, nil
		}

		idx := n.WhichChild(key)
		for i := 0; i < idx; i++ {
			before.NKeys += n.Estimates[i].NKeys
		}
		next := n.ChildBlockNums[idx]
		h.Release()
		block = next
	}
}
