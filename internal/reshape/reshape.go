// Package reshape implements node fission (split) and fusion (merge),
// triggered when flush or root ingress leaves a node FISSIBLE or FUSIBLE.
package reshape

import (
	"context"
	"fmt"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/basement"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

// Allocator hands out a fresh block number for a newly created sibling
// node, the one piece of the block-allocation table reshape depends on.
type Allocator interface {
	Allocate() (base.BlockNum, error)
	Free(base.BlockNum)
}

// Engine threads the cache table and block allocator through split/merge.
type Engine struct {
	Cache cachecontract.Table
	Alloc Allocator
}

// Fixup implements the flush.Reshaper interface: it inspects child's
// reactivity and performs a split or merge, rewriting parent's pivot
// array and child-block-number list to match.
func (e *Engine) Fixup(ctx context.Context, childHandle, parentHandle cachecontract.Handle, childIdx int) error {
	child := childHandle.Node()
	switch child.GetReactivity() {
	case node.Fissible:
		return e.split(parentHandle, childHandle, childIdx)
	case node.Fusible:
		return e.merge(ctx, parentHandle, childHandle, childIdx)
	default:
		return nil
	}
}

// SplitRoot handles the one case split can't express as a parent rewrite:
// the root has no parent. It splits root's content into two children of a
// brand-new root node one level taller, and returns the new root's block
// number for the caller to install in place of the old one.
func (e *Engine) SplitRoot(ctx context.Context, rootHandle cachecontract.Handle) (base.BlockNum, error) {
	root := rootHandle.Node()

	siblingBlock, err := e.Alloc.Allocate()
	if err != nil {
		return 0, err
	}

	var rightPivot []byte
	var right *node.Node
	if root.IsLeaf() {
		rightPivot, right, err = splitLeaf(root, siblingBlock)
	} else {
		rightPivot, right, err = splitInternal(root, siblingBlock)
	}
	if err != nil {
		return 0, err
	}

	rh := e.Cache.CreatePinned(siblingBlock, right)
	rh.MarkDirty()
	rh.Release()
	rootHandle.MarkDirty()

	newRootBlock, err := e.Alloc.Allocate()
	if err != nil {
		return 0, err
	}

	newRoot := node.InitEmpty(newRootBlock, root.Height+1, 0, root.NodeSizeTarget)
	newRoot.AppendChild(&node.Partition{State: node.Available, Buffer: &msg.Fifo{}}, nil, root.BlockNum)
	newRoot.AppendChild(&node.Partition{State: node.Available, Buffer: &msg.Fifo{}}, rightPivot, siblingBlock)

	nrh := e.Cache.CreatePinned(newRootBlock, newRoot)
	nrh.MarkDirty()
	nrh.Release()

	return newRootBlock, nil
}

// split divides child into two siblings at its size midpoint, replacing
// childIdx in parent with two partitions and inserting a new pivot equal
// to the last key of the left half.
func (e *Engine) split(parentHandle, childHandle cachecontract.Handle, childIdx int) error {
	parent := parentHandle.Node()
	child := childHandle.Node()

	newBlock, err := e.Alloc.Allocate()
	if err != nil {
		return err
	}

	var rightPivot []byte
	var right *node.Node

	if child.IsLeaf() {
		rightPivot, right, err = splitLeaf(child, newBlock)
	} else {
		rightPivot, right, err = splitInternal(child, newBlock)
	}
	if err != nil {
		return err
	}

	rh := e.Cache.CreatePinned(newBlock, right)
	rh.MarkDirty()
	rh.Release()
	childHandle.MarkDirty()

	insertSibling(parent, childIdx, rightPivot, newBlock)
	return nil
}

// splitLeaf halves a single-partition leaf node's basement, returning the
// new right sibling and the pivot key separating them (the left half's
// last key).
func splitLeaf(child *node.Node, newBlock base.BlockNum) ([]byte, *node.Node, error) {
	if len(child.Partitions) != 1 {
		return nil, nil, fmt.Errorf("reshape: leaf split expects exactly one partition, got %d", len(child.Partitions))
	}
	bn := child.Partitions[0].Basement
	mid := bn.Size() / 2
	if mid == 0 {
		return nil, nil, fmt.Errorf("reshape: leaf too small to split")
	}

	rightBn := basement.New()
	for i := mid; i < bn.Size(); i++ {
		rightBn.InsertAt(rightBn.Size(), bn.Fetch(i))
	}
	for i := bn.Size() - 1; i >= mid; i-- {
		bn.DeleteAt(i)
	}

	pivot := append([]byte(nil), bn.Fetch(bn.Size()-1).Key...)

	right := node.InitEmpty(newBlock, 0, 1, child.NodeSizeTarget)
	right.Partitions[0] = &node.Partition{State: node.Available, Basement: rightBn}
	right.MaxMsnAppliedOnDisk = child.MaxMsnAppliedOnDisk
	right.MaxMsnAppliedInMemory = child.MaxMsnAppliedInMemory
	return pivot, right, nil
}

// splitInternal halves a node's child list, moving the right half's
// partitions, pivots, and block numbers to a new sibling.
func splitInternal(child *node.Node, newBlock base.BlockNum) ([]byte, *node.Node, error) {
	nc := len(child.Partitions)
	if nc < 2 {
		return nil, nil, fmt.Errorf("reshape: internal split expects >=2 partitions, got %d", nc)
	}
	mid := nc / 2

	right := node.InitEmpty(newBlock, child.Height, nc-mid, child.NodeSizeTarget)
	copy(right.Partitions, child.Partitions[mid:])
	copy(right.ChildBlockNums, child.ChildBlockNums[mid:])
	copy(right.Pivots, child.Pivots[mid:])

	pivot := append([]byte(nil), child.Pivots[mid-1]...)

	child.Partitions = child.Partitions[:mid]
	child.ChildBlockNums = child.ChildBlockNums[:mid]
	child.Pivots = child.Pivots[:mid-1]
	child.Estimates = child.Estimates[:mid]

	return pivot, right, nil
}

// merge pins whichever adjacent sibling childIdx has (preferring the
// right, falling back to the left for a rightmost child) and folds it
// into a leaf fusion or nonleaf fusion per the node's kind. A sole child
// with no sibling on either side has nothing to merge with.
func (e *Engine) merge(ctx context.Context, parentHandle, childHandle cachecontract.Handle, childIdx int) error {
	parent := parentHandle.Node()
	nc := len(parent.Partitions)

	leftIdx, rightIdx := childIdx, childIdx+1
	childIsLeft := true
	if rightIdx >= nc {
		leftIdx, rightIdx = childIdx-1, childIdx
		childIsLeft = false
	}
	if leftIdx < 0 {
		return nil
	}

	var siblingBlock base.BlockNum
	if childIsLeft {
		siblingBlock = parent.ChildBlockNums[rightIdx]
	} else {
		siblingBlock = parent.ChildBlockNums[leftIdx]
	}
	siblingHandle, err := e.Cache.Pin(ctx, siblingBlock, cachecontract.FetchAll)
	if err != nil {
		return err
	}
	defer siblingHandle.Release()

	var leftHandle, rightHandle cachecontract.Handle
	if childIsLeft {
		leftHandle, rightHandle = childHandle, siblingHandle
	} else {
		leftHandle, rightHandle = siblingHandle, childHandle
	}

	if leftHandle.Node().IsLeaf() {
		return e.mergeLeaf(parentHandle, leftHandle, rightHandle, leftIdx, rightIdx)
	}
	return e.mergeInternal(parentHandle, leftHandle, rightHandle, leftIdx, rightIdx)
}

// mergeLeaf implements leaf fusion: concatenate the two basements (an
// empty left basement contributes no pivot and is simply discarded in
// favor of right's contents), then decide merge vs. rebalance vs. leave-be
// by the combined/individual size thresholds of §4.I. A rebalance sets
// the parent's pivot to the rightmost key of the new left side.
func (e *Engine) mergeLeaf(parentHandle, leftHandle, rightHandle cachecontract.Handle, leftIdx, rightIdx int) error {
	parent := parentHandle.Node()
	left := leftHandle.Node()
	right := rightHandle.Node()

	leftBn := left.Partitions[0].Basement
	rightBn := right.Partitions[0].Basement

	var merged *basement.Basement
	if leftBn.Size() == 0 {
		merged = rightBn.Clone()
	} else {
		merged = leftBn.Clone()
		for i := 0; i < rightBn.Size(); i++ {
			merged.InsertAt(merged.Size(), rightBn.Fetch(i))
		}
	}

	nodeSize := left.NodeSizeTarget
	combined := merged.DiskSize()

	if combined*4 > nodeSize*3 {
		if leftBn.DiskSize()*4 > nodeSize && rightBn.DiskSize()*4 > nodeSize {
			// Neither side is starved enough to act on; leave both as is.
			return nil
		}
		return e.rebalanceLeaves(parentHandle, leftHandle, rightHandle, leftIdx, merged)
	}

	// True merge: left absorbs right's entries; right's slot is retired.
	left.Partitions[0].Basement = merged
	leftHandle.MarkDirty()
	removeSibling(parent, leftIdx, rightIdx)
	parentHandle.MarkDirty()

	e.Cache.Remove(right.BlockNum)
	e.Alloc.Free(right.BlockNum)
	return nil
}

// rebalanceLeaves redistributes merged's entries evenly back across
// left and right when the combined contents are too big for one leaf
// but one side alone is too starved to leave untouched.
func (e *Engine) rebalanceLeaves(parentHandle, leftHandle, rightHandle cachecontract.Handle, leftIdx int, merged *basement.Basement) error {
	parent := parentHandle.Node()
	left := leftHandle.Node()
	right := rightHandle.Node()

	mid := merged.Size() / 2
	newLeft := basement.New()
	for i := 0; i < mid; i++ {
		newLeft.InsertAt(newLeft.Size(), merged.Fetch(i))
	}
	newRight := basement.New()
	for i := mid; i < merged.Size(); i++ {
		newRight.InsertAt(newRight.Size(), merged.Fetch(i))
	}

	left.Partitions[0].Basement = newLeft
	right.Partitions[0].Basement = newRight
	if newLeft.Size() > 0 {
		parent.Pivots[leftIdx] = append([]byte(nil), newLeft.Fetch(newLeft.Size()-1).Key...)
	}

	leftHandle.MarkDirty()
	rightHandle.MarkDirty()
	parentHandle.MarkDirty()
	return nil
}

// mergeInternal implements nonleaf fusion: right's children are appended
// to left's, with the parent's separating pivot inserted between them.
func (e *Engine) mergeInternal(parentHandle, leftHandle, rightHandle cachecontract.Handle, leftIdx, rightIdx int) error {
	parent := parentHandle.Node()
	left := leftHandle.Node()
	right := rightHandle.Node()

	left.Pivots = append(left.Pivots, append([]byte(nil), parent.Pivots[leftIdx]...))
	left.Pivots = append(left.Pivots, right.Pivots...)
	left.Partitions = append(left.Partitions, right.Partitions...)
	left.ChildBlockNums = append(left.ChildBlockNums, right.ChildBlockNums...)
	left.Estimates = append(left.Estimates, right.Estimates...)

	leftHandle.MarkDirty()
	removeSibling(parent, leftIdx, rightIdx)
	parentHandle.MarkDirty()

	e.Cache.Remove(right.BlockNum)
	e.Alloc.Free(right.BlockNum)
	return nil
}

// removeSibling folds rightIdx's subtree estimate into leftIdx's, then
// drops the pivot between them and rightIdx's partition/block-number/
// estimate slots from parent — the inverse of insertSibling.
func removeSibling(parent *node.Node, leftIdx, rightIdx int) {
	parent.Estimates[leftIdx].NKeys += parent.Estimates[rightIdx].NKeys
	parent.Estimates[leftIdx].NData += parent.Estimates[rightIdx].NData
	parent.Estimates[leftIdx].DSize += parent.Estimates[rightIdx].DSize
	parent.Estimates[leftIdx].Exact = false

	parent.Pivots = append(parent.Pivots[:leftIdx], parent.Pivots[leftIdx+1:]...)
	parent.Partitions = append(parent.Partitions[:rightIdx], parent.Partitions[rightIdx+1:]...)
	parent.ChildBlockNums = append(parent.ChildBlockNums[:rightIdx], parent.ChildBlockNums[rightIdx+1:]...)
	parent.Estimates = append(parent.Estimates[:rightIdx], parent.Estimates[rightIdx+1:]...)
}

// insertSibling inserts a new pivot/block-number pair immediately after
// childIdx in parent, extending its partition and estimate arrays by one.
func insertSibling(parent *node.Node, childIdx int, pivot []byte, newBlock base.BlockNum) {
	at := childIdx + 1

	parent.Pivots = append(parent.Pivots, nil)
	copy(parent.Pivots[at:], parent.Pivots[at-1:])
	parent.Pivots[at-1] = pivot

	newPart := &node.Partition{State: node.Available}
	if !parent.Leaf {
		newPart.Buffer = &msg.Fifo{}
	}
	parent.Partitions = append(parent.Partitions, nil)
	copy(parent.Partitions[at+1:], parent.Partitions[at:])
	parent.Partitions[at] = newPart

	parent.ChildBlockNums = append(parent.ChildBlockNums, 0)
	copy(parent.ChildBlockNums[at+1:], parent.ChildBlockNums[at:])
	parent.ChildBlockNums[at] = newBlock

	parent.Estimates = append(parent.Estimates, node.Estimate{})
	copy(parent.Estimates[at+1:], parent.Estimates[at:])
	parent.Estimates[at] = node.Estimate{}
}
