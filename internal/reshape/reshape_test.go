package reshape_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/blockalloc"
	"github.com/brtdb/brt/internal/cache"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/node"
	"github.com/brtdb/brt/internal/reshape"
)

func newLeafWithEntries(blockNum base.BlockNum, nodeSize int, keys ...string) *node.Node {
	n := node.NewLeaf(blockNum, nodeSize)
	bn := n.Partitions[0].Basement
	for _, k := range keys {
		bn.InsertAt(bn.Size(), &entry.LeafEntry{Key: []byte(k), CommittedVal: []byte("v-" + k)})
	}
	return n
}

func newEngine(t *testing.T) *reshape.Engine {
	t.Helper()
	alloc := blockalloc.New(100)
	tbl := cache.New(cache.MinSize, cachecontract.Callbacks{
		Fetch: func(context.Context, base.BlockNum) (*node.Node, error) {
			t.Fatal("unexpected fetch: every node under test is already resident via CreatePinned")
			return nil, nil
		},
	})
	return &reshape.Engine{Cache: tbl, Alloc: alloc}
}

func TestSplitRootLeaf(t *testing.T) {
	e := newEngine(t)

	root := newLeafWithEntries(1, 4096, "a", "b", "c", "d")
	rh := e.Cache.CreatePinned(1, root)

	newRootBlock, err := e.SplitRoot(context.Background(), rh)
	require.NoError(t, err)
	rh.Release()

	nh, err := e.Cache.Pin(context.Background(), newRootBlock, cachecontract.FetchAll)
	require.NoError(t, err)
	defer nh.Release()

	newRoot := nh.Node()
	assert.False(t, newRoot.IsLeaf())
	assert.Equal(t, uint32(1), newRoot.Height)
	require.Len(t, newRoot.Partitions, 2)
	require.Len(t, newRoot.ChildBlockNums, 2)
	assert.Equal(t, base.BlockNum(1), newRoot.ChildBlockNums[0])
	require.Len(t, newRoot.Pivots, 1)

	leftH, err := e.Cache.Pin(context.Background(), newRoot.ChildBlockNums[0], cachecontract.FetchAll)
	require.NoError(t, err)
	leftBn := leftH.Node().Partitions[0].Basement
	assert.Equal(t, 2, leftBn.Size())
	leftH.Release()

	rightH, err := e.Cache.Pin(context.Background(), newRoot.ChildBlockNums[1], cachecontract.FetchAll)
	require.NoError(t, err)
	rightBn := rightH.Node().Partitions[0].Basement
	assert.Equal(t, 2, rightBn.Size())
	rightH.Release()
}

func TestFixupSplitsFissibleLeafIntoParent(t *testing.T) {
	e := newEngine(t)

	// A tiny node size target guarantees four entries serialize over it.
	left := newLeafWithEntries(1, 1, "a", "b", "c", "d")
	require.Equal(t, node.Fissible, left.GetReactivity())

	parent := node.InitEmpty(50, 1, 1, 4096)
	parent.ChildBlockNums[0] = 1

	ph := e.Cache.CreatePinned(50, parent)
	ch := e.Cache.CreatePinned(1, left)

	err := e.Fixup(context.Background(), ch, ph, 0)
	require.NoError(t, err)

	p := ph.Node()
	require.Len(t, p.Partitions, 2)
	require.Len(t, p.ChildBlockNums, 2)
	require.Len(t, p.Pivots, 1)
	assert.Equal(t, base.BlockNum(1), p.ChildBlockNums[0])
	assert.NotEqual(t, base.BlockNum(0), p.ChildBlockNums[1])

	ch.Release()
	ph.Release()
}

func manyKeys(prefix string, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return keys
}

func TestFixupMergesFusibleLeafIntoSibling(t *testing.T) {
	e := newEngine(t)

	left := newLeafWithEntries(1, 4096, "a", "b")
	left.Partitions[0].Basement = left.Partitions[0].Basement.Clone() // clear seqinsert streak
	require.Equal(t, node.Fusible, left.GetReactivity())

	right := newLeafWithEntries(2, 4096, "y", "z")

	parent := node.InitEmpty(50, 1, 2, 4096)
	parent.ChildBlockNums[0] = 1
	parent.ChildBlockNums[1] = 2
	parent.Pivots[0] = []byte("m")

	ph := e.Cache.CreatePinned(50, parent)
	ch := e.Cache.CreatePinned(1, left)
	rh := e.Cache.CreatePinned(2, right)
	rh.Release()

	err := e.Fixup(context.Background(), ch, ph, 0)
	require.NoError(t, err)

	p := ph.Node()
	require.Len(t, p.Partitions, 1)
	require.Len(t, p.ChildBlockNums, 1)
	assert.Empty(t, p.Pivots)
	assert.Equal(t, base.BlockNum(1), p.ChildBlockNums[0])

	mergedBn := ch.Node().Partitions[0].Basement
	require.Equal(t, 4, mergedBn.Size())
	assert.Equal(t, []string{"a", "b", "y", "z"}, []string{
		string(mergedBn.Fetch(0).Key), string(mergedBn.Fetch(1).Key),
		string(mergedBn.Fetch(2).Key), string(mergedBn.Fetch(3).Key),
	})

	ch.Release()
	ph.Release()
}

func TestFixupRebalancesWhenCombinedLeafIsTooBigToMerge(t *testing.T) {
	e := newEngine(t)

	left := newLeafWithEntries(1, 4096, "a")
	left.Partitions[0].Basement = left.Partitions[0].Basement.Clone()
	require.Equal(t, node.Fusible, left.GetReactivity())

	right := newLeafWithEntries(2, 4096, manyKeys("k", 150)...)

	parent := node.InitEmpty(50, 1, 2, 4096)
	parent.ChildBlockNums[0] = 1
	parent.ChildBlockNums[1] = 2
	parent.Pivots[0] = []byte("m")

	ph := e.Cache.CreatePinned(50, parent)
	ch := e.Cache.CreatePinned(1, left)
	rh := e.Cache.CreatePinned(2, right)
	rh.Release()

	err := e.Fixup(context.Background(), ch, ph, 0)
	require.NoError(t, err)

	p := ph.Node()
	require.Len(t, p.Partitions, 2, "rebalance keeps both siblings, unlike a true merge")
	require.Len(t, p.ChildBlockNums, 2)
	require.Len(t, p.Pivots, 1)

	leftBn := ch.Node().Partitions[0].Basement
	rightH, err := e.Cache.Pin(context.Background(), p.ChildBlockNums[1], cachecontract.FetchAll)
	require.NoError(t, err)
	rightBn := rightH.Node().Partitions[0].Basement

	assert.Equal(t, 151, leftBn.Size()+rightBn.Size())
	assert.Greater(t, leftBn.Size(), 1, "left absorbed some of right's entries")
	assert.Equal(t, string(leftBn.Fetch(leftBn.Size()-1).Key), string(p.Pivots[0]))

	rightH.Release()
	ch.Release()
	ph.Release()
}

func TestFixupMergesAdjacentInternalNodes(t *testing.T) {
	e := newEngine(t)

	left := node.InitEmpty(1, 1, 1, 4096)
	left.Partitions[0].State = node.Available
	left.ChildBlockNums[0] = 100
	require.Equal(t, node.Fusible, left.GetReactivity())

	right := node.InitEmpty(2, 1, 1, 4096)
	right.Partitions[0].State = node.Available
	right.ChildBlockNums[0] = 200

	parent := node.InitEmpty(50, 2, 2, 4096)
	parent.ChildBlockNums[0] = 1
	parent.ChildBlockNums[1] = 2
	parent.Pivots[0] = []byte("m")

	ph := e.Cache.CreatePinned(50, parent)
	ch := e.Cache.CreatePinned(1, left)
	rh := e.Cache.CreatePinned(2, right)
	rh.Release()

	err := e.Fixup(context.Background(), ch, ph, 0)
	require.NoError(t, err)

	p := ph.Node()
	require.Len(t, p.Partitions, 1)
	assert.Empty(t, p.Pivots)

	merged := ch.Node()
	require.Len(t, merged.ChildBlockNums, 2)
	assert.Equal(t, base.BlockNum(100), merged.ChildBlockNums[0])
	assert.Equal(t, base.BlockNum(200), merged.ChildBlockNums[1])
	require.Len(t, merged.Pivots, 1)
	assert.Equal(t, []byte("m"), merged.Pivots[0])

	ch.Release()
	ph.Release()
}

func TestFixupIsNoopOnNonFissibleChild(t *testing.T) {
	e := newEngine(t)

	left := newLeafWithEntries(1, 4096, "a", "b")
	require.NotEqual(t, node.Fissible, left.GetReactivity())
	parent := node.InitEmpty(50, 1, 1, 4096)

	ph := e.Cache.CreatePinned(50, parent)
	ch := e.Cache.CreatePinned(1, left)

	err := e.Fixup(context.Background(), ch, ph, 0)
	require.NoError(t, err)

	p := ph.Node()
	assert.Len(t, p.Partitions, 1)

	ch.Release()
	ph.Release()
}
