package flush_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cache"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/flush"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

func newTestCache(t *testing.T) *cache.Table {
	t.Helper()
	return cache.New(cache.MinSize, cachecontract.Callbacks{
		Fetch: func(context.Context, base.BlockNum) (*node.Node, error) {
			t.Fatal("unexpected fetch: every node under test is already resident via CreatePinned")
			return nil, nil
		},
	})
}

func TestHeaviestChildPicksLargestBuffer(t *testing.T) {
	n := node.InitEmpty(1, 1, 3, 4096)
	for i := range n.Partitions {
		n.Partitions[i].Buffer = &msg.Fifo{}
	}
	n.Partitions[0].Buffer.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("a"), []byte("1")))
	n.Partitions[1].Buffer.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("b"), []byte("much-longer-value-here")))
	assert.Equal(t, 1, flush.HeaviestChild(n))
}

func TestFlushOneChildDeliversMessagesToLeafChild(t *testing.T) {
	tbl := newTestCache(t)
	e := &flush.Engine{Cache: tbl}

	parent := node.InitEmpty(1, 1, 1, 4096)
	parent.ChildBlockNums[0] = 2
	parent.Partitions[0].Buffer = &msg.Fifo{}
	parent.Partitions[0].Buffer.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("k"), []byte("v")))

	child := node.NewLeaf(2, 4096)

	ph := tbl.CreatePinned(1, parent)
	ch := tbl.CreatePinned(2, child)
	ch.Release()

	err := e.FlushOneChild(context.Background(), ph, 0, false)
	require.NoError(t, err)
	ph.Release()

	bn := child.Partitions[0].Basement
	require.Equal(t, 1, bn.Size())
	assert.Equal(t, []byte("k"), bn.Fetch(0).Key)
	assert.Equal(t, 0, parent.Partitions[0].Buffer.Len())
}

func TestFlushOneChildIsNoopOnEmptyBuffer(t *testing.T) {
	tbl := newTestCache(t)
	e := &flush.Engine{Cache: tbl}

	parent := node.InitEmpty(1, 1, 1, 4096)
	parent.ChildBlockNums[0] = 2
	child := node.NewLeaf(2, 4096)

	ph := tbl.CreatePinned(1, parent)
	ch := tbl.CreatePinned(2, child)
	ch.Release()

	err := e.FlushOneChild(context.Background(), ph, 0, false)
	require.NoError(t, err)
	ph.Release()

	assert.Equal(t, 0, child.Partitions[0].Basement.Size())
}

func TestFlushOneChildCascadesThroughMultipleGorgedLevelsOnFirstFlush(t *testing.T) {
	tbl := newTestCache(t)
	e := &flush.Engine{Cache: tbl}

	parent := node.InitEmpty(1, 3, 1, 4096)
	parent.ChildBlockNums[0] = 2
	parent.Partitions[0].Buffer = &msg.Fifo{}
	parent.Partitions[0].Buffer.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("k"), []byte("v")))

	mid := node.InitEmpty(2, 2, 1, 4096)
	mid.Partitions[0].State = node.Available
	mid.Partitions[0].Buffer = &msg.Fifo{}
	mid.ChildBlockNums[0] = 3

	child := node.InitEmpty(3, 1, 1, 4096)
	child.Partitions[0].State = node.Available
	child.Partitions[0].Buffer = &msg.Fifo{}
	child.ChildBlockNums[0] = 4

	leaf := node.NewLeaf(4, 4096)

	ph := tbl.CreatePinned(1, parent)
	mh := tbl.CreatePinned(2, mid)
	mh.Release()
	ch := tbl.CreatePinned(3, child)
	ch.Release()
	lh := tbl.CreatePinned(4, leaf)
	lh.Release()

	err := e.FlushOneChild(context.Background(), ph, 0, true)
	require.NoError(t, err)
	ph.Release()

	bn := leaf.Partitions[0].Basement
	require.Equal(t, 1, bn.Size(), "a first flush must keep cascading through every gorged descendant, not stop after one level")
	assert.Equal(t, []byte("k"), bn.Fetch(0).Key)
	assert.Equal(t, 0, mid.Partitions[0].Buffer.Len())
	assert.Equal(t, 0, child.Partitions[0].Buffer.Len())
}

func TestFlushOneChildPushesToInternalChildFifo(t *testing.T) {
	tbl := newTestCache(t)
	e := &flush.Engine{Cache: tbl}

	parent := node.InitEmpty(1, 2, 1, 4096)
	parent.ChildBlockNums[0] = 2
	parent.Partitions[0].Buffer = &msg.Fifo{}
	parent.Partitions[0].Buffer.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("k"), []byte("v")))

	child := node.InitEmpty(2, 1, 1, 4096)
	child.Partitions[0].State = node.Available
	child.Partitions[0].Buffer = &msg.Fifo{}

	ph := tbl.CreatePinned(1, parent)
	ch := tbl.CreatePinned(2, child)
	ch.Release()

	err := e.FlushOneChild(context.Background(), ph, 0, false)
	require.NoError(t, err)
	ph.Release()

	assert.Equal(t, 1, child.Partitions[0].Buffer.Len())
}
