package ancestors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/ancestors"
	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/basement"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
)

func internalNodeWithBufferedInsert(key, val string) *node.Node {
	n := node.InitEmpty(1, 1, 1, 4096)
	n.Partitions[0].State = node.Available
	n.Partitions[0].Buffer = &msg.Fifo{}
	m := msg.New(msg.Insert, msg.RootXids(1), []byte(key), []byte(val))
	m.MSN = 1
	n.Partitions[0].Buffer.Push(m)
	return n
}

func TestApplyAppliesMatchingKeyMessage(t *testing.T) {
	parent := internalNodeWithBufferedInsert("k", "v")
	chain := ancestors.Chain{}.Push(parent, 0)
	bn := basement.New()

	hw, err := ancestors.Apply(chain, bn, base.NoneMSN, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, base.MSN(1), hw)
	require.Equal(t, 1, bn.Size())
	assert.Equal(t, []byte("k"), bn.Fetch(0).Key)
}

func TestApplySkipsNonMatchingKeyMessage(t *testing.T) {
	parent := internalNodeWithBufferedInsert("other", "v")
	chain := ancestors.Chain{}.Push(parent, 0)
	bn := basement.New()

	hw, err := ancestors.Apply(chain, bn, base.NoneMSN, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, base.NoneMSN, hw)
	assert.Equal(t, 0, bn.Size())
}

func TestApplySkipsMessagesAtOrBelowLeafMaxMsn(t *testing.T) {
	parent := internalNodeWithBufferedInsert("k", "v")
	chain := ancestors.Chain{}.Push(parent, 0)
	bn := basement.New()

	hw, err := ancestors.Apply(chain, bn, base.MSN(1), []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, base.MSN(1), hw)
	assert.Equal(t, 0, bn.Size())
}

func TestApplyAllAppliesEveryKeyRegardlessOfMatch(t *testing.T) {
	parent := internalNodeWithBufferedInsert("other", "v")
	chain := ancestors.Chain{}.Push(parent, 0)
	bn := basement.New()

	hw, err := ancestors.ApplyAll(chain, bn, base.NoneMSN, nil)
	require.NoError(t, err)
	assert.Equal(t, base.MSN(1), hw)
	require.Equal(t, 1, bn.Size())
	assert.Equal(t, []byte("other"), bn.Fetch(0).Key)
}

func TestChainPushAppendsFrame(t *testing.T) {
	n := node.InitEmpty(1, 1, 2, 4096)
	chain := ancestors.Chain{}.Push(n, 1)
	require.Len(t, chain, 1)
	assert.Same(t, n, chain[0].Node)
	assert.Equal(t, 1, chain[0].ChildIndex)
}
