package msg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/msg"
)

func TestRootXidsAndChildBuildsStack(t *testing.T) {
	root := msg.RootXids(1)
	assert.Equal(t, base.TxnID(1), root.Root())
	assert.Equal(t, base.TxnID(1), root.Innermost())

	nested := root.Child(2)
	assert.Equal(t, base.TxnID(1), nested.Root())
	assert.Equal(t, base.TxnID(2), nested.Innermost())
	assert.Len(t, nested, 2)

	// Child must not mutate the parent stack it extends.
	assert.Len(t, root, 1)
}

func TestContains(t *testing.T) {
	xids := msg.RootXids(1).Child(2).Child(3)
	assert.True(t, xids.Contains(2))
	assert.False(t, xids.Contains(99))
}

func TestHasPrefix(t *testing.T) {
	parent := msg.RootXids(1).Child(2)
	child := parent.Child(3)

	assert.True(t, child.HasPrefix(parent))
	assert.True(t, child.HasPrefix(msg.RootXids(1)))
	assert.False(t, parent.HasPrefix(child))

	other := msg.RootXids(9).Child(2)
	assert.False(t, child.HasPrefix(other))
}

func TestCloneIsIndependent(t *testing.T) {
	original := msg.RootXids(1).Child(2)
	clone := original.Clone()
	clone[0] = 99
	assert.Equal(t, base.TxnID(1), original[0])
}

func TestEqual(t *testing.T) {
	a := msg.RootXids(1).Child(2)
	b := msg.RootXids(1).Child(2)
	c := msg.RootXids(1).Child(3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestEmptyStackDefaults(t *testing.T) {
	var empty msg.Xids
	assert.Equal(t, base.NoneTxnID, empty.Root())
	assert.Equal(t, base.NoneTxnID, empty.Innermost())
}
