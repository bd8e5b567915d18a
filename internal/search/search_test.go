package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cache"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
	"github.com/brtdb/brt/internal/search"
)

type alwaysVisible struct{}

func (alwaysVisible) DoesTxnReadEntry(base.TxnID) bool { return true }

type visibleOnly map[base.TxnID]bool

func (v visibleOnly) DoesTxnReadEntry(id base.TxnID) bool { return v[id] }

func newTestSearchEngine(t *testing.T, keys ...string) *search.Engine {
	t.Helper()
	tbl := cache.New(cache.MinSize, cachecontract.Callbacks{
		Fetch: func(context.Context, base.BlockNum) (*node.Node, error) {
			t.Fatal("unexpected fetch: root is always resident via CreatePinned")
			return nil, nil
		},
	})
	root := node.NewLeaf(1, 4096)
	bn := root.Partitions[0].Basement
	for _, k := range keys {
		bn.InsertAt(bn.Size(), &entry.LeafEntry{Key: []byte(k), CommittedVal: []byte("v-" + k)})
	}
	h := tbl.CreatePinned(1, root)
	h.Release()

	rootRef := base.BlockNum(1)
	return &search.Engine{Cache: tbl, RootRef: &rootRef, Snapshot: alwaysVisible{}}
}

func TestLookupFindsExistingKey(t *testing.T) {
	e := newTestSearchEngine(t, "a", "b", "c")
	val, err := e.Lookup(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v-b"), val)
}

func TestLookupMissingKeyFails(t *testing.T) {
	e := newTestSearchEngine(t, "a", "c")
	_, err := e.Lookup(context.Background(), []byte("b"))
	assert.ErrorIs(t, err, search.ErrNotFound)
}

func TestLookupRejectsDeletedEntry(t *testing.T) {
	e := newTestSearchEngine(t)
	h, err := e.Cache.Pin(context.Background(), 1, cachecontract.FetchAll)
	require.NoError(t, err)
	bn := h.Node().Partitions[0].Basement
	bn.InsertAt(0, &entry.LeafEntry{Key: []byte("k"), CommittedIsDel: true})
	h.Release()

	_, err = e.Lookup(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, search.ErrFoundButRejected)
}

func TestLookupHidesUncommittedWriteFromOtherTransaction(t *testing.T) {
	e := newTestSearchEngine(t)
	h, err := e.Cache.Pin(context.Background(), 1, cachecontract.FetchAll)
	require.NoError(t, err)
	bn := h.Node().Partitions[0].Basement
	bn.InsertAt(0, &entry.LeafEntry{
		Key:          []byte("k"),
		CommittedVal: []byte("old"),
		Stack:        []entry.Op{{Xids: msg.RootXids(9), Val: []byte("new")}},
	})
	h.Release()

	e.Snapshot = visibleOnly{} // txn 9's write is not yet visible to this reader
	val, err := e.Lookup(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), val)
}

func TestLookupForcesResidencyAndRetriesWhenRootNotYetPinned(t *testing.T) {
	root := node.NewLeaf(1, 4096)
	bn := root.Partitions[0].Basement
	bn.InsertAt(0, &entry.LeafEntry{Key: []byte("k"), CommittedVal: []byte("v")})

	fetches := 0
	tbl := cache.New(cache.MinSize, cachecontract.Callbacks{
		Fetch: func(context.Context, base.BlockNum) (*node.Node, error) {
			fetches++
			return root, nil
		},
	})
	rootRef := base.BlockNum(1)
	e := &search.Engine{Cache: tbl, RootRef: &rootRef, Snapshot: alwaysVisible{}}

	val, err := e.Lookup(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, 1, fetches, "PinNonblocking's first miss should force exactly one blocking fetch before the retried descent succeeds")
}

func TestLookupUnwindsAncestorsAndRetriesWhenChildNotYetResident(t *testing.T) {
	leaf := node.NewLeaf(2, 4096)
	bn := leaf.Partitions[0].Basement
	bn.InsertAt(0, &entry.LeafEntry{Key: []byte("k"), CommittedVal: []byte("v")})

	fetches := 0
	tbl := cache.New(cache.MinSize, cachecontract.Callbacks{
		Fetch: func(context.Context, base.BlockNum) (*node.Node, error) {
			fetches++
			return leaf, nil
		},
	})

	root := node.InitEmpty(1, 1, 1, 4096)
	root.Partitions[0].State = node.Available
	root.ChildBlockNums[0] = 2
	rh := tbl.CreatePinned(1, root)
	rh.Release()

	rootRef := base.BlockNum(1)
	e := &search.Engine{Cache: tbl, RootRef: &rootRef, Snapshot: alwaysVisible{}}

	val, err := e.Lookup(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val, "the root's nonblocking pin must be released and re-acquired on the retried descent, not held across the child's fetch")
	assert.Equal(t, 1, fetches)
}

func TestNewCursorSeeksToFirstKeyAtOrAfter(t *testing.T) {
	e := newTestSearchEngine(t, "a", "c", "e")
	cur, err := e.NewCursor(context.Background(), []byte("b"))
	require.NoError(t, err)
	defer cur.Close()

	k, v, err := cur.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c", string(k))
	assert.Equal(t, "v-c", string(v))
}

func TestCursorNextExhaustsAtEnd(t *testing.T) {
	e := newTestSearchEngine(t, "a")
	cur, err := e.NewCursor(context.Background(), nil)
	require.NoError(t, err)
	defer cur.Close()

	_, _, err = cur.Next(context.Background())
	require.NoError(t, err)
	_, _, err = cur.Next(context.Background())
	assert.ErrorIs(t, err, search.ErrNotFound)
}

func TestKeyRangeSplitsAroundKey(t *testing.T) {
	e := newTestSearchEngine(t, "a", "b", "c", "d")
	lessThan, equal, greaterThan, err := e.KeyRange(context.Background(), []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lessThan.NKeys)
	assert.Equal(t, uint64(1), equal.NKeys)
	assert.Equal(t, uint64(1), greaterThan.NKeys)
}
