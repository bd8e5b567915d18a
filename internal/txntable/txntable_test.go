package txntable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/txntable"
)

func TestBeginStartsLive(t *testing.T) {
	tbl := txntable.New()
	tbl.Begin(base.TxnID(1))
	assert.Equal(t, txntable.Live, tbl.StatusOf(base.TxnID(1)))
}

func TestCommitAndAbort(t *testing.T) {
	tbl := txntable.New()
	tbl.Begin(base.TxnID(1))
	tbl.Begin(base.TxnID(2))

	tbl.Commit(base.TxnID(1))
	tbl.Abort(base.TxnID(2))

	assert.Equal(t, txntable.Committed, tbl.StatusOf(base.TxnID(1)))
	assert.Equal(t, txntable.Aborted, tbl.StatusOf(base.TxnID(2)))
}

func TestForgottenIDReportsCommitted(t *testing.T) {
	tbl := txntable.New()
	tbl.Begin(base.TxnID(1))
	tbl.Commit(base.TxnID(1))
	tbl.Forget(base.TxnID(1))
	assert.Equal(t, txntable.Committed, tbl.StatusOf(base.TxnID(1)))
}

func TestSnapshotSelfAlwaysVisible(t *testing.T) {
	tbl := txntable.New()
	tbl.Begin(base.TxnID(5))
	snap := txntable.NewSnapshot(tbl, base.TxnID(5), base.TxnID(1))
	assert.True(t, snap.DoesTxnReadEntry(base.TxnID(5)))
}

func TestSnapshotOlderThanOldestLiveAlwaysVisible(t *testing.T) {
	tbl := txntable.New()
	snap := txntable.NewSnapshot(tbl, base.TxnID(10), base.TxnID(7))
	assert.True(t, snap.DoesTxnReadEntry(base.TxnID(3)))
}

func TestSnapshotRequiresCommittedForOthers(t *testing.T) {
	tbl := txntable.New()
	tbl.Begin(base.TxnID(8))
	snap := txntable.NewSnapshot(tbl, base.TxnID(10), base.TxnID(1))

	assert.False(t, snap.DoesTxnReadEntry(base.TxnID(8)))
	tbl.Commit(base.TxnID(8))
	assert.True(t, snap.DoesTxnReadEntry(base.TxnID(8)))
}

func TestSnapshotNoneTxnIDAlwaysVisible(t *testing.T) {
	tbl := txntable.New()
	snap := txntable.NewSnapshot(tbl, base.TxnID(10), base.TxnID(1))
	assert.True(t, snap.DoesTxnReadEntry(base.NoneTxnID))
}
