// Package txntable tracks each transaction's commit state, the piece the
// entry package's does_txn_read_entry visibility rule needs but that the
// node/cache/search layers must not own directly (it's dictionary-wide,
// not per-node).
package txntable

import (
	"sync"

	"github.com/brtdb/brt/internal/base"
)

// Status is a transaction's lifecycle state.
type Status uint8

const (
	Live Status = iota
	Committed
	Aborted
)

// Table is a dictionary's map from transaction id to its current status.
type Table struct {
	mu     sync.RWMutex
	status map[base.TxnID]Status
}

// New returns an empty transaction table.
func New() *Table {
	return &Table{status: make(map[base.TxnID]Status)}
}

// Begin registers id as live.
func (t *Table) Begin(id base.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[id] = Live
}

// Commit marks id committed. Snapshots read the status at lookup time, so
// the writes become visible to every Snapshot from then on, including
// ones created before this call.
func (t *Table) Commit(id base.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[id] = Committed
}

// Abort marks id aborted; its writes must never become visible.
func (t *Table) Abort(id base.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[id] = Aborted
}

// Forget drops id's entry once no snapshot predating its resolution can
// still exist, bounding the table's size.
func (t *Table) Forget(id base.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, id)
}

// StatusOf reports id's current lifecycle state; a forgotten id (one old
// enough to have been dropped by Forget) is reported Committed, since
// only committed or read-only transactions are forgotten.
func (t *Table) StatusOf(id base.TxnID) Status {
	return t.statusOf(id)
}

func (t *Table) statusOf(id base.TxnID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.status[id]
	if !ok {
		// Forgotten entries are commits or read-only transactions, which
		// have no writes to hide; an aborted id is never forgotten.
		return Committed
	}
	return s
}

// Snapshot captures a reader's visibility horizon: writes by
// transactions strictly older than oldestLive are always visible
// (their fate is long since settled); writes by self are always
// visible; anything else requires an explicit Committed lookup.
type Snapshot struct {
	table      *Table
	self       base.TxnID
	oldestLive base.TxnID
}

// NewSnapshot captures a read view against table as of now, for a
// transaction identified by self (base.NoneTxnID for an autocommit
// reader with no writes of its own to see early).
func NewSnapshot(table *Table, self, oldestLive base.TxnID) Snapshot {
	return Snapshot{table: table, self: self, oldestLive: oldestLive}
}

// DoesTxnReadEntry implements entry.SnapshotContext.
func (s Snapshot) DoesTxnReadEntry(creator base.TxnID) bool {
	if creator == base.NoneTxnID {
		return true
	}
	if creator == s.self {
		return true
	}
	if creator < s.oldestLive {
		return true
	}
	return s.table.statusOf(creator) == Committed
}
