// Package entry implements the MVCC leaf entry: the per-key value held in
// a basement node, either a single committed value or a committed value
// plus a stack of uncommitted provisional operations keyed by transaction
// path.
package entry

import (
	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/msg"
)

// Op is one entry on a leaf entry's uncommitted provisional stack.
type Op struct {
	Xids  msg.Xids
	IsDel bool
	Val   []byte // unused when IsDel
}

func (o Op) size() int {
	return o.Xids.SerializeSize() + 1 + 4 + len(o.Val)
}

// LeafEntry holds, for one key, either a single committed value/tombstone
// or a committed base plus a stack of provisional inserts/deletes made by
// transactions that have not yet committed or aborted.
type LeafEntry struct {
	Key            []byte
	CommittedIsDel bool
	CommittedVal   []byte // unused when CommittedIsDel
	Stack          []Op   // empty for a "clean" entry
}

// KeyLen returns len(Key).
func (e *LeafEntry) KeyLen() int { return len(e.Key) }

// IsClean reports whether the entry carries no uncommitted provisional
// ops — a committed value (or tombstone) only.
func (e *LeafEntry) IsClean() bool { return len(e.Stack) == 0 }

// LatestIsDel reports whether the state of the key visible to snap (top of
// stack, or committed base if the stack is empty or nothing on it is
// visible) is a delete. A nil snap means "no visibility filtering": the
// unconditional top of stack, as a writer building on its own in-flight
// change needs.
func (e *LeafEntry) LatestIsDel(snap SnapshotContext) bool {
	if op, ok := e.latestVisibleOp(snap); ok {
		return op.IsDel
	}
	return e.CommittedIsDel
}

// LatestValAndLen returns the value and length visible to snap. Returns
// (nil, 0) if the visible state is a delete. See LatestIsDel for snap's nil
// behavior.
func (e *LeafEntry) LatestValAndLen(snap SnapshotContext) ([]byte, int) {
	if op, ok := e.latestVisibleOp(snap); ok {
		if op.IsDel {
			return nil, 0
		}
		return op.Val, len(op.Val)
	}
	if e.CommittedIsDel {
		return nil, 0
	}
	return e.CommittedVal, len(e.CommittedVal)
}

// latestVisibleOp walks the provisional stack from most to least recent,
// returning the first op whose creating transaction snap accepts — mirrors
// does_txn_read_entry's iterate-from-latest rule. ok is false if the stack
// is empty or snap rejects every frame, meaning the committed base applies.
func (e *LeafEntry) latestVisibleOp(snap SnapshotContext) (Op, bool) {
	for i := len(e.Stack) - 1; i >= 0; i-- {
		op := e.Stack[i]
		if snap == nil || snap.DoesTxnReadEntry(op.Xids.Root()) {
			return op, true
		}
	}
	return Op{}, false
}

// HasXids reports whether any provisional op on the stack was created
// under a transaction whose ancestor stack has stack as a prefix — used
// by broadcast commit/abort to find entries a given transaction touched.
func (e *LeafEntry) HasXids(stack msg.Xids) bool {
	for _, op := range e.Stack {
		if op.Xids.HasPrefix(stack) {
			return true
		}
	}
	return false
}

// DiskSize returns the serialized size of the entry as it would be
// written to a leaf's on-disk basement payload.
func (e *LeafEntry) DiskSize() int {
	size := 4 + len(e.Key) + 1 // keylen + key + committed-is-del flag
	if !e.CommittedIsDel {
		size += 4 + len(e.CommittedVal)
	}
	size += 4 // stack count
	for _, op := range e.Stack {
		size += op.size()
	}
	return size
}

// MemSize approximates the in-memory footprint (same shape as DiskSize;
// a real implementation would add allocator/struct overhead, omitted here
// since the basement only needs a monotonic, comparable cost figure).
func (e *LeafEntry) MemSize() int { return e.DiskSize() }

// SnapshotContext supplies the visibility predicate that LatestValAndLen
// and LatestIsDel consult: whether the reader accepts a value written by
// creator.
type SnapshotContext interface {
	// DoesTxnReadEntry reports whether a value written by creator is
	// visible: true iff creator is an ancestor of the reader's own
	// transaction, or creator is older than the reader's oldest live
	// transaction in its snapshot.
	DoesTxnReadEntry(creator base.TxnID) bool
}

// UpdateFunc synthesizes a new value (or delete) from the current value
// and the UPDATE message's extra payload, mirroring a user-supplied update
// callback.
type UpdateFunc func(oldVal []byte, extra []byte) (newVal []byte, isDelete bool)

// ApplyMessage is the sole LE mutator. It returns the new entry (nil if
// the key should be removed entirely), or an error. update is consulted
// only for msg.Update messages and may be nil otherwise.
//
// ApplyMessage never filters by visibility: every message lands on the
// stack (or sweeps it) unconditionally. A value's visibility to a given
// reader is decided later, at read time, by LatestValAndLen/LatestIsDel.
func ApplyMessage(old *LeafEntry, m msg.Message, update UpdateFunc) (*LeafEntry, error) {
	switch m.Type {
	case msg.Insert:
		return applyInsert(old, m, false), nil

	case msg.InsertNoOverwrite:
		if old != nil {
			// A committed live value already exists and is visible:
			// preserve the existing entry unchanged. If only tombstoned
			// or absent, proceed as a normal insert.
			if !old.LatestIsDel(nil) { // nil: a writer sees its own in-flight stack unconditionally
				return old, nil
			}
		}
		return applyInsert(old, m, false), nil

	case msg.DeleteAny:
		return applyDelete(old, m), nil

	case msg.CommitAny, msg.AbortAny:
		return applyCommitAbort(old, m.Xids, m.Type == msg.CommitAny), nil

	case msg.CommitBroadcastTxn, msg.AbortBroadcastTxn:
		if old == nil || !old.HasXids(m.Xids) {
			return old, nil
		}
		return sweepBroadcast(old, m.Xids, m.Type == msg.CommitBroadcastTxn), nil

	case msg.CommitBroadcastAll:
		if old == nil {
			return old, nil
		}
		return sweepAll(old, true), nil

	case msg.Update:
		return applyUpdate(old, m, update)

	case msg.UpdateBroadcastAll:
		if old == nil {
			return old, nil
		}
		return applyUpdate(old, m, update)

	case msg.Optimize, msg.OptimizeForUpgrade, msg.None:
		return old, nil

	default:
		return old, nil
	}
}

func applyInsert(old *LeafEntry, m msg.Message, isDel bool) *LeafEntry {
	if old == nil {
		if len(m.Xids) <= 1 {
			// Top-level transaction with no provisional stack needed yet:
			// still keep it provisional until commit arrives, matching
			// the teacher's MVCC cache entries which always tag a writer.
		}
		return &LeafEntry{
			Key:            append([]byte(nil), m.Key...),
			CommittedIsDel: true, // no committed value exists below the new frame
			Stack:          []Op{{Xids: m.Xids.Clone(), IsDel: isDel, Val: append([]byte(nil), m.Val...)}},
		}
	}
	cloned := cloneEntry(old)
	cloned.Stack = append(cloned.Stack, Op{Xids: m.Xids.Clone(), IsDel: isDel, Val: append([]byte(nil), m.Val...)})
	return cloned
}

func applyDelete(old *LeafEntry, m msg.Message) *LeafEntry {
	if old == nil {
		return nil
	}
	// Retain a tombstone on the provisional stack so a later abort can
	// restore the prior committed value; a bare delete of an entry with
	// no history can simply vanish.
	if old.IsClean() && old.CommittedIsDel {
		return nil
	}
	return applyInsert(old, m, true)
}

func applyCommitAbort(old *LeafEntry, xids msg.Xids, commit bool) *LeafEntry {
	if old == nil || len(old.Stack) == 0 {
		return old
	}
	idx := -1
	for i := len(old.Stack) - 1; i >= 0; i-- {
		if old.Stack[i].Xids.Equal(xids) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return old
	}
	cloned := cloneEntry(old)
	op := cloned.Stack[idx]
	cloned.Stack = append(cloned.Stack[:idx], cloned.Stack[idx+1:]...)
	if commit {
		// Committed value becomes the new base only if this was the
		// bottommost provisional op; a nested commit folds its value into
		// the frame below it.
		if idx == 0 {
			cloned.CommittedIsDel = op.IsDel
			cloned.CommittedVal = op.Val
		} else {
			cloned.Stack[idx-1] = Op{Xids: cloned.Stack[idx-1].Xids, IsDel: op.IsDel, Val: op.Val}
		}
	}
	if cloned.IsClean() && cloned.CommittedIsDel {
		return nil
	}
	return cloned
}

func sweepBroadcast(old *LeafEntry, xids msg.Xids, commit bool) *LeafEntry {
	cloned := cloneEntry(old)
	kept := cloned.Stack[:0]
	for _, op := range cloned.Stack {
		if op.Xids.HasPrefix(xids) {
			if commit {
				cloned.CommittedIsDel = op.IsDel
				cloned.CommittedVal = op.Val
			}
			continue
		}
		kept = append(kept, op)
	}
	cloned.Stack = kept
	if cloned.IsClean() && cloned.CommittedIsDel {
		return nil
	}
	return cloned
}

func sweepAll(old *LeafEntry, commit bool) *LeafEntry {
	if len(old.Stack) == 0 {
		return old
	}
	cloned := cloneEntry(old)
	if commit {
		top := cloned.Stack[len(cloned.Stack)-1]
		cloned.CommittedIsDel = top.IsDel
		cloned.CommittedVal = top.Val
	}
	cloned.Stack = nil
	if cloned.CommittedIsDel {
		return nil
	}
	return cloned
}

func applyUpdate(old *LeafEntry, m msg.Message, update UpdateFunc) (*LeafEntry, error) {
	var oldVal []byte
	if old != nil {
		oldVal, _ = old.LatestValAndLen(nil)
	}
	if update == nil {
		return old, nil
	}
	newVal, isDel := update(oldVal, m.Val)
	synthesized := msg.Message{Type: msg.Insert, MSN: m.MSN, Xids: m.Xids, Key: m.Key, Val: newVal}
	if isDel {
		synthesized.Type = msg.DeleteAny
		return applyDelete(old, synthesized), nil
	}
	return applyInsert(old, synthesized, false), nil
}

func cloneEntry(e *LeafEntry) *LeafEntry {
	c := &LeafEntry{
		Key:            e.Key,
		CommittedIsDel: e.CommittedIsDel,
		CommittedVal:   e.CommittedVal,
		Stack:          make([]Op, len(e.Stack)),
	}
	copy(c.Stack, e.Stack)
	return c
}
