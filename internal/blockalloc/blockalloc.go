// Package blockalloc implements the block allocation table: a two-stage
// free list that reclaims a node's old block number only once no active
// reader's snapshot can still need it, plus a monotonic bump allocator
// for blocks that have never been used.
package blockalloc

import (
	"encoding/binary"
	"sync"

	"github.com/google/btree"

	"github.com/brtdb/brt/internal/base"
)

func lessBlockNum(a, b base.BlockNum) bool { return a < b }

// Extent is a block's physical location in the backing file: nodes vary in
// serialized size, so (unlike a fixed-page layout) the block number alone
// doesn't determine the offset.
type Extent struct {
	Offset int64
	Length int
}

// Table tracks freed and pending-free block numbers for MVCC-safe reuse,
// and hands out brand-new block numbers once the free lists are empty.
//
// A block freed by a writer cannot be reused until every reader whose
// snapshot might still reference it has released its pin: DeferredFree
// moves a block to pending tagged with the freeing transaction's id;
// Release promotes every block pending strictly below a newly-quiesced
// minimum active transaction id into the freed set, where Allocate can
// reuse it.
type Table struct {
	mu sync.Mutex

	next base.BlockNum // next never-used block number

	// freed holds reusable block numbers in ascending order, so Allocate
	// always hands out the lowest-numbered free block rather than an
	// arbitrary one — keeps block numbers dense, which matters once
	// compaction needs to reason about the live range.
	freed          *btree.BTreeG[base.BlockNum]
	pending        map[base.TxnID][]base.BlockNum
	pendingReverse map[base.BlockNum]base.TxnID

	fileEnd int64
	extents map[base.BlockNum]Extent
}

// New returns a table that bump-allocates starting from firstFreeBlock
// (block numbers below it are assumed already in use, e.g. reserved for
// meta pages).
func New(firstFreeBlock base.BlockNum) *Table {
	return &Table{
		next:           firstFreeBlock,
		freed:          btree.NewG(32, lessBlockNum),
		pending:        make(map[base.TxnID][]base.BlockNum),
		pendingReverse: make(map[base.BlockNum]base.TxnID),
		extents:        make(map[base.BlockNum]Extent),
	}
}

// Locate returns id's current extent in the backing file.
func (t *Table) Locate(id base.BlockNum) (Extent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.extents[id]
	return e, ok
}

// Place reserves length bytes at the end of the backing file for id and
// records the resulting extent, returning the offset to write at. Blocks
// are append-only: a rewritten node always gets a fresh extent, and its
// old extent is abandoned (the space is reclaimed only by compaction,
// which this table does not yet implement).
func (t *Table) Place(id base.BlockNum, length int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	offset := t.fileEnd
	t.extents[id] = Extent{Offset: offset, Length: length}
	t.fileEnd += int64(length)
	return offset
}

// SetFileEnd initializes the append cursor, used when reopening an
// existing backing file.
func (t *Table) SetFileEnd(end int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileEnd = end
}

// Allocate returns a reusable freed block if one exists, otherwise a
// fresh never-used block number.
func (t *Table) Allocate() (base.BlockNum, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.freed.DeleteMin(); ok {
		return id, nil
	}

	id := t.next
	t.next++
	return id, nil
}

// Free is a convenience for callers (e.g. reshape) that don't need MVCC
// deferral because the block was never published to any reader (a
// newly-allocated sibling that turned out to be unnecessary). It frees
// the block immediately.
func (t *Table) Free(id base.BlockNum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freed.ReplaceOrInsert(id)
}

// DeferredFree marks id as freed by txnID; it only becomes reusable once
// Release is called with a minActive strictly above txnID.
func (t *Table) DeferredFree(txnID base.TxnID, id base.BlockNum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[txnID] = append(t.pending[txnID], id)
	t.pendingReverse[id] = txnID
}

// Release promotes every block pending at a transaction id strictly less
// than minActive into the freed set, reusable by a future Allocate.
func (t *Table) Release(minActive base.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for txnID, ids := range t.pending {
		if txnID >= minActive {
			continue
		}
		for _, id := range ids {
			t.freed.ReplaceOrInsert(id)
			delete(t.pendingReverse, id)
		}
		delete(t.pending, txnID)
	}
}

// pendingMarker separates the freed-id list from the pending map in the
// serialized form.
const pendingMarker = ^uint64(0)

// Serialize encodes the table's state for inclusion in a checkpoint.
func (t *Table) Serialize() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, 0, 8+8*t.freed.Len()+8)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.next))
	t.freed.Ascend(func(id base.BlockNum) bool {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		return true
	})
	buf = binary.LittleEndian.AppendUint64(buf, pendingMarker)
	for txnID, ids := range t.pending {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(txnID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ids)))
		for _, id := range ids {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		}
	}
	buf = binary.LittleEndian.AppendUint64(buf, pendingMarker)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.fileEnd))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(t.extents)))
	for id, e := range t.extents {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Offset))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Length))
	}
	return buf
}

// Deserialize reconstructs a table from Serialize's output.
func Deserialize(buf []byte) (*Table, error) {
	if len(buf) < 8 {
		return nil, base.ErrInvalidLayout
	}
	t := &Table{
		freed:          btree.NewG(32, lessBlockNum),
		pending:        make(map[base.TxnID][]base.BlockNum),
		pendingReverse: make(map[base.BlockNum]base.TxnID),
		extents:        make(map[base.BlockNum]Extent),
	}
	off := 0
	t.next = base.BlockNum(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	for off+8 <= len(buf) {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		if v == pendingMarker {
			break
		}
		t.freed.ReplaceOrInsert(base.BlockNum(v))
	}
	for off+16 <= len(buf) {
		peek := binary.LittleEndian.Uint64(buf[off:])
		if peek == pendingMarker {
			off += 8
			break
		}
		txnID := base.TxnID(peek)
		off += 8
		n := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		ids := make([]base.BlockNum, 0, n)
		for i := uint64(0); i < n; i++ {
			if off+8 > len(buf) {
				return nil, base.ErrInvalidLayout
			}
			id := base.BlockNum(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
			ids = append(ids, id)
			t.pendingReverse[id] = txnID
		}
		t.pending[txnID] = ids
	}

	// The pending-map loop above already consumed the trailing
	// pendingMarker (if present) that separates the pending map from the
	// block-translation-table section below; an older serialization with
	// no translation table simply ends here.
	if off+16 <= len(buf) {
		t.fileEnd = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		n := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		for i := uint64(0); i < n; i++ {
			if off+24 > len(buf) {
				return nil, base.ErrInvalidLayout
			}
			id := base.BlockNum(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
			extOffset := int64(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
			extLength := int(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
			t.extents[id] = Extent{Offset: extOffset, Length: extLength}
		}
	}

	return t, nil
}
