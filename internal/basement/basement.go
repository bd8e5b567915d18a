// Package basement implements the ordered, in-memory container that holds
// one leaf partition's entries: a basement node (BN).
package basement

import (
	"bytes"
	"sort"

	"github.com/brtdb/brt/internal/entry"
)

// searchThreshold mirrors the teacher's algo package: below this many
// entries a linear scan beats a binary search on small slices.
const searchThreshold = 32

// Direction controls which way Find continues past an inexact match.
type Direction int

const (
	Left  Direction = -1 // find the rightmost entry <= key
	Exact Direction = 0
	Right Direction = 1 // find the leftmost entry >= key
)

// Basement is an ordered, OMT-like sequence of leaf entries keyed by
// entry.LeafEntry.Key under the dictionary's comparator. It tracks the
// buffered byte count and the right-edge insertion streak used to drive
// the fast append-likely path.
type Basement struct {
	entries          []*entry.LeafEntry
	nBytesInBuffer   int
	seqInsert        int
	softCopyUpToDate bool
}

// New returns an empty basement.
func New() *Basement {
	return &Basement{}
}

// Size returns the number of entries.
func (b *Basement) Size() int { return len(b.entries) }

// NBytesInBuffer returns the cached total memory size of all entries.
func (b *Basement) NBytesInBuffer() int { return b.nBytesInBuffer }

// SoftCopyUpToDate reports whether ancestor messages have been applied to
// this basement since it was last loaded from disk.
func (b *Basement) SoftCopyUpToDate() bool { return b.softCopyUpToDate }

// SetSoftCopyUpToDate marks the basement as having absorbed ancestor
// messages (or not, on load from disk).
func (b *Basement) SetSoftCopyUpToDate(v bool) { b.softCopyUpToDate = v }

// Fetch returns the entry at index i.
func (b *Basement) Fetch(i int) *entry.LeafEntry { return b.entries[i] }

// Entries exposes the backing slice for iteration; callers must not
// mutate it directly.
func (b *Basement) Entries() []*entry.LeafEntry { return b.entries }

// SeqInsertActive reports whether the right-edge sequential-insert streak
// has crossed its threshold — the "seqinsert flag" a leaf's FUSIBLE check
// must also find clear before shrinking a basement that is still
// absorbing a sustained append run.
func (b *Basement) SeqInsertActive() bool {
	return b.seqInsert >= b.seqInsertThreshold()
}

// seqInsertThreshold is max(1, min(32, size/16)) per the node-design spec.
func (b *Basement) seqInsertThreshold() int {
	t := len(b.entries) / 16
	if t > 32 {
		t = 32
	}
	if t < 1 {
		t = 1
	}
	return t
}

// FindZero performs an exact search for key, returning (index, true) on a
// hit or (insertion point, false) on a miss.
func (b *Basement) FindZero(key []byte) (int, bool) {
	n := len(b.entries)
	if n < searchThreshold {
		i := 0
		for i < n && bytes.Compare(key, b.entries[i].Key) > 0 {
			i++
		}
		if i < n && bytes.Equal(b.entries[i].Key, key) {
			return i, true
		}
		return i, false
	}
	idx := sort.Search(n, func(i int) bool {
		return bytes.Compare(b.entries[i].Key, key) >= 0
	})
	if idx < n && bytes.Equal(b.entries[idx].Key, key) {
		return idx, true
	}
	return idx, false
}

// Find performs a heaviside search: Exact behaves like FindZero; Left
// returns the rightmost entry with Key <= key; Right returns the leftmost
// entry with Key >= key. Returns -1 if no such entry exists.
func (b *Basement) Find(key []byte, dir Direction) int {
	idx, hit := b.FindZero(key)
	switch dir {
	case Exact:
		if hit {
			return idx
		}
		return -1
	case Right:
		if idx >= len(b.entries) {
			return -1
		}
		return idx
	case Left:
		if hit {
			return idx
		}
		if idx == 0 {
			return -1
		}
		return idx - 1
	default:
		return -1
	}
}

// InsertAt inserts le at index i, shifting later entries right. Bumps the
// seqinsert counter when the insertion lands within the right-edge
// threshold of the tail, enabling the fast append-likely probe.
func (b *Basement) InsertAt(i int, le *entry.LeafEntry) {
	if i >= len(b.entries)-b.seqInsertThreshold() {
		b.seqInsert++
	} else {
		b.seqInsert = 0
	}
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = le
	b.nBytesInBuffer += le.MemSize()
}

// SetAt replaces the entry at index i.
func (b *Basement) SetAt(i int, le *entry.LeafEntry) {
	b.nBytesInBuffer += le.MemSize() - b.entries[i].MemSize()
	b.entries[i] = le
}

// DeleteAt removes the entry at index i.
func (b *Basement) DeleteAt(i int) {
	b.nBytesInBuffer -= b.entries[i].MemSize()
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// AppendLikely probes only the last element before falling back to a full
// FindZero — the fast path for sustained right-edge sequential inserts
// once seqinsert has crossed its threshold.
func (b *Basement) AppendLikely(key []byte) (int, bool) {
	if b.seqInsert < b.seqInsertThreshold() || len(b.entries) == 0 {
		return b.FindZero(key)
	}
	last := b.entries[len(b.entries)-1]
	cmp := bytes.Compare(key, last.Key)
	if cmp > 0 {
		return len(b.entries), false
	}
	if cmp == 0 {
		return len(b.entries) - 1, true
	}
	return b.FindZero(key)
}

// Iterate calls fn for each entry in key order until fn returns false.
func (b *Basement) Iterate(fn func(i int, le *entry.LeafEntry) bool) {
	for i, le := range b.entries {
		if !fn(i, le) {
			return
		}
	}
}

// DiskSize returns the serialized size of every entry, the figure used by
// leaf reactivity (FISSIBLE) checks.
func (b *Basement) DiskSize() int {
	total := 0
	for _, le := range b.entries {
		total += le.DiskSize()
	}
	return total
}

// Clone returns a shallow copy suitable as the starting point for a split
// or merge; entries themselves are immutable once applied so are shared,
// not deep-copied.
func (b *Basement) Clone() *Basement {
	c := &Basement{
		entries:          make([]*entry.LeafEntry, len(b.entries)),
		nBytesInBuffer:   b.nBytesInBuffer,
		seqInsert:        0,
		softCopyUpToDate: b.softCopyUpToDate,
	}
	copy(c.entries, b.entries)
	return c
}
