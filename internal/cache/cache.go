// Package cache implements the concrete node cache table: pin-counted
// residency with a clock-style partial-eviction sweep, adapted from the
// teacher's versioned LRU page cache to the buffered repository tree's
// pin/fetch/partial-fetch/partial-evict contract.
package cache

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/node"
)

// hashBlockNum is freelru's required HashKeyCallback, reusing the same
// hash this module already uses for node checksums.
func hashBlockNum(id base.BlockNum) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// slot is one cached node and its residency bookkeeping.
type slot struct {
	blockNum   base.BlockNum
	n          *node.Node
	pinCount   int
	lruElement *list.Element
	dirty      bool
}

const (
	// MinSize is the smallest usable cache size: enough to hold a root-to-
	// leaf path plus a few concurrent operations' worth of pins.
	MinSize = 16
)

// Table is the concrete cachecontract.Table implementation: a pin-counted
// map guarded by a single mutex, with an LRU list driving eviction
// candidate order among unpinned slots.
type Table struct {
	mu       sync.Mutex
	maxSize  int
	lowWater int
	slots    map[base.BlockNum]*slot
	lru      *list.List // front = MRU, back = LRU candidate
	cb       cachecontract.Callbacks

	loadsMu sync.Mutex
	loads   map[base.BlockNum]*loadWait

	// aged tracks block numbers fully evicted under memory pressure, so
	// Prefetch can skip re-warming a block that was just pushed out (it
	// would only be evicted again immediately).
	aged *freelru.LRU[base.BlockNum, struct{}]
}

// loadWait coordinates concurrent Pin calls for the same cold block so
// only one of them actually calls Callbacks.Fetch.
type loadWait struct {
	done chan struct{}
	n    *node.Node
	err  error
}

// New returns a cache table enforcing maxSize resident nodes.
func New(maxSize int, cb cachecontract.Callbacks) *Table {
	if maxSize < MinSize {
		maxSize = MinSize
	}
	aged, err := freelru.New[base.BlockNum, struct{}](uint32(maxSize), hashBlockNum)
	if err != nil {
		panic(fmt.Sprintf("cache: freelru.New: %v", err))
	}
	return &Table{
		maxSize:  maxSize,
		lowWater: (maxSize * 4) / 5,
		slots:    make(map[base.BlockNum]*slot),
		lru:      list.New(),
		cb:       cb,
		loads:    make(map[base.BlockNum]*loadWait),
		aged:     aged,
	}
}

// handle is the cachecontract.Handle returned to a caller holding a pin.
type handle struct {
	t *Table
	s *slot
}

func (h *handle) Node() *node.Node { return h.s.n }

func (h *handle) MarkDirty() {
	h.t.mu.Lock()
	h.s.dirty = true
	h.t.mu.Unlock()
}

func (h *handle) Release() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.s.pinCount--
	if h.s.pinCount < 0 {
		panic(fmt.Sprintf("cache: negative pin count on block %d", h.s.blockNum))
	}
}

// CreatePinned registers a brand-new node already pinned for the caller,
// skipping Fetch entirely (used for freshly allocated split/merge output).
func (t *Table) CreatePinned(blockNum base.BlockNum, n *node.Node) cachecontract.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &slot{blockNum: blockNum, n: n, pinCount: 1, dirty: true}
	s.lruElement = t.lru.PushFront(s)
	t.slots[blockNum] = s
	t.aged.Remove(blockNum)
	t.maybeEvictLocked()
	return &handle{t: t, s: s}
}

// Pin fetches and pins blockNum, blocking on a concurrent load for the
// same block rather than issuing a duplicate fetch.
func (t *Table) Pin(ctx context.Context, blockNum base.BlockNum, extra cachecontract.FetchExtra) (cachecontract.Handle, error) {
	for {
		t.mu.Lock()
		if s, ok := t.slots[blockNum]; ok {
			if t.cb.PartialFetchRequired != nil && t.cb.PartialFetchRequired(s.n, extra) {
				t.mu.Unlock()
				if err := t.cb.PartialFetch(ctx, s.n, extra); err != nil {
					return nil, err
				}
				continue
			}
			s.pinCount++
			t.lru.MoveToFront(s.lruElement)
			t.mu.Unlock()
			return &handle{t: t, s: s}, nil
		}
		t.mu.Unlock()

		n, err := t.loadShared(ctx, blockNum)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if existing, ok := t.slots[blockNum]; ok {
			existing.pinCount++
			t.lru.MoveToFront(existing.lruElement)
			t.mu.Unlock()
			return &handle{t: t, s: existing}, nil
		}
		s := &slot{blockNum: blockNum, n: n, pinCount: 1}
		s.lruElement = t.lru.PushFront(s)
		t.slots[blockNum] = s
		t.maybeEvictLocked()
		t.mu.Unlock()
		return &handle{t: t, s: s}, nil
	}
}

// loadShared ensures exactly one Fetch is in flight per block at a time;
// concurrent callers for the same block wait on the same loadWait.
func (t *Table) loadShared(ctx context.Context, blockNum base.BlockNum) (*node.Node, error) {
	t.loadsMu.Lock()
	if w, ok := t.loads[blockNum]; ok {
		t.loadsMu.Unlock()
		<-w.done
		return w.n, w.err
	}
	w := &loadWait{done: make(chan struct{})}
	t.loads[blockNum] = w
	t.loadsMu.Unlock()

	n, err := t.cb.Fetch(ctx, blockNum)
	w.n, w.err = n, err
	close(w.done)

	t.loadsMu.Lock()
	delete(t.loads, blockNum)
	t.loadsMu.Unlock()

	return n, err
}

// PinNonblocking returns cachecontract.ErrTryAgain instead of fetching
// when blockNum is not already resident in a form satisfying extra.
func (t *Table) PinNonblocking(blockNum base.BlockNum, extra cachecontract.FetchExtra) (cachecontract.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[blockNum]
	if !ok {
		return nil, cachecontract.ErrTryAgain
	}
	if t.cb.PartialFetchRequired != nil && t.cb.PartialFetchRequired(s.n, extra) {
		return nil, cachecontract.ErrTryAgain
	}
	s.pinCount++
	t.lru.MoveToFront(s.lruElement)
	return &handle{t: t, s: s}, nil
}

// Prefetch warms blockNum asynchronously without pinning it for any
// particular caller; failures are swallowed since nothing is waiting.
// A block evicted moments ago under memory pressure is skipped: warming
// it again would only push out another resident node to make room, with
// nothing pinning the new arrival to justify the churn.
func (t *Table) Prefetch(blockNum base.BlockNum, extra cachecontract.FetchExtra) {
	t.mu.Lock()
	if _, ok := t.slots[blockNum]; ok {
		t.mu.Unlock()
		return
	}
	if t.aged.Contains(blockNum) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	go func() {
		n, err := t.loadShared(context.Background(), blockNum)
		if err != nil {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.slots[blockNum]; ok {
			return
		}
		s := &slot{blockNum: blockNum, n: n}
		s.lruElement = t.lru.PushFront(s)
		t.slots[blockNum] = s
		t.maybeEvictLocked()
	}()
}

// Remove drops blockNum from the table unconditionally; callers must
// ensure no handle still references it (e.g. after folding it into a
// merge and retiring its block number).
func (t *Table) Remove(blockNum base.BlockNum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[blockNum]; ok {
		t.lru.Remove(s.lruElement)
		delete(t.slots, blockNum)
	}
}

// maybeEvictLocked runs the clock-style eviction sweep once the table is
// at or above maxSize: it walks from the LRU end, partially evicting
// (compressing) unpinned clean slots first via Callbacks.PartialEvict,
// and fully evicting ones PartialEvict could not shrink further.
// Dirty nodes are flushed before being dropped. Must be called with t.mu
// held.
func (t *Table) maybeEvictLocked() {
	if len(t.slots) < t.maxSize {
		return
	}
	for e := t.lru.Back(); e != nil && len(t.slots) > t.lowWater; {
		s := e.Value.(*slot)
		prev := e.Prev()
		if s.pinCount > 0 {
			e = prev
			continue
		}
		if s.dirty && t.cb.Flush != nil {
			if err := t.cb.Flush(context.Background(), s.n, false); err != nil {
				e = prev
				continue
			}
			s.dirty = false
		}
		if t.cb.PartialEvict != nil {
			if freed := t.cb.PartialEvict(s.n); freed > 0 {
				e = prev
				continue
			}
		}
		t.lru.Remove(e)
		delete(t.slots, s.blockNum)
		t.aged.Add(s.blockNum, struct{}{})
		e = prev
	}
}

// FlushAll writes every dirty resident node to the block store, used by
// checkpoint.
func (t *Table) FlushAll(ctx context.Context, forCheckpoint bool) error {
	t.mu.Lock()
	dirty := make([]*slot, 0)
	for _, s := range t.slots {
		if s.dirty {
			dirty = append(dirty, s)
		}
	}
	t.mu.Unlock()

	for _, s := range dirty {
		if err := t.cb.Flush(ctx, s.n, forCheckpoint); err != nil {
			return err
		}
		t.mu.Lock()
		s.dirty = false
		t.mu.Unlock()
	}
	return nil
}

// Len reports the number of resident slots, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
