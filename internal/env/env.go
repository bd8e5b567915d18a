// Package env holds the environment-wide state threaded explicitly
// through every dictionary operation instead of living in package-level
// globals: active-reader tracking (for MVCC reclamation) and this
// environment's transaction and dictionary id series.
package env

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/brtdb/brt/internal/base"
)

// ErrTooManyReaders is returned by Register once every slot is in use;
// callers should size the maxReaders passed to New for their expected
// concurrency.
var ErrTooManyReaders = errors.New("env: too many concurrent readers (increase MaxReaders)")

// ReaderSlots tracks every currently-active reader's transaction id in a
// fixed-size slot array, giving O(1) register/unregister with no
// allocation and an O(1) cached minimum for blockalloc.Release.
type ReaderSlots struct {
	slots   []atomic.Uint64
	maxSize int
	active  atomic.Int32
	minTxID atomic.Uint64
}

// NewReaderSlots allocates a slot array sized for maxReaders concurrent
// readers.
func NewReaderSlots(maxReaders int) *ReaderSlots {
	rs := &ReaderSlots{slots: make([]atomic.Uint64, maxReaders), maxSize: maxReaders}
	rs.minTxID.Store(math.MaxUint64)
	return rs
}

// Register claims an empty slot for txID and returns an idempotent
// unregister function.
func (rs *ReaderSlots) Register(txID base.TxnID) (func(), error) {
	id := uint64(txID)
	for i := 0; i < rs.maxSize; i++ {
		if rs.slots[i].CompareAndSwap(0, id) {
			rs.active.Add(1)
			for {
				current := rs.minTxID.Load()
				if id >= current {
					break
				}
				if rs.minTxID.CompareAndSwap(current, id) {
					break
				}
			}
			var once sync.Once
			return func() {
				once.Do(func() { rs.unregister(i) })
			}, nil
		}
	}
	return nil, ErrTooManyReaders
}

func (rs *ReaderSlots) unregister(slot int) {
	id := rs.slots[slot].Swap(0)
	if rs.active.Add(-1) == 0 {
		rs.minTxID.Store(math.MaxUint64)
		return
	}
	if id == rs.minTxID.Load() {
		min := uint64(math.MaxUint64)
		for i := 0; i < rs.maxSize; i++ {
			if v := rs.slots[i].Load(); v != 0 && v < min {
				min = v
			}
		}
		rs.minTxID.Store(min)
	}
}

// MinTxID returns the oldest active reader's transaction id, or
// math.MaxUint64 if there are none — the watermark blockalloc.Release
// uses to decide which pending-freed blocks are safe to reuse.
func (rs *ReaderSlots) MinTxID() base.TxnID {
	if rs.active.Load() == 0 {
		return base.TxnID(math.MaxUint64)
	}
	return base.TxnID(rs.minTxID.Load())
}

// Env is the per-dictionary environment shared by every transaction
// against it: the reader registry plus the serial counters that must be
// threaded rather than kept as package globals so multiple dictionaries
// in one process stay independent.
type Env struct {
	Readers *ReaderSlots

	txnCounter atomic.Uint64
	dictSerial atomic.Uint64
}

// New returns an Env sized for maxReaders concurrent readers.
func New(maxReaders int) *Env {
	return &Env{Readers: NewReaderSlots(maxReaders)}
}

// NextTxnID returns this environment's next transaction id.
func (e *Env) NextTxnID() base.TxnID {
	return base.TxnID(e.txnCounter.Add(1))
}

// NextDictID returns the next serial dictionary id, used to namespace
// multiple dictionaries sharing one block store.
func (e *Env) NextDictID() uint64 {
	return e.dictSerial.Add(1)
}
