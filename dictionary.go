// Package brt implements a buffered repository tree: a fractal-tree-style
// transactional key/value storage engine that defers writes into
// per-child message buffers and only pushes them toward the leaves when
// a node's buffer or fanout grows past its target.
package brt

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/blockalloc"
	"github.com/brtdb/brt/internal/cache"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/checkpoint"
	"github.com/brtdb/brt/internal/env"
	"github.com/brtdb/brt/internal/flush"
	"github.com/brtdb/brt/internal/ingress"
	"github.com/brtdb/brt/internal/msg"
	"github.com/brtdb/brt/internal/node"
	"github.com/brtdb/brt/internal/reshape"
	"github.com/brtdb/brt/internal/search"
	"github.com/brtdb/brt/internal/storage"
	"github.com/brtdb/brt/internal/txntable"
	"github.com/brtdb/brt/internal/wal"
)

// firstFreeBlock reserves block 0 as the null/sentinel value; real blocks
// start at 1.
const firstFreeBlock base.BlockNum = 1

// Dictionary is one open key/value store: a single tree rooted at
// header.RootBlock, backed by a block file, a write-ahead log, and an
// in-memory node cache, with a background releaser and checkpointer.
type Dictionary struct {
	opts   Options
	logger Logger

	dataFile   *storage.Storage
	headerFile *storage.Storage
	header     *headerStore
	store      *blockStore
	alloc      *blockalloc.Table
	log        *wal.WAL
	cache      *cache.Table
	env        *env.Env
	txns       *txntable.Table

	root base.BlockNum

	ingress    *ingress.Engine
	search     *search.Engine
	flush      *flush.Engine
	reshape    *reshape.Engine
	checkpoint *checkpoint.Engine

	mu       sync.RWMutex
	msn      *ingress.MsnGenerator
	lastXid  base.TxnID
	closed   bool
	writerMu sync.Mutex // enforces one writer transaction at a time

	stopC chan struct{}
	wg    sync.WaitGroup
}

// Open opens (creating if necessary) a dictionary rooted at path (the
// node/block store) with a companion path+".hdr" header file.
func Open(path string, options ...Option) (*Dictionary, error) {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	dataFile, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("brt: open data file: %w", err)
	}
	headerFile, err := storage.New(path + ".hdr")
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("brt: open header file: %w", err)
	}
	logFile, err := wal.Open(path+".wal", opts.syncMode.toWAL(), int(opts.syncBytes))
	if err != nil {
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("brt: open log: %w", err)
	}

	alloc := blockalloc.New(firstFreeBlock)
	store := &blockStore{files: dataFile, alloc: alloc, log: logFile}

	hs := newHeaderStore(headerFile)
	hdr, found, err := hs.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("brt: read header: %w", err)
	}

	d := &Dictionary{
		opts:       opts,
		logger:     opts.logger,
		dataFile:   dataFile,
		headerFile: headerFile,
		header:     hs,
		store:      store,
		alloc:      alloc,
		log:        logFile,
		env:        env.New(opts.maxReaders),
		txns:       txntable.New(),
		stopC:      make(chan struct{}),
	}

	d.msn = &ingress.MsnGenerator{}
	d.cache = cache.New(opts.maxCacheBlocks, store.callbacks())

	if found {
		d.root = hdr.RootBlock
		d.lastXid = hdr.LastXid
	} else {
		rootBlock, allocErr := alloc.Allocate()
		if allocErr != nil {
			return nil, allocErr
		}
		root := node.NewLeaf(rootBlock, opts.nodeSizeTarget)
		h := d.cache.CreatePinned(rootBlock, root)
		h.MarkDirty()
		h.Release()
		d.root = rootBlock
	}

	if err := d.recoverFromLog(); err != nil {
		return nil, fmt.Errorf("brt: recover from log: %w", err)
	}

	// search is the only engine that reads a leaf entry's value rather than
	// just applying messages to it, so it is the only one that needs a
	// visibility predicate. It gets one dictionary-wide instance (below)
	// rather than a fresh one per transaction: it is built once at Open and
	// called from many concurrent transactions, so there is no single point
	// to inject a fresh entry.SnapshotContext per caller without changing
	// search's constructor shape. This gives read-committed-or-live
	// visibility (a live writer's own in-flight entries are visible to
	// everyone, not just itself) instead of full per-reader snapshot
	// isolation — see DESIGN.md.
	snap := liveSnapshot{d: d}

	d.search = &search.Engine{
		Cache:    d.cache,
		RootRef:  &d.root,
		Snapshot: snap,
		Update:   nil,
	}
	d.reshape = &reshape.Engine{Cache: d.cache, Alloc: alloc}
	d.flush = &flush.Engine{
		Cache:    d.cache,
		Reshaper: d.reshape,
		Update:   nil,
	}
	d.ingress = &ingress.Engine{
		Msn:     d.msn,
		Cache:   d.cache,
		RootRef: &d.root,
		Update:  nil,
		Fixup:   d.rootFixup,
	}
	d.checkpoint = &checkpoint.Engine{Cache: d.cache, Writer: hs}

	d.wg.Add(2)
	go d.backgroundReleaser()
	go d.backgroundCheckpointer()

	return d, nil
}

// recoverFromLog replays every committed write-ahead record into the
// block file; uncommitted tail records are simply discarded by Replay.
func (d *Dictionary) recoverFromLog() error {
	return d.log.Replay(0, func(blockNum base.BlockNum, data []byte) error {
		offset := d.alloc.Place(blockNum, len(data))
		return d.dataFile.WriteAt(offset, data)
	})
}

// rootFixup is the ingress.Fixup callback: it pins the current root,
// drains it toward its heaviest child if the root is gorged, then splits
// it if it's still fissible afterward.
func (d *Dictionary) rootFixup(ctx context.Context, rootBlock base.BlockNum) (base.BlockNum, error) {
	h, err := d.cache.Pin(ctx, rootBlock, cachecontract.FetchAll)
	if err != nil {
		return 0, err
	}
	n := h.Node()

	if !n.IsLeaf() {
		next := flush.HeaviestChild(n)
		if p := n.Partitions[next]; p.Buffer != nil && p.Buffer.Len() > 0 {
			if err := d.flush.FlushOneChild(ctx, h, next, true); err != nil {
				h.Release()
				return 0, err
			}
		}
	}

	if n.GetReactivity() != node.Fissible {
		h.Release()
		return rootBlock, nil
	}

	newRoot, err := d.reshape.SplitRoot(ctx, h)
	h.Release()
	if err != nil {
		return 0, err
	}
	return newRoot, nil
}

// Begin starts a new transaction. writable transactions serialize against
// one another (the coarse single-writer model of §5); readers never
// block a writer or each other.
func (d *Dictionary) Begin(writable bool) (*Tx, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrDictionaryClosed
	}

	if writable {
		d.writerMu.Lock()
	}

	id := d.env.NextTxnID()
	d.txns.Begin(id)
	release, err := d.env.Readers.Register(id)
	if err != nil {
		d.txns.Abort(id)
		if writable {
			d.writerMu.Unlock()
		}
		return nil, err
	}

	return &Tx{
		dict:     d,
		xids:     msg.RootXids(id),
		writable: writable,
		release:  release,
	}, nil
}

// View runs fn inside a read-only transaction, always rolling back (a
// read-only transaction has nothing to commit).
func (d *Dictionary) View(fn func(*Tx) error) error {
	tx, err := d.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn inside a writable transaction, committing on success and
// rolling back if fn (or Commit) returns an error.
func (d *Dictionary) Update(fn func(*Tx) error) error {
	tx, err := d.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Get is a convenience wrapper around View + Tx.Get.
func (d *Dictionary) Get(key []byte) ([]byte, error) {
	var val []byte
	err := d.View(func(tx *Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// Set is a convenience wrapper around Update + Tx.Put.
func (d *Dictionary) Set(key, val []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Put(key, val)
	})
}

// Delete is a convenience wrapper around Update + Tx.Delete.
func (d *Dictionary) Delete(key []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// Stat64 reports coarse dictionary-wide statistics, approximated from the
// root's subtree estimate rather than a full scan.
type Stat64 struct {
	FileSize int64
	NKeys    uint64
	NData    uint64
	DSize    uint64
}

// Stat64 returns coarse size statistics for the dictionary.
func (d *Dictionary) Stat64(ctx context.Context) (Stat64, error) {
	_, _, greater, err := d.search.KeyRange(ctx, nil)
	if err != nil {
		return Stat64{}, err
	}
	stats := d.dataFile.Stats()
	return Stat64{
		FileSize: int64(stats.BytesWrite),
		NKeys:    greater.NKeys,
		NData:    greater.NData,
		DSize:    greater.DSize,
	}, nil
}

// Checkpoint forces an immediate checkpoint rather than waiting for the
// background checkpointer's next tick.
func (d *Dictionary) Checkpoint(ctx context.Context) error {
	return d.runCheckpoint(ctx)
}

func (d *Dictionary) runCheckpoint(ctx context.Context) error {
	d.mu.Lock()
	snapshot := Header{
		RootBlock: d.root,
		LastMsn:   d.msn.Current(),
		LastXid:   d.lastXid,
	}
	d.mu.Unlock()

	if err := d.checkpoint.Run(ctx, snapshot, checkpoint.NowUnixNano); err != nil {
		return err
	}
	return d.log.Truncate(snapshot.LastXid)
}

func (d *Dictionary) backgroundReleaser() {
	defer d.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.alloc.Release(d.env.Readers.MinTxID())
			d.log.CleanupLatch(d.lastXid, d.env.Readers.MinTxID())
		case <-d.stopC:
			d.alloc.Release(base.TxnID(math.MaxUint64))
			return
		}
	}
}

func (d *Dictionary) backgroundCheckpointer() {
	defer d.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.runCheckpoint(context.Background())
		case <-d.stopC:
			return
		}
	}
}

// Close stops background work, performs a final checkpoint, and closes
// every underlying file.
func (d *Dictionary) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopC)
	d.wg.Wait()

	if err := d.log.ForceSync(); err != nil {
		return err
	}
	if err := d.runCheckpoint(context.Background()); err != nil {
		return err
	}
	if err := d.log.Close(); err != nil {
		return err
	}
	if err := d.dataFile.Close(); err != nil {
		return err
	}
	return d.headerFile.Close()
}

// liveSnapshot is the dictionary-wide visibility predicate described in
// Open: a write is visible once its transaction is Committed or still
// Live (read-uncommitted for in-flight writers), or if it predates every
// currently-registered reader. A write by an aborted transaction is never
// visible.
type liveSnapshot struct {
	d *Dictionary
}

func (s liveSnapshot) DoesTxnReadEntry(creator base.TxnID) bool {
	if creator == base.NoneTxnID {
		return true
	}
	if s.d.txns.StatusOf(creator) == txntable.Aborted {
		return false
	}
	if creator < s.d.env.Readers.MinTxID() {
		return true
	}
	switch s.d.txns.StatusOf(creator) {
	case txntable.Committed, txntable.Live:
		return true
	default:
		return false
	}
}
