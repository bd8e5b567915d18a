// Package checkpoint implements the header clone-then-write snapshot
// discipline: a checkpoint flushes every dirty node as of a captured
// instant without blocking writers that start after that instant.
package checkpoint

import (
	"context"
	"time"

	"github.com/brtdb/brt/internal/base"
)

// FlushAller is satisfied by the cache table's FlushAll method.
type FlushAller interface {
	FlushAll(ctx context.Context, forCheckpoint bool) error
}

// Header is the durable root pointer and bookkeeping a checkpoint
// commits atomically, mirroring the dual meta-page discipline the block
// allocator/storage layer provides underneath.
type Header struct {
	RootBlock      base.BlockNum
	LastMsn        base.MSN
	LastXid        base.TxnID
	CheckpointedAt int64 // unix nanos, stamped by the caller
}

// Writer persists a Header snapshot, e.g. via the root package's
// dual-slot headerStore.
type Writer interface {
	WriteHeader(ctx context.Context, h Header) error
}

// Engine coordinates one checkpoint: clone the current header under the
// tree's root lock, flush every node dirtied up to that snapshot, then
// durably write the cloned header.
type Engine struct {
	Cache  FlushAller
	Writer Writer

	// snapshot is supplied by the caller (holding whatever lock protects
	// RootRef/MSN/XID counters) so checkpoint itself stays storage-only.
}

// Run performs one checkpoint: flush, then commit the header. The caller
// is responsible for having captured a consistent Header snapshot before
// calling Run (e.g. while holding the root-ingress lock just long enough
// to read RootBlock/LastMsn/LastXid) — checkpoint never blocks writers
// beyond that instant.
func (e *Engine) Run(ctx context.Context, snapshot Header, now func() int64) error {
	if err := e.Cache.FlushAll(ctx, true); err != nil {
		return err
	}
	snapshot.CheckpointedAt = now()
	return e.Writer.WriteHeader(ctx, snapshot)
}

// NowUnixNano is the default now func passed to Run by callers that don't
// need a fixed/injectable clock (tests substitute their own).
func NowUnixNano() int64 { return time.Now().UnixNano() }
