// Package cachecontract defines the pin/fetch/eviction contract between a
// node's owner (search, flush, ingress, checkpoint) and the page cache
// that backs it, independent of the cache's own implementation.
package cachecontract

import (
	"context"
	"errors"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/node"
)

// ErrTryAgain is returned by a nonblocking pin attempt when the requested
// block is not currently resident and must be fetched; the caller is
// expected to release whatever locks it holds (via its Unlockers stack)
// and retry the operation from a safe restart point.
var ErrTryAgain = errors.New("cachecontract: try again")

// FetchExtra tells PartialFetch which partitions of a node the requester
// actually needs, so a node already resident in COMPRESSED form for most
// children need only decompress the ones on the caller's path.
type FetchExtra uint8

const (
	FetchNone FetchExtra = iota
	FetchMin             // just enough to route (pivots, no partition payload)
	FetchSubset
	FetchAll
)

// Callbacks lets the cache table stay generic over node internals: the
// tree layer supplies how to fetch, flush, decide a partial fetch is
// required, perform one, and evict one.
type Callbacks struct {
	// Fetch reads a node's full serialized form from the block store.
	Fetch func(ctx context.Context, blockNum base.BlockNum) (*node.Node, error)

	// Flush writes a dirty node back to the block store. forCheckpoint
	// indicates the write is part of a checkpoint snapshot rather than an
	// ordinary eviction-driven flush, so the implementation may choose to
	// keep the in-memory node resident afterward instead of discarding it.
	Flush func(ctx context.Context, n *node.Node, forCheckpoint bool) error

	// PartialFetchRequired reports whether n, as currently resident, can
	// satisfy a request needing the given FetchExtra.
	PartialFetchRequired func(n *node.Node, extra FetchExtra) bool

	// PartialFetch decompresses or fetches whatever is necessary for n to
	// satisfy extra, mutating n's partitions in place.
	PartialFetch func(ctx context.Context, n *node.Node, extra FetchExtra) error

	// PartialEvict drops as much of n's memory footprint as possible
	// (moving AVAIL partitions to COMPRESSED) while keeping it resident,
	// invoked by the cache's clock sweep before a full eviction.
	PartialEvict func(n *node.Node) (bytesFreed int)
}

// Handle is a live pin on a cached node: callers must Release it exactly
// once to drop the reference, after which the cache is free to evict the
// node once no other pin remains.
type Handle interface {
	Node() *node.Node
	Release()
	MarkDirty()
}

// Table is the pin/unpin/fetch/evict surface the tree layer programs
// against; internal/cache provides the concrete implementation.
type Table interface {
	// Pin blocks until blockNum is resident and pinned, fetching it via
	// Callbacks.Fetch if necessary.
	Pin(ctx context.Context, blockNum base.BlockNum, extra FetchExtra) (Handle, error)

	// PinNonblocking returns ErrTryAgain instead of blocking or fetching
	// when blockNum is not already resident in a form satisfying extra.
	PinNonblocking(blockNum base.BlockNum, extra FetchExtra) (Handle, error)

	// Prefetch asynchronously warms blockNum without pinning it for the
	// caller; best-effort, errors are not surfaced.
	Prefetch(blockNum base.BlockNum, extra FetchExtra)

	// Remove drops blockNum from the table entirely, used once a node has
	// been folded into a merge or otherwise permanently retired.
	Remove(blockNum base.BlockNum)

	// CreatePinned registers a brand-new, already-pinned node (e.g. a
	// freshly allocated split sibling) without going through Fetch.
	CreatePinned(blockNum base.BlockNum, n *node.Node) Handle
}
