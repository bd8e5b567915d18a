package brt

import "github.com/brtdb/brt/internal/wal"

// SyncMode selects the fsync policy of the dictionary's write-ahead log,
// applied by the log's Sync method. Tx.Commit neither appends to nor
// syncs the log; Close fsyncs it unconditionally whatever the mode.
type SyncMode int

const (
	// SyncEveryCommit makes every log Sync call fsync the log.
	SyncEveryCommit SyncMode = iota

	// SyncBytes makes a log Sync call fsync only once at least syncBytes
	// bytes have accumulated in the log since the last sync.
	SyncBytes

	// SyncOff makes log Sync calls never fsync.
	SyncOff
)

func (m SyncMode) toWAL() wal.SyncMode {
	switch m {
	case SyncBytes:
		return wal.SyncBytes
	case SyncOff:
		return wal.SyncOff
	default:
		return wal.SyncEveryCommit
	}
}

// Options configures a Dictionary's behavior.
type Options struct {
	syncMode       SyncMode
	syncBytes      uint // bytes written before fsync when SyncMode is SyncBytes
	maxCacheBlocks int  // maximum resident node count in the block cache
	nodeSizeTarget int  // target serialized size, in bytes, before a node is considered fissible
	maxReaders     int  // concurrent reader slots reserved up front
	logger         Logger
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		syncMode:       SyncEveryCommit,
		syncBytes:      1024 * 1024, // 1MB
		maxCacheBlocks: 4096,
		nodeSizeTarget: 4 << 20, // 4MB
		maxReaders:     256,
		logger:         DiscardLogger{},
	}
}

// Option configures Dictionary options using the functional options pattern.
type Option func(*Options)

// WithSyncEveryCommit selects SyncEveryCommit for the dictionary's log.
func WithSyncEveryCommit() Option {
	return func(o *Options) { o.syncMode = SyncEveryCommit }
}

// WithSyncBytes selects SyncBytes with a threshold of n bytes.
func WithSyncBytes(n uint) Option {
	return func(o *Options) {
		o.syncMode = SyncBytes
		o.syncBytes = n
	}
}

// WithSyncOff selects SyncOff for the dictionary's log.
func WithSyncOff() Option {
	return func(o *Options) { o.syncMode = SyncOff }
}

// WithMaxCacheBlocks sets the maximum number of nodes resident in the block
// cache before the clock sweep starts evicting.
func WithMaxCacheBlocks(n int) Option {
	return func(o *Options) { o.maxCacheBlocks = n }
}

// WithNodeSizeTarget sets the serialized size, in bytes, a node must exceed
// before it is considered fissible.
func WithNodeSizeTarget(bytes int) Option {
	return func(o *Options) { o.nodeSizeTarget = bytes }
}

// WithMaxReaders sets the number of concurrent reader slots reserved for
// MVCC snapshot tracking.
func WithMaxReaders(n int) Option {
	return func(o *Options) { o.maxReaders = n }
}

// WithLogger sets the Logger used for diagnostic output.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.logger = l }
}
