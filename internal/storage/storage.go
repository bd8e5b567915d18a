// Package storage implements the raw block file backend: direct I/O
// reads and writes of a node's serialized bytes at a given file offset,
// using aligned buffers to satisfy O_DIRECT's alignment requirements.
//
// Unlike a fixed-page backend, a node's serialized size varies, so this
// package works in terms of (offset, length) rather than a PageID; the
// block-to-offset mapping lives in internal/blockalloc.
package storage

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/brtdb/brt/internal/directio"
)

// Storage is a direct-I/O-backed byte-range file: node payloads are
// written at an alignment-multiple offset, padded to an alignment-size
// multiple so O_DIRECT accepts the I/O.
type Storage struct {
	file *os.File

	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// New opens (creating if necessary) the backing file at path.
func New(path string) (*Storage, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &Storage{file: file}, nil
}

// alignUp rounds n up to the nearest multiple of directio.AlignSize (a
// no-op where the platform doesn't require alignment).
func alignUp(n int) int {
	if directio.AlignSize == 0 {
		return n
	}
	rem := n % directio.AlignSize
	if rem == 0 {
		return n
	}
	return n + (directio.AlignSize - rem)
}

// ReadAt reads length bytes starting at offset, both of which must
// already be alignment-multiples (the caller, blockalloc's block-to-
// offset map, guarantees this).
func (s *Storage) ReadAt(offset int64, length int) ([]byte, error) {
	padded := alignUp(length)
	buf := directio.AlignedBlock(padded)

	s.reads.Add(1)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		return nil, err
	}
	s.read.Add(uint64(n))
	if n < length {
		return nil, fmt.Errorf("storage: short read: got %d bytes, want >= %d", n, length)
	}
	return buf[:length], nil
}

// WriteAt writes data at offset, padding to an alignment-size multiple
// with an aligned scratch buffer when data itself isn't already aligned
// or sized correctly for O_DIRECT.
func (s *Storage) WriteAt(offset int64, data []byte) error {
	padded := alignUp(len(data))
	buf := data
	if len(data) != padded || !directio.IsAligned(data) {
		buf = directio.AlignedBlock(padded)
		copy(buf, data)
	}

	s.writes.Add(1)
	n, err := s.file.WriteAt(buf, offset)
	s.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n < len(data) {
		return fmt.Errorf("storage: short write: wrote %d bytes, want >= %d", n, len(data))
	}
	return nil
}

// Sync flushes the file to stable storage.
func (s *Storage) Sync() error { return s.file.Sync() }

// Empty reports whether the backing file has no content yet.
func (s *Storage) Empty() (bool, error) {
	info, err := s.file.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

// Close closes the backing file.
func (s *Storage) Close() error { return s.file.Close() }

// Stats reports cumulative read/write counters for diagnostics.
type Stats struct {
	Reads, Writes         uint64
	BytesRead, BytesWrite uint64
}

func (s *Storage) Stats() Stats {
	return Stats{
		Reads:      s.reads.Load(),
		Writes:     s.writes.Load(),
		BytesRead:  s.read.Load(),
		BytesWrite: s.written.Load(),
	}
}
