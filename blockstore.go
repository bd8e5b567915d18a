package brt

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/blockalloc"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/checkpoint"
	"github.com/brtdb/brt/internal/node"
	"github.com/brtdb/brt/internal/storage"
	"github.com/brtdb/brt/internal/wal"
)

// Header is the durable root pointer and bookkeeping a checkpoint commits
// atomically.
type Header = checkpoint.Header

// blockStore wires a dictionary's node cache to the raw block file: it
// implements cachecontract.Callbacks.Fetch/Flush by combining the block-to-offset directory (internal/blockalloc) with
// direct-I/O byte-range reads and writes (internal/storage). Partial
// fetch/eviction are no-ops here: node.Deserialize always materializes
// every partition Available (see internal/node/layout.go), so there is
// nothing partial for this collaborator to do until a compression layer
// is added.
type blockStore struct {
	files *storage.Storage
	alloc *blockalloc.Table
	log   *wal.WAL
}

func (b *blockStore) fetch(_ context.Context, blockNum base.BlockNum) (*node.Node, error) {
	ext, ok := b.alloc.Locate(blockNum)
	if !ok {
		return nil, fmt.Errorf("brt: block %d has no known location", blockNum)
	}
	buf, err := b.files.ReadAt(ext.Offset, ext.Length)
	if err != nil {
		return nil, fmt.Errorf("brt: read block %d: %w", blockNum, err)
	}
	return node.Deserialize(buf)
}

func (b *blockStore) flush(_ context.Context, n *node.Node, _ bool) error {
	buf, err := n.Serialize()
	if err != nil {
		return fmt.Errorf("brt: serialize block %d: %w", n.BlockNum, err)
	}
	offset := b.alloc.Place(n.BlockNum, len(buf))
	if err := b.files.WriteAt(offset, buf); err != nil {
		return fmt.Errorf("brt: write block %d: %w", n.BlockNum, err)
	}
	return nil
}

func partialFetchRequired(*node.Node, cachecontract.FetchExtra) bool { return false }

func partialFetch(context.Context, *node.Node, cachecontract.FetchExtra) error { return nil }

func partialEvict(*node.Node) int { return 0 }

func (b *blockStore) callbacks() cachecontract.Callbacks {
	return cachecontract.Callbacks{
		Fetch:                b.fetch,
		Flush:                b.flush,
		PartialFetchRequired: partialFetchRequired,
		PartialFetch:         partialFetch,
		PartialEvict:         partialEvict,
	}
}

// headerMagic tags the dictionary header file so Open can reject a
// mismatched or corrupt file early.
const headerMagic uint32 = 0x42525448 // "BRTH"

// headerSlotSize is the padded size of one alternating header slot: magic
// (4) + version (8, doubling as the alternation counter) + rootBlock (8)
// + lastMsn (8) + lastXid (8) + checkpointedAt (8) + checksum (8).
const headerSlotSize = 4 + 8 + 8 + 8 + 8 + 8 + 8

// headerStore persists the checkpoint header using the dual alternating
// slot discipline: each write targets the slot the current version
// doesn't occupy, so a crash mid-write leaves the other slot intact.
type headerStore struct {
	files   *storage.Storage
	version uint64
}

func newHeaderStore(files *storage.Storage) *headerStore {
	return &headerStore{files: files}
}

// ReadHeader loads the most recent valid header slot, or (zero Header,
// false, nil) if the file is too small to hold either slot yet (a brand
// new dictionary).
func (h *headerStore) ReadHeader() (Header, bool, error) {
	empty, err := h.files.Empty()
	if err != nil {
		return Header{}, false, err
	}
	if empty {
		return Header{}, false, nil
	}

	var best *Header
	var bestVersion uint64
	for slot := 0; slot < 2; slot++ {
		buf, err := h.files.ReadAt(int64(slot*headerSlotSize), headerSlotSize)
		if err != nil {
			continue
		}
		hdr, version, ok := decodeHeaderSlot(buf)
		if !ok {
			continue
		}
		if best == nil || version > bestVersion {
			best, bestVersion = &hdr, version
		}
	}
	if best == nil {
		return Header{}, false, nil
	}
	h.version = bestVersion
	return *best, true, nil
}

func (h *headerStore) WriteHeader(_ context.Context, hdr Header) error {
	h.version++
	slot := int64(h.version % 2)
	buf := encodeHeaderSlot(hdr, h.version)
	if err := h.files.WriteAt(slot*headerSlotSize, buf); err != nil {
		return err
	}
	return h.files.Sync()
}

func encodeHeaderSlot(hdr Header, version uint64) []byte {
	buf := make([]byte, 0, headerSlotSize)
	buf = binary.LittleEndian.AppendUint32(buf, headerMagic)
	buf = binary.LittleEndian.AppendUint64(buf, version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(hdr.RootBlock))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(hdr.LastMsn))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(hdr.LastXid))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(hdr.CheckpointedAt))
	sum := xxhash.Sum64(buf)
	buf = binary.LittleEndian.AppendUint64(buf, sum)
	return buf
}

func decodeHeaderSlot(buf []byte) (Header, uint64, bool) {
	if len(buf) < headerSlotSize {
		return Header{}, 0, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != headerMagic {
		return Header{}, 0, false
	}
	sum := xxhash.Sum64(buf[:headerSlotSize-8])
	if binary.LittleEndian.Uint64(buf[headerSlotSize-8:]) != sum {
		return Header{}, 0, false
	}
	version := binary.LittleEndian.Uint64(buf[4:12])
	hdr := Header{
		RootBlock:      base.BlockNum(binary.LittleEndian.Uint64(buf[12:20])),
		LastMsn:        base.MSN(binary.LittleEndian.Uint64(buf[20:28])),
		LastXid:        base.TxnID(binary.LittleEndian.Uint64(buf[28:36])),
		CheckpointedAt: int64(binary.LittleEndian.Uint64(buf[36:44])),
	}
	return hdr, version, true
}
