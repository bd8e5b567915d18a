package node

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/basement"
	"github.com/brtdb/brt/internal/entry"
	"github.com/brtdb/brt/internal/msg"
)

// CurrentLayoutVersion is bumped whenever the on-disk node format changes
// incompatibly.
const CurrentLayoutVersion uint16 = 1

const magicNumber uint32 = 0x42525442 // "BRTB"

// HeaderSize is the fixed portion of a serialized node, before the pivot
// array and per-child directory.
const HeaderSize = 4 + 2 + 4 + 4 + 1 + 4 + 4 + 8 + 8 + 8

// directoryEntrySize is the per-child directory record: offset(4) +
// compressedLen(4) + uncompressedLen(4) + state(1) + checksum(8) +
// childBlockNum(8).
const directoryEntrySize = 4 + 4 + 4 + 1 + 8 + 8

// Serialize encodes a node to its on-disk representation. Every partition
// must be Available; callers are expected to force a full fetch (or keep
// the node entirely in memory since construction) before checkpointing it.
func (n *Node) Serialize() ([]byte, error) {
	n.RLock()
	defer n.RUnlock()

	payloads := make([][]byte, len(n.Partitions))
	for i, p := range n.Partitions {
		buf, err := serializePartition(n.Leaf, p)
		if err != nil {
			return nil, fmt.Errorf("node: serialize partition %d: %w", i, err)
		}
		payloads[i] = buf
	}

	dirSize := len(n.Partitions) * directoryEntrySize
	pivotsSize := 4
	for _, piv := range n.Pivots {
		pivotsSize += 4 + len(piv)
	}
	total := HeaderSize + pivotsSize + dirSize
	for _, p := range payloads {
		total += len(p)
	}

	buf := make([]byte, 0, total+8)
	buf = binary.LittleEndian.AppendUint32(buf, magicNumber)
	buf = binary.LittleEndian.AppendUint16(buf, n.LayoutVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n.NodeSizeTarget))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // flags, reserved
	leafByte := byte(0)
	if n.Leaf {
		leafByte = 1
	}
	buf = append(buf, leafByte)
	buf = binary.LittleEndian.AppendUint32(buf, n.Height)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.Partitions)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.BlockNum))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.MaxMsnAppliedOnDisk))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.MaxMsnAppliedInMemory))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.Pivots)))
	for _, piv := range n.Pivots {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(piv)))
		buf = append(buf, piv...)
	}

	offset := uint32(len(buf) + dirSize)
	for i, p := range payloads {
		sum := xxhash.Sum64(p)
		buf = binary.LittleEndian.AppendUint32(buf, offset)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, byte(OnDisk))
		buf = binary.LittleEndian.AppendUint64(buf, sum)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n.ChildBlockNums[i]))
		offset += uint32(len(payloads[i]))
	}

	for _, p := range payloads {
		buf = append(buf, p...)
	}

	trailer := xxhash.Sum64(buf)
	buf = binary.LittleEndian.AppendUint64(buf, trailer)

	if len(buf) != total+8 {
		return nil, fmt.Errorf("node: serialize size mismatch: got %d want %d", len(buf), total+8)
	}
	return buf, nil
}

// Deserialize reconstructs a node from its on-disk representation. Every
// partition is materialized as Available; there is no path that reads a
// single partition on its own.
func Deserialize(buf []byte) (*Node, error) {
	if len(buf) < HeaderSize+4+8 {
		return nil, base.ErrInvalidLayout
	}
	trailerOff := len(buf) - 8
	wantSum := binary.LittleEndian.Uint64(buf[trailerOff:])
	gotSum := xxhash.Sum64(buf[:trailerOff])
	if gotSum != wantSum {
		return nil, base.ErrChecksumMismatch
	}
	body := buf[:trailerOff]

	off := 0
	magic := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if magic != magicNumber {
		return nil, base.ErrInvalidMagicNumber
	}
	layoutVersion := binary.LittleEndian.Uint16(body[off:])
	off += 2
	if layoutVersion != CurrentLayoutVersion {
		return nil, base.ErrInvalidVersion
	}
	nodeSize := binary.LittleEndian.Uint32(body[off:])
	off += 4
	off += 4 // flags, unused
	leafByte := body[off]
	off++
	height := binary.LittleEndian.Uint32(body[off:])
	off += 4
	nChildren := binary.LittleEndian.Uint32(body[off:])
	off += 4
	blockNum := binary.LittleEndian.Uint64(body[off:])
	off += 8
	maxMsnDisk := binary.LittleEndian.Uint64(body[off:])
	off += 8
	maxMsnMem := binary.LittleEndian.Uint64(body[off:])
	off += 8

	nPivots := binary.LittleEndian.Uint32(body[off:])
	off += 4
	pivots := make([][]byte, nPivots)
	for i := range pivots {
		if off+4 > len(body) {
			return nil, base.ErrInvalidLayout
		}
		pl := binary.LittleEndian.Uint32(body[off:])
		off += 4
		if off+int(pl) > len(body) {
			return nil, base.ErrInvalidLayout
		}
		pivots[i] = append([]byte(nil), body[off:off+int(pl)]...)
		off += int(pl)
	}

	type dirEntry struct {
		offset, complen, uncomplen uint32
		state                      byte
		checksum                   uint64
		childBlockNum              uint64
	}
	dirs := make([]dirEntry, nChildren)
	for i := range dirs {
		if off+directoryEntrySize > len(body) {
			return nil, base.ErrInvalidLayout
		}
		dirs[i].offset = binary.LittleEndian.Uint32(body[off:])
		off += 4
		dirs[i].complen = binary.LittleEndian.Uint32(body[off:])
		off += 4
		dirs[i].uncomplen = binary.LittleEndian.Uint32(body[off:])
		off += 4
		dirs[i].state = body[off]
		off++
		dirs[i].checksum = binary.LittleEndian.Uint64(body[off:])
		off += 8
		dirs[i].childBlockNum = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}

	n := &Node{
		BlockNum:              base.BlockNum(blockNum),
		Height:                height,
		Leaf:                  leafByte == 1,
		NodeSizeTarget:        int(nodeSize),
		LayoutVersion:         layoutVersion,
		MaxMsnAppliedOnDisk:   base.MSN(maxMsnDisk),
		MaxMsnAppliedInMemory: base.MSN(maxMsnMem),
		Pivots:                pivots,
		Partitions:            make([]*Partition, nChildren),
		ChildBlockNums:        make([]base.BlockNum, nChildren),
		Estimates:             make([]Estimate, nChildren),
	}

	for i, d := range dirs {
		if int(d.offset)+int(d.complen) > len(body) {
			return nil, base.ErrInvalidLayout
		}
		payload := body[d.offset : d.offset+d.complen]
		if xxhash.Sum64(payload) != d.checksum {
			return nil, base.ErrChecksumMismatch
		}
		p, err := deserializePartition(n.Leaf, payload)
		if err != nil {
			return nil, fmt.Errorf("node: deserialize partition %d: %w", i, err)
		}
		n.Partitions[i] = p
		n.ChildBlockNums[i] = base.BlockNum(d.childBlockNum)
	}

	return n, nil
}

func serializePartition(leaf bool, p *Partition) ([]byte, error) {
	if leaf {
		return serializeBasement(p.Basement), nil
	}
	return serializeFifo(p.Buffer), nil
}

func deserializePartition(leaf bool, buf []byte) (*Partition, error) {
	if leaf {
		bn, err := deserializeBasement(buf)
		if err != nil {
			return nil, err
		}
		return &Partition{State: Available, Basement: bn, DiskLen: len(buf)}, nil
	}
	fifo, err := deserializeFifo(buf)
	if err != nil {
		return nil, err
	}
	return &Partition{State: Available, Buffer: fifo, DiskLen: len(buf)}, nil
}

func serializeBasement(b *basement.Basement) []byte {
	buf := make([]byte, 0, b.DiskSize()+4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Size()))
	b.Iterate(func(_ int, le *entry.LeafEntry) bool {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(le.Key)))
		buf = append(buf, le.Key...)
		if le.CommittedIsDel {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(le.CommittedVal)))
			buf = append(buf, le.CommittedVal...)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(le.Stack)))
		for _, op := range le.Stack {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Xids)))
			for _, id := range op.Xids {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
			}
			if op.IsDel {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Val)))
			buf = append(buf, op.Val...)
		}
		return true
	})
	return buf
}

func deserializeBasement(buf []byte) (*basement.Basement, error) {
	if len(buf) < 4 {
		return nil, base.ErrInvalidLayout
	}
	n := binary.LittleEndian.Uint32(buf)
	off := 4
	bn := basement.New()
	for i := uint32(0); i < n; i++ {
		le, consumed, err := decodeLeafEntry(buf[off:])
		if err != nil {
			return nil, err
		}
		bn.InsertAt(bn.Size(), le)
		off += consumed
	}
	bn.SetSoftCopyUpToDate(false)
	return bn, nil
}

func decodeLeafEntry(buf []byte) (*entry.LeafEntry, int, error) {
	if len(buf) < 4 {
		return nil, 0, base.ErrInvalidLayout
	}
	off := 0
	keylen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+keylen > len(buf) {
		return nil, 0, base.ErrInvalidLayout
	}
	key := append([]byte(nil), buf[off:off+keylen]...)
	off += keylen
	if off+1 > len(buf) {
		return nil, 0, base.ErrInvalidLayout
	}
	isDel := buf[off] == 1
	off++
	le := &entry.LeafEntry{Key: key, CommittedIsDel: isDel}
	if !isDel {
		if off+4 > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		vallen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+vallen > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		le.CommittedVal = append([]byte(nil), buf[off:off+vallen]...)
		off += vallen
	}
	if off+4 > len(buf) {
		return nil, 0, base.ErrInvalidLayout
	}
	nStack := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	le.Stack = make([]entry.Op, nStack)
	for i := 0; i < nStack; i++ {
		if off+4 > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		nXids := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		xids := make(msg.Xids, nXids)
		for j := 0; j < nXids; j++ {
			if off+8 > len(buf) {
				return nil, 0, base.ErrInvalidLayout
			}
			xids[j] = base.TxnID(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
		if off+1 > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		opDel := buf[off] == 1
		off++
		if off+4 > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		vlen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+vlen > len(buf) {
			return nil, 0, base.ErrInvalidLayout
		}
		val := append([]byte(nil), buf[off:off+vlen]...)
		off += vlen
		le.Stack[i] = entry.Op{Xids: xids, IsDel: opDel, Val: val}
	}
	return le, off, nil
}

func serializeFifo(f *msg.Fifo) []byte {
	msgs := f.Messages()
	buf := make([]byte, 0, f.NBytesInBuffer()+4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msgs)))
	for _, m := range msgs {
		buf = m.Encode(buf)
	}
	return buf
}

func deserializeFifo(buf []byte) (*msg.Fifo, error) {
	if len(buf) < 4 {
		return nil, base.ErrInvalidLayout
	}
	n := binary.LittleEndian.Uint32(buf)
	rest := buf[4:]
	fifo := &msg.Fifo{}
	for i := uint32(0); i < n; i++ {
		m, tail, err := msg.Decode(rest)
		if err != nil {
			return nil, err
		}
		fifo.Push(m)
		rest = tail
	}
	return fifo, nil
}
