// Package wal implements a write-ahead log of node images (AppendBlock)
// and transaction commit markers (AppendCommit); Replay applies the
// blocks of committed transactions in log order.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/directio"
)

// SyncMode controls when the log is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every transaction commit.
	SyncEveryCommit SyncMode = iota
	// SyncBytes fsyncs once bytesPerSync bytes have accumulated.
	SyncBytes
	// SyncOff never fsyncs (tests, bulk loads with external durability).
	SyncOff
)

// WAL is the write-ahead log: a sequence of length-prefixed, alignment-
// padded records terminated by a commit marker per transaction.
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64

	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int

	// Blocks maps each block number written by AppendBlock to the txn id
	// that wrote it, until CleanupLatch clears the latch. Reads are not
	// routed through it.
	Blocks sync.Map // base.BlockNum -> base.TxnID
}

// Record is one decoded WAL entry.
type Record struct {
	Type     uint8
	TxnID    base.TxnID
	BlockNum base.BlockNum
	Data     []byte
}

const (
	RecordBlock  uint8 = 1
	RecordCommit uint8 = 2
)

// headerSize: type(1) + txnID(8) + blockNum(8) + dataLen(4).
const headerSize = 1 + 8 + 8 + 4

// Open opens or creates a WAL file at path.
func Open(path string, syncMode SyncMode, bytesPerSync int) (*WAL, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &WAL{
		file:         file,
		offset:       info.Size(),
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
	}, nil
}

func alignedSize(n int) int {
	if directio.AlignSize == 0 {
		return n
	}
	rem := n % directio.AlignSize
	if rem == 0 {
		return n
	}
	return n + (directio.AlignSize - rem)
}

// AppendBlock writes one node's serialized bytes to the log and latches
// blockNum in Blocks.
func (w *WAL) AppendBlock(txnID base.TxnID, blockNum base.BlockNum, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	padded := alignedSize(headerSize + len(data))
	buf := directio.AlignedBlock(padded)
	buf[0] = RecordBlock
	binary.LittleEndian.PutUint64(buf[1:9], uint64(txnID))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(blockNum))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(data)))
	copy(buf[headerSize:], data)

	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.offset += int64(len(buf))
	w.bytesSinceSync += len(buf)
	w.Blocks.Store(blockNum, txnID)
	return nil
}

// AppendCommit writes a commit marker for txnID.
func (w *WAL) AppendCommit(txnID base.TxnID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	padded := alignedSize(headerSize)
	buf := directio.AlignedBlock(padded)
	buf[0] = RecordCommit
	binary.LittleEndian.PutUint64(buf[1:9], uint64(txnID))

	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.offset += int64(len(buf))
	w.bytesSinceSync += len(buf)
	return nil
}

// Sync conditionally fsyncs per the configured SyncMode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncLocked()
	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncLocked()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("wal: unknown sync mode %d", w.syncMode)
	}
}

// ForceSync unconditionally fsyncs, used on Close and during checkpoint.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// Replay reads every record and, for each transaction committed after
// fromTxnID, invokes applyFn once per block it wrote, in log order.
func (w *WAL) Replay(fromTxnID base.TxnID, applyFn func(base.BlockNum, []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	uncommitted := make(map[base.TxnID][]Record)
	header := make([]byte, headerSize)

	for {
		n, err := io.ReadFull(w.file, header)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("wal: replay header read: %w", err)
		}
		if n != headerSize {
			break
		}

		recordType := header[0]
		txnID := base.TxnID(binary.LittleEndian.Uint64(header[1:9]))
		blockNum := base.BlockNum(binary.LittleEndian.Uint64(header[9:17]))
		dataLen := binary.LittleEndian.Uint32(header[17:21])

		switch recordType {
		case RecordBlock:
			padded := alignedSize(headerSize + int(dataLen))
			rest := make([]byte, padded-headerSize)
			if _, err := io.ReadFull(w.file, rest); err != nil {
				return fmt.Errorf("wal: replay block read: %w", err)
			}
			data := append([]byte(nil), rest[:dataLen]...)
			uncommitted[txnID] = append(uncommitted[txnID], Record{Type: RecordBlock, TxnID: txnID, BlockNum: blockNum, Data: data})

		case RecordCommit:
			padded := alignedSize(headerSize)
			if padded > headerSize {
				if _, err := w.file.Seek(int64(padded-headerSize), io.SeekCurrent); err != nil {
					return err
				}
			}
			if txnID > fromTxnID {
				for _, rec := range uncommitted[txnID] {
					if err := applyFn(rec.BlockNum, rec.Data); err != nil {
						return fmt.Errorf("wal: replay apply block %d: %w", rec.BlockNum, err)
					}
				}
			}
			delete(uncommitted, txnID)

		default:
			return fmt.Errorf("wal: unknown record type %d", recordType)
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Truncate cuts the log at the first commit marker whose txn id is beyond
// upToTxnID: that marker and every record after it are dropped, and the
// records before it are kept. Callers must only call this once a checkpoint has durably recorded
// upToTxnID, or an unflushed write could be lost.
func (w *WAL) Truncate(upToTxnID base.TxnID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	header := make([]byte, headerSize)
	truncateOffset := int64(0)

	for {
		currentOffset, _ := w.file.Seek(0, io.SeekCurrent)
		n, err := io.ReadFull(w.file, header)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			truncateOffset = currentOffset
			break
		}
		if err != nil {
			return fmt.Errorf("wal: truncate header read: %w", err)
		}
		if n != headerSize {
			truncateOffset = currentOffset
			break
		}

		recordType := header[0]
		txnID := base.TxnID(binary.LittleEndian.Uint64(header[1:9]))
		dataLen := binary.LittleEndian.Uint32(header[17:21])

		var skip int64
		if recordType == RecordBlock {
			skip = int64(alignedSize(headerSize+int(dataLen)) - headerSize)
		} else {
			skip = int64(alignedSize(headerSize) - headerSize)
		}
		if skip > 0 {
			if _, err := w.file.Seek(skip, io.SeekCurrent); err != nil {
				return err
			}
		}

		if recordType == RecordCommit && txnID > upToTxnID {
			truncateOffset = currentOffset
			break
		}
	}

	if err := w.file.Truncate(truncateOffset); err != nil {
		return err
	}
	newSize, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	w.offset = newSize
	return nil
}

// CleanupLatch clears a block's log latch once it has both been
// checkpointed and fallen below the minimum active reader's txn id, so
// no in-flight snapshot still needs the log copy.
func (w *WAL) CleanupLatch(checkpointTxn, minReaderTxn base.TxnID) {
	w.Blocks.Range(func(key, value any) bool {
		blockNum := key.(base.BlockNum)
		txnID := value.(base.TxnID)
		if txnID <= checkpointTxn && txnID < minReaderTxn {
			w.Blocks.Delete(blockNum)
		}
		return true
	})
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
