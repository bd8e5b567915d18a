package brt

import (
	"context"
	"errors"

	"github.com/brtdb/brt/internal/msg"
)

// Tx is one transaction against a Dictionary: a read-only view, or (if
// writable) the single serialized writer holding the dictionary's writer
// lock until Commit or Rollback releases it.
//
// CONCURRENCY: a Tx is not safe for concurrent use by multiple
// goroutines. Read transactions may run concurrently with each other
// and with the one active writer; only one writable Tx may be open at
// a time.
type Tx struct {
	dict     *Dictionary
	xids     msg.Xids
	release  func()
	writable bool
	done     bool
}

// Get looks up key, returning only the value visible under the
// dictionary's live visibility rules (read-committed-or-live, not full
// per-transaction snapshot isolation — see DESIGN.md). A key whose
// visible state is a delete reports ErrKeyNotFound.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	val, err := tx.dict.search.Lookup(context.Background(), key)
	if errors.Is(err, ErrFoundButRejected) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

// Put inserts or overwrites key with val. Only a writable transaction
// may call this.
func (tx *Tx) Put(key, val []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	return tx.dict.ingress.RootPut(context.Background(), msg.Insert, tx.xids, key, val)
}

// Delete removes key. Only a writable transaction may call this.
func (tx *Tx) Delete(key []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	return tx.dict.ingress.RootPut(context.Background(), msg.DeleteAny, tx.xids, key, nil)
}

// Cursor opens a cursor positioned at the first entry >= key (or the
// dictionary's first entry if key is nil).
func (tx *Tx) Cursor(key []byte) (*Cursor, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	c, err := tx.dict.search.NewCursor(context.Background(), key)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: c}, nil
}

// Commit records a writable transaction as committed in the dictionary's
// transaction table, then releases its reader slot and writer lock.
// Committing a read-only transaction just releases it.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if tx.writable {
		tx.dict.txns.Commit(tx.xids.Root())
	} else {
		tx.dict.txns.Forget(tx.xids.Root())
	}
	tx.release()
	if tx.writable {
		tx.dict.writerMu.Unlock()
	}
	return nil
}

// Rollback marks the transaction's writes, if any, as aborted so they
// never become visible, and releases it. Calling Rollback on an
// already-committed or already-rolled-back Tx is a no-op, matching the
// common defer tx.Rollback() idiom.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.dict.txns.Abort(tx.xids.Root())
	tx.release()
	if tx.writable {
		tx.dict.writerMu.Unlock()
	}
	return nil
}
