package brt

import (
	"context"

	"github.com/brtdb/brt/internal/search"
)

// Cursor iterates a dictionary's entries in key order starting from the
// position it was opened at (Tx.Cursor).
//
// Cursor only walks the leaf it was positioned on; it does not chain
// across a leaf boundary into the next leaf. A range scan spanning more
// than one leaf's worth of keys must be driven by the caller reopening
// the cursor at the last key seen — see DESIGN.md.
type Cursor struct {
	c *search.Cursor
}

// Next returns the cursor's current key/value and advances past it, or
// ErrKeyNotFound once the cursor runs off the end of its leaf.
func (c *Cursor) Next() ([]byte, []byte, error) {
	key, val, err := c.c.Next(context.Background())
	if err != nil {
		return nil, nil, ErrKeyNotFound
	}
	return key, val, nil
}

// Close releases every node the cursor is pinning.
func (c *Cursor) Close() {
	c.c.Close()
}
