package msg

import "github.com/brtdb/brt/internal/base"

// Xids is the ancestor chain of a transaction: a stack of TxnIDs from the
// root transaction down to the innermost nested child. It is a plain value
// — freely duplicated, never mutated in place — so it can be carried on
// every buffered message without aliasing concerns.
type Xids []base.TxnID

// RootXids returns the stack for a top-level transaction with no parent.
func RootXids(id base.TxnID) Xids {
	return Xids{id}
}

// Child extends stack with a nested child transaction id.
func (x Xids) Child(id base.TxnID) Xids {
	child := make(Xids, len(x)+1)
	copy(child, x)
	child[len(x)] = id
	return child
}

// Innermost returns the deepest (most-nested) transaction id on the stack.
// Returns base.NoneTxnID for an empty stack.
func (x Xids) Innermost() base.TxnID {
	if len(x) == 0 {
		return base.NoneTxnID
	}
	return x[len(x)-1]
}

// Root returns the outermost transaction id on the stack.
func (x Xids) Root() base.TxnID {
	if len(x) == 0 {
		return base.NoneTxnID
	}
	return x[0]
}

// Contains reports whether id appears anywhere on the stack.
func (x Xids) Contains(id base.TxnID) bool {
	for _, v := range x {
		if v == id {
			return true
		}
	}
	return false
}

// HasPrefix reports whether prefix is a leading subsequence of x — used to
// sweep all leaf-entry provisional ops created by a transaction or any of
// its nested children on broadcast commit/abort.
func (x Xids) HasPrefix(prefix Xids) bool {
	if len(prefix) > len(x) {
		return false
	}
	for i, id := range prefix {
		if x[i] != id {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the stack.
func (x Xids) Clone() Xids {
	c := make(Xids, len(x))
	copy(c, x)
	return c
}

// SerializeSize returns the on-disk size in bytes: a u32 count followed by
// one u64 per stack entry.
func (x Xids) SerializeSize() int {
	return 4 + 8*len(x)
}

// Equal reports whether two stacks carry the same ids in the same order.
func (x Xids) Equal(o Xids) bool {
	if len(x) != len(o) {
		return false
	}
	for i := range x {
		if x[i] != o[i] {
			return false
		}
	}
	return true
}
