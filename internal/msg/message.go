// Package msg implements the message and transaction-id-stack model that
// flows through a buffered repository tree: every write against the
// dictionary becomes one Message, stamped with an MSN at root ingress and
// carried downward in per-child FIFOs until a leaf absorbs it.
package msg

import (
	"encoding/binary"
	"fmt"

	"github.com/brtdb/brt/internal/base"
)

// Type enumerates the kinds of message a dictionary can buffer.
type Type uint8

const (
	None Type = iota
	Insert
	InsertNoOverwrite
	DeleteAny
	AbortAny
	CommitAny
	Update
	UpdateBroadcastAll
	CommitBroadcastAll
	CommitBroadcastTxn
	AbortBroadcastTxn
	Optimize
	OptimizeForUpgrade
)

func (t Type) String() string {
	switch t {
	case None:
		return "NONE"
	case Insert:
		return "INSERT"
	case InsertNoOverwrite:
		return "INSERT_NO_OVERWRITE"
	case DeleteAny:
		return "DELETE_ANY"
	case AbortAny:
		return "ABORT_ANY"
	case CommitAny:
		return "COMMIT_ANY"
	case Update:
		return "UPDATE"
	case UpdateBroadcastAll:
		return "UPDATE_BROADCAST_ALL"
	case CommitBroadcastAll:
		return "COMMIT_BROADCAST_ALL"
	case CommitBroadcastTxn:
		return "COMMIT_BROADCAST_TXN"
	case AbortBroadcastTxn:
		return "ABORT_BROADCAST_TXN"
	case Optimize:
		return "OPTIMIZE"
	case OptimizeForUpgrade:
		return "OPTIMIZE_FOR_UPGRADE"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsBroadcast reports whether a message is delivered to every child
// (duplicated on descent) rather than routed by key to exactly one.
func (t Type) IsBroadcast() bool {
	switch t {
	case UpdateBroadcastAll, CommitBroadcastAll, CommitBroadcastTxn, AbortBroadcastTxn:
		return true
	default:
		return false
	}
}

// Message is a value object: one buffered write or transaction-control
// event. Ordering between messages is by MSN alone — MSN is assigned
// exactly once, at root ingress, and never mutated afterward.
type Message struct {
	Type Type
	MSN  base.MSN
	Xids Xids
	Key  []byte // empty for pure broadcasts
	Val  []byte // empty for deletes and transaction-control messages
}

// New builds a message with MSN left unset; root ingress stamps it.
func New(t Type, xids Xids, key, val []byte) Message {
	return Message{Type: t, Xids: xids, Key: key, Val: val}
}

// SerializeSize returns the on-disk size of the message inside a nonleaf
// partition's FIFO: type(1) + MSN(8) + xids + keylen(4) + key + vallen(4) + val.
func (m Message) SerializeSize() int {
	return 1 + 8 + m.Xids.SerializeSize() + 4 + len(m.Key) + 4 + len(m.Val)
}

// Encode appends the wire representation of m to buf and returns the
// extended slice. Used by a nonleaf partition's FIFO framing, which
// preserves insertion order by simple append.
func (m Message) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.MSN))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Xids)))
	for _, id := range m.Xids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Key)))
	buf = append(buf, m.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Val)))
	buf = append(buf, m.Val...)
	return buf
}

// Decode reads one message from the front of buf, returning it along with
// the unconsumed remainder.
func Decode(buf []byte) (Message, []byte, error) {
	if len(buf) < 1+8+4 {
		return Message{}, nil, fmt.Errorf("msg: short buffer for header")
	}
	var m Message
	m.Type = Type(buf[0])
	m.MSN = base.MSN(binary.LittleEndian.Uint64(buf[1:9]))
	n := binary.LittleEndian.Uint32(buf[9:13])
	off := 13
	if n > 0 {
		m.Xids = make(Xids, n)
		for i := uint32(0); i < n; i++ {
			if off+8 > len(buf) {
				return Message{}, nil, fmt.Errorf("msg: short buffer for xids")
			}
			m.Xids[i] = base.TxnID(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
	}
	if off+4 > len(buf) {
		return Message{}, nil, fmt.Errorf("msg: short buffer for keylen")
	}
	keylen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+keylen > len(buf) {
		return Message{}, nil, fmt.Errorf("msg: short buffer for key")
	}
	if keylen > 0 {
		m.Key = append([]byte(nil), buf[off:off+keylen]...)
	}
	off += keylen
	if off+4 > len(buf) {
		return Message{}, nil, fmt.Errorf("msg: short buffer for vallen")
	}
	vallen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+vallen > len(buf) {
		return Message{}, nil, fmt.Errorf("msg: short buffer for val")
	}
	if vallen > 0 {
		m.Val = append([]byte(nil), buf[off:off+vallen]...)
	}
	off += vallen
	return m, buf[off:], nil
}

// Fifo is the in-order queue of messages buffered for one nonleaf child.
// Messages are appended at the tail during a flush or root ingress and
// drained in order during a subsequent flush to that child.
type Fifo struct {
	msgs         []Message
	nBytesBuffer int
}

// Len returns the number of buffered messages.
func (f *Fifo) Len() int { return len(f.msgs) }

// NBytesInBuffer returns the total serialized size of buffered messages,
// the figure the flush engine uses for heaviest-child selection.
func (f *Fifo) NBytesInBuffer() int { return f.nBytesBuffer }

// Push appends a message to the tail of the FIFO.
func (f *Fifo) Push(m Message) {
	f.msgs = append(f.msgs, m)
	f.nBytesBuffer += m.SerializeSize()
}

// Messages returns the buffered messages in FIFO order. Callers must not
// mutate the returned slice.
func (f *Fifo) Messages() []Message { return f.msgs }

// DrainAll removes and returns every buffered message, resetting the FIFO
// to empty. Used by the flush engine to move a child's entire buffer.
func (f *Fifo) DrainAll() []Message {
	out := f.msgs
	f.msgs = nil
	f.nBytesBuffer = 0
	return out
}

// Clone returns an independent copy of the FIFO.
func (f *Fifo) Clone() *Fifo {
	c := &Fifo{msgs: make([]Message, len(f.msgs)), nBytesBuffer: f.nBytesBuffer}
	copy(c.msgs, f.msgs)
	return c
}
