package msg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/msg"
)

func TestIsBroadcastClassifiesTypes(t *testing.T) {
	assert.True(t, msg.CommitBroadcastAll.IsBroadcast())
	assert.True(t, msg.CommitBroadcastTxn.IsBroadcast())
	assert.True(t, msg.AbortBroadcastTxn.IsBroadcast())
	assert.True(t, msg.UpdateBroadcastAll.IsBroadcast())
	assert.False(t, msg.Insert.IsBroadcast())
	assert.False(t, msg.DeleteAny.IsBroadcast())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := msg.New(msg.Insert, msg.RootXids(1).Child(2), []byte("key"), []byte("value"))
	m.MSN = 7

	buf := m.Encode(nil)
	got, rest, err := msg.Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.MSN, got.MSN)
	assert.Equal(t, m.Xids, got.Xids)
	assert.Equal(t, m.Key, got.Key)
	assert.Equal(t, m.Val, got.Val)
}

func TestDecodeMultipleMessagesFromOneBuffer(t *testing.T) {
	m1 := msg.New(msg.Insert, msg.RootXids(1), []byte("a"), []byte("1"))
	m2 := msg.New(msg.DeleteAny, msg.RootXids(2), []byte("b"), nil)

	var buf []byte
	buf = m1.Encode(buf)
	buf = m2.Encode(buf)

	got1, rest, err := msg.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got1.Key)

	got2, rest, err := msg.Decode(rest)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, []byte("b"), got2.Key)
}

func TestDecodeShortBufferFails(t *testing.T) {
	_, _, err := msg.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFifoPushDrainAndByteAccounting(t *testing.T) {
	f := &msg.Fifo{}
	assert.Equal(t, 0, f.Len())

	m := msg.New(msg.Insert, msg.RootXids(1), []byte("k"), []byte("v"))
	f.Push(m)
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, m.SerializeSize(), f.NBytesInBuffer())

	drained := f.DrainAll()
	require.Len(t, drained, 1)
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, 0, f.NBytesInBuffer())
}

func TestFifoCloneIsIndependent(t *testing.T) {
	f := &msg.Fifo{}
	f.Push(msg.New(msg.Insert, msg.RootXids(1), []byte("k"), []byte("v")))

	c := f.Clone()
	c.Push(msg.New(msg.Insert, msg.RootXids(2), []byte("k2"), []byte("v2")))

	assert.Equal(t, 1, f.Len())
	assert.Equal(t, 2, c.Len())
}
