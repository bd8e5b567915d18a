package env_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/env"
)

func TestMinTxIDWithNoReadersIsMaxUint64(t *testing.T) {
	rs := env.NewReaderSlots(4)
	assert.Equal(t, base.TxnID(math.MaxUint64), rs.MinTxID())
}

func TestMinTxIDTracksOldestReader(t *testing.T) {
	rs := env.NewReaderSlots(4)
	_, err := rs.Register(base.TxnID(10))
	require.NoError(t, err)
	_, err = rs.Register(base.TxnID(5))
	require.NoError(t, err)
	_, err = rs.Register(base.TxnID(20))
	require.NoError(t, err)

	assert.Equal(t, base.TxnID(5), rs.MinTxID())
}

func TestUnregisterRecomputesMin(t *testing.T) {
	rs := env.NewReaderSlots(4)
	release5, err := rs.Register(base.TxnID(5))
	require.NoError(t, err)
	_, err = rs.Register(base.TxnID(10))
	require.NoError(t, err)

	release5()
	assert.Equal(t, base.TxnID(10), rs.MinTxID())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	rs := env.NewReaderSlots(4)
	release, err := rs.Register(base.TxnID(1))
	require.NoError(t, err)
	release()
	assert.NotPanics(t, func() { release() })
}

func TestRegisterFailsWhenSlotsExhausted(t *testing.T) {
	rs := env.NewReaderSlots(1)
	_, err := rs.Register(base.TxnID(1))
	require.NoError(t, err)
	_, err = rs.Register(base.TxnID(2))
	assert.ErrorIs(t, err, env.ErrTooManyReaders)
}

func TestEnvCountersAreMonotonic(t *testing.T) {
	e := env.New(4)
	a := e.NextTxnID()
	b := e.NextTxnID()
	assert.Less(t, a, b)

	d1 := e.NextDictID()
	d2 := e.NextDictID()
	assert.Less(t, d1, d2)
}
