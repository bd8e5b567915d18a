package brt

import (
	"errors"

	"github.com/brtdb/brt/internal/base"
	"github.com/brtdb/brt/internal/cachecontract"
	"github.com/brtdb/brt/internal/search"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound      = search.ErrNotFound
	ErrFoundButRejected = search.ErrFoundButRejected
	ErrDictionaryClosed = errors.New("brt: dictionary is closed")
	ErrKeyEmpty         = errors.New("brt: key cannot be empty")
	ErrKeyTooLarge      = errors.New("brt: key too large")
	ErrValueTooLarge    = errors.New("brt: value too large")

	ErrTxNotWritable = errors.New("brt: transaction is read-only")
	ErrTxDone        = errors.New("brt: transaction has already committed or aborted")

	ErrTryAgain = cachecontract.ErrTryAgain

	ErrInvalidOffset      = base.ErrInvalidOffset
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidLayout      = base.ErrInvalidLayout
	ErrChecksumMismatch   = base.ErrChecksumMismatch
	ErrNodeOverflow       = base.ErrNodeOverflow
)
