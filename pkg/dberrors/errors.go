package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by any operation against a closed engine or
	// transaction manager.
	ErrClosed = errors.New("vexdb: closed")

	// ErrInvalidArgument covers malformed caller input (empty keys, bad
	// ranges, unknown index names).
	ErrInvalidArgument = errors.New("vexdb: invalid argument")

	// ErrWriteConflict is returned by commit when another transaction
	// committed an overlapping write first. Always recoverable: retry
	// with a fresh transaction.
	ErrWriteConflict = errors.New("vexdb: write conflict")

	// ErrTxnFinished is returned when a committed or rolled-back
	// transaction is used again.
	ErrTxnFinished = errors.New("vexdb: transaction finished")

	// ErrReadOnlyTxn is returned on writes through a read-only transaction.
	ErrReadOnlyTxn = errors.New("vexdb: read-only transaction")

	// ErrCapacityExceeded signals write backpressure: the memtable flush
	// pipeline cannot keep up and the engine is configured to reject
	// rather than block.
	ErrCapacityExceeded = errors.New("vexdb: capacity exceeded")

	// ErrCorruptData signals a checksum mismatch in the WAL or an
	// SSTable block. Never silently skipped.
	ErrCorruptData = errors.New("vexdb: corrupt data")

	// ErrFormatVersionMismatch signals an on-disk structure written by
	// an incompatible engine version. Fatal at open time for that file.
	ErrFormatVersionMismatch = errors.New("vexdb: format version mismatch")

	// ErrIO wraps failures of the underlying durable medium.
	ErrIO = errors.New("vexdb: io failure")
)

// DimensionMismatchError reports a vector operation against an index
// configured with a different dimension. A schema error, fatal to the
// single operation.
type DimensionMismatchError struct {
	Index string
	Want  int
	Got   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vexdb: dimension mismatch on index %q: want %d, got %d", e.Index, e.Want, e.Got)
}
