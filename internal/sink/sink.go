// Package sink defines the narrow contract the block loop commits CDC
// batches through (spec §4.7), plus the concrete sinks shipped with the
// system.
package sink

import (
	"context"
	"errors"

	"github.com/chaincdc/relay/internal/cdc"
)

// Sink receives a block's forward CDC batch or a previously committed
// block's inverse batch. Implementations must make each call atomic from
// the downstream perspective: all-or-nothing visibility (spec §4.7).
//
// Implementations are called strictly serially by the block loop; they
// never need to guard against concurrent calls from this package.
type Sink interface {
	CommitForward(ctx context.Context, height uint64, hash [32]byte, events cdc.Batch) error
	CommitRollback(ctx context.Context, height uint64, hash [32]byte, inverseEvents cdc.Batch) error
}

// RetryableError wraps a sink error the loop should retry with bounded
// backoff rather than treat as fatal (spec §7 "Transient oracle/sink
// error").
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "sink: retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the loop retries the commit instead of halting.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) was marked
// Retryable. Any other non-nil error is treated as Fatal per spec §4.7.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
