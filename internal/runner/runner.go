// Package runner implements the Transform Runner (spec §4.4): the exact
// per-block invocation sequence around a sandbox host, producing a
// BlockResult the block loop appends to its historical buffer.
package runner

import (
	"context"
	"fmt"

	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/sandbox"
)

// BlockResult is everything the block loop needs to retain about one
// successfully processed block: enough to replay its inverse on reorg
// and to verify hash continuity against the oracle (spec §4.5).
type BlockResult struct {
	Height        uint64
	Hash          [32]byte
	Events        cdc.Batch
	StateSnapshot []byte
}

// Runner wraps a sandbox.Host and turns one block's (height, hash,
// timestamp) into a BlockResult.
type Runner struct {
	host   *sandbox.Host
	source string
}

// New builds a Runner around host. The host stamps each emitted event's
// timestamp, block height and block hash; header.source is left exactly
// as the module set it. Runner does not touch it.
func New(host *sandbox.Host) *Runner {
	return &Runner{host: host}
}

// Run executes the module's process_block export once for the given
// block and returns the resulting CDC batch and post-block state
// snapshot (spec §4.4 steps 1-4). A non-nil error means the invocation
// failed — the block loop treats this as fatal (spec §7 "module trap").
func (r *Runner) Run(ctx context.Context, height uint64, hash [32]byte, timestampMs int64) (BlockResult, error) {
	events, err := r.host.Invoke(ctx, sandbox.BlockContext{
		Height:      height,
		Hash:        hash,
		TimestampMs: timestampMs,
	})
	if err != nil {
		return BlockResult{}, fmt.Errorf("runner: block %d: %w", height, err)
	}

	snapshot, err := r.host.Snapshot(ctx)
	if err != nil {
		return BlockResult{}, fmt.Errorf("runner: block %d: snapshot module state: %w", height, err)
	}

	return BlockResult{
		Height:        height,
		Hash:          hash,
		Events:        cdc.Batch(events),
		StateSnapshot: snapshot,
	}, nil
}
