// Package buffer implements the Historical Buffer (spec §4.5): a bounded,
// contiguous window of the most recent B processed blocks, deep enough
// to replay any reorg shallower than B blocks without re-running the
// module. Grounded on the teacher's hot-ring buffer pattern: fixed
// capacity, push evicts the oldest entry, lookups are by absolute height.
package buffer

import (
	"fmt"
	"sync"

	"github.com/chaincdc/relay/internal/logging"
	"github.com/chaincdc/relay/internal/runner"
)

// ErrNotFound is returned when a height has already scrolled out of the
// window or was never pushed.
var ErrNotFound = fmt.Errorf("buffer: height not found")

// ErrEmpty is returned by Head/Tail when the buffer holds nothing yet.
var ErrEmpty = fmt.Errorf("buffer: empty")

// Buffer holds the last B processed BlockResults, contiguous by height.
// It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	depth    int
	results  []runner.BlockResult // ordered oldest-to-newest, len <= depth
}

// New builds a Buffer retaining at most depth blocks. depth must be > 0.
func New(depth int) *Buffer {
	if depth <= 0 {
		panic("buffer: depth must be > 0")
	}
	return &Buffer{depth: depth}
}

// Push appends a newly processed block. result.Height must be exactly
// one greater than Head's height, or the buffer must currently be empty
// (spec §4.5 "contiguous heights" invariant) — callers (the block loop)
// are responsible for calling TruncateAbove before re-pushing after a
// reorg so this invariant always holds.
func (b *Buffer) Push(result runner.BlockResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.results) > 0 {
		head := b.results[len(b.results)-1]
		if result.Height != head.Height+1 {
			return fmt.Errorf("buffer: push height %d is not contiguous with head %d", result.Height, head.Height)
		}
	}

	b.results = append(b.results, result)
	if len(b.results) > b.depth {
		evicted := b.results[0]
		b.results = b.results[1:]
		logging.BufferEvicted(evicted.Height)
	}
	return nil
}

// Head returns the most recently pushed block.
func (b *Buffer) Head() (runner.BlockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return runner.BlockResult{}, ErrEmpty
	}
	return b.results[len(b.results)-1], nil
}

// Tail returns the oldest retained block — the furthest-back point a
// reorg can roll back to without a deep-reorg fatal (spec §4.5 "tail
// snapshot is the rollback floor").
func (b *Buffer) Tail() (runner.BlockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return runner.BlockResult{}, ErrEmpty
	}
	return b.results[0], nil
}

// Len reports how many blocks are currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results)
}

// At returns the retained result for an absolute height, or ErrNotFound
// if it has scrolled out of the window or was never pushed.
func (b *Buffer) At(height uint64) (runner.BlockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.atLocked(height)
}

func (b *Buffer) atLocked(height uint64) (runner.BlockResult, error) {
	if len(b.results) == 0 {
		return runner.BlockResult{}, ErrNotFound
	}
	tail := b.results[0].Height
	head := b.results[len(b.results)-1].Height
	if height < tail || height > head {
		return runner.BlockResult{}, ErrNotFound
	}
	return b.results[height-tail], nil
}

// HashAt returns the retained hash for height, for fork-point comparison
// against the oracle (spec §4.6 "fork check").
func (b *Buffer) HashAt(height uint64) ([32]byte, error) {
	r, err := b.At(height)
	if err != nil {
		return [32]byte{}, err
	}
	return r.Hash, nil
}

// SnapshotAt returns the post-block module-state snapshot retained for
// height, used to restore module state when rolling back to it (spec
// §4.6 "rollback restores module state from the common ancestor's
// snapshot").
func (b *Buffer) SnapshotAt(height uint64) ([]byte, error) {
	r, err := b.At(height)
	if err != nil {
		return nil, err
	}
	return r.StateSnapshot, nil
}

// TruncateAbove discards every retained block above height (inclusive
// behavior: height itself is kept). It is the buffer-side half of a
// rollback: the block loop calls it with the common ancestor height
// before replaying inverse events and re-pushing new blocks (spec §4.6).
//
// If height is below the current tail, every retained block is
// discarded — the caller has rolled back deeper than this buffer can
// represent and must already have classified this as a deep reorg
// (spec §4.6 "deep reorg: rollback target older than buffer depth").
func (b *Buffer) TruncateAbove(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return
	}
	tail := b.results[0].Height
	if height < tail {
		b.results = nil
		return
	}
	head := b.results[len(b.results)-1].Height
	if height >= head {
		return
	}
	b.results = b.results[:height-tail+1]
}

// EventsAbove returns the retained blocks strictly above height, ordered
// oldest-to-newest — the set whose CDC events must be inverted and
// replayed, newest-first, during a rollback (spec §4.6/§4.7).
func (b *Buffer) EventsAbove(height uint64) []runner.BlockResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return nil
	}
	tail := b.results[0].Height
	if height < tail {
		return append([]runner.BlockResult(nil), b.results...)
	}
	head := b.results[len(b.results)-1].Height
	if height >= head {
		return nil
	}
	out := make([]runner.BlockResult, len(b.results[height-tail+1:]))
	copy(out, b.results[height-tail+1:])
	return out
}
