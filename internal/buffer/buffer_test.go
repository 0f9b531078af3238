package buffer

import (
	"testing"

	"github.com/chaincdc/relay/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(height uint64, b byte) runner.BlockResult {
	return runner.BlockResult{Height: height, Hash: [32]byte{b}, StateSnapshot: []byte{b}}
}

func TestBuffer_PushAndEvict(t *testing.T) {
	buf := New(3)
	require.NoError(t, buf.Push(block(1, 1)))
	require.NoError(t, buf.Push(block(2, 2)))
	require.NoError(t, buf.Push(block(3, 3)))
	assert.Equal(t, 3, buf.Len())

	require.NoError(t, buf.Push(block(4, 4)))
	assert.Equal(t, 3, buf.Len(), "buffer must not grow past depth")

	tail, err := buf.Tail()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tail.Height, "pushing past depth evicts the oldest block")

	head, err := buf.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), head.Height)
}

func TestBuffer_PushRejectsNonContiguous(t *testing.T) {
	buf := New(3)
	require.NoError(t, buf.Push(block(1, 1)))
	err := buf.Push(block(3, 3))
	assert.Error(t, err)
}

func TestBuffer_RollbackAtExactlyDepthSucceeds(t *testing.T) {
	buf := New(3)
	for h := uint64(1); h <= 3; h++ {
		require.NoError(t, buf.Push(block(h, byte(h))))
	}
	// Rollback to the tail (the oldest of the 3 retained blocks, 2 below
	// head) fills the buffer's whole depth and must still be representable.
	_, err := buf.At(1)
	require.NoError(t, err)
}

func TestBuffer_RollbackBeyondDepthFails(t *testing.T) {
	buf := New(3)
	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, buf.Push(block(h, byte(h))))
	}
	// Height 1 has scrolled out: tail is now 3.
	_, err := buf.At(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuffer_TruncateAbove(t *testing.T) {
	buf := New(5)
	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, buf.Push(block(h, byte(h))))
	}
	buf.TruncateAbove(3)
	assert.Equal(t, 3, buf.Len())
	head, err := buf.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Height)

	// Re-pushing the next height after the truncated head must succeed.
	require.NoError(t, buf.Push(block(4, 0xaa)))
}

func TestBuffer_TruncateAboveBelowTailEmptiesBuffer(t *testing.T) {
	buf := New(3)
	for h := uint64(3); h <= 5; h++ {
		require.NoError(t, buf.Push(block(h, byte(h))))
	}
	buf.TruncateAbove(1)
	assert.Equal(t, 0, buf.Len())
}

func TestBuffer_EventsAbove(t *testing.T) {
	buf := New(5)
	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, buf.Push(block(h, byte(h))))
	}
	above := buf.EventsAbove(2)
	require.Len(t, above, 3)
	assert.Equal(t, uint64(3), above[0].Height)
	assert.Equal(t, uint64(5), above[2].Height)
}

func TestBuffer_HashAtAndSnapshotAt(t *testing.T) {
	buf := New(3)
	require.NoError(t, buf.Push(block(1, 0x11)))
	hash, err := buf.HashAt(1)
	require.NoError(t, err)
	assert.Equal(t, [32]byte{0x11}, hash)

	snap, err := buf.SnapshotAt(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11}, snap)
}

func TestBuffer_EmptyBufferErrors(t *testing.T) {
	buf := New(3)
	_, err := buf.Head()
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = buf.Tail()
	assert.ErrorIs(t, err, ErrEmpty)
}
