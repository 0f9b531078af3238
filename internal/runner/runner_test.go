package runner

import (
	"context"
	"testing"

	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nilView(ctx context.Context, name string, input []byte, height uint64) ([]byte, error) {
	return nil, nil
}

func TestRunner_Run_ReturnsEventsAndSnapshot(t *testing.T) {
	backend := sandbox.NewFuncHost(func(ctx context.Context, imports sandbox.HostImports) error {
		imports.StateSet([]byte("balance"), []byte("100"))
		ev := cdc.Event{Payload: cdc.Payload{
			Operation: cdc.Create,
			Table:     "accounts",
			Key:       "a1",
			After:     &cdc.StructuredValue{"balance": "100"},
		}}
		raw, err := ev.MarshalJSON()
		require.NoError(t, err)
		return imports.Emit(raw)
	})
	host := sandbox.NewHost(backend, nilView)
	require.NoError(t, host.LoadModule(t.Context(), nil))

	r := New(host)
	result, err := r.Run(t.Context(), 7, [32]byte{7}, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), result.Height)
	require.Len(t, result.Events, 1)
	assert.Equal(t, uint64(7), result.Events[0].Header.BlockHeight)
	assert.NotNil(t, result.StateSnapshot)
}

func TestRunner_Run_PropagatesTrap(t *testing.T) {
	backend := sandbox.NewFuncHost(func(ctx context.Context, imports sandbox.HostImports) error {
		return assertErr
	})
	host := sandbox.NewHost(backend, nilView)
	require.NoError(t, host.LoadModule(t.Context(), nil))

	r := New(host)
	_, err := r.Run(t.Context(), 1, [32]byte{1}, 0)
	require.Error(t, err)
}

var assertErr = fmtErr("boom")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }
