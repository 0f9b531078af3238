package looprunner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaincdc/relay/internal/buffer"
	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/metrics"
	"github.com/chaincdc/relay/internal/oracle"
	"github.com/chaincdc/relay/internal/runner"
	"github.com/chaincdc/relay/internal/sandbox"
	"github.com/chaincdc/relay/internal/sink"
)

// fixedClock stamps every emitted event with the same timestamp so tests
// can assert equality modulo nothing else needing to vary (spec §8
// "Determinism... modulo timestamps").
type fixedClock struct{}

func (fixedClock) NowMs() int64 { return 1712000000000 }

// newMinimalTransform builds a sandbox.Host around a FuncHost backend
// that emits one Create per block keyed by its height, mirroring the
// spec §8 scenario 1 "minimal transform".
func newMinimalTransform() *sandbox.Host {
	backend := sandbox.NewFuncHost(func(ctx context.Context, imports sandbox.HostImports) error {
		height := imports.GetHeight()
		ev := cdc.Event{
			Header: cdc.Header{Source: "minimal"},
			Payload: cdc.Payload{
				Operation: cdc.Create,
				Table:     "blocks",
				Key:       fmt.Sprintf("%d", height),
				After:     &cdc.StructuredValue{"height": float64(height)},
			},
		}
		raw, err := ev.MarshalJSON()
		if err != nil {
			return err
		}
		return imports.Emit(raw)
	})
	host := sandbox.NewHost(backend, func(ctx context.Context, name string, input []byte, height uint64) ([]byte, error) {
		return nil, nil
	})
	if err := host.LoadModule(context.Background(), nil); err != nil {
		panic(err)
	}
	return host
}

func hashes(bs ...byte) [][32]byte {
	out := make([][32]byte, len(bs))
	for i, b := range bs {
		out[i] = [32]byte{b}
	}
	return out
}

func runUntilIdle(t *testing.T, loop *Loop, iterations int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			t.Fatalf("context done before %d iterations", iterations)
		default:
		}
		require.NoError(t, loop.tick(ctx))
	}
}

func TestLoop_LinearChain_FiveBlocks(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc, 0xdd, 0xee))
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}))
	runUntilIdle(t, loop, 5)

	commits := mem.Commits()
	require.Len(t, commits, 5)
	for i, c := range commits {
		assert.Equal(t, "forward", c.Direction)
		assert.Equal(t, uint64(i), c.Height)
		require.Len(t, c.Events, 1)
		assert.Equal(t, fmt.Sprintf("%d", i), c.Events[0].Payload.Key)
	}
	assert.Equal(t, 5, buf.Len())
}

func TestLoop_ForkAtHeight2(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc, 0xdd))
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}), WithRestore(func(ctx context.Context, snap []byte) error {
		return host.Restore(ctx, snap)
	}))
	runUntilIdle(t, loop, 4) // process heights 0..3

	oc.SetChain(hashes(0xaa, 0xbb, 0xee, 0xff)) // replace heights 2,3

	runUntilIdle(t, loop, 3) // fork-check+rollback tick, then two forward ticks

	commits := mem.Commits()
	require.GreaterOrEqual(t, len(commits), 6)

	// After the initial 4 forward commits, expect rollback(3), rollback(2),
	// then forward(2), forward(3) with the new hashes.
	tail := commits[4:]
	require.GreaterOrEqual(t, len(tail), 4)
	assert.Equal(t, "rollback", tail[0].Direction)
	assert.Equal(t, uint64(3), tail[0].Height)
	assert.Equal(t, "rollback", tail[1].Direction)
	assert.Equal(t, uint64(2), tail[1].Height)
	assert.Equal(t, "forward", tail[2].Direction)
	assert.Equal(t, uint64(2), tail[2].Height)
	assert.Equal(t, "forward", tail[3].Direction)
	assert.Equal(t, uint64(3), tail[3].Height)

	head, err := buf.Head()
	require.NoError(t, err)
	assert.Equal(t, [32]byte{0xff}, head.Hash)
}

func TestLoop_DeepReorgBeyondBuffer(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff))
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(2) // B=2
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}))
	runUntilIdle(t, loop, 6) // process heights 0..5

	oc.SetChain(hashes(0xaa, 0xbb, 0x11, 0x22, 0x33, 0x44)) // reorg at height 2

	ctx := t.Context()
	err := loop.tick(ctx)
	require.Error(t, err)
	var deepErr *ErrDeepReorg
	require.ErrorAs(t, err, &deepErr)

	// No rollback commits must have been emitted.
	for _, c := range mem.Commits() {
		assert.NotEqual(t, "rollback", c.Direction)
	}
}

func TestLoop_SameHeightReorg(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc, 0xdd))
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}), WithRestore(func(ctx context.Context, snap []byte) error {
		return host.Restore(ctx, snap)
	}))
	runUntilIdle(t, loop, 4) // heights 0..3, tip height stays 3

	oc.SetChain(hashes(0xaa, 0xbb, 0xcc, 0xde)) // same-height reorg at 3

	runUntilIdle(t, loop, 2) // rollback(3), forward(3)

	commits := mem.Commits()
	tail := commits[len(commits)-2:]
	assert.Equal(t, "rollback", tail[0].Direction)
	assert.Equal(t, uint64(3), tail[0].Height)
	assert.Equal(t, "forward", tail[1].Direction)
	assert.Equal(t, uint64(3), tail[1].Height)
}

func TestLoop_DefaultStartHeight_AdmitsFromOracleTip(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc)) // tip height 2
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	// No WithStartHeight: the loop's default -1 sentinel must admit from
	// the oracle's tip, not height 0.
	loop := New(oc, r, buf, mem, m, WithClock(fixedClock{}))
	runUntilIdle(t, loop, 1)

	commits := mem.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, uint64(2), commits[0].Height)

	head, err := buf.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.Height)
	assert.Equal(t, [32]byte{0xcc}, head.Hash)
}

func TestLoop_TransientOracleError_RetriesThenAdvances(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb))
	oc.FailNextTip(3)
	host := newMinimalTransform()
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}))

	// Internal per-call backoff inside withBackoffRetry absorbs the
	// transient failures before tick returns, so the loop still makes
	// forward progress on the very first tick despite 3 failed Tip calls.
	runUntilIdle(t, loop, 2)
	assert.Equal(t, 2, buf.Len())
}

func TestLoop_ModuleTrapMidBlock(t *testing.T) {
	oc := oracle.NewFake(hashes(0xaa, 0xbb, 0xcc))
	trapAt := uint64(2)
	backend := sandbox.NewFuncHost(func(ctx context.Context, imports sandbox.HostImports) error {
		if uint64(imports.GetHeight()) == trapAt {
			return fmt.Errorf("simulated transform panic")
		}
		return nil
	})
	host := sandbox.NewHost(backend, func(ctx context.Context, name string, input []byte, height uint64) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, host.LoadModule(t.Context(), nil))
	r := runner.New(host)
	buf := buffer.New(5)
	mem := sink.NewMemory()
	m := metrics.New()

	loop := New(oc, r, buf, mem, m, WithStartHeight(0), WithClock(fixedClock{}))
	require.NoError(t, loop.tick(t.Context())) // height 0
	require.NoError(t, loop.tick(t.Context())) // height 1

	err := loop.tick(t.Context()) // height 2 traps
	require.Error(t, err)

	assert.Equal(t, 2, buf.Len())
	head, herr := buf.Head()
	require.NoError(t, herr)
	assert.Equal(t, uint64(1), head.Height)

	for _, c := range mem.Commits() {
		assert.NotEqual(t, uint64(2), c.Height)
	}
}
