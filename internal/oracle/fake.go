package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory oracle used by tests to script the end-to-end
// scenarios in spec §8 deterministically: linear chains, forks at a
// given height, deep reorgs, same-height reorgs, transient failures.
type Fake struct {
	mu sync.Mutex

	// chain[i] is the hash at height i. Replacing a suffix simulates a
	// reorg: the next HashAt/Tip call observes the new chain.
	chain []([32]byte)

	// views[name][height] -> bytes, so transforms get deterministic
	// pinned-height answers across replays (spec §4.1 determinism
	// contract).
	views map[string]map[uint64][]byte

	// failNextTip counts down calls to Tip that should fail before
	// succeeding, to exercise the "transient oracle error" scenario.
	failNextTip int

	earliestAvailable uint64
}

// NewFake builds a Fake oracle seeded with the given chain of hashes,
// chain[i] being the hash at height i.
func NewFake(chain [][32]byte) *Fake {
	return &Fake{
		chain: append([][32]byte(nil), chain...),
		views: make(map[string]map[uint64][]byte),
	}
}

// SetChain replaces the oracle's view of the chain wholesale, simulating
// a reorg (or an extension) the next time it's queried.
func (f *Fake) SetChain(chain [][32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chain = append([][32]byte(nil), chain...)
}

// FailNextTip makes the next n calls to Tip return a transient error.
func (f *Fake) FailNextTip(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextTip = n
}

// SetEarliestAvailable makes HashAt/View report ErrHeightUnavailable for
// any height below it, simulating an oracle that has pruned old blocks.
func (f *Fake) SetEarliestAvailable(height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earliestAvailable = height
}

// SetView seeds the deterministic answer a view call returns at height.
func (f *Fake) SetView(name string, height uint64, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.views[name] == nil {
		f.views[name] = make(map[uint64][]byte)
	}
	f.views[name][height] = value
}

func (f *Fake) Tip(ctx context.Context) (uint64, [32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextTip > 0 {
		f.failNextTip--
		return 0, [32]byte{}, fmt.Errorf("fake oracle: simulated transient tip failure")
	}
	if len(f.chain) == 0 {
		return 0, [32]byte{}, ErrHeightUnavailable
	}
	height := uint64(len(f.chain) - 1)
	return height, f.chain[height], nil
}

func (f *Fake) HashAt(ctx context.Context, height uint64) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if height < f.earliestAvailable {
		return [32]byte{}, ErrHeightUnavailable
	}
	if height >= uint64(len(f.chain)) {
		return [32]byte{}, ErrHeightUnavailable
	}
	return f.chain[height], nil
}

func (f *Fake) View(ctx context.Context, name string, input []byte, height uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if height < f.earliestAvailable {
		return nil, ErrHeightUnavailable
	}
	if height >= uint64(len(f.chain)) {
		return nil, ErrHeightUnavailable
	}
	if byHeight, ok := f.views[name]; ok {
		if v, ok := byHeight[height]; ok {
			return v, nil
		}
	}
	return nil, nil
}
