package sink

import (
	"context"
	"sync"

	"github.com/chaincdc/relay/internal/cdc"
)

// Commit records one CommitForward or CommitRollback call, in the order
// received — the shape the test suite in spec §8's scenarios asserts
// against.
type Commit struct {
	Direction string // "forward" or "rollback"
	Height    uint64
	Hash      [32]byte
	Events    cdc.Batch
}

// Memory is an in-process sink that records every commit it receives.
// It is the sink used by looprunner's scenario tests.
type Memory struct {
	mu      sync.Mutex
	commits []Commit
	failNext int
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next n commit calls return a retryable error,
// simulating a flaky downstream sink.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Memory) CommitForward(ctx context.Context, height uint64, hash [32]byte, events cdc.Batch) error {
	return m.record("forward", height, hash, events)
}

func (m *Memory) CommitRollback(ctx context.Context, height uint64, hash [32]byte, inverseEvents cdc.Batch) error {
	return m.record("rollback", height, hash, inverseEvents)
}

func (m *Memory) record(direction string, height uint64, hash [32]byte, events cdc.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return Retryable(errSimulated)
	}
	m.commits = append(m.commits, Commit{Direction: direction, Height: height, Hash: hash, Events: events})
	return nil
}

// Commits returns a copy of every commit received so far, in order.
func (m *Memory) Commits() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.commits...)
}

type simulatedError string

func (e simulatedError) Error() string { return string(e) }

const errSimulated = simulatedError("memory sink: simulated failure")
