// Package oracle implements the client side of the state-oracle contract
// from spec §4.1 and the JSON-RPC wire format from spec §6.
package oracle

import (
	"context"
	"errors"
)

// ErrHeightUnavailable signals "height not available" per spec §4.1:
// the oracle's tip is ahead of what it can currently serve. The block
// loop treats this as "wait", not a failure (spec §9 Open Question).
var ErrHeightUnavailable = errors.New("oracle: height not available")

// ErrMalformedResponse signals a response that cannot be reconciled with
// the oracle's own stated contract; spec §4.1 marks this fatal.
var ErrMalformedResponse = errors.New("oracle: malformed response")

// Client is the contract the runtime core depends on (spec §4.1). A
// transient I/O error is any error other than ErrHeightUnavailable and
// ErrMalformedResponse; callers retry those with bounded backoff.
type Client interface {
	// Tip returns the oracle's current best-chain tip.
	Tip(ctx context.Context) (height uint64, hash [32]byte, err error)

	// HashAt returns the hash the oracle currently associates with height.
	HashAt(ctx context.Context, height uint64) ([32]byte, error)

	// View invokes a named state view pinned at height.
	View(ctx context.Context, name string, input []byte, height uint64) ([]byte, error)
}
