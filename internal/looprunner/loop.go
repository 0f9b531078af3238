// Package looprunner drives the system end to end (spec §4.6): polls the
// oracle tip, advances the transform one block at a time, detects forks,
// and orchestrates rollback-then-replay against the historical buffer and
// sink. Grounded on the teacher's orchestrator loop and its
// FindCommonAncestor/HandleDeepReorg reorg-handling pair, generalized from
// a SQL-backed rollback to the buffer-backed one this spec requires.
package looprunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chaincdc/relay/internal/buffer"
	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/logging"
	"github.com/chaincdc/relay/internal/metrics"
	"github.com/chaincdc/relay/internal/oracle"
	"github.com/chaincdc/relay/internal/runner"
	"github.com/chaincdc/relay/internal/sink"
)

// ErrDeepReorg is returned from Run when a detected fork's common
// ancestor lies outside the historical buffer (spec §7 "Deep reorg past
// buffer: fatal").
type ErrDeepReorg struct {
	HeadHeight uint64
	TailHeight uint64
}

func (e *ErrDeepReorg) Error() string {
	return fmt.Sprintf("looprunner: reorg deeper than buffer: head=%d tail=%d", e.HeadHeight, e.TailHeight)
}

// ErrStartHeightUnavailable is returned at startup when a configured
// start_height predates what the oracle can serve (spec §4.6 "Admission
// at startup").
var ErrStartHeightUnavailable = errors.New("looprunner: start_height predates oracle's earliest available block")

// Clock abstracts wall-clock time so tests can script exact timestamps;
// production wiring uses RealClock.
type Clock interface {
	NowMs() int64
}

// RealClock reads the actual system clock.
type RealClock struct{}

func (RealClock) NowMs() int64 { return time.Now().UnixMilli() }

// Loop is the block loop state machine (spec §4.6).
type Loop struct {
	oracle   oracle.Client
	runner   *runner.Runner
	buffer   *buffer.Buffer
	sink     sink.Sink
	metrics  *metrics.Metrics
	clock    Clock
	pollWait time.Duration

	startHeight  int64 // -1 means "use oracle tip on first advance"
	restoreFn    restoreFunc
	checkpointFn checkpointFunc
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithStartHeight pins the height the loop admits from when the buffer
// is empty at startup (spec §4.6 "Admission at startup").
func WithStartHeight(height int64) Option {
	return func(l *Loop) { l.startHeight = height }
}

// WithPollInterval sets the delay between tip polls while idle at tip.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) { l.pollWait = d }
}

// WithClock overrides the clock used to stamp emitted events' timestamps.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// checkpointFunc, when set via WithCheckpoint, is called after every
// successfully committed forward batch so an operator-facing store can
// persist "last committed height" for the next boot's admission step
// (spec §4.6 "Admission at startup" strengthened per SPEC_FULL.md's
// checkpoint supplement).
type checkpointFunc func(ctx context.Context, height uint64, hash [32]byte) error

// WithCheckpoint wires a durable checkpoint write into the loop's
// post-commit path. Without it the loop behaves exactly as before:
// checkpointing is purely additive and never gates advancing.
func WithCheckpoint(fn func(ctx context.Context, height uint64, hash [32]byte) error) Option {
	return func(l *Loop) { l.checkpointFn = fn }
}

// New builds a Loop. buf must already be sized to the desired reorg
// depth B.
func New(oc oracle.Client, r *runner.Runner, buf *buffer.Buffer, sk sink.Sink, m *metrics.Metrics, opts ...Option) *Loop {
	l := &Loop{
		oracle:      oc,
		runner:      r,
		buffer:      buf,
		sink:        sk,
		metrics:     m,
		clock:       RealClock{},
		pollWait:    2 * time.Second,
		startHeight: -1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the loop until ctx is cancelled or a fatal error occurs. A
// nil return means ctx was cancelled cleanly (spec §5 "Cancellation"); a
// non-nil return is always fatal per spec §7's propagation policy.
func (l *Loop) Run(ctx context.Context) error {
	if l.buffer.Len() == 0 && l.startHeight >= 0 {
		if err := l.admitStartHeight(ctx, uint64(l.startHeight)); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.tick(ctx); err != nil {
			return err
		}
	}
}

// admitStartHeight validates the operator-configured start height
// against the oracle before the loop's first Advance.
func (l *Loop) admitStartHeight(ctx context.Context, height uint64) error {
	if _, err := l.oracle.HashAt(ctx, height); err != nil {
		if errors.Is(err, oracle.ErrHeightUnavailable) {
			// A start height above the oracle's tip is not available yet
			// rather than pruned: admit it and let tick wait at tip.
			if tipHeight, _, terr := l.oracle.Tip(ctx); terr == nil && height > tipHeight {
				logging.CheckpointResumed(height, "start_height")
				return nil
			}
			return fmt.Errorf("%w: height %d", ErrStartHeightUnavailable, height)
		}
		return fmt.Errorf("looprunner: admit start_height %d: %w", height, err)
	}
	logging.CheckpointResumed(height, "start_height")
	return nil
}

// tick performs one iteration: fork-check if there's a head, otherwise
// advance (or wait at tip).
func (l *Loop) tick(ctx context.Context) error {
	head, hasHead := l.currentHead()

	if hasHead {
		forked, ancestor, err := l.checkFork(ctx, head)
		if err != nil {
			return l.handleOracleError(ctx, err)
		}
		if forked {
			return l.rollback(ctx, ancestor)
		}
	}

	tipHeight, _, err := withBackoffRetry(ctx, func() (uint64, [32]byte, error) {
		return l.oracle.Tip(ctx)
	})
	if err != nil {
		return l.handleOracleError(ctx, err)
	}

	target := uint64(0)
	switch {
	case hasHead:
		target = head.Height + 1
	case l.startHeight >= 0:
		target = uint64(l.startHeight)
	default:
		// No configured start_height and nothing in the buffer yet: admit
		// from the oracle's current tip (spec §4.6 "latest" sentinel).
		target = tipHeight
	}

	if tipHeight < target {
		l.waitAtTip(ctx)
		return nil
	}

	return l.advance(ctx, target)
}

func (l *Loop) currentHead() (runner.BlockResult, bool) {
	head, err := l.buffer.Head()
	if err != nil {
		return runner.BlockResult{}, false
	}
	return head, true
}

// checkFork walks backward from head while the oracle's hash disagrees
// with the buffer's, per spec §4.6 "Fork check". Returns the common
// ancestor height when a fork is found shallower than the buffer.
func (l *Loop) checkFork(ctx context.Context, head runner.BlockResult) (forked bool, ancestor uint64, err error) {
	oracleHash, err := withRetrySingle(ctx, func() ([32]byte, error) {
		return l.oracle.HashAt(ctx, head.Height)
	})
	if err != nil {
		return false, 0, err
	}
	if oracleHash == head.Hash {
		return false, 0, nil
	}

	l.metrics.ReorgsDetected.Inc()
	logging.ReorgDetected(head.Height, 0)

	tail, terr := l.buffer.Tail()
	if terr != nil {
		return false, 0, fmt.Errorf("looprunner: fork check with no tail: %w", terr)
	}

	h := head.Height
	for h >= tail.Height {
		bufHash, err := l.buffer.HashAt(h)
		if err != nil {
			return false, 0, fmt.Errorf("looprunner: fork check: %w", err)
		}
		oh, err := withRetrySingle(ctx, func() ([32]byte, error) {
			return l.oracle.HashAt(ctx, h)
		})
		if err != nil {
			return false, 0, err
		}
		if oh == bufHash {
			logging.ReorgDetected(head.Height, h)
			return true, h, nil
		}
		if h == tail.Height {
			break
		}
		h--
	}

	return false, 0, &ErrDeepReorg{HeadHeight: head.Height, TailHeight: tail.Height}
}

// rollback pops every buffer entry above ancestor, commits their inverse
// batches newest-first, restores module state at ancestor, and lets the
// next tick advance forward again (spec §4.6 "Rollback(A)").
func (l *Loop) rollback(ctx context.Context, ancestor uint64) error {
	popped := l.buffer.EventsAbove(ancestor)
	l.buffer.TruncateAbove(ancestor)

	for i := len(popped) - 1; i >= 0; i-- {
		p := popped[i]
		inverse := cdc.InvertBatch(p.Events)
		if err := l.commitWithRetry(ctx, func() error {
			return l.sink.CommitRollback(ctx, p.Height, p.Hash, inverse)
		}); err != nil {
			return err
		}
	}

	ancestorResult, err := l.buffer.At(ancestor)
	if err == nil {
		if restoreErr := l.restoreModuleState(ctx, ancestorResult.StateSnapshot); restoreErr != nil {
			return restoreErr
		}
	}

	l.metrics.ReorgsHandled.Inc()
	l.metrics.RollbackDepth.Observe(float64(len(popped)))
	logging.ReorgHandled(len(popped), ancestor)
	return nil
}

// restoreModuleState calls the function installed with WithRestore
// (cmd/relay wires in the sandbox host's Restore). Without one it is a
// no-op, and a rollback then only affects the buffer and the sink.
func (l *Loop) restoreModuleState(ctx context.Context, snapshot []byte) error {
	if l.restoreFn == nil {
		return nil
	}
	return l.restoreFn(ctx, snapshot)
}

// restoreFn, when set via WithRestore, is called with the ancestor's
// state snapshot after a rollback truncates the buffer.
type restoreFunc func(ctx context.Context, snapshot []byte) error

// WithRestore wires the sandbox host's Restore so rollback actually
// resets module state, not just sink-visible history.
func WithRestore(fn func(ctx context.Context, snapshot []byte) error) Option {
	return func(l *Loop) { l.restoreFn = fn }
}

// advance invokes the transform for target and, on success, commits
// forward and pushes the result (spec §4.6 "Advance").
func (l *Loop) advance(ctx context.Context, target uint64) error {
	hash, err := withRetrySingle(ctx, func() ([32]byte, error) {
		return l.oracle.HashAt(ctx, target)
	})
	if err != nil {
		return l.handleOracleError(ctx, err)
	}

	result, err := l.runner.Run(ctx, target, hash, l.clock.NowMs())
	if err != nil {
		l.metrics.BlocksFailed.Inc()
		logging.ModuleTrap(target, err)
		return err
	}

	if err := l.commitWithRetry(ctx, func() error {
		return l.sink.CommitForward(ctx, target, hash, result.Events)
	}); err != nil {
		return err
	}

	if err := l.buffer.Push(result); err != nil {
		return fmt.Errorf("looprunner: push block %d: %w", target, err)
	}

	l.metrics.BlocksProcessed.Inc()
	l.metrics.CurrentSyncHeight.Set(float64(target))
	l.metrics.BufferSize.Set(float64(l.buffer.Len()))
	logging.BlockProcessed(target, cdc.EncodeHash(hash), len(result.Events), 0)

	if l.checkpointFn != nil {
		if err := l.checkpointFn(ctx, target, hash); err != nil {
			logging.Log.Warn("checkpoint write failed", "height", target, "error", err.Error())
		}
	}
	return nil
}

func (l *Loop) waitAtTip(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.pollWait):
	}
}

// handleOracleError classifies an oracle error: ErrHeightUnavailable
// means "wait" (spec §4.1 "height not available"), anything else
// (after retries already exhausted by the client) is fatal.
func (l *Loop) handleOracleError(ctx context.Context, err error) error {
	if errors.Is(err, oracle.ErrHeightUnavailable) {
		l.metrics.OracleDesyncWait.Inc()
		logging.OracleDesync(0)
		l.waitAtTip(ctx)
		return nil
	}
	var deepReorg *ErrDeepReorg
	if errors.As(err, &deepReorg) {
		l.metrics.DeepReorgsFatal.Inc()
		logging.DeepReorgFatal(deepReorg.HeadHeight, deepReorg.TailHeight)
		return err
	}
	return err
}

// commitWithRetry retries a sink commit while it returns a Retryable
// error, with bounded exponential backoff; any other error is fatal
// (spec §4.7/§7).
func (l *Loop) commitWithRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if sink.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// withRetrySingle retries an oracle hash lookup with its own short
// exponential backoff, giving up after 2s elapsed; this sits on top of
// whatever retries the client makes internally. ErrHeightUnavailable is
// returned at once, without retrying.
func withRetrySingle(ctx context.Context, fn func() ([32]byte, error)) ([32]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	var result [32]byte
	err := backoff.Retry(func() error {
		r, err := fn()
		if err != nil {
			if errors.Is(err, oracle.ErrHeightUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(bo, ctx))
	return result, err
}

func withBackoffRetry(ctx context.Context, fn func() (uint64, [32]byte, error)) (uint64, [32]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	var h uint64
	var hash [32]byte
	err := backoff.Retry(func() error {
		height, hh, err := fn()
		if err != nil {
			if errors.Is(err, oracle.ErrHeightUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		h, hash = height, hh
		return nil
	}, backoff.WithContext(bo, ctx))
	return h, hash, err
}
