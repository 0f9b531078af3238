// Command relay runs the deterministic, reorg-safe CDC transform
// runtime: it loads a sandboxed transform module, drives the block loop
// against a state oracle, and commits CDC batches to a pluggable sink.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaincdc/relay/internal/buffer"
	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/checkpoint"
	"github.com/chaincdc/relay/internal/config"
	"github.com/chaincdc/relay/internal/logging"
	"github.com/chaincdc/relay/internal/looprunner"
	"github.com/chaincdc/relay/internal/metrics"
	"github.com/chaincdc/relay/internal/oracle"
	"github.com/chaincdc/relay/internal/runner"
	"github.com/chaincdc/relay/internal/sandbox"
	"github.com/chaincdc/relay/internal/sink"
	"github.com/chaincdc/relay/internal/web"
)

func main() {
	if err := run(); err != nil {
		logging.Log.Error("relay exiting fatally", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Get()

	oc := oracle.NewHTTPClient(cfg.OracleURL,
		oracle.WithTimeout(cfg.OracleTimeout),
		oracle.WithRateLimit(cfg.OracleRPS),
		oracle.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMaxRetries),
	)

	if cfg.ModulePath == "" {
		return fmt.Errorf("relay: MODULE_PATH is required")
	}
	code, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return fmt.Errorf("relay: read module %s: %w", cfg.ModulePath, err)
	}

	backend := sandbox.NewWazeroHost(ctx)
	host := sandbox.NewHost(backend, func(viewCtx context.Context, name string, input []byte, height uint64) ([]byte, error) {
		return oc.View(viewCtx, name, input, height)
	})
	if err := host.LoadModule(ctx, code); err != nil {
		return fmt.Errorf("relay: load module: %w", err)
	}
	defer host.Close(ctx)

	r := runner.New(host)
	buf := buffer.New(cfg.BufferDepth)

	baseSink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	finalSink := baseSink
	if cfg.EnableBroadcast {
		hub := web.NewHub()
		finalSink = web.NewBroadcastSink(baseSink, hub)
		go serveBroadcast(cfg.BroadcastAddr, hub)
	}

	cp, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		logging.Log.Warn("checkpoint store unavailable, starting from oracle tip", "error", err.Error())
	}
	if cp != nil {
		defer cp.Close()
	}

	startHeight := cfg.StartHeight
	if startHeight < 0 {
		if resolved, ok := resolveStartHeight(ctx, cp); ok {
			startHeight = int64(resolved)
		}
	}

	opts := []looprunner.Option{
		looprunner.WithStartHeight(startHeight),
		looprunner.WithPollInterval(cfg.PollInterval),
		looprunner.WithRestore(func(restoreCtx context.Context, snapshot []byte) error {
			return host.Restore(restoreCtx, snapshot)
		}),
	}
	if cp != nil {
		opts = append(opts, looprunner.WithCheckpoint(func(cpCtx context.Context, height uint64, hash [32]byte) error {
			return cp.Update(cpCtx, height, cdc.EncodeHash(hash))
		}))
	}

	loop := looprunner.New(oc, r, buf, finalSink, m, opts...)

	return loop.Run(ctx)
}

// openCheckpointStore opens the durable checkpoint store when the
// deployment is backed by Postgres. A nil, nil return means no
// checkpointing is available for this sink kind — callers treat that as
// "fall back to the oracle tip" rather than an error.
func openCheckpointStore(ctx context.Context, cfg *config.Config) (*checkpoint.Store, error) {
	if cfg.SinkKind != "postgres" {
		return nil, nil
	}
	return checkpoint.Open(ctx, cfg.DatabaseURL, "relay")
}

// resolveStartHeight consults the checkpoint store so an operator who
// hasn't pinned START_HEIGHT resumes from the last height this
// deployment is known to have committed, rather than from the oracle's
// current tip (spec §4.6 "Admission at startup" strengthened per
// SPEC_FULL.md's checkpoint supplement).
func resolveStartHeight(ctx context.Context, cp *checkpoint.Store) (uint64, bool) {
	if cp == nil {
		return 0, false
	}
	height, _, ok, err := cp.Load(ctx)
	if err != nil || !ok {
		return 0, false
	}
	return height, true
}

func buildSink(ctx context.Context, cfg *config.Config) (sink.Sink, error) {
	switch cfg.SinkKind {
	case "postgres":
		return sink.NewPostgres(ctx, cfg.DatabaseURL)
	case "memory":
		return sink.NewMemory(), nil
	case "stdout", "":
		return sink.NewStdout(os.Stdout), nil
	default:
		return nil, fmt.Errorf("relay: unknown SINK_KIND %q", cfg.SinkKind)
	}
}

func serveBroadcast(addr string, hub *web.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/tail", hub)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Log.Error("broadcast server stopped", "error", err.Error())
	}
}
