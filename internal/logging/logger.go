// Package logging provides the relay's package-level structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Log is the global structured logger, initialized by Init.
var Log *slog.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// Init configures Log for the given level ("debug"|"info"|"warn"|"error")
// and format ("json"|"text").
func Init(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	if format == "text" {
		Log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	} else {
		Log = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	slog.SetDefault(Log)
}

// BlockProcessed logs a successful block invocation.
func BlockProcessed(height uint64, hash string, events int, durationSeconds float64) {
	Log.Info("block_processed",
		slog.Uint64("height", height),
		slog.String("hash", hash),
		slog.Int("events", events),
		slog.Float64("duration_seconds", durationSeconds),
	)
}

// ReorgDetected logs fork detection before rollback begins.
func ReorgDetected(fromHeight, ancestor uint64) {
	Log.Warn("reorg_detected",
		slog.Uint64("from_height", fromHeight),
		slog.Uint64("common_ancestor", ancestor),
	)
}

// ReorgHandled logs a completed rollback.
func ReorgHandled(blocksRolledBack int, ancestor uint64) {
	Log.Info("reorg_handled",
		slog.Int("blocks_rolled_back", blocksRolledBack),
		slog.Uint64("common_ancestor", ancestor),
	)
}

// DeepReorgFatal logs a reorg deeper than the buffer can invert.
func DeepReorgFatal(headHeight, tailHeight uint64) {
	Log.Error("deep_reorg_fatal",
		slog.Uint64("head_height", headHeight),
		slog.Uint64("tail_height", tailHeight),
	)
}

// RPCRetry logs a retried oracle or sink call.
func RPCRetry(op string, attempt int, err error) {
	Log.Warn("rpc_retry",
		slog.String("op", op),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// ModuleTrap logs a fatal transform failure.
func ModuleTrap(height uint64, err error) {
	Log.Error("module_trap",
		slog.Uint64("height", height),
		slog.String("error", err.Error()),
	)
}

// CheckpointResumed logs the height the loop resumes from at startup.
func CheckpointResumed(height uint64, source string) {
	Log.Info("checkpoint_resumed",
		slog.Uint64("height", height),
		slog.String("source", source),
	)
}

// OracleDesync logs the "tip ahead of hash availability" condition.
func OracleDesync(height uint64) {
	Log.Warn("oracle_desync",
		slog.Uint64("height", height),
	)
}

// BufferEvicted logs the historical buffer dropping its oldest retained
// block because a push grew it past its configured depth.
func BufferEvicted(height uint64) {
	Log.Info("buffer_evicted",
		slog.Uint64("height", height),
	)
}
