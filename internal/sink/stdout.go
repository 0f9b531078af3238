package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/chaincdc/relay/internal/cdc"
)

// Stdout is the simplest sink: it writes one line per event to an
// io.Writer, made of the direction ("forward" or "rollback"), the block
// height and the event's canonical JSON. An empty batch is written as a
// single line with "[]" in place of an event. Useful for local
// development and the scenarios in spec §8.
type Stdout struct {
	w io.Writer
}

// NewStdout builds a Stdout sink writing to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

func (s *Stdout) CommitForward(ctx context.Context, height uint64, hash [32]byte, events cdc.Batch) error {
	return s.write("forward", height, events)
}

func (s *Stdout) CommitRollback(ctx context.Context, height uint64, hash [32]byte, inverseEvents cdc.Batch) error {
	return s.write("rollback", height, inverseEvents)
}

func (s *Stdout) write(direction string, height uint64, events cdc.Batch) error {
	for _, e := range events {
		raw, err := e.MarshalJSON()
		if err != nil {
			return fmt.Errorf("sink/stdout: marshal event at height %d: %w", height, err)
		}
		if _, err := fmt.Fprintf(s.w, "%s %d %s\n", direction, height, raw); err != nil {
			return fmt.Errorf("sink/stdout: write: %w", err)
		}
	}
	if len(events) == 0 {
		if _, err := fmt.Fprintf(s.w, "%s %d %s\n", direction, height, "[]"); err != nil {
			return fmt.Errorf("sink/stdout: write: %w", err)
		}
	}
	return nil
}
