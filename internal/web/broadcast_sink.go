package web

import (
	"context"
	"encoding/json"

	"github.com/chaincdc/relay/internal/cdc"
	"github.com/chaincdc/relay/internal/sink"
)

// tailMessage is the wire shape sent to live-tail subscribers.
type tailMessage struct {
	Direction string    `json:"direction"`
	Height    uint64    `json:"height"`
	Hash      string    `json:"hash"`
	Events    cdc.Batch `json:"events"`
}

// BroadcastSink wraps another sink and additionally fans every committed
// batch out over a Hub. The wrapped sink's result is what determines
// Retryable/Fatal; the websocket fan-out never blocks or fails a commit.
type BroadcastSink struct {
	inner sink.Sink
	hub   *Hub
}

// NewBroadcastSink wraps inner, publishing every successful commit to hub.
func NewBroadcastSink(inner sink.Sink, hub *Hub) *BroadcastSink {
	return &BroadcastSink{inner: inner, hub: hub}
}

func (b *BroadcastSink) CommitForward(ctx context.Context, height uint64, hash [32]byte, events cdc.Batch) error {
	if err := b.inner.CommitForward(ctx, height, hash, events); err != nil {
		return err
	}
	b.publish("forward", height, hash, events)
	return nil
}

func (b *BroadcastSink) CommitRollback(ctx context.Context, height uint64, hash [32]byte, inverseEvents cdc.Batch) error {
	if err := b.inner.CommitRollback(ctx, height, hash, inverseEvents); err != nil {
		return err
	}
	b.publish("rollback", height, hash, inverseEvents)
	return nil
}

func (b *BroadcastSink) publish(direction string, height uint64, hash [32]byte, events cdc.Batch) {
	msg, err := json.Marshal(tailMessage{
		Direction: direction,
		Height:    height,
		Hash:      cdc.EncodeHash(hash),
		Events:    events,
	})
	if err != nil {
		return
	}
	b.hub.Broadcast(msg)
}
