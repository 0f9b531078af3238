package cdc

// Batch is an ordered sequence of CDC events emitted for one block.
type Batch []Event

// Invert returns the unique inverse of a single event per spec §3:
// Create<->Delete swap presence, Update<->Update swaps before/after.
// The header is preserved unchanged — inversion is a payload-level
// operation, the block identity it happened at does not change.
func Invert(e Event) Event {
	inverted := e
	switch e.Payload.Operation {
	case Create:
		inverted.Payload = Payload{
			Operation: Delete,
			Table:     e.Payload.Table,
			Key:       e.Payload.Key,
			Before:    e.Payload.After,
			After:     nil,
		}
	case Delete:
		inverted.Payload = Payload{
			Operation: Create,
			Table:     e.Payload.Table,
			Key:       e.Payload.Key,
			Before:    nil,
			After:     e.Payload.Before,
		}
	case Update:
		inverted.Payload = Payload{
			Operation: Update,
			Table:     e.Payload.Table,
			Key:       e.Payload.Key,
			Before:    e.Payload.After,
			After:     e.Payload.Before,
		}
	default:
		// unreachable if Payload.Validate was enforced at emit time
		inverted.Payload = e.Payload
	}
	return inverted
}

// InvertBatch reverses order and inverts each event, per spec §3
// "Inverting an ordered batch reverses order and inverts each event."
func InvertBatch(batch Batch) Batch {
	out := make(Batch, len(batch))
	n := len(batch)
	for i, e := range batch {
		out[n-1-i] = Invert(e)
	}
	return out
}
