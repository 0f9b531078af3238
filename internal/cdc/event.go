// Package cdc defines the canonical Change-Data-Capture event model: the
// wire format every transform module emits into and every sink consumes
// from. See spec §3 and §4.2.
package cdc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operation is the CDC payload discriminator.
type Operation string

const (
	Create Operation = "Create"
	Update Operation = "Update"
	Delete Operation = "Delete"
)

// Header carries the provenance of one event: which module emitted it,
// when, and at what block.
type Header struct {
	Source        string  `json:"source"`
	Timestamp     int64   `json:"timestamp"` // milliseconds since epoch, host-assigned
	BlockHeight   uint64  `json:"block_height"`
	BlockHash     string  `json:"block_hash"` // hex of the 32-byte block identity
	TransactionID *string `json:"transaction_id"`
}

// Payload is the Create/Update/Delete body of a CDC event.
type Payload struct {
	Operation Operation        `json:"operation"`
	Table     string           `json:"table"`
	Key       string           `json:"key"`
	Before    *StructuredValue `json:"before"`
	After     *StructuredValue `json:"after"`
}

// Event is one canonical CDC event.
type Event struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// wireHeader and wirePayload pin the field order required by spec §4.2: header before
// payload, with payload's operation as the first field of that object.
type wireHeader Header
type wirePayload Payload

// MarshalJSON produces the canonical, key-order-stable encoding.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"header":`)
	hb, err := json.Marshal(wireHeader(e.Header))
	if err != nil {
		return nil, fmt.Errorf("marshal cdc header: %w", err)
	}
	buf.Write(hb)
	buf.WriteString(`,"payload":`)
	pb, err := json.Marshal(wirePayload(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("marshal cdc payload: %w", err)
	}
	buf.Write(pb)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts any valid field order (sinks and tests may
// round-trip events produced elsewhere); only emission enforces order.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Header  wireHeader  `json:"header"`
		Payload wirePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal cdc event: %w", err)
	}
	e.Header = Header(raw.Header)
	e.Payload = Payload(raw.Payload)
	return nil
}

// Validate checks the presence invariants from spec §3: Create has no
// before, Delete has no after, Update has both.
func (p Payload) Validate() error {
	switch p.Operation {
	case Create:
		if p.Before != nil || p.After == nil {
			return fmt.Errorf("create payload must have before=absent, after=present")
		}
	case Update:
		if p.Before == nil || p.After == nil {
			return fmt.Errorf("update payload must have both before and after present")
		}
	case Delete:
		if p.Before == nil || p.After != nil {
			return fmt.Errorf("delete payload must have before=present, after=absent")
		}
	default:
		return fmt.Errorf("unknown cdc operation %q", p.Operation)
	}
	if p.Table == "" {
		return fmt.Errorf("cdc payload missing table")
	}
	return nil
}

// EncodeHash hex-encodes a 32-byte block identity using go-ethereum's
// hexutil so hash formatting stays consistent with the oracle client.
func EncodeHash(hash [32]byte) string {
	return hexutil.Encode(hash[:])
}

// DecodeHash parses a hex-encoded 32-byte block identity.
func DecodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		// tolerate bare hex (no 0x prefix) as some oracles omit it
		b2, err2 := hex.DecodeString(s)
		if err2 != nil {
			return out, fmt.Errorf("decode block hash %q: %w", s, err)
		}
		b = b2
	}
	if len(b) != 32 {
		return out, fmt.Errorf("block hash %q is %d bytes, want 32", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
