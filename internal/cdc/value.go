package cdc

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// StructuredValue is the "structured value" referenced in spec §3 for a
// payload's before/after state. It is a plain JSON object; transform
// modules are free to put whatever shape their table needs inside it.
type StructuredValue map[string]any

// SetUint256 stores a chain-native unsigned integer without precision
// loss. encoding/json would otherwise round numbers through float64;
// this stores the decimal string instead, the same trick the teacher's
// Uint256 db type uses for NUMERIC columns.
func (v StructuredValue) SetUint256(field string, n *uint256.Int) {
	if n == nil {
		v[field] = nil
		return
	}
	v[field] = n.Dec()
}

// GetUint256 reads back a field written by SetUint256.
func (v StructuredValue) GetUint256(field string) (*uint256.Int, error) {
	raw, ok := v[field]
	if !ok || raw == nil {
		return nil, fmt.Errorf("structured value missing field %q", field)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("structured value field %q is not a decimal string", field)
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("decode uint256 field %q: %w", field, err)
	}
	return n, nil
}

// MarshalJSON is explicit (rather than relying on the map default) so the
// nil map case encodes as JSON null, matching an absent before/after per
// spec §3, not an empty object.
func (v StructuredValue) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]any(v))
}
