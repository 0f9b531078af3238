package cdc

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredValue_Uint256_RoundTrip(t *testing.T) {
	v := StructuredValue{}
	n := uint256.NewInt(123456789)
	v.SetUint256("balance", n)

	got, err := v.GetUint256("balance")
	require.NoError(t, err)
	assert.Equal(t, n.String(), got.String())

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"123456789"`)
}

func TestStructuredValue_Uint256_NilStoresNull(t *testing.T) {
	v := StructuredValue{}
	v.SetUint256("balance", nil)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":null}`, string(raw))
}

func TestStructuredValue_MarshalJSON_NilMapIsNull(t *testing.T) {
	var v StructuredValue
	raw, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}
