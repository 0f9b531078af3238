package oracle

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hash32 builds a valid 32-byte hex-encoded hash for test fixtures.
func hash32(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return "0x" + hex.EncodeToString(buf)
}

func rpcServer(t *testing.T, handler func(method string, params []any) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handler(req.Method, req.Params)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestHTTPClient_Tip(t *testing.T) {
	srv := rpcServer(t, func(method string, params []any) (any, *rpcError) {
		switch method {
		case "metashrew_height":
			return 5, nil
		case "metashrew_getblockhash":
			return hash32(0xaa), nil
		}
		t.Fatalf("unexpected method %s", method)
		return nil, nil
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithBackoff(time.Millisecond, 10*time.Millisecond, 3))
	height, _, err := client.Tip(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), height)
}

func TestHTTPClient_HeightUnavailable_NotRetried(t *testing.T) {
	var calls int32
	srv := rpcServer(t, func(method string, params []any) (any, *rpcError) {
		atomic.AddInt32(&calls, 1)
		return nil, &rpcError{Code: heightUnavailableCode, Message: "not indexed yet"}
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithBackoff(time.Millisecond, 10*time.Millisecond, 5))
	_, err := client.HashAt(t.Context(), 100)
	assert.ErrorIs(t, err, ErrHeightUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClient_TransientError_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := rpcServer(t, func(method string, params []any) (any, *rpcError) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, &rpcError{Code: -32000, Message: "temporarily unavailable"}
		}
		return hash32(0xbb), nil
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithBackoff(time.Millisecond, 5*time.Millisecond, 10))
	_, err := client.HashAt(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClient_MalformedResponse_Fatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithBackoff(time.Millisecond, 5*time.Millisecond, 3))
	_, _, err := client.Tip(t.Context())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
