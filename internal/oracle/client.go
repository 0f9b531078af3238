package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/chaincdc/relay/internal/logging"
	"github.com/chaincdc/relay/internal/metrics"
)

// HTTPClient is the JSON-RPC 2.0 oracle client described in spec §6:
// metashrew_height, metashrew_getblockhash, metashrew_view.
type HTTPClient struct {
	url         string
	httpClient  *http.Client
	rateLimiter *rate.Limiter

	backoffInitial time.Duration
	backoffMax     time.Duration
	maxRetries     int

	metrics *metrics.Metrics
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

func WithRateLimit(rps int) Option {
	return func(c *HTTPClient) {
		if rps <= 0 {
			rps = 20
		}
		c.rateLimiter = rate.NewLimiter(rate.Limit(rps), rps*2)
	}
}

func WithBackoff(initial, max time.Duration, maxRetries int) Option {
	return func(c *HTTPClient) {
		c.backoffInitial = initial
		c.backoffMax = max
		c.maxRetries = maxRetries
	}
}

// NewHTTPClient builds an oracle client talking JSON-RPC 2.0 to url.
func NewHTTPClient(url string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		url:            url,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		rateLimiter:    rate.NewLimiter(rate.Limit(20), 40),
		backoffInitial: 250 * time.Millisecond,
		backoffMax:     30 * time.Second,
		maxRetries:     8,
		metrics:        metrics.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// heightUnavailableCode is the JSON-RPC error code the oracle uses to
// signal a height it has not yet indexed (spec §4.1 "wait").
const heightUnavailableCode = -32001

func (c *HTTPClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("oracle rate limiter: %w", err)
	}

	start := time.Now()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	c.metrics.OracleRequestsTotal.WithLabelValues(method).Inc()
	c.metrics.OracleLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.OracleRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("oracle request %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.OracleRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("read oracle response %s: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		c.metrics.OracleRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, method, err)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == heightUnavailableCode {
			return ErrHeightUnavailable
		}
		c.metrics.OracleRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("oracle rpc error %s: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%w: decode result of %s: %v", ErrMalformedResponse, method, err)
		}
	}
	return nil
}

// withRetry wraps call with bounded exponential backoff for transient
// I/O errors, per spec §4.1. ErrHeightUnavailable and
// ErrMalformedResponse are never retried here — the caller classifies
// those (wait / fatal respectively).
func (c *HTTPClient) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax
	b.MaxElapsedTime = 0 // bounded by attempt count below, not wall clock

	var attempt int
	operation := func() error {
		attempt++
		err := fn()
		if err == nil || err == ErrHeightUnavailable || isMalformed(err) {
			return backoff.Permanent(err)
		}
		if c.maxRetries > 0 && attempt >= c.maxRetries {
			return backoff.Permanent(fmt.Errorf("oracle %s: giving up after %d attempts: %w", op, attempt, err))
		}
		logging.RPCRetry(op, attempt, err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}

func isMalformed(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrMalformedResponse.Error())
}

func (c *HTTPClient) Tip(ctx context.Context) (uint64, [32]byte, error) {
	var height uint64
	if err := c.withRetry(ctx, "metashrew_height", func() error {
		return c.call(ctx, "metashrew_height", nil, &height)
	}); err != nil {
		return 0, [32]byte{}, err
	}
	hash, err := c.HashAt(ctx, height)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return height, hash, nil
}

func (c *HTTPClient) HashAt(ctx context.Context, height uint64) ([32]byte, error) {
	var hexHash string
	err := c.withRetry(ctx, "metashrew_getblockhash", func() error {
		return c.call(ctx, "metashrew_getblockhash", []any{height}, &hexHash)
	})
	if err != nil {
		return [32]byte{}, err
	}
	return decodeHash(hexHash)
}

func (c *HTTPClient) View(ctx context.Context, name string, input []byte, height uint64) ([]byte, error) {
	var hexOut string
	err := c.withRetry(ctx, "metashrew_view", func() error {
		return c.call(ctx, "metashrew_view", []any{name, "0x" + hex.EncodeToString(input), height}, &hexOut)
	})
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimPrefix(hexOut, "0x"))
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, fmt.Errorf("%w: invalid hash %q: %v", ErrMalformedResponse, s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("%w: hash %q is %d bytes, want 32", ErrMalformedResponse, s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
