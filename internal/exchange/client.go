// client.go -- signed HTTP client for the exchange REST API.
//
// Takes decrypted vault.Credentials per call; the client itself never holds
// secrets. Outbound calls are paced by a shared token bucket so a burst of
// automations can't trip the exchange's own rate limits.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/vault"
	"golang.org/x/time/rate"
)

// PlaceOrderPath is the exchange endpoint for new orders.
const PlaceOrderPath = "/api/v2/mix/order/place-order"

// HeaderNames holds the exchange-specific header names carrying signature material.
type HeaderNames struct {
	AccessKey  string
	Signature  string
	Passphrase string
	Timestamp  string
}

// DefaultHeaderNames are used for any HeaderNames field left empty.
var DefaultHeaderNames = HeaderNames{
	AccessKey:  "ACCESS-KEY",
	Signature:  "ACCESS-SIGN",
	Passphrase: "ACCESS-PASSPHRASE",
	Timestamp:  "ACCESS-TIMESTAMP",
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	TestnetBaseURL    string
	Headers           HeaderNames
	RequestsPerSecond float64       // 0 disables pacing
	Timeout           time.Duration // per request, defaults to 10s
	Metrics           *metrics.Recorder
}

// APIError is returned for non-2xx exchange responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange returned %d: %s", e.StatusCode, e.Body)
}

// Client sends signed requests to the exchange. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient returns a Client for cfg, filling in default header names and timeout.
func NewClient(cfg Config) *Client {
	if cfg.Headers.AccessKey == "" {
		cfg.Headers.AccessKey = DefaultHeaderNames.AccessKey
	}
	if cfg.Headers.Signature == "" {
		cfg.Headers.Signature = DefaultHeaderNames.Signature
	}
	if cfg.Headers.Passphrase == "" {
		cfg.Headers.Passphrase = DefaultHeaderNames.Passphrase
	}
	if cfg.Headers.Timestamp == "" {
		cfg.Headers.Timestamp = DefaultHeaderNames.Timestamp
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// baseURL picks the testnet or mainnet base for creds.
func (c *Client) baseURL(creds vault.Credentials) string {
	if creds.IsTestnet && c.cfg.TestnetBaseURL != "" {
		return strings.TrimRight(c.cfg.TestnetBaseURL, "/")
	}
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

// Do signs and sends a request. body is JSON-encoded when non-nil; out receives the
// decoded "data" field of the response envelope when non-nil.
// path must include any query string, since it is part of the signed message.
func (c *Client) Do(ctx context.Context, creds vault.Credentials, method, path string, body, out any) error {
	if creds.APIKey == "" {
		return fmt.Errorf("signing request: missing api key")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for exchange rate limiter: %w", err)
		}
	}

	method = strings.ToUpper(method)
	// Timestamp taken after pacing so queued requests don't go out stale.
	ts := Timestamp(c.now())
	sig, err := Sign(method, path, ts, string(payload), creds.APISecret)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(creds)+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.Headers.AccessKey, creds.APIKey)
	req.Header.Set(c.cfg.Headers.Signature, sig)
	req.Header.Set(c.cfg.Headers.Timestamp, ts)
	if creds.Passphrase != "" {
		req.Header.Set(c.cfg.Headers.Passphrase, creds.Passphrase)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.cfg.Metrics.RecordExchangeCall(ctx, path, 0, float64(time.Since(start).Milliseconds()))
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()
	c.cfg.Metrics.RecordExchangeCall(ctx, path, resp.StatusCode, float64(time.Since(start).Milliseconds()))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading exchange response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding exchange response: %w", err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("decoding exchange response: missing data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding exchange response data: %w", err)
	}
	return nil
}

// PlaceOrder validates and submits an order.
func (c *Client) PlaceOrder(ctx context.Context, creds vault.Credentials, order OrderRequest) (*OrderResponse, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	var resp OrderResponse
	if err := c.Do(ctx, creds, http.MethodPost, PlaceOrderPath, order, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
