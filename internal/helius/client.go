package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/solana"
)

// ---------------------------------------------------------------------------
// Helius client: enhanced transactions + DAS with rate limiting & retry
// ---------------------------------------------------------------------------

// Config configures the Helius client.
type Config struct {
	APIKey       string        `yaml:"api_key"`
	APIURL       string        `yaml:"api_url"` // enhanced transactions REST base
	RPCURL       string        `yaml:"rpc_url"` // JSON-RPC / DAS endpoint
	PageSize     int           `yaml:"page_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultConfig returns mainnet defaults without an API key.
func DefaultConfig() Config {
	return Config{
		APIURL:       "https://api.helius.xyz",
		RPCURL:       "https://mainnet.helius-rpc.com",
		PageSize:     100,
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		Timeout:      10 * time.Second,
		RateLimitRPS: 10,
	}
}

// ErrCircuitOpen is wrapped by FetchError while the breaker is open.
var ErrCircuitOpen = errors.New("helius: circuit breaker open")

// FetchError is returned when a request could not be completed.
type FetchError struct {
	Op         string
	Address    string
	Attempts   int
	StatusCode int // last HTTP status, 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "helius: %s", e.Op)
	if e.Address != "" {
		fmt.Fprintf(&b, " %s", e.Address)
	}
	fmt.Fprintf(&b, " failed after %d attempt(s)", e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// RateLimited reports whether the last attempt was rejected with 429.
func (e *FetchError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// Client talks to the Helius REST and DAS APIs.
type Client struct {
	config     Config
	httpClient *http.Client
	metrics    *observability.Metrics

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
	breakerCooldown   time.Duration

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	retryCount    atomic.Int64
	rateLimited   atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

// NewClient creates a client. metrics may be nil.
func NewClient(config Config, metrics *observability.Metrics) *Client {
	def := DefaultConfig()
	if config.APIURL == "" {
		config.APIURL = def.APIURL
	}
	if config.RPCURL == "" {
		config.RPCURL = def.RPCURL
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = def.RateLimitRPS
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}
	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	c := &Client{
		config:          config,
		httpClient:      &http.Client{Timeout: config.Timeout},
		metrics:         metrics,
		limiter:         limiter,
		limiterCancel:   limiterCancel,
		breakerCooldown: circuitBreakerCooldown,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case c.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return c
}

// Close stops the limiter refill.
func (c *Client) Close() {
	c.limiterCancel()
}

// PageSize is the configured history page size.
func (c *Client) PageSize() int { return c.config.PageSize }

// FetchTransactions returns the most recent enhanced transactions for address,
// newest first. Elements that fail validation are dropped.
func (c *Client) FetchTransactions(ctx context.Context, address string, limit int) ([]solana.Transaction, error) {
	if limit <= 0 {
		limit = c.config.PageSize
	}
	q := url.Values{}
	q.Set("api-key", c.config.APIKey)
	q.Set("limit", fmt.Sprint(limit))
	endpoint := fmt.Sprintf("%s/v0/addresses/%s/transactions?%s",
		strings.TrimRight(c.config.APIURL, "/"), url.PathEscape(address), q.Encode())

	body, err := c.do(ctx, "fetch_transactions", address, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeBatch("fetch_transactions", address, body)
}

// GetTransactions resolves signatures to enhanced transactions.
func (c *Client) GetTransactions(ctx context.Context, signatures []string) ([]solana.Transaction, error) {
	if len(signatures) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]any{"transactions": signatures})
	if err != nil {
		return nil, fmt.Errorf("helius: marshal signatures: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v0/transactions?api-key=%s",
		strings.TrimRight(c.config.APIURL, "/"), url.QueryEscape(c.config.APIKey))

	body, err := c.do(ctx, "get_transactions", "", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return c.decodeBatch("get_transactions", "", body)
}

func (c *Client) decodeBatch(op, address string, body []byte) ([]solana.Transaction, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, &FetchError{Op: op, Address: address, Attempts: 1, Err: fmt.Errorf("decode response: %w", err)}
	}
	txs, malformed := solana.DecodeTransactions(elems)
	if len(malformed) > 0 {
		log.Debug().Str("op", op).Str("address", address).Int("dropped", len(malformed)).
			Msg("helius: dropped malformed transactions")
	}
	return txs, nil
}

// Asset is the subset of a DAS getAsset result used for token metadata.
type Asset struct {
	ID      string `json:"id"`
	Content struct {
		Metadata struct {
			Name   string `json:"name"`
			Symbol string `json:"symbol"`
		} `json:"metadata"`
		Links struct {
			Image string `json:"image"`
		} `json:"links"`
	} `json:"content"`
	Authorities []struct {
		Address string   `json:"address"`
		Scopes  []string `json:"scopes"`
	} `json:"authorities"`
	Creators []struct {
		Address  string `json:"address"`
		Share    int    `json:"share"`
		Verified bool   `json:"verified"`
	} `json:"creators"`
}

// Creator returns the first verified creator, else the first authority.
func (a *Asset) Creator() string {
	for _, cr := range a.Creators {
		if cr.Verified && cr.Address != "" {
			return cr.Address
		}
	}
	for _, au := range a.Authorities {
		if au.Address != "" {
			return au.Address
		}
	}
	return ""
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// GetAsset fetches DAS metadata for a mint.
func (c *Client) GetAsset(ctx context.Context, mint string) (*Asset, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "getAsset",
		Params:  map[string]any{"id": mint},
	})
	if err != nil {
		return nil, fmt.Errorf("helius: marshal getAsset: %w", err)
	}
	endpoint := fmt.Sprintf("%s/?api-key=%s", strings.TrimRight(c.config.RPCURL, "/"), url.QueryEscape(c.config.APIKey))

	body, err := c.do(ctx, "get_asset", mint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &FetchError{Op: "get_asset", Address: mint, Attempts: 1, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != nil {
		return nil, &FetchError{Op: "get_asset", Address: mint, Attempts: 1, Err: resp.Error}
	}
	var asset Asset
	if err := json.Unmarshal(resp.Result, &asset); err != nil {
		return nil, &FetchError{Op: "get_asset", Address: mint, Attempts: 1, Err: fmt.Errorf("decode asset: %w", err)}
	}
	return &asset, nil
}

// do runs a rate-limited, retried request. After failed attempt n it waits
// n × delay; a 429 doubles delay first. Transport errors and 5xx are retried,
// any other non-2xx status fails at once.
func (c *Client) do(ctx context.Context, op, address string, newReq func() (*http.Request, error)) ([]byte, error) {
	if c.circuitOpen.Load() {
		return nil, &FetchError{Op: op, Address: address, Err: ErrCircuitOpen}
	}

	delay := c.config.BaseDelay
	var (
		lastErr    error
		lastStatus int
		attempts   int
	)

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		attempts = attempt
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return nil, &FetchError{Op: op, Address: address, Attempts: attempt - 1, StatusCode: lastStatus, Err: ctx.Err()}
		}

		req, err := newReq()
		if err != nil {
			return nil, &FetchError{Op: op, Address: address, Attempts: attempt, Err: err}
		}

		start := time.Now()
		body, status, err := c.roundTrip(req)
		latency := time.Since(start)
		c.requestCount.Add(1)
		c.latencySum.Add(latency.Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())
		lastStatus = status

		switch {
		case err != nil:
			if ctx.Err() != nil {
				c.metrics.ObserveFetch(op, "cancelled", latency)
				return nil, &FetchError{Op: op, Address: address, Attempts: attempt, Err: ctx.Err()}
			}
			lastErr = err
			c.recordError()
			c.metrics.ObserveFetch(op, "network_error", latency)
		case status == http.StatusTooManyRequests:
			// Not a breaker error: the provider is healthy, just busy.
			lastErr = errors.New("rate limited")
			delay *= 2
			c.rateLimited.Add(1)
			c.metrics.ObserveFetch(op, "rate_limited", latency)
		case status >= 500:
			lastErr = fmt.Errorf("server error: %s", truncate(body, 200))
			c.recordError()
			c.metrics.ObserveFetch(op, "server_error", latency)
		case status < 200 || status >= 300:
			c.errorCount.Add(1)
			c.metrics.ObserveFetch(op, "client_error", latency)
			return nil, &FetchError{Op: op, Address: address, Attempts: attempt, StatusCode: status,
				Err: fmt.Errorf("unexpected status: %s", truncate(body, 200))}
		default:
			c.resetErrors()
			c.metrics.ObserveFetch(op, "ok", latency)
			return body, nil
		}

		c.errorCount.Add(1)
		if attempt == c.config.MaxAttempts {
			break
		}
		if c.circuitOpen.Load() {
			lastErr = ErrCircuitOpen
			break
		}

		wait := time.Duration(attempt) * delay
		c.retryCount.Add(1)
		log.Debug().Str("op", op).Str("address", address).Int("attempt", attempt).
			Int("status", status).Dur("wait", wait).Msg("helius: retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &FetchError{Op: op, Address: address, Attempts: attempt, StatusCode: lastStatus, Err: ctx.Err()}
		}
	}

	return nil, &FetchError{Op: op, Address: address, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) roundTrip(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// recordError increments consecutive errors and opens the breaker if needed.
func (c *Client) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("helius: circuit breaker open")
			go func() {
				time.Sleep(c.breakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("helius: circuit breaker reset")
			}()
		}
	}
}

func (c *Client) resetErrors() {
	c.consecutiveErrors.Store(0)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Health issues a cheap JSON-RPC call against the RPC endpoint.
func (c *Client) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: "getHealth"})
	endpoint := fmt.Sprintf("%s/?api-key=%s", strings.TrimRight(c.config.RPCURL, "/"), url.QueryEscape(c.config.APIKey))
	_, err := c.do(healthCtx, "health", "", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(healthCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// Stats is a snapshot of client counters.
type Stats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	RetryCount    int64 `json:"retry_count"`
	RateLimited   int64 `json:"rate_limited"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *Client) Stats() Stats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return Stats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		RetryCount:    c.retryCount.Load(),
		RateLimited:   c.rateLimited.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
