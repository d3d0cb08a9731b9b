package helius

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/solana"
)

func addr(n byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = n + byte(i)
	}
	return base58.Encode(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	return newTestClientWith(t, handler, nil)
}

func newTestClientWith(t *testing.T, handler http.HandlerFunc, tune func(*Config)) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	cfg := Config{
		APIKey:       "test-key",
		APIURL:       server.URL,
		RPCURL:       server.URL,
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		Timeout:      2 * time.Second,
		RateLimitRPS: 1000,
	}
	if tune != nil {
		tune(&cfg)
	}
	client := NewClient(cfg, nil)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func TestFetchTransactions_Success(t *testing.T) {
	wallet, funder := addr(1), addr(2)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v0/addresses/"+wallet+"/transactions", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"signature": "s1", "timestamp": 100, "feePayer": funder,
				"nativeTransfers": []map[string]any{{"fromUserAccount": funder, "toUserAccount": wallet, "amount": 1_000_000_000}},
			},
			{"signature": "", "timestamp": 100, "feePayer": funder},
		})
	})

	txs, err := client.FetchTransactions(context.Background(), wallet, 25)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "s1", txs[0].Signature)
	assert.Equal(t, int64(1), client.Stats().RequestCount)
}

func TestFetchTransactions_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	txs, err := client.FetchTransactions(context.Background(), addr(1), 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), client.Stats().RetryCount)
}

func TestFetchTransactions_ExhaustionIsTypedError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchTransactions(context.Background(), addr(1), 10)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Attempts)
	assert.True(t, fe.RateLimited())
	assert.Equal(t, "fetch_transactions", fe.Op)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), client.Stats().RateLimited)
	// 429s do not trip the breaker.
	assert.Equal(t, int64(0), client.Stats().ConsecErrors)
}

// requestGaps records the time between consecutive requests while every
// request fails with status.
func requestGaps(t *testing.T, status int, base time.Duration, attempts int) []time.Duration {
	t.Helper()
	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	client := newTestClientWith(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamp = append(stamp, time.Now())
		mu.Unlock()
		w.WriteHeader(status)
	}, func(c *Config) {
		c.BaseDelay = base
		c.MaxAttempts = attempts
	})

	_, err := client.FetchTransactions(context.Background(), addr(1), 10)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, attempts)
	gaps := make([]time.Duration, 0, attempts-1)
	for i := 1; i < len(stamp); i++ {
		gaps = append(gaps, stamp[i].Sub(stamp[i-1]))
	}
	return gaps
}

func assertGaps(t *testing.T, want, got []time.Duration) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.GreaterOrEqual(t, got[i], want[i], "gap %d", i+1)
		assert.Less(t, got[i], want[i]+40*time.Millisecond, "gap %d", i+1)
	}
}

func TestFetchTransactions_LinearBackoff(t *testing.T) {
	// After failed attempt n the client waits n x base.
	gaps := requestGaps(t, http.StatusServiceUnavailable, 50*time.Millisecond, 4)
	assertGaps(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}, gaps)
}

func TestFetchTransactions_RateLimitDoublesBase(t *testing.T) {
	// Every 429 doubles the base before the n x base wait: 1x50, 2x100, 3x200.
	gaps := requestGaps(t, http.StatusTooManyRequests, 25*time.Millisecond, 4)
	assertGaps(t, []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 600 * time.Millisecond}, gaps)
}

func TestFetchTransactions_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchTransactions(context.Background(), addr(1), 10)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusUnauthorized, fe.StatusCode)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTransactions_ContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.FetchTransactions(ctx, addr(1), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitBreakerOpens(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client.breakerCooldown = time.Hour

	for i := 0; i < 4; i++ {
		_, _ = client.FetchTransactions(context.Background(), addr(1), 10)
	}
	assert.True(t, client.Stats().CircuitOpen)

	_, err := client.FetchTransactions(context.Background(), addr(1), 10)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestGetTransactions(t *testing.T) {
	payer := addr(4)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/transactions", r.URL.Path)
		var body struct {
			Transactions []string `json:"transactions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a", "b"}, body.Transactions)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"signature": "a", "timestamp": 5, "feePayer": payer},
			{"signature": "b", "timestamp": 6, "feePayer": payer},
		})
	})

	txs, err := client.GetTransactions(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "b", txs[1].Signature)
}

func TestGetAsset(t *testing.T) {
	creator := addr(5)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getAsset", req.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]any{
				"id": "MINT",
				"content": map[string]any{
					"metadata": map[string]any{"name": "Dog", "symbol": "DOG"},
					"links":    map[string]any{"image": "https://img"},
				},
				"authorities": []map[string]any{{"address": addr(6), "scopes": []string{"full"}}},
				"creators": []map[string]any{
					{"address": addr(7), "share": 0, "verified": false},
					{"address": creator, "share": 100, "verified": true},
				},
			},
		})
	})

	asset, err := client.GetAsset(context.Background(), "MINT")
	require.NoError(t, err)
	assert.Equal(t, "DOG", asset.Content.Metadata.Symbol)
	assert.Equal(t, creator, asset.Creator())
}

func TestGetAsset_RPCError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"not found"}}`))
	})
	_, err := client.GetAsset(context.Background(), "MINT")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "not found")
}

func TestStubClient(t *testing.T) {
	a, b := addr(1), addr(2)
	stub := NewStubClient()
	stub.AddTransactions(
		solana.Transaction{Signature: "old", Timestamp: 1, FeePayer: b,
			NativeTransfers: []solana.NativeTransfer{{From: b, To: a, Amount: 1}}},
		solana.Transaction{Signature: "new", Timestamp: 2, FeePayer: b,
			NativeTransfers: []solana.NativeTransfer{{From: b, To: a, Amount: 2}}},
	)

	txs, err := stub.FetchTransactions(context.Background(), a, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "new", txs[0].Signature)
	assert.Equal(t, 1, stub.Calls(a))

	stub.SetFail(a, errors.New("boom"))
	_, err = stub.FetchTransactions(context.Background(), a, 10)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)

	got, err := stub.GetTransactions(context.Background(), []string{"old", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
