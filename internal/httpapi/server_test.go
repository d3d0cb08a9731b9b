package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/alert"
	"github.com/nexus-trading/provenance/internal/config"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/helius"
	"github.com/nexus-trading/provenance/internal/ingest"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
	"github.com/nexus-trading/provenance/internal/storage/memory"
)

const binanceWallet = "5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9"

func wallet(n byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = n + byte(i)
	}
	return base58.Encode(b)
}

var (
	dev   = wallet(1)
	child = wallet(2)
)

type testServer struct {
	router http.Handler
	store  *memory.Store
	runner *entity.Runner
}

func newTestServer(t *testing.T, secret string, tune ...func(*config.HTTPConfig)) *testServer {
	t.Helper()
	stub := helius.NewStubClient()
	stub.AddTransactions(solana.Transaction{
		Signature: "fund-dev", Timestamp: 100, FeePayer: binanceWallet,
		NativeTransfers: []solana.NativeTransfer{{From: binanceWallet, To: dev, Amount: 3 * solana.LamportsPerSOL}},
	})

	tcfg := graph.DefaultTracerConfig()
	tcfg.Throttle = 0
	tcfg.Timeout = 0
	tracer := graph.NewTracer(tcfg, stub, graph.DefaultRegistry(), nil)

	s := memory.New()
	index, err := offspring.LoadIndex(context.Background(), s)
	require.NoError(t, err)
	proc := offspring.NewProcessor(offspring.DefaultConfig(), s, graph.DefaultRegistry(), alert.NewEmitter(s, nil), nil)
	engine := entity.NewEngine(entity.DefaultConfig(), s, tracer, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner := entity.NewRunner(ctx, engine)
	t.Cleanup(func() {
		cancel()
		runner.Close()
	})

	health := observability.NewHealthMonitor(time.Minute)
	health.Register("store", observability.PingCheck(s.Ping, time.Second))

	reg := observability.NewRegistry()
	hcfg := config.HTTPConfig{Addr: ":0", WebhookSecret: secret, MaxBodyBytes: 1 << 16}
	for _, fn := range tune {
		fn(&hcfg)
	}
	router, _ := NewServer(hcfg, Deps{
		Store:    s,
		Pipeline: ingest.NewPipeline(proc, index, observability.NewMetrics(reg)),
		Engine:   engine,
		Runner:   runner,
		Tracer:   tracer,
		Health:   health,
		Gatherer: reg,
		Stats:    func() map[string]any { return map[string]any{"mode": "test"} },
	})
	return &testServer{router: router, store: s, runner: runner}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) register(t *testing.T, identifier string) domain.EntityRecord {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/entities", map[string]any{"identifier": identifier, "entry_type": "wallet"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[domain.EntityRecord](t, w)
}

func TestRegisterEntity(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.register(t, dev)
	assert.Equal(t, domain.StatusPending, rec.EnrichmentStatus)

	w := ts.do(t, http.MethodPost, "/entities", map[string]any{"identifier": dev, "entry_type": "wallet"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID, decode[domain.EntityRecord](t, w).ID)

	w = ts.do(t, http.MethodGet, "/entities/"+rec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/entities?type=wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.EntityRecord](t, w), 1)
}

func TestRegisterEntity_Validation(t *testing.T) {
	ts := newTestServer(t, "")
	for name, body := range map[string]any{
		"bad json":     "{",
		"bad type":     map[string]any{"identifier": dev, "entry_type": "exchange"},
		"bad address":  map[string]any{"identifier": "not-an-address", "entry_type": "wallet"},
		"missing body": map[string]any{},
	} {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/entities", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	w := ts.do(t, http.MethodGet, "/entities?type=exchange", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEntity_NotFound(t *testing.T) {
	ts := newTestServer(t, "")
	for _, path := range []string{"/entities/missing", "/entities/missing/offspring", "/entities/missing/alerts"} {
		w := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := ts.do(t, http.MethodPost, "/entities/missing/enrich?wait=true", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_TracksRegisteredRoot(t *testing.T) {
	ts := newTestServer(t, "")
	root := ts.register(t, dev)

	payload := []map[string]any{{
		"signature": "s1", "timestamp": 200, "feePayer": dev,
		"nativeTransfers": []map[string]any{{"fromUserAccount": dev, "toUserAccount": child, "amount": 1_000_000_000}},
	}, {"signature": "broken"}}

	w := ts.do(t, http.MethodPost, "/webhook", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[ingest.Report](t, w)
	assert.Equal(t, 2, rep.Received)
	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, 1, rep.New)

	w = ts.do(t, http.MethodGet, "/entities/"+root.ID+"/offspring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	offs := decode[[]domain.OffspringRecord](t, w)
	require.Len(t, offs, 1)
	assert.Equal(t, child, offs[0].WalletAddress)
	assert.Equal(t, 1, offs[0].DepthLevel)
}

func TestWebhook_SecretAndBadPayload(t *testing.T) {
	ts := newTestServer(t, "hush")

	w := ts.do(t, http.MethodPost, "/webhook", "[]")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/webhook", "[]", "Authorization", "hush")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/webhook", "", "Authorization", "hush")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/webhook", `"text"`, "Authorization", "hush")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := "[" + strings.Repeat(" ", 1<<17) + "]"
	w = ts.do(t, http.MethodPost, "/webhook", big, "Authorization", "hush")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestListAlerts(t *testing.T) {
	ts := newTestServer(t, "")
	root := ts.register(t, dev)
	_, err := ts.store.AppendAlert(context.Background(), domain.Alert{
		ID: "a1", RootEntityID: root.ID, OffspringID: "o1", AlertType: domain.AlertTokenMint,
		TokenIdentifier: wallet(9), AmountSol: decimal.Zero, Signature: "s1", DetectedAt: time.Now(),
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/entities/"+root.ID+"/alerts?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[[]domain.Alert](t, w)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertTokenMint, alerts[0].AlertType)
}

func TestEnrich_WaitAndForce(t *testing.T) {
	ts := newTestServer(t, "")
	root := ts.register(t, dev)

	w := ts.do(t, http.MethodPost, "/entities/"+root.ID+"/enrich?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[entity.Result](t, w)
	assert.False(t, res.Skipped)
	assert.Equal(t, domain.StatusComplete, res.Entity.EnrichmentStatus)
	assert.Contains(t, res.Entity.Tags, domain.TagCEXFunded)
	assert.Contains(t, res.Entity.Tags, domain.TagFundedViaPrefix+"binance")

	w = ts.do(t, http.MethodPost, "/entities/"+root.ID+"/enrich?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[entity.Result](t, w).Skipped)

	w = ts.do(t, http.MethodPost, "/entities/"+root.ID+"/enrich?wait=true&force=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[entity.Result](t, w).Skipped)
}

func TestEnrich_Background(t *testing.T) {
	ts := newTestServer(t, "")
	root := ts.register(t, dev)

	w := ts.do(t, http.MethodPost, "/entities/"+root.ID+"/enrich", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.runner.Wait()

	rec, err := ts.store.Get(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, rec.EnrichmentStatus)
}

func TestTrace(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/trace/"+dev+"?depth=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Nodes     int                     `json:"nodes"`
		Exchanges []domain.ExchangeSource `json:"exchanges"`
		Trace     domain.FundingNode      `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Nodes)
	require.Len(t, body.Exchanges, 1)
	assert.Equal(t, "binance", body.Exchanges[0].Exchange)
	assert.Equal(t, dev, body.Trace.Address)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/trace/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/trace/"+dev+"?depth=-2", nil).Code)
}

func TestTrace_DepthIsClamped(t *testing.T) {
	ts := newTestServer(t, "", func(c *config.HTTPConfig) { c.MaxTraceDepth = 1 })

	var body struct {
		Depth int                `json:"depth"`
		Trace domain.FundingNode `json:"trace"`
	}
	w := ts.do(t, http.MethodGet, "/trace/"+dev+"?depth=500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Depth)

	w = ts.do(t, http.MethodGet, "/trace/"+dev+"?depth=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	shallow := decode[struct {
		Depth int                `json:"depth"`
		Trace domain.FundingNode `json:"trace"`
	}](t, w)
	assert.Equal(t, 0, shallow.Depth)
	assert.Equal(t, domain.SourceMaxDepth, shallow.Trace.SourceType)
	assert.Empty(t, shallow.Trace.Children)
}

func TestHealthStatsMetrics(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[observability.SystemHealth](t, w)
	assert.Equal(t, observability.StatusHealthy, health.Status)
	assert.Contains(t, health.Components, "store")

	w = ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.Equal(t, "test", stats["mode"])
	assert.Contains(t, stats, "tracer")
	assert.Contains(t, stats, "tracked_addresses")

	ts.do(t, http.MethodPost, "/webhook", "[]")
	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
