package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/config"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/solana"
)

const binanceWallet = "5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9"

func wallet(n byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = n + byte(i)
	}
	return base58.Encode(b)
}

func writeFixture(t *testing.T, txs ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(txs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func transfer(sig, from, to string, lamports uint64, ts int64) map[string]any {
	return map[string]any{
		"signature": sig, "timestamp": ts, "feePayer": from,
		"nativeTransfers": []map[string]any{{"fromUserAccount": from, "toUserAccount": to, "amount": lamports}},
	}
}

func TestBuild_StubWiresEndToEnd(t *testing.T) {
	dev, child, mint := wallet(1), wallet(2), wallet(90)
	fixture := writeFixture(t, transfer("fund", binanceWallet, dev, 5*solana.LamportsPerSOL, 100))

	cfg := config.Default()
	cfg.Trace.Throttle = 0
	ctx := context.Background()
	a, err := Build(ctx, cfg, Options{Stub: true, Fixture: fixture})
	require.NoError(t, err)
	defer a.Close()

	rec, _, err := a.Store.Upsert(ctx, domain.EntryWallet, dev)
	require.NoError(t, err)
	res, err := a.Engine.Enrich(ctx, entity.Request{EntityID: rec.ID})
	require.NoError(t, err)
	assert.Contains(t, res.Entity.Tags, domain.TagCEXFunded)

	// The registered root starts being tracked once the index refreshes.
	require.NoError(t, a.Index.Refresh(ctx, a.Store))

	launch := map[string]any{
		"signature": "mint", "timestamp": 300, "type": "CREATE", "feePayer": child,
		"instructions": []map[string]any{{"programId": string(solana.PumpFunProgram), "accounts": []string{mint}}},
	}
	body, err := json.Marshal([]map[string]any{transfer("s1", dev, child, solana.LamportsPerSOL, 200), launch})
	require.NoError(t, err)
	rep, err := a.Pipeline.HandleWebhook(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.New)
	assert.Equal(t, 1, rep.Alerts)

	stub, ok := a.Producer.(*bus.StubProducer)
	require.True(t, ok)
	assert.Len(t, stub.Messages(bus.TopicAlerts), 1)
	assert.Len(t, stub.Messages(bus.TopicOffspring), 1)
	assert.Len(t, stub.Messages(bus.TopicEnrichment), 1)

	stats := a.Stats()
	assert.Equal(t, true, stats["stub"])
	assert.NotContains(t, stats, "helius")
}

func TestBuild_FixtureErrors(t *testing.T) {
	_, err := Build(context.Background(), config.Default(), Options{Stub: true, Fixture: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("  "), 0o600))
	_, err = Build(context.Background(), config.Default(), Options{Stub: true, Fixture: bad})
	assert.ErrorIs(t, err, solana.ErrEmptyPayload)
}
