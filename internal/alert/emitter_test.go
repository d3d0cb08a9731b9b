package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/storage"
	"github.com/nexus-trading/provenance/internal/storage/memory"
)

// seedChain stores W0 (root) -> W1 -> W2 and returns the root and W2.
func seedChain(t *testing.T, s *memory.Store) (*domain.EntityRecord, *domain.OffspringRecord) {
	t.Helper()
	ctx := context.Background()
	root, _, err := s.Upsert(ctx, domain.EntryWallet, "W0")
	require.NoError(t, err)

	t0 := time.Unix(1_700_000_000, 0).UTC()
	r1, err := s.ApplyFunding(ctx, domain.FundingEvent{
		Signature: "S1", RootEntityID: root.ID, WalletAddress: "W1",
		DepthLevel: 1, Amount: decimal.NewFromInt(1), FundedAt: t0,
	})
	require.NoError(t, err)
	r2, err := s.ApplyFunding(ctx, domain.FundingEvent{
		Signature: "S2", RootEntityID: root.ID, WalletAddress: "W2", ParentOffspringID: r1.Offspring.ID,
		DepthLevel: 2, Amount: decimal.NewFromInt(1), FundedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	return root, &r2.Offspring
}

func TestEmit_SnapshotRootToLeaf(t *testing.T) {
	s := memory.New()
	root, leaf := seedChain(t, s)
	producer := bus.NewStubProducer()
	em := NewEmitter(s, nil, NewBusSink(producer, ""))

	a, recorded, err := em.Emit(context.Background(), root, leaf, domain.AlertTokenBuy, "MINT", decimal.RequireFromString("1.5"), "S9")
	require.NoError(t, err)
	assert.True(t, recorded)

	require.Len(t, a.FundingChainSnapshot, 3)
	assert.Equal(t, "W0", a.FundingChainSnapshot[0].Wallet)
	assert.True(t, a.FundingChainSnapshot[0].IsSource)
	assert.Equal(t, "W1", a.FundingChainSnapshot[1].Wallet)
	assert.Equal(t, 1, a.FundingChainSnapshot[1].Depth)
	assert.Equal(t, "W2", a.FundingChainSnapshot[2].Wallet)
	assert.False(t, a.FundingChainSnapshot[2].IsSource)

	stored, err := s.ListAlerts(context.Background(), root.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, a.ID, stored[0].ID)

	msgs := producer.Messages(bus.TopicAlerts)
	require.Len(t, msgs, 1)
	assert.Equal(t, root.ID, msgs[0].Key)
	var ev bus.AlertEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, "W2", ev.OffspringWallet)
	assert.Equal(t, domain.AlertTokenBuy, ev.AlertType)
}

func TestEmit_DuplicateIsRecordedOnce(t *testing.T) {
	s := memory.New()
	root, leaf := seedChain(t, s)
	producer := bus.NewStubProducer()
	em := NewEmitter(s, nil, NewBusSink(producer, "custom"))
	ctx := context.Background()

	_, recorded, err := em.Emit(ctx, root, leaf, domain.AlertTokenMint, "MINT", decimal.Zero, "S9")
	require.NoError(t, err)
	assert.True(t, recorded)
	_, recorded, err = em.Emit(ctx, root, leaf, domain.AlertTokenMint, "MINT", decimal.Zero, "S9")
	require.NoError(t, err)
	assert.False(t, recorded)

	stored, _ := s.ListAlerts(ctx, root.ID, 0)
	assert.Len(t, stored, 1)
	assert.Len(t, producer.Messages("custom"), 1)
}

func TestEmit_SinkFailureIsCountedNotReturned(t *testing.T) {
	s := memory.New()
	root, leaf := seedChain(t, s)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	var delivered int
	good := SinkFunc{SinkName: "good", Fn: func(context.Context, bus.AlertEvent) error { delivered++; return nil }}
	bad := SinkFunc{SinkName: "bad", Fn: func(context.Context, bus.AlertEvent) error { return errors.New("down") }}
	em := NewEmitter(s, metrics, bad)
	em.AddSink(good)

	_, recorded, err := em.Emit(context.Background(), root, leaf, domain.AlertTokenSell, "MINT", decimal.NewFromInt(2), "S9")
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertSinkFailures.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertsEmitted.WithLabelValues("token_sell")))
}

type failingAlertStore struct {
	*memory.Store
}

func (failingAlertStore) AppendAlert(context.Context, domain.Alert) (bool, error) {
	return false, errors.New("disk full")
}

func TestEmit_StoreFailureReturnsError(t *testing.T) {
	s := memory.New()
	root, leaf := seedChain(t, s)
	em := NewEmitter(failingAlertStore{s}, nil)

	_, recorded, err := em.Emit(context.Background(), root, leaf, domain.AlertTokenMint, "MINT", decimal.Zero, "S9")
	require.Error(t, err)
	assert.False(t, recorded)
}

func TestEmit_RequiresRecords(t *testing.T) {
	em := NewEmitter(memory.New(), nil)
	_, _, err := em.Emit(context.Background(), nil, nil, domain.AlertTokenMint, "", decimal.Zero, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

// cyclicStore returns offspring whose parents point at each other.
type cyclicStore struct {
	storage.AlertStore
	records map[string]*domain.OffspringRecord
}

func (c cyclicStore) GetOffspring(_ context.Context, id string) (*domain.OffspringRecord, error) {
	rec, ok := c.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func TestSnapshot_CycleAndMissingParentAreBounded(t *testing.T) {
	root := &domain.EntityRecord{ID: "R", Identifier: "W0"}
	a := &domain.OffspringRecord{ID: "A", WalletAddress: "WA", DepthLevel: 2, ParentOffspringID: "B"}
	b := &domain.OffspringRecord{ID: "B", WalletAddress: "WB", DepthLevel: 1, ParentOffspringID: "A"}
	em := NewEmitter(cyclicStore{records: map[string]*domain.OffspringRecord{"A": a, "B": b}}, nil)

	chain := em.Snapshot(context.Background(), root, a)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{"W0", "WB", "WA"}, []string{chain[0].Wallet, chain[1].Wallet, chain[2].Wallet})

	orphan := &domain.OffspringRecord{ID: "C", WalletAddress: "WC", DepthLevel: 3, ParentOffspringID: "gone"}
	chain = em.Snapshot(context.Background(), root, orphan)
	require.Len(t, chain, 2)
	assert.Equal(t, "WC", chain[1].Wallet)
}
