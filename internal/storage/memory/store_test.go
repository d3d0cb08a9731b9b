package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

func TestUpsert_CreatesOnceAndReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec, created, err := s.Upsert(ctx, domain.EntryWallet, "W0")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusPending, rec.EnrichmentStatus)
	assert.NotEmpty(t, rec.ID)

	again, created, err := s.Upsert(ctx, domain.EntryWallet, "W0")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)

	_, _, err = s.Upsert(ctx, "bogus", "W1")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGet_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec, _, err := s.Upsert(ctx, domain.EntryWallet, "W0")
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.Tags = append(got.Tags, "mutated")

	fresh, err := s.GetByIdentifier(ctx, "W0")
	require.NoError(t, err)
	assert.Empty(t, fresh.Tags)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	ctx := context.Background()
	s := New()
	w, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	_, _, _ = s.Upsert(ctx, domain.EntryTokenMint, "M0")
	_, _, _ = s.Upsert(ctx, domain.EntryWallet, "W1")
	require.NoError(t, s.SetStatus(ctx, w.ID, domain.StatusFailed, "boom"))

	wallets, err := s.List(ctx, storage.EntityFilter{EntryType: domain.EntryWallet})
	require.NoError(t, err)
	assert.Len(t, wallets, 2)

	pending, err := s.List(ctx, storage.EntityFilter{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := s.List(ctx, storage.EntityFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "W0", limited[0].Identifier)
	assert.Equal(t, "boom", limited[0].EnrichmentError)
}

func TestMerge_UnionsAndCaps(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	caps := domain.Caps{LinkedWallets: 3, LinkedTokens: 10, Tags: 10, CrossLinks: 10}

	_, err := s.Merge(ctx, rec.ID, domain.EntityPatch{Wallets: []string{"A", "B"}, Tags: []string{"cex_funded"}}, caps)
	require.NoError(t, err)
	got, err := s.Merge(ctx, rec.ID, domain.EntityPatch{Wallets: []string{"B", "C", "D"}, Tags: []string{"cex_funded"}}, caps)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, got.LinkedWallets)
	assert.Equal(t, []string{"cex_funded"}, got.Tags)
	assert.Equal(t, domain.StatusComplete, got.EnrichmentStatus)
	require.NotNil(t, got.EnrichedAt)

	_, err = s.Merge(ctx, "missing", domain.EntityPatch{}, caps)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLink_IsSymmetricAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _, _ := s.Upsert(ctx, domain.EntryWallet, "WA")
	b, _, _ := s.Upsert(ctx, domain.EntryWallet, "WB")
	caps := domain.DefaultCaps()

	require.NoError(t, s.Link(ctx, a.ID, b.ID, caps))
	require.NoError(t, s.Link(ctx, a.ID, b.ID, caps))

	ga, _ := s.Get(ctx, a.ID)
	gb, _ := s.Get(ctx, b.ID)
	assert.Equal(t, []string{b.ID}, ga.CrossLinkedEntries)
	assert.Equal(t, []string{a.ID}, gb.CrossLinkedEntries)
	assert.Equal(t, []string{"WA"}, gb.LinkedWallets)
	assert.Empty(t, ga.LinkedWallets)

	assert.ErrorIs(t, s.Link(ctx, a.ID, "missing", caps), storage.ErrNotFound)
}

func fundingEvent(rootID, wallet, sig string, sol float64, at time.Time) domain.FundingEvent {
	return domain.FundingEvent{
		Signature:     sig,
		RootEntityID:  rootID,
		WalletAddress: wallet,
		DepthLevel:    1,
		Amount:        decimal.NewFromFloat(sol),
		FundedAt:      at,
	}
}

func TestApplyFunding_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	root, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	t0 := time.Unix(1_700_000_000, 0).UTC()

	first, err := s.ApplyFunding(ctx, fundingEvent(root.ID, "W1", "S1", 0.01, t0))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Applied)

	redelivered, err := s.ApplyFunding(ctx, fundingEvent(root.ID, "W1", "S1", 0.01, t0))
	require.NoError(t, err)
	assert.False(t, redelivered.Created)
	assert.False(t, redelivered.Applied)
	assert.Equal(t, first.Offspring.ID, redelivered.Offspring.ID)

	off, err := s.GetOffspringByWallet(ctx, root.ID, "W1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(0.01).Equal(off.TotalSolReceived))

	got, _ := s.Get(ctx, root.ID)
	assert.Equal(t, int64(1), got.TotalOffspringCount)
}

func TestApplyFunding_AccumulatesAndKeepsLatestActivity(t *testing.T) {
	ctx := context.Background()
	s := New()
	root, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	t0 := time.Unix(1_700_000_000, 0).UTC()

	_, err := s.ApplyFunding(ctx, fundingEvent(root.ID, "W1", "S2", 0.5, t0.Add(time.Hour)))
	require.NoError(t, err)
	res, err := s.ApplyFunding(ctx, fundingEvent(root.ID, "W1", "S1", 0.25, t0))
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.True(t, res.Applied)
	assert.True(t, decimal.NewFromFloat(0.75).Equal(res.Offspring.TotalSolReceived))
	assert.Equal(t, t0.Add(time.Hour), res.Offspring.LastActivityAt)

	got, _ := s.Get(ctx, root.ID)
	assert.Equal(t, int64(1), got.TotalOffspringCount)
}

func TestApplyFunding_RejectsBadEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.ApplyFunding(ctx, domain.FundingEvent{Signature: "S", RootEntityID: "R", WalletAddress: "W"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.ApplyFunding(ctx, fundingEvent("missing-root", "W1", "S1", 1, time.Now()))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyFunding_ConcurrentRedeliveryCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	root, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	ev := fundingEvent(root.ID, "W1", "S1", 0.01, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyFunding(ctx, ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListAllOffspring(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, decimal.NewFromFloat(0.01).Equal(all[0].TotalSolReceived))
	got, _ := s.Get(ctx, root.ID)
	assert.Equal(t, int64(1), got.TotalOffspringCount)
}

func TestMarkActivity_OnlySetsFlags(t *testing.T) {
	ctx := context.Background()
	s := New()
	root, _, _ := s.Upsert(ctx, domain.EntryWallet, "W0")
	t0 := time.Unix(1_700_000_000, 0).UTC()
	res, _ := s.ApplyFunding(ctx, fundingEvent(root.ID, "W1", "S1", 1, t0))

	require.NoError(t, s.MarkActivity(ctx, res.Offspring.ID, domain.Activity{PumpFunDev: true, At: t0.Add(time.Minute)}))
	require.NoError(t, s.MarkActivity(ctx, res.Offspring.ID, domain.Activity{ActiveTrader: true, At: t0}))

	off, err := s.GetOffspring(ctx, res.Offspring.ID)
	require.NoError(t, err)
	assert.True(t, off.IsPumpFunDev)
	assert.True(t, off.IsActiveTrader)
	assert.Equal(t, t0.Add(time.Minute), off.LastActivityAt)

	assert.ErrorIs(t, s.MarkActivity(ctx, "missing", domain.Activity{}), storage.ErrNotFound)
}

func TestAppendAlert_Dedups(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := domain.Alert{
		ID: "a1", RootEntityID: "R", OffspringID: "O", AlertType: domain.AlertTokenBuy,
		TokenIdentifier: "M", Signature: "S1",
	}

	ok, err := s.AppendAlert(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	a.ID = "a2"
	ok, err = s.AppendAlert(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	a.ID, a.AlertType = "a3", domain.AlertTokenSell
	ok, err = s.AppendAlert(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	alerts, err := s.ListAlerts(ctx, "R", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a3", alerts[0].ID)

	limited, _ := s.ListAlerts(ctx, "R", 1)
	assert.Len(t, limited, 1)

	_, err = s.AppendAlert(ctx, domain.Alert{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
