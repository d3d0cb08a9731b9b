package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/alert"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/helius"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
	"github.com/nexus-trading/provenance/internal/storage/memory"
)

// fakeSource replays events once Start is called.
type fakeSource struct {
	mu      sync.Mutex
	watched []string
	events  chan solana.LogEvent
}

func (s *fakeSource) Start(context.Context) <-chan solana.LogEvent { return s.events }

func (s *fakeSource) Watch(addr string) {
	s.mu.Lock()
	s.watched = append(s.watched, addr)
	s.mu.Unlock()
}

func (s *fakeSource) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watched...)
}

func transfer(sig, from, to string, sol int64, ts int64) solana.Transaction {
	return solana.Transaction{
		Signature: sig, Timestamp: ts, FeePayer: from,
		NativeTransfers: []solana.NativeTransfer{{From: from, To: to, Amount: uint64(sol) * solana.LamportsPerSOL}},
	}
}

func TestStream_ResolvesAndOrdersBatches(t *testing.T) {
	f := newFixture(t)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer("late", child, grand, 1, 200),
		transfer("early", root, child, 2, 100),
	)
	src := &fakeSource{events: make(chan solana.LogEvent, 8)}
	stream := NewStream(src, stub, f.pipeline, 10, 20*time.Millisecond)

	// The child's own transfer is notified first; sorting by time must fund
	// the child before expanding it.
	src.events <- solana.LogEvent{Address: child, Signature: "late"}
	src.events <- solana.LogEvent{Address: root, Signature: "early"}
	src.events <- solana.LogEvent{Address: root, Signature: "early"}
	close(src.events)

	require.NoError(t, stream.Run(context.Background()))

	offs, err := f.store.ListOffspring(context.Background(), f.rootID)
	require.NoError(t, err)
	require.Len(t, offs, 2, fmt.Sprintf("offspring: %+v", offs))
	assert.Contains(t, src.Watched(), root)
	assert.Contains(t, src.Watched(), child)
	assert.Contains(t, src.Watched(), grand)
}

func TestStream_FlushesOnTimeout(t *testing.T) {
	f := newFixture(t)
	stub := helius.NewStubClient()
	stub.AddTransactions(transfer("s1", root, child, 1, 100))
	src := &fakeSource{events: make(chan solana.LogEvent, 1)}
	stream := NewStream(src, stub, f.pipeline, 100, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()
	src.events <- solana.LogEvent{Address: root, Signature: "s1"}

	require.Eventually(t, func() bool { return f.pipeline.Index().Tracks(f.rootID, child) }, time.Second, 5*time.Millisecond)
}

// flakyStore fails the first n funding writes.
type flakyStore struct {
	*memory.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) ApplyFunding(ctx context.Context, ev domain.FundingEvent) (domain.FundingResult, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return domain.FundingResult{}, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.ApplyFunding(ctx, ev)
}

// flakyFetcher fails the first n resolves.
type flakyFetcher struct {
	*helius.StubClient
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyFetcher) GetTransactions(ctx context.Context, sigs []string) ([]solana.Transaction, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("helius unavailable")
	}
	return f.StubClient.GetTransactions(ctx, sigs)
}

func TestStream_RetriesBatchAfterPersistenceError(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New(), fails: 1}
	rec, _, err := store.Upsert(ctx, domain.EntryWallet, root)
	require.NoError(t, err)
	index, err := offspring.LoadIndex(ctx, store)
	require.NoError(t, err)
	proc := offspring.NewProcessor(offspring.DefaultConfig(), store, graph.DefaultRegistry(), alert.NewEmitter(store, nil), nil)
	pipeline := NewPipeline(proc, index, nil)

	stub := helius.NewStubClient()
	stub.AddTransactions(transfer("s1", root, child, 1, 100), transfer("s2", root, grand, 1, 101))
	src := &fakeSource{events: make(chan solana.LogEvent, 2)}
	stream := NewStream(src, stub, pipeline, 10, 10*time.Millisecond, WithStreamRetry(3, time.Millisecond))

	src.events <- solana.LogEvent{Address: root, Signature: "s1"}
	src.events <- solana.LogEvent{Address: root, Signature: "s2"}
	close(src.events)
	require.NoError(t, stream.Run(ctx))

	offs, err := store.ListOffspring(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, offs, 2, "the failed batch is processed again")
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalOffspringCount)
}

func TestStream_RetriesFailedFetchThenGivesUp(t *testing.T) {
	f := newFixture(t)
	stub := helius.NewStubClient()
	stub.AddTransactions(transfer("s1", root, child, 1, 100))

	fetcher := &flakyFetcher{StubClient: stub, fails: 1}
	src := &fakeSource{events: make(chan solana.LogEvent, 1)}
	src.events <- solana.LogEvent{Address: root, Signature: "s1"}
	close(src.events)
	require.NoError(t, NewStream(src, fetcher, f.pipeline, 10, time.Millisecond, WithStreamRetry(2, time.Millisecond)).Run(context.Background()))
	assert.True(t, f.pipeline.Index().Tracks(f.rootID, child))
	assert.Equal(t, 2, fetcher.calls)

	down := &flakyFetcher{StubClient: stub, fails: 10}
	src = &fakeSource{events: make(chan solana.LogEvent, 1)}
	src.events <- solana.LogEvent{Address: root, Signature: "s1"}
	close(src.events)
	require.NoError(t, NewStream(src, down, f.pipeline, 10, time.Millisecond, WithStreamRetry(2, time.Millisecond)).Run(context.Background()))
	assert.Equal(t, 2, down.calls)
}
