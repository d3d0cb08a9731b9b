package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/helius"
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

var sigSeq int

func transfer(from, to string, sol float64, ts int64) solana.Transaction {
	sigSeq++
	return solana.Transaction{
		Signature: fmt.Sprintf("sig-%d", sigSeq),
		Timestamp: ts,
		FeePayer:  from,
		NativeTransfers: []solana.NativeTransfer{
			{From: from, To: to, Amount: solana.SOLToLamports(decimal.NewFromFloat(sol))},
		},
	}
}

func newTestTracer(fetcher Fetcher) *Tracer {
	cfg := DefaultTracerConfig()
	cfg.Throttle = 0
	cfg.Timeout = 0
	return NewTracer(cfg, fetcher, DefaultRegistry(), nil)
}

func childAddrs(n *domain.FundingNode) []string {
	out := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c.Address)
	}
	return out
}

func TestTrace_TopKByAmount(t *testing.T) {
	a := wallet(1)
	f5, f1, f3, f02, f006 := wallet(10), wallet(20), wallet(30), wallet(40), wallet(50)

	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(f5, a, 5, 100),
		transfer(f1, a, 1, 101),
		transfer(f3, a, 3, 102),
		transfer(f02, a, 0.2, 103),
		transfer(f006, a, 0.06, 104),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 2)

	require.Equal(t, domain.SourceWallet, tree.SourceType)
	assert.Equal(t, []string{f5, f3, f1}, childAddrs(tree))
	assert.Equal(t, "5", tree.Children[0].Amount.String())
	assert.Equal(t, "3", tree.Children[1].Amount.String())
	assert.Equal(t, "1", tree.Children[2].Amount.String())
	for _, c := range tree.Children {
		assert.Equal(t, 1, c.Depth)
	}
	assert.Equal(t, 0, stub.Calls(f02))
	assert.Equal(t, 0, stub.Calls(f006))
}

func TestTrace_DepthBound(t *testing.T) {
	a, b, c, d := wallet(1), wallet(2), wallet(3), wallet(4)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(b, a, 1, 10),
		transfer(c, b, 1, 9),
		transfer(d, c, 1, 8),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 2)

	require.Len(t, tree.Children, 1)
	bNode := tree.Children[0]
	require.Len(t, bNode.Children, 1)
	cNode := bNode.Children[0]
	assert.Equal(t, c, cNode.Address)
	assert.Equal(t, 2, cNode.Depth)
	assert.Equal(t, domain.SourceMaxDepth, cNode.SourceType)
	assert.Empty(t, cNode.Children)
	assert.Equal(t, 0, stub.Calls(c), "max_depth nodes are never fetched")

	tree.Walk(func(n *domain.FundingNode) bool {
		assert.LessOrEqual(t, n.Depth, 2)
		return true
	})
}

func TestTrace_ZeroDepthIsTerminalRoot(t *testing.T) {
	stub := helius.NewStubClient()
	tree := newTestTracer(stub).Trace(context.Background(), wallet(1), 0)
	assert.Equal(t, domain.SourceMaxDepth, tree.SourceType)
	assert.Equal(t, 0, stub.Calls(wallet(1)))
}

func TestTrace_CycleNeverRepeatsAddress(t *testing.T) {
	a, b := wallet(1), wallet(2)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(b, a, 2, 10),
		transfer(a, b, 1, 5),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 5)
	assert.Equal(t, 2, tree.Size())
	assert.Equal(t, []string{a, b}, ExtractAllWallets(tree))
}

func TestTrace_SharedVisitedAcrossBranches(t *testing.T) {
	a, b, c, d := wallet(1), wallet(2), wallet(3), wallet(4)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(b, a, 2, 10),
		transfer(c, a, 1, 11),
		transfer(d, b, 1, 5),
		transfer(d, c, 1, 6),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 4)

	seen := map[string]int{}
	tree.Walk(func(n *domain.FundingNode) bool {
		seen[n.Address]++
		return true
	})
	for addr, n := range seen {
		assert.Equal(t, 1, n, "address %s repeated", addr)
	}
	assert.Equal(t, 4, tree.Size())
	assert.Equal(t, []string{d}, childAddrs(tree.Children[0]))
	assert.Empty(t, tree.Children[1].Children)
	assert.Equal(t, 1, stub.Calls(d))
}

func TestTrace_ExchangeShortCircuit(t *testing.T) {
	a, b := wallet(1), wallet(2)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(binanceWallet, a, 10, 10),
		transfer(b, a, 1, 11),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 3)

	require.Len(t, tree.Children, 2)
	cex := tree.Children[0]
	assert.Equal(t, domain.SourceCEX, cex.SourceType)
	assert.Equal(t, "binance", cex.CEXName)
	assert.Empty(t, cex.Children)
	assert.Equal(t, 0, stub.Calls(binanceWallet))

	sources := ExtractExchangeSources(tree)
	require.Len(t, sources, 1)
	assert.Equal(t, "binance", sources[0].Exchange)
	assert.Equal(t, binanceWallet, sources[0].Wallet)
	assert.Equal(t, "10", sources[0].Amount.String())

	// A root that is itself an exchange is never fetched.
	root := newTestTracer(stub).Trace(context.Background(), binanceWallet, 3)
	assert.Equal(t, domain.SourceCEX, root.SourceType)
	assert.Equal(t, 0, stub.Calls(binanceWallet))
}

func TestTrace_FetchErrorTruncatesBranch(t *testing.T) {
	a, b, c, d := wallet(1), wallet(2), wallet(3), wallet(4)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(b, a, 2, 10),
		transfer(c, a, 1, 11),
		transfer(d, c, 1, 5),
	)
	stub.SetFail(b, errors.New("upstream 503"))

	tracer := newTestTracer(stub)
	tree := tracer.Trace(context.Background(), a, 3)

	require.Len(t, tree.Children, 2)
	assert.Equal(t, domain.SourceError, tree.Children[0].SourceType)
	assert.Contains(t, tree.Children[0].Error, "upstream 503")
	assert.Empty(t, tree.Children[0].Children)
	assert.Equal(t, []string{d}, childAddrs(tree.Children[1]))
	assert.Equal(t, int64(1), tracer.Stats().FetchErrors)
}

func TestTrace_RootFetchError(t *testing.T) {
	stub := helius.NewStubClient()
	stub.SetFail(wallet(1), errors.New("down"))
	tree := newTestTracer(stub).Trace(context.Background(), wallet(1), 3)
	assert.Equal(t, domain.SourceError, tree.SourceType)
	assert.Equal(t, 1, tree.Size())
}

func TestTrace_ThresholdAndGrouping(t *testing.T) {
	a, big, dust, twice := wallet(1), wallet(2), wallet(3), wallet(4)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(big, a, 0.05, 10),
		transfer(dust, a, 0.049, 11),
		transfer(dust, a, 0.04, 12),
		transfer(twice, a, 0.05, 30),
		transfer(twice, a, 0.1, 20),
	)

	tree := newTestTracer(stub).Trace(context.Background(), a, 1)

	assert.Equal(t, []string{twice, big}, childAddrs(tree))
	assert.Equal(t, "0.15", tree.Children[0].Amount.String())
	assert.Equal(t, int64(20), tree.Children[0].FundedAt)
	assert.Equal(t, domain.SourceMaxDepth, tree.Children[0].SourceType)
}

type blockingFetcher struct{}

func (blockingFetcher) FetchTransactions(ctx context.Context, _ string, _ int) ([]solana.Transaction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTrace_TimeoutYieldsErrorNode(t *testing.T) {
	cfg := DefaultTracerConfig()
	cfg.Timeout = 30 * time.Millisecond
	tracer := NewTracer(cfg, blockingFetcher{}, nil, nil)

	start := time.Now()
	tree := tracer.Trace(context.Background(), wallet(1), 3)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.SourceError, tree.SourceType)
	assert.Contains(t, tree.Error, "deadline")
}

func TestTrace_ThrottlesSiblings(t *testing.T) {
	a := wallet(1)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(wallet(2), a, 3, 1),
		transfer(wallet(3), a, 2, 2),
		transfer(wallet(4), a, 1, 3),
	)
	cfg := DefaultTracerConfig()
	cfg.Throttle = 20 * time.Millisecond
	tracer := NewTracer(cfg, stub, nil, nil)

	start := time.Now()
	tree := tracer.Trace(context.Background(), a, 1)
	require.Len(t, tree.Children, 3)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDiscoverCreatedTokens(t *testing.T) {
	dev, other, m1, m2 := wallet(1), wallet(2), wallet(90), wallet(91)
	create := func(sig, payer, mint string, ts int64) solana.Transaction {
		return solana.Transaction{
			Signature: sig, Timestamp: ts, Type: "CREATE", FeePayer: payer,
			Instructions:   []solana.Instruction{{ProgramID: string(solana.PumpFunProgram), Accounts: []string{mint}}},
			TokenTransfers: []solana.TokenTransfer{{To: payer, Mint: mint, Amount: decimal.NewFromInt(1)}},
		}
	}
	stub := helius.NewStubClient()
	stub.AddTransactions(
		create("c1", dev, m1, 3),
		create("c2", dev, m2, 2),
		create("c3", dev, m1, 1),
		create("c4", other, wallet(92), 4),
		transfer(other, dev, 1, 5),
	)

	mints, err := newTestTracer(stub).DiscoverCreatedTokens(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, []string{m1, m2}, mints)

	stub.SetFail(dev, errors.New("down"))
	_, err = newTestTracer(stub).DiscoverCreatedTokens(context.Background(), dev)
	assert.Error(t, err)
}

func TestTraceWithHistory_ReturnsRootPage(t *testing.T) {
	dev, funder, mint := wallet(1), wallet(2), wallet(90)
	stub := helius.NewStubClient()
	stub.AddTransactions(
		transfer(funder, dev, 1, 1),
		solana.Transaction{
			Signature: "c1", Timestamp: 2, Type: "CREATE", FeePayer: dev,
			Instructions:   []solana.Instruction{{ProgramID: string(solana.PumpFunProgram), Accounts: []string{mint}}},
			TokenTransfers: []solana.TokenTransfer{{To: dev, Mint: mint, Amount: decimal.NewFromInt(1)}},
		},
	)
	tracer := newTestTracer(stub)

	tree, history, ok := tracer.TraceWithHistory(context.Background(), dev, 2)
	require.True(t, ok)
	assert.Equal(t, dev, tree.Address)
	assert.Len(t, history, 2)
	assert.Equal(t, []string{mint}, tracer.CreatedTokens(dev, history))
	assert.Equal(t, 1, stub.Calls(dev))

	_, _, ok = tracer.TraceWithHistory(context.Background(), binanceWallet, 2)
	assert.False(t, ok, "exchange roots are not fetched")

	_, _, ok = tracer.TraceWithHistory(context.Background(), dev, 0)
	assert.False(t, ok, "a zero-depth trace fetches nothing")

	stub.SetFail(dev, errors.New("down"))
	_, history, ok = tracer.TraceWithHistory(context.Background(), dev, 2)
	assert.False(t, ok)
	assert.Empty(t, history)
}
