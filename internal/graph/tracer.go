package graph

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/solana"
)

// ---------------------------------------------------------------------------
// Backward Provenance Tracer: bounded DFS over incoming funding
// ---------------------------------------------------------------------------

// Fetcher returns the recent transaction history of an address.
type Fetcher interface {
	FetchTransactions(ctx context.Context, address string, limit int) ([]solana.Transaction, error)
}

// TracerConfig configures backward traces.
type TracerConfig struct {
	MaxDepth       int           `yaml:"max_depth"`       // default trace depth
	TopK           int           `yaml:"top_k"`           // funders kept per node
	MinFundingSOL  float64       `yaml:"min_funding_sol"` // per-transfer threshold
	Throttle       time.Duration `yaml:"throttle"`        // delay between sibling calls
	PageSize       int           `yaml:"page_size"`
	Timeout        time.Duration `yaml:"timeout"` // whole-trace deadline, 0 = none
	LaunchPrograms []string      `yaml:"launch_programs"`
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		MaxDepth:       3,
		TopK:           3,
		MinFundingSOL:  0.05,
		Throttle:       300 * time.Millisecond,
		PageSize:       100,
		Timeout:        2 * time.Minute,
		LaunchPrograms: solana.DefaultLaunchPrograms(),
	}
}

// Tracer builds funding trees. Safe for concurrent use; each Trace call
// carries its own visited set.
type Tracer struct {
	config     TracerConfig
	fetcher    Fetcher
	registry   *Registry
	metrics    *observability.Metrics
	minFunding decimal.Decimal

	// Stats.
	traces        atomic.Int64
	fetches       atomic.Int64
	fetchErrors   atomic.Int64
	walletNodes   atomic.Int64
	cexNodes      atomic.Int64
	errorNodes    atomic.Int64
	maxDepthNodes atomic.Int64
}

// NewTracer creates a tracer. metrics may be nil.
func NewTracer(config TracerConfig, fetcher Fetcher, registry *Registry, metrics *observability.Metrics) *Tracer {
	def := DefaultTracerConfig()
	if config.MaxDepth < 0 {
		config.MaxDepth = def.MaxDepth
	}
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.MinFundingSOL <= 0 {
		config.MinFundingSOL = def.MinFundingSOL
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if len(config.LaunchPrograms) == 0 {
		config.LaunchPrograms = def.LaunchPrograms
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Tracer{
		config:     config,
		fetcher:    fetcher,
		registry:   registry,
		metrics:    metrics,
		minFunding: decimal.NewFromFloat(config.MinFundingSOL),
	}
}

// Config returns the effective configuration.
func (t *Tracer) Config() TracerConfig { return t.config }

// Registry returns the exchange registry the tracer classifies with.
func (t *Tracer) Registry() *Registry { return t.registry }

type traceState struct {
	visited  map[string]bool
	maxDepth int
	rootTxs  []solana.Transaction
	rootOK   bool // rootTxs holds the root's fetched page
}

// Trace returns the funding tree of root. A negative maxDepth uses the
// configured default. Fetch failures and deadlines truncate branches into
// error nodes; Trace itself never fails.
func (t *Tracer) Trace(ctx context.Context, root string, maxDepth int) *domain.FundingNode {
	tree, _, _ := t.TraceWithHistory(ctx, root, maxDepth)
	return tree
}

// TraceWithHistory is Trace that also returns the page of root's history the
// trace fetched. ok is false when root was never fetched: it is an exchange,
// maxDepth is 0, or the fetch failed.
func (t *Tracer) TraceWithHistory(ctx context.Context, root string, maxDepth int) (tree *domain.FundingNode, history []solana.Transaction, ok bool) {
	if maxDepth < 0 {
		maxDepth = t.config.MaxDepth
	}
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	t.traces.Add(1)

	st := &traceState{visited: make(map[string]bool), maxDepth: maxDepth}
	tree = t.visit(ctx, st, root, 0, decimal.Zero, 0)

	elapsed := time.Since(start)
	t.metrics.ObserveTrace(elapsed, tree.Size())
	log.Debug().Str("root", root).Int("max_depth", maxDepth).Int("nodes", tree.Size()).
		Dur("elapsed", elapsed).Msg("graph: trace complete")
	return tree, st.rootTxs, st.rootOK
}

func (t *Tracer) visit(ctx context.Context, st *traceState, address string, depth int, amount decimal.Decimal, fundedAt int64) *domain.FundingNode {
	node := &domain.FundingNode{
		Address:  address,
		Depth:    depth,
		Amount:   amount,
		FundedAt: fundedAt,
	}
	st.visited[address] = true

	if exchange, ok := t.registry.Classify(address); ok {
		node.SourceType = domain.SourceCEX
		node.CEXName = exchange
		t.countNode(node)
		return node
	}
	if depth >= st.maxDepth {
		node.SourceType = domain.SourceMaxDepth
		t.countNode(node)
		return node
	}
	if err := ctx.Err(); err != nil {
		return t.errorNode(node, err)
	}

	t.fetches.Add(1)
	txs, err := t.fetcher.FetchTransactions(ctx, address, t.config.PageSize)
	if err != nil {
		t.fetchErrors.Add(1)
		log.Debug().Err(err).Str("address", address).Int("depth", depth).Msg("graph: fetch failed, truncating branch")
		return t.errorNode(node, err)
	}

	node.SourceType = domain.SourceWallet
	t.countNode(node)
	if depth == 0 {
		st.rootTxs, st.rootOK = txs, true
	}

	explored := 0
	for _, f := range t.selectFunders(address, txs, st.visited) {
		// An earlier sibling's subtree may have reached this funder.
		if st.visited[f.address] {
			continue
		}
		if explored > 0 && t.config.Throttle > 0 {
			select {
			case <-time.After(t.config.Throttle):
			case <-ctx.Done():
			}
		}
		explored++
		node.Children = append(node.Children, t.visit(ctx, st, f.address, depth+1, f.amount, f.firstAt))
	}
	return node
}

func (t *Tracer) errorNode(node *domain.FundingNode, err error) *domain.FundingNode {
	node.SourceType = domain.SourceError
	node.Error = err.Error()
	t.countNode(node)
	return node
}

func (t *Tracer) countNode(n *domain.FundingNode) {
	switch n.SourceType {
	case domain.SourceWallet:
		t.walletNodes.Add(1)
	case domain.SourceCEX:
		t.cexNodes.Add(1)
	case domain.SourceError:
		t.errorNodes.Add(1)
	case domain.SourceMaxDepth:
		t.maxDepthNodes.Add(1)
	}
	t.metrics.IncTraceNode(string(n.SourceType))
}

type funder struct {
	address string
	amount  decimal.Decimal
	firstAt int64
}

// selectFunders groups qualifying incoming transfers by sender and returns
// the TopK largest unvisited senders, ties broken by address.
func (t *Tracer) selectFunders(address string, txs []solana.Transaction, visited map[string]bool) []funder {
	byAddr := make(map[string]*funder)
	for _, tx := range txs {
		for _, nt := range tx.IncomingNative(address) {
			sol := nt.SOL()
			if sol.LessThan(t.minFunding) || visited[nt.From] {
				continue
			}
			f, ok := byAddr[nt.From]
			if !ok {
				f = &funder{address: nt.From, firstAt: tx.Timestamp}
				byAddr[nt.From] = f
			}
			f.amount = f.amount.Add(sol)
			if tx.Timestamp < f.firstAt {
				f.firstAt = tx.Timestamp
			}
		}
	}

	funders := make([]funder, 0, len(byAddr))
	for _, f := range byAddr {
		funders = append(funders, *f)
	}
	sort.Slice(funders, func(i, j int) bool {
		if c := funders[i].amount.Cmp(funders[j].amount); c != 0 {
			return c > 0
		}
		return funders[i].address < funders[j].address
	})
	if len(funders) > t.config.TopK {
		funders = funders[:t.config.TopK]
	}
	return funders
}

// DiscoverCreatedTokens returns mints created in transactions paid by wallet,
// deduplicated in order of appearance.
func (t *Tracer) DiscoverCreatedTokens(ctx context.Context, wallet string) ([]string, error) {
	t.fetches.Add(1)
	txs, err := t.fetcher.FetchTransactions(ctx, wallet, t.config.PageSize)
	if err != nil {
		t.fetchErrors.Add(1)
		return nil, err
	}
	return t.CreatedTokens(wallet, txs), nil
}

// CreatedTokens is DiscoverCreatedTokens over an already fetched page.
func (t *Tracer) CreatedTokens(wallet string, txs []solana.Transaction) []string {
	seen := make(map[string]bool)
	var mints []string
	for _, tx := range txs {
		if tx.FeePayer != wallet {
			continue
		}
		mint, ok := solana.DetectTokenCreation(tx, t.config.LaunchPrograms)
		if !ok || seen[mint] {
			continue
		}
		seen[mint] = true
		mints = append(mints, mint)
	}
	return mints
}

// ExtractExchangeSources collects every exchange node of tree in pre-order.
func ExtractExchangeSources(tree *domain.FundingNode) []domain.ExchangeSource {
	var out []domain.ExchangeSource
	tree.Walk(func(n *domain.FundingNode) bool {
		if n.SourceType == domain.SourceCEX {
			out = append(out, domain.ExchangeSource{Exchange: n.CEXName, Wallet: n.Address, Amount: n.Amount})
		}
		return true
	})
	return out
}

// ExtractAllWallets returns the address of every node of tree in pre-order.
func ExtractAllWallets(tree *domain.FundingNode) []string {
	var out []string
	tree.Walk(func(n *domain.FundingNode) bool {
		out = append(out, n.Address)
		return true
	})
	return out
}

// TraceStats is a snapshot of tracer counters.
type TraceStats struct {
	Traces        int64 `json:"traces"`
	Fetches       int64 `json:"fetches"`
	FetchErrors   int64 `json:"fetch_errors"`
	WalletNodes   int64 `json:"wallet_nodes"`
	CEXNodes      int64 `json:"cex_nodes"`
	ErrorNodes    int64 `json:"error_nodes"`
	MaxDepthNodes int64 `json:"max_depth_nodes"`
}

func (t *Tracer) Stats() TraceStats {
	return TraceStats{
		Traces:        t.traces.Load(),
		Fetches:       t.fetches.Load(),
		FetchErrors:   t.fetchErrors.Load(),
		WalletNodes:   t.walletNodes.Load(),
		CEXNodes:      t.cexNodes.Load(),
		ErrorNodes:    t.errorNodes.Load(),
		MaxDepthNodes: t.maxDepthNodes.Load(),
	}
}
