// Package offspring follows funds forward from flagged root wallets and keeps
// the persisted offspring tree current as transactions arrive.
package offspring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/alert"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/solana"
	"github.com/nexus-trading/provenance/internal/storage"
)

// Config configures forward tracing.
type Config struct {
	MaxDepth       int      `yaml:"max_depth"`        // offspring at this depth are not expanded
	MinTransferSOL float64  `yaml:"min_transfer_sol"` // transfers must exceed this
	LaunchPrograms []string `yaml:"launch_programs"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       4,
		MinTransferSOL: 0.001,
		LaunchPrograms: solana.DefaultLaunchPrograms(),
	}
}

// Store is what the processor needs from persistence.
type Store interface {
	storage.OffspringStore
	Get(ctx context.Context, id string) (*domain.EntityRecord, error)
}

// PersistenceError aborts a batch. Signature is the transaction being
// processed when the write failed.
type PersistenceError struct {
	Op        string
	Signature string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("offspring: %s (tx %s): %v", e.Op, e.Signature, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Result summarises one batch.
type Result struct {
	NewOffspring []domain.OffspringRecord
	Alerts       []domain.Alert
	Applied      int // funding events applied
	Duplicates   int // funding events already in the ledger
	Skipped      int // transactions without a fee payer
}

// Processor applies transaction batches to the offspring tree.
type Processor struct {
	config   Config
	store    Store
	registry *graph.Registry
	emitter  *alert.Emitter
	metrics  *observability.Metrics
	minSOL   decimal.Decimal

	onNewOffspring []func(domain.OffspringRecord)
	onFunding      []func(domain.FundingEvent, domain.FundingResult)
}

// NewProcessor creates a processor. A nil registry uses the built-in exchange
// list; a nil emitter disables alerts.
func NewProcessor(config Config, store Store, registry *graph.Registry, emitter *alert.Emitter, metrics *observability.Metrics) *Processor {
	if config.MaxDepth < 0 {
		config.MaxDepth = DefaultConfig().MaxDepth
	}
	if len(config.LaunchPrograms) == 0 {
		config.LaunchPrograms = solana.DefaultLaunchPrograms()
	}
	if registry == nil {
		registry = graph.DefaultRegistry()
	}
	return &Processor{
		config:   config,
		store:    store,
		registry: registry,
		emitter:  emitter,
		metrics:  metrics,
		minSOL:   decimal.NewFromFloat(config.MinTransferSOL),
	}
}

// OnNewOffspring registers a callback run after an offspring is created.
// Callbacks run synchronously on the batch goroutine.
func (p *Processor) OnNewOffspring(fn func(domain.OffspringRecord)) {
	p.onNewOffspring = append(p.onNewOffspring, fn)
}

// OnFunding registers a callback run after each applied funding event.
func (p *Processor) OnFunding(fn func(domain.FundingEvent, domain.FundingResult)) {
	p.onFunding = append(p.onFunding, fn)
}

// ProcessBatch applies txs in order. New offspring join index at once, so a
// later transaction in the same batch can expand them. A persistence error
// stops the batch and is returned as *PersistenceError with the partial
// result.
func (p *Processor) ProcessBatch(ctx context.Context, txs []solana.Transaction, index *Index) (Result, error) {
	start := time.Now()
	var res Result
	defer func() {
		p.metrics.ObserveBatch(time.Since(start), res.Skipped)
		p.metrics.SetTracked(index.Len())
	}()

	for i := range txs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tx := &txs[i]
		if tx.FeePayer == "" {
			res.Skipped++
			continue
		}
		entries := index.Lookup(tx.FeePayer)
		if len(entries) == 0 {
			continue
		}
		act := p.classify(tx)
		for _, entry := range entries {
			if act.trading() && !entry.IsRoot() {
				if err := p.recordActivity(ctx, tx, entry, act, &res); err != nil {
					return res, err
				}
			}
			if err := p.expand(ctx, tx, entry, index, act.venues, &res); err != nil {
				return res, err
			}
		}
	}

	if len(res.NewOffspring) > 0 || len(res.Alerts) > 0 {
		log.Info().
			Int("txs", len(txs)).
			Int("new_offspring", len(res.NewOffspring)).
			Int("alerts", len(res.Alerts)).
			Int("duplicates", res.Duplicates).
			Int("skipped", res.Skipped).
			Dur("took", time.Since(start)).
			Msg("offspring: batch processed")
	}
	return res, nil
}

// expand turns qualifying outgoing transfers of a tracked fee payer into
// funding events one level deeper. Transfers to venues pay a pool or curve
// and are not funding.
func (p *Processor) expand(ctx context.Context, tx *solana.Transaction, entry Entry, index *Index, venues map[string]bool, res *Result) error {
	if entry.Depth >= p.config.MaxDepth {
		return nil
	}
	fundedAt := time.Unix(tx.Timestamp, 0).UTC()

	for i, nt := range tx.NativeTransfers {
		if nt.From != tx.FeePayer || nt.To == "" || nt.To == tx.FeePayer {
			continue
		}
		amount := nt.SOL()
		if !amount.GreaterThan(p.minSOL) {
			continue
		}
		if venues[nt.To] || p.registry.IsExchange(nt.To) || index.Tracks(entry.RootID, nt.To) {
			continue
		}

		ev := domain.FundingEvent{
			Signature:         tx.Signature,
			TransferIndex:     i,
			RootEntityID:      entry.RootID,
			WalletAddress:     nt.To,
			ParentOffspringID: entry.OffspringID,
			DepthLevel:        entry.Depth + 1,
			Amount:            amount,
			FundedAt:          fundedAt,
		}
		fr, err := p.store.ApplyFunding(ctx, ev)
		if err != nil {
			return &PersistenceError{Op: "apply funding", Signature: tx.Signature, Err: err}
		}
		p.metrics.IncFundingEvent(fr.Applied)
		if !fr.Applied {
			res.Duplicates++
			// Ledger says applied but the index missed it; track it now.
			if fr.Offspring.ID != "" {
				index.AddOffspring(fr.Offspring)
			}
			continue
		}
		res.Applied++

		if fr.Created {
			index.AddOffspring(fr.Offspring)
			res.NewOffspring = append(res.NewOffspring, fr.Offspring)
			p.metrics.IncOffspring()
			log.Info().
				Str("root", entry.RootID).
				Str("wallet", fr.Offspring.WalletAddress).
				Int("depth", fr.Offspring.DepthLevel).
				Str("amount_sol", amount.String()).
				Str("signature", tx.Signature).
				Msg("offspring: new wallet")
			for _, fn := range p.onNewOffspring {
				fn(fr.Offspring)
			}
		}
		for _, fn := range p.onFunding {
			fn(ev, fr)
		}
	}
	return nil
}

// activity is what a transaction does besides moving SOL.
type activity struct {
	mint    string
	created bool
	swap    solana.Swap
	swapped bool
	venues  map[string]bool // counterparties of the launch or swap
}

func (a activity) trading() bool { return a.created || a.swapped }

// classify detects a token launch, or failing that a swap, by the fee payer.
// A launch that includes the creator's first buy counts as a launch only.
func (p *Processor) classify(tx *solana.Transaction) activity {
	if mint, ok := solana.DetectTokenCreation(*tx, p.config.LaunchPrograms); ok {
		return activity{mint: mint, created: true, venues: solana.VenueAccounts(*tx, tx.FeePayer, mint)}
	}
	if swap, ok := solana.ClassifySwap(*tx, tx.FeePayer); ok {
		return activity{swap: swap, swapped: true, venues: solana.VenueAccounts(*tx, tx.FeePayer, swap.Mint)}
	}
	return activity{}
}

// recordActivity flags an offspring fee payer and raises the alert. Flag
// writes are persistence; alert failures are only logged.
func (p *Processor) recordActivity(ctx context.Context, tx *solana.Transaction, entry Entry, act activity, res *Result) error {
	at := time.Unix(tx.Timestamp, 0).UTC()

	if act.created {
		if err := p.store.MarkActivity(ctx, entry.OffspringID, domain.Activity{PumpFunDev: true, At: at}); err != nil {
			return &PersistenceError{Op: "mark token creation", Signature: tx.Signature, Err: err}
		}
		p.raise(ctx, tx, entry, domain.AlertTokenMint, act.mint, decimal.Zero, res)
		return nil
	}

	if err := p.store.MarkActivity(ctx, entry.OffspringID, domain.Activity{ActiveTrader: true, At: at}); err != nil {
		return &PersistenceError{Op: "mark trade", Signature: tx.Signature, Err: err}
	}
	alertType := domain.AlertTokenBuy
	if act.swap.Side == solana.SideSell {
		alertType = domain.AlertTokenSell
	}
	p.raise(ctx, tx, entry, alertType, act.swap.Mint, act.swap.AmountSOL, res)
	return nil
}

func (p *Processor) raise(ctx context.Context, tx *solana.Transaction, entry Entry, alertType domain.AlertType, token string, amount decimal.Decimal, res *Result) {
	if p.emitter == nil {
		return
	}
	root, err := p.store.Get(ctx, entry.RootID)
	if err != nil {
		log.Warn().Err(err).Str("root", entry.RootID).Msg("offspring: alert skipped, root lookup failed")
		return
	}
	off, err := p.store.GetOffspring(ctx, entry.OffspringID)
	if err != nil {
		log.Warn().Err(err).Str("offspring", entry.OffspringID).Msg("offspring: alert skipped, offspring lookup failed")
		return
	}
	a, recorded, err := p.emitter.Emit(ctx, root, off, alertType, token, amount, tx.Signature)
	if err != nil {
		log.Warn().Err(err).Str("signature", tx.Signature).Str("type", string(alertType)).Msg("offspring: alert failed")
		return
	}
	if recorded {
		res.Alerts = append(res.Alerts, a)
	}
}
