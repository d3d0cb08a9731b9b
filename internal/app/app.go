// Package app wires the provenance components from configuration. Both
// commands build on it.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/alert"
	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/clickhouse"
	"github.com/nexus-trading/provenance/internal/config"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/helius"
	"github.com/nexus-trading/provenance/internal/ingest"
	"github.com/nexus-trading/provenance/internal/metadata"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
	"github.com/nexus-trading/provenance/internal/storage"
	"github.com/nexus-trading/provenance/internal/storage/memory"
	"github.com/nexus-trading/provenance/internal/storage/postgres"
)

// ChainClient is the provider surface the components share.
type ChainClient interface {
	graph.Fetcher
	ingest.TxFetcher
	metadata.AssetSource
}

// Options select how Build connects.
type Options struct {
	// Stub replaces every external service with an in-process fake.
	Stub bool
	// Fixture is a webhook-format JSON file of transactions served by the stub
	// client.
	Fixture string
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Stub     bool
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthMonitor

	Chain     ChainClient
	Store     storage.Store
	Producer  bus.Producer
	Writer    *clickhouse.Writer // nil unless clickhouse is enabled
	Tracer    *graph.Tracer
	Resolver  *metadata.Resolver
	Emitter   *alert.Emitter
	Processor *offspring.Processor
	Index     *offspring.Index
	Pipeline  *ingest.Pipeline
	Engine    *entity.Engine

	helius  *helius.Client
	monitor *solana.AccountMonitor
	closers []func()
}

// Build connects and wires everything cfg enables. On error the parts
// already opened are closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Stub:     opts.Stub,
		Registry: observability.NewRegistry(),
		Health:   observability.NewHealthMonitor(30 * time.Second),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	if cfg.Metrics.Enabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}
	registry := graph.DefaultRegistry().With(cfg.Registry.ExchangeWallets)

	if err := a.buildChain(opts); err != nil {
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	cache, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildProducer(); err != nil {
		return nil, err
	}
	if err := a.buildWriter(ctx); err != nil {
		return nil, err
	}

	resolverOpts := []metadata.Option{metadata.WithCache(cache, cfg.Redis.MetadataTTL), metadata.WithMetrics(a.Metrics)}
	if !a.Stub && cfg.Solana.RPCURL != "" {
		resolverOpts = append(resolverOpts, metadata.WithFallback(metadata.NewRPCCreatorLookup(cfg.Solana.RPCURL, cfg.Solana.CreatorPages)))
	}
	a.Resolver = metadata.NewResolver(a.Chain, resolverOpts...)

	a.Tracer = graph.NewTracer(cfg.Trace, a.Chain, registry, a.Metrics)

	sinks := []alert.Sink{alert.NewBusSink(a.Producer, bus.TopicAlerts)}
	if a.Writer != nil {
		sinks = append(sinks, a.Writer)
	}
	a.Emitter = alert.NewEmitter(a.Store, a.Metrics, sinks...)

	a.Processor = offspring.NewProcessor(cfg.Offspring, a.Store, registry, a.Emitter, a.Metrics)
	a.Processor.OnFunding(ingest.PublishFunding(a.Producer))
	if a.Writer != nil {
		a.Processor.OnFunding(a.Writer.FundingHook())
	}

	if a.Index, err = offspring.LoadIndex(ctx, a.Store); err != nil {
		return nil, fmt.Errorf("app: load index: %w", err)
	}
	a.Pipeline = ingest.NewPipeline(a.Processor, a.Index, a.Metrics)
	a.Engine = entity.NewEngine(cfg.Entity, a.Store, a.Tracer, a.Resolver, a.Producer, a.Metrics)

	log.Info().
		Bool("stub", a.Stub).
		Int("tracked_addresses", a.Index.Len()).
		Int("exchange_wallets", registry.Len()).
		Int("trace_top_k", cfg.Trace.TopK).
		Int("trace_max_depth", cfg.Trace.MaxDepth).
		Int("offspring_max_depth", cfg.Offspring.MaxDepth).
		Msg("app: components wired")
	return a, nil
}

func (a *App) buildChain(opts Options) error {
	if !a.Stub {
		c := helius.NewClient(a.Config.Helius, a.Metrics)
		a.helius = c
		a.Chain = c
		a.closers = append(a.closers, c.Close)
		a.Health.Register("helius", observability.PingCheck(c.Health, 2*time.Second))
		return nil
	}
	stub := helius.NewStubClient()
	if opts.Fixture != "" {
		data, err := os.ReadFile(opts.Fixture)
		if err != nil {
			return fmt.Errorf("app: read fixture: %w", err)
		}
		txs, malformed, err := solana.ParseWebhook(data)
		if err != nil {
			return fmt.Errorf("app: parse fixture: %w", err)
		}
		for _, m := range malformed {
			log.Warn().Err(m).Msg("app: fixture transaction skipped")
		}
		stub.AddTransactions(txs...)
		log.Info().Str("fixture", opts.Fixture).Int("txs", len(txs)).Msg("app: stub fixture loaded")
	}
	a.Chain = stub
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	pg := a.Config.Postgres
	if a.Stub || pg.DSN == "" {
		a.Store = memory.New()
		log.Warn().Msg("app: using in-memory store; nothing is persisted")
		return nil
	}
	pool, err := postgres.NewPool(ctx, pg.DSN, pg.MaxConns)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)
	if pg.Migrate {
		if err := pool.Migrate(ctx); err != nil {
			return err
		}
	}
	a.Store = postgres.NewStore(pool)
	a.Health.Register("postgres", observability.PingCheck(a.Store.Ping, 500*time.Millisecond))
	return nil
}

func (a *App) buildCache(ctx context.Context) (metadata.Cache, error) {
	rc := a.Config.Redis
	if a.Stub || rc.Addr == "" {
		return metadata.NewMemoryCache(), nil
	}
	client, err := metadata.DialRedis(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	cache := metadata.NewRedisCache(client)
	a.Health.Register("redis", observability.PingCheck(cache.Ping, 200*time.Millisecond))
	return cache, nil
}

func (a *App) buildProducer() error {
	kc := a.Config.Kafka
	if a.Stub || !kc.Enabled {
		a.Producer = bus.NewStubProducer()
		return nil
	}
	p, err := bus.NewProducer(kc.Brokers, bus.WithInstanceID(a.Config.General.InstanceID), bus.WithSchemaVersion(bus.SchemaVersion))
	if err != nil {
		return err
	}
	a.Producer = p
	a.closers = append(a.closers, func() {
		if err := p.Flush(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("app: kafka flush on close")
		}
		p.Close()
	})
	return nil
}

func (a *App) buildWriter(ctx context.Context) error {
	cc := a.Config.ClickHouse
	if a.Stub || !cc.Enabled {
		return nil
	}
	client, err := clickhouse.NewClient(ctx, cc.DSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	w := clickhouse.NewWriter(client, cc.Database, cc.BatchSize, cc.FlushInterval)
	if err := w.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Writer = w
	a.Health.Register("clickhouse", observability.PingCheck(client.Ping, 500*time.Millisecond))
	return nil
}

// Monitor returns the websocket monitor for the live stream, creating it on
// first use.
func (a *App) Monitor() *solana.AccountMonitor {
	if a.monitor == nil {
		a.monitor = solana.NewAccountMonitor(a.Config.Stream.Monitor)
	}
	return a.monitor
}

// Stats gathers component counters for /stats and periodic logging.
func (a *App) Stats() map[string]any {
	out := map[string]any{
		"stub":        a.Stub,
		"instance_id": a.Config.General.InstanceID,
	}
	if a.helius != nil {
		out["helius"] = a.helius.Stats()
	}
	if a.monitor != nil {
		out["stream"] = a.monitor.Stats()
	}
	if a.Writer != nil {
		out["clickhouse"] = a.Writer.Stats()
	}
	return out
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if a.Writer != nil {
		if err := a.Writer.Close(); err != nil {
			log.Warn().Err(err).Msg("app: close clickhouse writer")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
