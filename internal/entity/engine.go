// Package entity enriches flagged wallets and tokens with funding ancestry,
// created tokens and cross-links to other registry entries.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/storage"
)

// Config configures enrichment.
type Config struct {
	Caps               domain.Caps   `yaml:"caps"`
	TraceDepth         int           `yaml:"trace_depth"`           // < 0 uses the tracer default
	Timeout            time.Duration `yaml:"timeout"`               // per enrichment, 0 = none
	SerialLauncherMin  int           `yaml:"serial_launcher_min"`   // created tokens above this tag serial_launcher
	HighVolumeTokenMin int           `yaml:"high_volume_token_min"` // created tokens above this tag high_volume_launcher
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Caps:               domain.DefaultCaps(),
		TraceDepth:         -1,
		Timeout:            2 * time.Minute,
		SerialLauncherMin:  5,
		HighVolumeTokenMin: 20,
	}
}

// CreatorResolver finds the wallet that created a mint.
type CreatorResolver interface {
	Creator(ctx context.Context, mint string) (string, error)
}

// Request names the entity to enrich. EntityID wins over Identifier; an
// unknown Identifier with a Type is registered first.
type Request struct {
	EntityID   string
	Identifier string
	Type       domain.EntryType
	Force      bool
}

// Result is the outcome of one enrichment.
type Result struct {
	Entity   *domain.EntityRecord `json:"entity"`
	Trace    *domain.FundingNode  `json:"trace,omitempty"`
	Creator  string               `json:"creator,omitempty"`
	Wallets  []string             `json:"wallets,omitempty"`
	Tokens   []string             `json:"tokens,omitempty"`
	Tags     []string             `json:"tags,omitempty"`
	Linked   []string             `json:"linked,omitempty"`
	Skipped  bool                 `json:"skipped"`
	Duration time.Duration        `json:"duration"`
}

// Engine runs enrichments. Calls for one entity are serialized; different
// entities enrich concurrently.
type Engine struct {
	config    Config
	store     storage.EntityStore
	tracer    *graph.Tracer
	resolver  CreatorResolver
	publisher bus.Producer
	metrics   *observability.Metrics
	now       func() time.Time

	locks keyedMutex
}

// NewEngine creates an engine. resolver may be nil when token mints are never
// enriched; publisher may be nil.
func NewEngine(config Config, store storage.EntityStore, tracer *graph.Tracer, resolver CreatorResolver, publisher bus.Producer, metrics *observability.Metrics) *Engine {
	def := DefaultConfig()
	if config.SerialLauncherMin <= 0 {
		config.SerialLauncherMin = def.SerialLauncherMin
	}
	if config.HighVolumeTokenMin <= 0 {
		config.HighVolumeTokenMin = def.HighVolumeTokenMin
	}
	return &Engine{
		config:    config,
		store:     store,
		tracer:    tracer,
		resolver:  resolver,
		publisher: publisher,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     keyedMutex{locks: make(map[string]*refLock)},
	}
}

// Enrich runs one enrichment. The entity always ends complete or failed
// unless the call was skipped.
func (e *Engine) Enrich(ctx context.Context, req Request) (res *Result, err error) {
	rec, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	id := rec.ID
	unlock := e.locks.lock(id)
	defer unlock()

	// Reload under the lock; a concurrent call may have finished it.
	if rec, err = e.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("entity: reload %s: %w", id, err)
	}
	if rec.EnrichmentStatus.IsTerminal() && !req.Force {
		return &Result{Entity: rec, Skipped: true}, nil
	}

	start := time.Now()
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}
	if err := e.store.SetStatus(ctx, rec.ID, domain.StatusEnriching, ""); err != nil {
		return nil, fmt.Errorf("entity: mark enriching: %w", err)
	}

	done := false
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("entity: panic during enrichment: %v", p)
		}
		if done && err == nil {
			return
		}
		if err == nil {
			err = errors.New("entity: enrichment did not finish")
		}
		res = nil
		e.fail(ctx, rec, err, time.Since(start))
	}()

	res, err = e.run(ctx, rec)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	done = true

	e.metrics.ObserveEnrichment(string(domain.StatusComplete), res.Duration)
	e.publish(ctx, res.Entity, res.Duration)
	log.Info().
		Str("entity", rec.ID).
		Str("type", string(rec.EntryType)).
		Str("identifier", rec.Identifier).
		Int("wallets", len(res.Wallets)).
		Int("tokens", len(res.Tokens)).
		Strs("tags", res.Tags).
		Int("linked", len(res.Linked)).
		Dur("took", res.Duration).
		Msg("entity: enrichment complete")
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, req Request) (*domain.EntityRecord, error) {
	switch {
	case req.EntityID != "":
		rec, err := e.store.Get(ctx, req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("entity: load %s: %w", req.EntityID, err)
		}
		return rec, nil
	case req.Identifier != "":
		rec, err := e.store.GetByIdentifier(ctx, req.Identifier)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) || !req.Type.Valid() {
			return nil, fmt.Errorf("entity: load %s: %w", req.Identifier, err)
		}
		rec, _, err = e.store.Upsert(ctx, req.Type, req.Identifier)
		if err != nil {
			return nil, fmt.Errorf("entity: register %s: %w", req.Identifier, err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("entity: request names no entity: %w", storage.ErrInvalidInput)
	}
}

// discovery is what one branch found.
type discovery struct {
	trace   *domain.FundingNode
	creator string
	wallets []string
	tokens  []string
	tags    []string
}

func (e *Engine) run(ctx context.Context, rec *domain.EntityRecord) (*Result, error) {
	var d discovery
	switch rec.EntryType {
	case domain.EntryWallet:
		d = e.discoverWallet(ctx, rec.Identifier)
	case domain.EntryTokenMint:
		var err error
		if d, err = e.discoverToken(ctx, rec.Identifier); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("entity: %s has entry type %q: %w", rec.ID, rec.EntryType, storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("entity: enrichment interrupted: %w", err)
	}

	linked, err := e.crossReference(ctx, rec, d)
	if err != nil {
		return nil, err
	}

	merged, err := e.store.Merge(ctx, rec.ID, domain.EntityPatch{
		Wallets:      d.wallets,
		Tokens:       d.tokens,
		Tags:         d.tags,
		CrossLinks:   linked,
		FundingTrace: d.trace,
		EnrichedAt:   e.now(),
	}, e.config.Caps)
	if err != nil {
		return nil, fmt.Errorf("entity: merge %s: %w", rec.ID, err)
	}
	return &Result{
		Entity:  merged,
		Trace:   d.trace,
		Creator: d.creator,
		Wallets: d.wallets,
		Tokens:  d.tokens,
		Tags:    d.tags,
		Linked:  linked,
	}, nil
}

// discoverWallet traces the wallet's funding and the tokens it launched.
// Launches are read from the history page the trace already fetched; only a
// wallet the trace never fetched costs a second request. Fetch failures
// shrink the result instead of failing it.
func (e *Engine) discoverWallet(ctx context.Context, wallet string) discovery {
	tree, history, fetched := e.tracer.TraceWithHistory(ctx, wallet, e.config.TraceDepth)
	registry := e.tracer.Registry()

	var d discovery
	d.trace = tree
	for _, addr := range graph.ExtractAllWallets(tree) {
		if addr != wallet && !registry.IsExchange(addr) {
			d.wallets = append(d.wallets, addr)
		}
	}
	d.wallets = domain.MergeSet(nil, d.wallets, 0)

	sources := graph.ExtractExchangeSources(tree)
	if len(sources) > 0 {
		d.tags = append(d.tags, domain.TagCEXFunded)
		for _, src := range sources {
			d.tags = append(d.tags, domain.TagFundedViaPrefix+tagSafe(src.Exchange))
		}
	}

	var created []string
	if fetched {
		created = e.tracer.CreatedTokens(wallet, history)
	} else {
		var err error
		if created, err = e.tracer.DiscoverCreatedTokens(ctx, wallet); err != nil {
			log.Warn().Err(err).Str("wallet", wallet).Msg("entity: created token discovery failed")
		}
	}
	d.tokens = created
	if len(created) > e.config.SerialLauncherMin {
		d.tags = append(d.tags, domain.TagSerialLauncher)
	}
	if len(created) > e.config.HighVolumeTokenMin {
		d.tags = append(d.tags, domain.TagHighVolumeLauncher)
	}
	d.tags = domain.MergeSet(nil, d.tags, 0)
	return d
}

// discoverToken runs the wallet case on the mint's creator. The mint's
// siblings are the creator's other launches.
func (e *Engine) discoverToken(ctx context.Context, mint string) (discovery, error) {
	if e.resolver == nil {
		return discovery{}, errors.New("entity: no metadata resolver configured")
	}
	creator, err := e.resolver.Creator(ctx, mint)
	if err != nil {
		return discovery{}, fmt.Errorf("entity: resolve creator of %s: %w", mint, err)
	}

	d := e.discoverWallet(ctx, creator)
	d.creator = creator
	d.wallets = domain.MergeSet([]string{creator}, d.wallets, 0)

	siblings := make([]string, 0, len(d.tokens))
	for _, t := range d.tokens {
		if t != mint {
			siblings = append(siblings, t)
		}
	}
	d.tokens = siblings
	if len(siblings) > 1 {
		d.tags = append(d.tags, domain.TagMultiTokenDev)
	}
	return d, nil
}

// crossReference links rec to every other entity sharing a wallet or token
// with it. Exchange wallets never count as shared.
func (e *Engine) crossReference(ctx context.Context, rec *domain.EntityRecord, d discovery) ([]string, error) {
	others, err := e.store.List(ctx, storage.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("entity: list entities: %w", err)
	}
	registry := e.tracer.Registry()

	wallets := make(map[string]struct{}, len(d.wallets)+1)
	for _, w := range append([]string{rec.Identifier}, d.wallets...) {
		if !registry.IsExchange(w) {
			wallets[w] = struct{}{}
		}
	}
	tokens := make(map[string]struct{}, len(d.tokens)+1)
	for _, t := range d.tokens {
		tokens[t] = struct{}{}
	}
	if rec.EntryType == domain.EntryTokenMint {
		tokens[rec.Identifier] = struct{}{}
	}

	var linked []string
	for _, other := range others {
		if other.ID == rec.ID || !overlaps(other, wallets, tokens) {
			continue
		}
		if err := e.store.Link(ctx, rec.ID, other.ID, e.config.Caps); err != nil {
			return nil, fmt.Errorf("entity: link %s to %s: %w", rec.ID, other.ID, err)
		}
		linked = append(linked, other.ID)
		log.Debug().Str("entity", rec.ID).Str("other", other.ID).Msg("entity: cross-linked")
	}
	return linked, nil
}

func overlaps(other *domain.EntityRecord, wallets, tokens map[string]struct{}) bool {
	if _, ok := wallets[other.Identifier]; ok {
		return true
	}
	for _, w := range other.LinkedWallets {
		if _, ok := wallets[w]; ok {
			return true
		}
	}
	if other.EntryType == domain.EntryTokenMint {
		if _, ok := tokens[other.Identifier]; ok {
			return true
		}
	}
	for _, t := range other.LinkedTokenMints {
		if _, ok := tokens[t]; ok {
			return true
		}
	}
	return false
}

// fail writes the failed status on a context that outlives ctx.
func (e *Engine) fail(ctx context.Context, rec *domain.EntityRecord, cause error, took time.Duration) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.store.SetStatus(wctx, rec.ID, domain.StatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("entity", rec.ID).Msg("entity: could not record failure")
	}
	e.metrics.ObserveEnrichment(string(domain.StatusFailed), took)
	log.Warn().Err(cause).Str("entity", rec.ID).Str("identifier", rec.Identifier).Msg("entity: enrichment failed")

	failed := rec.Clone()
	failed.EnrichmentStatus = domain.StatusFailed
	failed.EnrichmentError = cause.Error()
	e.publish(wctx, failed, took)
}

func (e *Engine) publish(ctx context.Context, rec *domain.EntityRecord, took time.Duration) {
	if e.publisher == nil {
		return
	}
	ev := bus.NewEnrichmentEvent("provenance-entity", rec, took)
	if err := e.publisher.PublishJSON(ctx, bus.TopicEnrichment, rec.ID, ev); err != nil {
		log.Warn().Err(err).Str("entity", rec.ID).Msg("entity: publish enrichment event failed")
	}
}

// EnrichPending enriches every pending entity in turn and returns how many
// completed. Individual failures are recorded on the entity and do not stop
// the sweep.
func (e *Engine) EnrichPending(ctx context.Context, limit int) (int, error) {
	pending, err := e.store.List(ctx, storage.EntityFilter{Status: domain.StatusPending, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("entity: list pending: %w", err)
	}
	completed := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		if _, err := e.Enrich(ctx, Request{EntityID: rec.ID}); err == nil {
			completed++
		}
	}
	return completed, nil
}

// tagSafe lowercases an exchange name and replaces separators.
func tagSafe(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(name)
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
