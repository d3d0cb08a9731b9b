// Package metadata resolves token metadata and creators for mints.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-trading/provenance/internal/helius"
	"github.com/nexus-trading/provenance/internal/observability"
)

// ErrCreatorUnknown is returned by Creator when no source names one.
var ErrCreatorUnknown = errors.New("metadata: creator unknown")

// TokenMetadata describes a mint.
type TokenMetadata struct {
	Mint    string `json:"mint"`
	Symbol  string `json:"symbol,omitempty"`
	Name    string `json:"name,omitempty"`
	Image   string `json:"image,omitempty"`
	Creator string `json:"creator,omitempty"`
}

// AssetSource fetches DAS assets. *helius.Client and *helius.StubClient
// satisfy it.
type AssetSource interface {
	GetAsset(ctx context.Context, mint string) (*helius.Asset, error)
}

// CreatorLookup finds the creator of a mint from chain history.
type CreatorLookup interface {
	FirstSigner(ctx context.Context, mint string) (string, error)
}

// Resolver resolves metadata through a cache, the DAS API and an optional
// chain fallback for the creator.
type Resolver struct {
	assets   AssetSource
	fallback CreatorLookup
	cache    Cache
	ttl      time.Duration
	metrics  *observability.Metrics
	group    singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback sets the chain lookup used when DAS names no creator.
func WithFallback(f CreatorLookup) Option { return func(r *Resolver) { r.fallback = f } }

// WithCache sets the cache and entry TTL.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

// NewResolver creates a resolver. Without WithCache it caches in memory for
// an hour.
func NewResolver(assets AssetSource, opts ...Option) *Resolver {
	r := &Resolver{assets: assets}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache()
	}
	if r.ttl <= 0 {
		r.ttl = time.Hour
	}
	return r
}

// Resolve returns metadata for mint. Concurrent calls for one mint share a
// single upstream fetch. Cache failures are logged and bypassed.
func (r *Resolver) Resolve(ctx context.Context, mint string) (*TokenMetadata, error) {
	if mint == "" {
		return nil, fmt.Errorf("metadata: empty mint")
	}
	md, ok, err := r.cache.Get(ctx, mint)
	if err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("metadata: cache read failed")
	} else if ok {
		r.metrics.IncMetadata("cache")
		return md, nil
	}

	v, err, _ := r.group.Do(mint, func() (any, error) {
		return r.fetch(ctx, mint)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*TokenMetadata)
	return &out, nil
}

// Creator returns the creator wallet of mint.
func (r *Resolver) Creator(ctx context.Context, mint string) (string, error) {
	md, err := r.Resolve(ctx, mint)
	if err != nil {
		return "", err
	}
	if md.Creator == "" {
		return "", fmt.Errorf("%w: %s", ErrCreatorUnknown, mint)
	}
	return md.Creator, nil
}

func (r *Resolver) fetch(ctx context.Context, mint string) (*TokenMetadata, error) {
	md := &TokenMetadata{Mint: mint}
	source := "das"

	asset, dasErr := r.assets.GetAsset(ctx, mint)
	if dasErr == nil {
		md.Symbol = asset.Content.Metadata.Symbol
		md.Name = asset.Content.Metadata.Name
		md.Image = asset.Content.Links.Image
		md.Creator = asset.Creator()
	}

	if md.Creator == "" && r.fallback != nil {
		creator, err := r.fallback.FirstSigner(ctx, mint)
		switch {
		case err == nil:
			md.Creator = creator
			source = "rpc"
		case dasErr != nil:
			r.metrics.IncMetadata("miss")
			return nil, fmt.Errorf("metadata: resolve %s: %w", mint, errors.Join(dasErr, err))
		default:
			log.Debug().Err(err).Str("mint", mint).Msg("metadata: creator fallback failed")
		}
	} else if dasErr != nil {
		r.metrics.IncMetadata("miss")
		return nil, fmt.Errorf("metadata: resolve %s: %w", mint, dasErr)
	}

	r.metrics.IncMetadata(source)
	if err := r.cache.Set(ctx, md, r.ttl); err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("metadata: cache write failed")
	}
	return md, nil
}
