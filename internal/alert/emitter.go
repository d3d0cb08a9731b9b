// Package alert records offspring activity alerts with their funding chain
// and fans them out to downstream sinks.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/storage"
)

// DefaultMaxHops bounds the parent walk of a chain snapshot.
const DefaultMaxHops = 16

// Store is what the emitter needs from persistence.
type Store interface {
	storage.AlertStore
	GetOffspring(ctx context.Context, id string) (*domain.OffspringRecord, error)
}

// Emitter builds and records alerts.
type Emitter struct {
	store    Store
	sinks    []Sink
	metrics  *observability.Metrics
	producer string
	maxHops  int
	now      func() time.Time
}

// NewEmitter creates an emitter recording into store and delivering to sinks.
func NewEmitter(store Store, metrics *observability.Metrics, sinks ...Sink) *Emitter {
	return &Emitter{
		store:    store,
		sinks:    sinks,
		metrics:  metrics,
		producer: "provenance-alert",
		maxHops:  DefaultMaxHops,
		now:      time.Now,
	}
}

// AddSink registers another delivery target.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Emit records an alert for offspring activity. recorded is false when the
// same alert was already recorded; sinks are only fed recorded alerts. Sink
// failures are logged and never returned.
func (e *Emitter) Emit(
	ctx context.Context,
	root *domain.EntityRecord,
	off *domain.OffspringRecord,
	alertType domain.AlertType,
	token string,
	amountSol decimal.Decimal,
	signature string,
) (a domain.Alert, recorded bool, err error) {
	if root == nil || off == nil {
		return domain.Alert{}, false, fmt.Errorf("alert: %w: root and offspring are required", storage.ErrInvalidInput)
	}

	a = domain.Alert{
		ID:                   uuid.NewString(),
		RootEntityID:         root.ID,
		OffspringID:          off.ID,
		AlertType:            alertType,
		TokenIdentifier:      token,
		AmountSol:            amountSol,
		Signature:            signature,
		DetectedAt:           e.now().UTC(),
		FundingChainSnapshot: e.Snapshot(ctx, root, off),
	}

	recorded, err = e.store.AppendAlert(ctx, a)
	if err != nil {
		e.metrics.IncAlertFailure("store")
		return a, false, fmt.Errorf("alert: append: %w", err)
	}
	if !recorded {
		log.Debug().
			Str("signature", signature).
			Str("offspring", off.WalletAddress).
			Str("type", string(alertType)).
			Msg("alert: duplicate delivery ignored")
		return a, false, nil
	}

	e.metrics.IncAlert(string(alertType))
	log.Info().
		Str("alert_id", a.ID).
		Str("type", string(alertType)).
		Str("root", root.Identifier).
		Str("offspring", off.WalletAddress).
		Int("depth", off.DepthLevel).
		Str("token", token).
		Str("amount_sol", amountSol.String()).
		Msg("alert: emitted")

	ev := bus.NewAlertEvent(e.producer, a, root.Identifier, off.WalletAddress)
	for _, s := range e.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			e.metrics.IncAlertFailure(s.Name())
			log.Warn().Err(err).Str("sink", s.Name()).Str("alert_id", a.ID).Msg("alert: sink delivery failed")
		}
	}
	return a, true, nil
}

// Snapshot returns the chain from root to off, root first. The parent walk
// stops at maxHops, at a repeated id, or at a lookup failure; a truncated
// chain still starts at the root.
func (e *Emitter) Snapshot(ctx context.Context, root *domain.EntityRecord, off *domain.OffspringRecord) []domain.ChainLink {
	path := []*domain.OffspringRecord{off}
	seen := map[string]bool{off.ID: true}

	cur := off
	for hops := 0; cur.ParentOffspringID != "" && hops < e.maxHops; hops++ {
		if seen[cur.ParentOffspringID] {
			log.Warn().Str("offspring", cur.ID).Str("parent", cur.ParentOffspringID).Msg("alert: parent cycle in chain")
			break
		}
		parent, err := e.store.GetOffspring(ctx, cur.ParentOffspringID)
		if err != nil {
			log.Warn().Err(err).Str("parent", cur.ParentOffspringID).Msg("alert: chain walk stopped")
			break
		}
		seen[parent.ID] = true
		path = append(path, parent)
		cur = parent
	}

	chain := make([]domain.ChainLink, 0, len(path)+1)
	chain = append(chain, domain.ChainLink{Wallet: root.Identifier, Depth: 0, IsSource: true})
	for i := len(path) - 1; i >= 0; i-- {
		chain = append(chain, domain.ChainLink{
			Wallet:   path[i].WalletAddress,
			Depth:    path[i].DepthLevel,
			FundedAt: path[i].FirstFundedAt,
		})
	}
	return chain
}
