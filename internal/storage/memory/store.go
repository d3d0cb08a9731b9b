// Package memory provides an in-process storage.Store for tests and stub mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

type fundingKey struct {
	signature string
	index     int
	root      string
}

type alertKey struct {
	signature string
	offspring string
	alertType domain.AlertType
	token     string
}

// Store keeps every table behind one mutex, so each method is one transaction.
type Store struct {
	mu sync.Mutex

	entities     map[string]*domain.EntityRecord
	byIdentifier map[string]string // identifier -> id
	entityOrder  []string

	offspring  map[string]*domain.OffspringRecord
	byRootAddr map[string]map[string]string // root -> wallet -> offspring id
	offOrder   []string
	ledger     map[fundingKey]struct{}
	alerts     []domain.Alert
	alertKeys  map[alertKey]struct{}
	now        func() time.Time
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entities:     make(map[string]*domain.EntityRecord),
		byIdentifier: make(map[string]string),
		offspring:    make(map[string]*domain.OffspringRecord),
		byRootAddr:   make(map[string]map[string]string),
		ledger:       make(map[fundingKey]struct{}),
		alertKeys:    make(map[alertKey]struct{}),
		now:          time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

func (s *Store) Get(_ context.Context, id string) (*domain.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) GetByIdentifier(_ context.Context, identifier string) (*domain.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentifier[identifier]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.entities[id].Clone(), nil
}

func (s *Store) Upsert(_ context.Context, entryType domain.EntryType, identifier string) (*domain.EntityRecord, bool, error) {
	if !entryType.Valid() || identifier == "" {
		return nil, false, fmt.Errorf("%w: entry type %q identifier %q", storage.ErrInvalidInput, entryType, identifier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdentifier[identifier]; ok {
		return s.entities[id].Clone(), false, nil
	}
	now := s.now().UTC()
	e := &domain.EntityRecord{
		ID:                 uuid.NewString(),
		EntryType:          entryType,
		Identifier:         identifier,
		LinkedWallets:      []string{},
		LinkedTokenMints:   []string{},
		Tags:               []string{},
		CrossLinkedEntries: []string{},
		EnrichmentStatus:   domain.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.entities[e.ID] = e
	s.byIdentifier[identifier] = e.ID
	s.entityOrder = append(s.entityOrder, e.ID)
	return e.Clone(), true, nil
}

func (s *Store) List(_ context.Context, filter storage.EntityFilter) ([]*domain.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityRecord
	for _, id := range s.entityOrder {
		e := s.entities[id]
		if filter.EntryType != "" && e.EntryType != filter.EntryType {
			continue
		}
		if filter.Status != "" && e.EnrichmentStatus != filter.Status {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SetStatus(_ context.Context, id string, status domain.EnrichmentStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.EnrichmentStatus = status
	e.EnrichmentError = errMsg
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Merge(_ context.Context, id string, patch domain.EntityPatch, caps domain.Caps) (*domain.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if patch.EnrichedAt.IsZero() {
		patch.EnrichedAt = s.now().UTC()
	}
	patch.Apply(e, caps)
	return e.Clone(), nil
}

func (s *Store) Link(_ context.Context, fromID, toID string, caps domain.Caps) error {
	if fromID == toID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.entities[fromID]
	if !ok {
		return storage.ErrNotFound
	}
	to, ok := s.entities[toID]
	if !ok {
		return storage.ErrNotFound
	}
	now := s.now().UTC()
	from.CrossLinkedEntries = domain.MergeSet(from.CrossLinkedEntries, []string{toID}, caps.CrossLinks)
	to.CrossLinkedEntries = domain.MergeSet(to.CrossLinkedEntries, []string{fromID}, caps.CrossLinks)
	to.LinkedWallets = domain.MergeSet(to.LinkedWallets, []string{from.Identifier}, caps.LinkedWallets)
	from.UpdatedAt, to.UpdatedAt = now, now
	return nil
}

// ---------------------------------------------------------------------------
// Offspring
// ---------------------------------------------------------------------------

func (s *Store) ApplyFunding(_ context.Context, ev domain.FundingEvent) (domain.FundingResult, error) {
	if ev.Signature == "" || ev.RootEntityID == "" || ev.WalletAddress == "" || ev.DepthLevel < 1 {
		return domain.FundingResult{}, fmt.Errorf("%w: funding event %+v", storage.ErrInvalidInput, ev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.entities[ev.RootEntityID]
	if !ok {
		return domain.FundingResult{}, fmt.Errorf("root %s: %w", ev.RootEntityID, storage.ErrNotFound)
	}

	key := fundingKey{ev.Signature, ev.TransferIndex, ev.RootEntityID}
	if _, dup := s.ledger[key]; dup {
		var rec domain.OffspringRecord
		if id, ok := s.byRootAddr[ev.RootEntityID][ev.WalletAddress]; ok {
			rec = *s.offspring[id]
		}
		return domain.FundingResult{Offspring: rec, Applied: false}, nil
	}
	s.ledger[key] = struct{}{}

	wallets := s.byRootAddr[ev.RootEntityID]
	if wallets == nil {
		wallets = make(map[string]string)
		s.byRootAddr[ev.RootEntityID] = wallets
	}

	if id, ok := wallets[ev.WalletAddress]; ok {
		rec := s.offspring[id]
		rec.TotalSolReceived = rec.TotalSolReceived.Add(ev.Amount)
		if ev.FundedAt.After(rec.LastActivityAt) {
			rec.LastActivityAt = ev.FundedAt
		}
		return domain.FundingResult{Offspring: *rec, Applied: true}, nil
	}

	rec := &domain.OffspringRecord{
		ID:                uuid.NewString(),
		RootEntityID:      ev.RootEntityID,
		WalletAddress:     ev.WalletAddress,
		DepthLevel:        ev.DepthLevel,
		ParentOffspringID: ev.ParentOffspringID,
		FirstFundedAt:     ev.FundedAt,
		TotalSolReceived:  ev.Amount,
		LastActivityAt:    ev.FundedAt,
	}
	s.offspring[rec.ID] = rec
	wallets[ev.WalletAddress] = rec.ID
	s.offOrder = append(s.offOrder, rec.ID)
	root.TotalOffspringCount++
	root.UpdatedAt = s.now().UTC()
	return domain.FundingResult{Offspring: *rec, Created: true, Applied: true}, nil
}

func (s *Store) GetOffspring(_ context.Context, id string) (*domain.OffspringRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.offspring[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *Store) GetOffspringByWallet(_ context.Context, rootID, wallet string) (*domain.OffspringRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRootAddr[rootID][wallet]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *s.offspring[id]
	return &c, nil
}

func (s *Store) ListOffspring(_ context.Context, rootID string) ([]domain.OffspringRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OffspringRecord
	for _, id := range s.offOrder {
		if rec := s.offspring[id]; rec.RootEntityID == rootID {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DepthLevel < out[j].DepthLevel })
	return out, nil
}

func (s *Store) ListAllOffspring(_ context.Context) ([]domain.OffspringRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OffspringRecord, 0, len(s.offOrder))
	for _, id := range s.offOrder {
		out = append(out, *s.offspring[id])
	}
	return out, nil
}

func (s *Store) MarkActivity(_ context.Context, id string, act domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.offspring[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.IsPumpFunDev = rec.IsPumpFunDev || act.PumpFunDev
	rec.IsActiveTrader = rec.IsActiveTrader || act.ActiveTrader
	if act.At.After(rec.LastActivityAt) {
		rec.LastActivityAt = act.At
	}
	return nil
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func (s *Store) AppendAlert(_ context.Context, a domain.Alert) (bool, error) {
	if a.ID == "" || a.RootEntityID == "" || a.OffspringID == "" {
		return false, fmt.Errorf("%w: alert missing ids", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{a.Signature, a.OffspringID, a.AlertType, a.TokenIdentifier}
	if _, dup := s.alertKeys[key]; dup {
		return false, nil
	}
	s.alertKeys[key] = struct{}{}
	a.FundingChainSnapshot = append([]domain.ChainLink(nil), a.FundingChainSnapshot...)
	s.alerts = append(s.alerts, a)
	return true, nil
}

// ListAlerts returns the newest alerts of rootID first.
func (s *Store) ListAlerts(_ context.Context, rootID string, limit int) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if s.alerts[i].RootEntityID != rootID {
			continue
		}
		out = append(out, s.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
