// Package storage defines the persistence contracts of the provenance service.
package storage

import (
	"context"

	"github.com/nexus-trading/provenance/internal/domain"
)

// EntityFilter narrows List. Zero values match everything.
type EntityFilter struct {
	EntryType domain.EntryType
	Status    domain.EnrichmentStatus
	Limit     int
}

// EntityStore persists entity records keyed by identifier.
type EntityStore interface {
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*domain.EntityRecord, error)

	GetByIdentifier(ctx context.Context, identifier string) (*domain.EntityRecord, error)

	// Upsert creates a pending record for identifier or returns the existing
	// one unchanged. created reports which happened.
	Upsert(ctx context.Context, entryType domain.EntryType, identifier string) (rec *domain.EntityRecord, created bool, err error)

	List(ctx context.Context, filter EntityFilter) ([]*domain.EntityRecord, error)

	// SetStatus writes the lifecycle status and error message.
	SetStatus(ctx context.Context, id string, status domain.EnrichmentStatus, errMsg string) error

	// Merge applies patch to the record under a row lock and marks it complete.
	Merge(ctx context.Context, id string, patch domain.EntityPatch, caps domain.Caps) (*domain.EntityRecord, error)

	// Link records a symmetric cross-link between from and to in one
	// transaction and adds from's identifier to to's linked wallets.
	// Repeating a link changes nothing.
	Link(ctx context.Context, fromID, toID string, caps domain.Caps) error
}

// OffspringStore persists offspring wallets and their funding ledger.
type OffspringStore interface {
	// ApplyFunding applies ev exactly once per (signature, transfer index,
	// root). A new offspring increments the root's offspring count in the
	// same transaction.
	ApplyFunding(ctx context.Context, ev domain.FundingEvent) (domain.FundingResult, error)

	GetOffspring(ctx context.Context, id string) (*domain.OffspringRecord, error)
	GetOffspringByWallet(ctx context.Context, rootID, wallet string) (*domain.OffspringRecord, error)
	ListOffspring(ctx context.Context, rootID string) ([]domain.OffspringRecord, error)
	ListAllOffspring(ctx context.Context) ([]domain.OffspringRecord, error)

	// MarkActivity sets the given flags (never clears them) and advances
	// last activity.
	MarkActivity(ctx context.Context, id string, act domain.Activity) error
}

// AlertStore is an append-only alert log.
type AlertStore interface {
	// AppendAlert returns false when an alert with the same signature,
	// offspring, type and token already exists.
	AppendAlert(ctx context.Context, a domain.Alert) (bool, error)
	ListAlerts(ctx context.Context, rootID string, limit int) ([]domain.Alert, error)
}

// Store is the full persistence surface.
type Store interface {
	EntityStore
	OffspringStore
	AlertStore
	Ping(ctx context.Context) error
}
