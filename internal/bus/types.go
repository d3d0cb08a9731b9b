package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/domain"
)

// SchemaVersion is stamped on every event this service publishes.
const SchemaVersion = "1.0.0"

var (
	_ Producer = (*KafkaProducer)(nil)
	_ Producer = (*StubProducer)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with a generated id.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
	}
}

// AlertEvent is published for every newly recorded alert.
type AlertEvent struct {
	BaseEvent
	domain.Alert
	RootIdentifier  string `json:"root_identifier"`
	OffspringWallet string `json:"offspring_wallet"`
}

// NewAlertEvent wraps a recorded alert.
func NewAlertEvent(producer string, a domain.Alert, rootIdentifier, offspringWallet string) AlertEvent {
	ev := AlertEvent{
		BaseEvent:       NewBaseEvent(producer),
		Alert:           a,
		RootIdentifier:  rootIdentifier,
		OffspringWallet: offspringWallet,
	}
	ev.CorrelationID = a.Signature
	return ev
}

// OffspringEvent is published when a funding event creates or grows an
// offspring wallet.
type OffspringEvent struct {
	BaseEvent
	RootEntityID      string          `json:"root_entity_id"`
	OffspringID       string          `json:"offspring_id"`
	WalletAddress     string          `json:"wallet_address"`
	ParentOffspringID string          `json:"parent_offspring_id,omitempty"`
	DepthLevel        int             `json:"depth_level"`
	Amount            decimal.Decimal `json:"amount_sol"`
	TotalSolReceived  decimal.Decimal `json:"total_sol_received"`
	Created           bool            `json:"created"`
	Signature         string          `json:"signature"`
	FundedAt          time.Time       `json:"funded_at"`
}

// NewOffspringEvent describes the result of applying ev.
func NewOffspringEvent(producer string, ev domain.FundingEvent, res domain.FundingResult) OffspringEvent {
	out := OffspringEvent{
		BaseEvent:         NewBaseEvent(producer),
		RootEntityID:      ev.RootEntityID,
		OffspringID:       res.Offspring.ID,
		WalletAddress:     ev.WalletAddress,
		ParentOffspringID: res.Offspring.ParentOffspringID,
		DepthLevel:        res.Offspring.DepthLevel,
		Amount:            ev.Amount,
		TotalSolReceived:  res.Offspring.TotalSolReceived,
		Created:           res.Created,
		Signature:         ev.Signature,
		FundedAt:          ev.FundedAt,
	}
	out.CorrelationID = ev.Signature
	return out
}

// EnrichmentEvent is published when an enrichment run ends.
type EnrichmentEvent struct {
	BaseEvent
	EntityID    string                  `json:"entity_id"`
	EntryType   domain.EntryType        `json:"entry_type"`
	Identifier  string                  `json:"identifier"`
	Status      domain.EnrichmentStatus `json:"status"`
	Error       string                  `json:"error,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	CrossLinked []string                `json:"cross_linked,omitempty"`
	DurationMs  int64                   `json:"duration_ms"`
}

// NewEnrichmentEvent summarises rec after an enrichment run.
func NewEnrichmentEvent(producer string, rec *domain.EntityRecord, took time.Duration) EnrichmentEvent {
	return EnrichmentEvent{
		BaseEvent:   NewBaseEvent(producer),
		EntityID:    rec.ID,
		EntryType:   rec.EntryType,
		Identifier:  rec.Identifier,
		Status:      rec.EnrichmentStatus,
		Error:       rec.EnrichmentError,
		Tags:        rec.Tags,
		CrossLinked: rec.CrossLinkedEntries,
		DurationMs:  took.Milliseconds(),
	}
}
