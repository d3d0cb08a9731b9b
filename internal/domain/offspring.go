package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OffspringRecord is a wallet funded, directly or through other offspring,
// by a root entity.
type OffspringRecord struct {
	ID                string          `json:"id"`
	RootEntityID      string          `json:"root_entity_id"`
	WalletAddress     string          `json:"wallet_address"`
	DepthLevel        int             `json:"depth_level"`
	ParentOffspringID string          `json:"parent_offspring_id,omitempty"` // empty = funded by the root
	FirstFundedAt     time.Time       `json:"first_funded_at"`
	TotalSolReceived  decimal.Decimal `json:"total_sol_received"`
	IsPumpFunDev      bool            `json:"is_pump_fun_dev"`
	IsActiveTrader    bool            `json:"is_active_trader"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
}

// FundingEvent is one native transfer that funds an offspring wallet.
// (Signature, TransferIndex, RootEntityID) identifies it across redeliveries.
type FundingEvent struct {
	Signature         string
	TransferIndex     int
	RootEntityID      string
	WalletAddress     string
	ParentOffspringID string
	DepthLevel        int
	Amount            decimal.Decimal
	FundedAt          time.Time
}

// FundingResult reports what applying a FundingEvent changed.
type FundingResult struct {
	Offspring OffspringRecord
	Created   bool // a new offspring row was inserted
	Applied   bool // false when the event had already been applied
}

// Activity flags observed for an offspring wallet.
type Activity struct {
	PumpFunDev   bool
	ActiveTrader bool
	At           time.Time
}
