package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType is the offspring activity that raised an alert.
type AlertType string

const (
	AlertTokenMint AlertType = "token_mint"
	AlertTokenBuy  AlertType = "token_buy"
	AlertTokenSell AlertType = "token_sell"
)

// ChainLink is one hop of a funding-chain snapshot.
type ChainLink struct {
	Wallet   string    `json:"wallet"`
	Depth    int       `json:"depth"`
	FundedAt time.Time `json:"funded_at"`
	IsSource bool      `json:"is_source,omitempty"`
}

// Alert is an append-only record of offspring activity.
type Alert struct {
	ID                   string          `json:"id"`
	RootEntityID         string          `json:"root_entity_id"`
	OffspringID          string          `json:"offspring_id"`
	AlertType            AlertType       `json:"alert_type"`
	TokenIdentifier      string          `json:"token_identifier"`
	AmountSol            decimal.Decimal `json:"amount_sol"`
	Signature            string          `json:"signature,omitempty"`
	DetectedAt           time.Time       `json:"detected_at"`
	FundingChainSnapshot []ChainLink     `json:"funding_chain_snapshot"`
}
