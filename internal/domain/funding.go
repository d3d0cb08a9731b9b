package domain

import (
	"github.com/shopspring/decimal"
)

// SourceType classifies a node in a backward funding trace.
type SourceType string

const (
	SourceWallet   SourceType = "wallet"
	SourceCEX      SourceType = "cex"
	SourceError    SourceType = "error"
	SourceMaxDepth SourceType = "max_depth"
)

// IsTerminal reports whether traversal always stops at this source type.
func (s SourceType) IsTerminal() bool {
	return s == SourceCEX || s == SourceError || s == SourceMaxDepth
}

// FundingNode is one wallet in an ancestry tree. Depth 0 is the traced wallet.
type FundingNode struct {
	Address    string          `json:"address"`
	Depth      int             `json:"depth"`
	SourceType SourceType      `json:"source_type"`
	CEXName    string          `json:"cex_name,omitempty"`
	Amount     decimal.Decimal `json:"amount_received_from_parent"`
	FundedAt   int64           `json:"funded_at,omitempty"` // unix seconds
	Error      string          `json:"error,omitempty"`
	Children   []*FundingNode  `json:"children,omitempty"`
}

// Walk visits the tree in pre-order. Returning false from fn skips the subtree.
func (n *FundingNode) Walk(fn func(*FundingNode) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Size returns the number of nodes in the tree.
func (n *FundingNode) Size() int {
	count := 0
	n.Walk(func(*FundingNode) bool {
		count++
		return true
	})
	return count
}

// ExchangeSource is an exchange wallet found somewhere in an ancestry tree.
type ExchangeSource struct {
	Exchange string          `json:"exchange"`
	Wallet   string          `json:"wallet"`
	Amount   decimal.Decimal `json:"amount"`
}
