package domain

import (
	"time"
)

// EntryType is the kind of thing an entity record flags.
type EntryType string

const (
	EntryWallet    EntryType = "wallet"
	EntryTokenMint EntryType = "token_mint"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t == EntryWallet || t == EntryTokenMint
}

// EnrichmentStatus is the lifecycle state of an entity record.
type EnrichmentStatus string

const (
	StatusPending   EnrichmentStatus = "pending"
	StatusEnriching EnrichmentStatus = "enriching"
	StatusComplete  EnrichmentStatus = "complete"
	StatusFailed    EnrichmentStatus = "failed"
)

// IsTerminal reports whether the status is complete or failed.
func (s EnrichmentStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Well-known tags applied by enrichment.
const (
	TagCEXFunded          = "cex_funded"
	TagFundedViaPrefix    = "funded_via_"
	TagSerialLauncher     = "serial_launcher"
	TagHighVolumeLauncher = "high_volume_launcher"
	TagMultiTokenDev      = "multi_token_dev"
)

// EntityRecord is a persisted registry row for a flagged wallet or token.
type EntityRecord struct {
	ID                  string           `json:"id"`
	EntryType           EntryType        `json:"entry_type"`
	Identifier          string           `json:"identifier"`
	LinkedWallets       []string         `json:"linked_wallets"`
	LinkedTokenMints    []string         `json:"linked_token_mints"`
	Tags                []string         `json:"tags"`
	FundingTrace        *FundingNode     `json:"funding_trace,omitempty"`
	CrossLinkedEntries  []string         `json:"cross_linked_entries"`
	EnrichmentStatus    EnrichmentStatus `json:"enrichment_status"`
	EnrichmentError     string           `json:"enrichment_error,omitempty"`
	EnrichedAt          *time.Time       `json:"enriched_at,omitempty"`
	TotalOffspringCount int64            `json:"total_offspring_count"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate stored state.
func (e *EntityRecord) Clone() *EntityRecord {
	if e == nil {
		return nil
	}
	c := *e
	c.LinkedWallets = append([]string(nil), e.LinkedWallets...)
	c.LinkedTokenMints = append([]string(nil), e.LinkedTokenMints...)
	c.Tags = append([]string(nil), e.Tags...)
	c.CrossLinkedEntries = append([]string(nil), e.CrossLinkedEntries...)
	if e.EnrichedAt != nil {
		t := *e.EnrichedAt
		c.EnrichedAt = &t
	}
	return &c
}

// Caps bounds the set fields of an entity record.
type Caps struct {
	LinkedWallets int `yaml:"max_linked_wallets"`
	LinkedTokens  int `yaml:"max_linked_tokens"`
	Tags          int `yaml:"max_tags"`
	CrossLinks    int `yaml:"max_cross_links"`
}

// DefaultCaps returns the registry caps used when none are configured.
func DefaultCaps() Caps {
	return Caps{
		LinkedWallets: 50,
		LinkedTokens:  50,
		Tags:          50,
		CrossLinks:    100,
	}
}

// EntityPatch carries newly discovered facts to union into an entity record.
type EntityPatch struct {
	Wallets      []string
	Tokens       []string
	Tags         []string
	CrossLinks   []string
	FundingTrace *FundingNode
	EnrichedAt   time.Time
}

// Apply unions the patch into e, capping each set, and marks it complete.
func (p EntityPatch) Apply(e *EntityRecord, caps Caps) {
	e.LinkedWallets = MergeSet(e.LinkedWallets, p.Wallets, caps.LinkedWallets)
	e.LinkedTokenMints = MergeSet(e.LinkedTokenMints, p.Tokens, caps.LinkedTokens)
	e.Tags = MergeSet(e.Tags, p.Tags, caps.Tags)
	e.CrossLinkedEntries = MergeSet(e.CrossLinkedEntries, p.CrossLinks, caps.CrossLinks)
	if p.FundingTrace != nil {
		e.FundingTrace = p.FundingTrace
	}
	at := p.EnrichedAt
	e.EnrichedAt = &at
	e.EnrichmentStatus = StatusComplete
	e.EnrichmentError = ""
	e.UpdatedAt = at
}

// MergeSet appends the members of add missing from existing, keeping
// insertion order, then truncates the tail to max. max <= 0 means unbounded.
func MergeSet(existing, add []string, max int) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Contains reports whether v is in set.
func Contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
