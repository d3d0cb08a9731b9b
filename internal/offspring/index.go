package offspring

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

// Entry is one reason an address is tracked. OffspringID is empty for the
// root's own address, which sits at depth 0.
type Entry struct {
	RootID      string
	OffspringID string
	Depth       int
}

// IsRoot reports whether the entry is a root's own address.
func (e Entry) IsRoot() bool { return e.OffspringID == "" }

// Index maps tracked addresses to the roots that track them. One address may
// be tracked by several roots, at most once per root.
type Index struct {
	mu     sync.RWMutex
	byAddr map[string][]Entry

	onAdd func(address string) // called outside the lock for new addresses
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{byAddr: make(map[string][]Entry)}
}

// SetOnAdd sets the callback fired when an address becomes tracked for the
// first time.
func (x *Index) SetOnAdd(fn func(address string)) {
	x.mu.Lock()
	x.onAdd = fn
	x.mu.Unlock()
}

// AddRoot tracks a root entity's own address.
func (x *Index) AddRoot(rootID, address string) bool {
	return x.add(address, Entry{RootID: rootID})
}

// AddOffspring tracks an offspring wallet under its root.
func (x *Index) AddOffspring(rec domain.OffspringRecord) bool {
	return x.add(rec.WalletAddress, Entry{RootID: rec.RootEntityID, OffspringID: rec.ID, Depth: rec.DepthLevel})
}

func (x *Index) add(address string, e Entry) bool {
	if address == "" || e.RootID == "" {
		return false
	}
	x.mu.Lock()
	entries := x.byAddr[address]
	for _, existing := range entries {
		if existing.RootID == e.RootID {
			x.mu.Unlock()
			return false
		}
	}
	first := len(entries) == 0
	x.byAddr[address] = append(entries, e)
	onAdd := x.onAdd
	x.mu.Unlock()

	if first && onAdd != nil {
		onAdd(address)
	}
	return true
}

// Lookup returns a copy of the entries tracking address.
func (x *Index) Lookup(address string) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entries := x.byAddr[address]
	if len(entries) == 0 {
		return nil
	}
	return append([]Entry(nil), entries...)
}

// Tracks reports whether address is tracked for rootID.
func (x *Index) Tracks(rootID, address string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.byAddr[address] {
		if e.RootID == rootID {
			return true
		}
	}
	return false
}

// Addresses returns every tracked address in no particular order.
func (x *Index) Addresses() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byAddr))
	for addr := range x.byAddr {
		out = append(out, addr)
	}
	return out
}

// Len returns the number of tracked addresses.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byAddr)
}

// IndexSource is what LoadIndex reads.
type IndexSource interface {
	List(ctx context.Context, filter storage.EntityFilter) ([]*domain.EntityRecord, error)
	ListAllOffspring(ctx context.Context) ([]domain.OffspringRecord, error)
}

// LoadIndex builds an index from wallet-type entities and every persisted
// offspring. Token-mint entities have no address to watch.
func LoadIndex(ctx context.Context, src IndexSource) (*Index, error) {
	x := NewIndex()
	if err := x.Refresh(ctx, src); err != nil {
		return nil, err
	}
	return x, nil
}

// Refresh adds entries persisted since the index was built. Entries are never
// removed.
func (x *Index) Refresh(ctx context.Context, src IndexSource) error {
	roots, err := src.List(ctx, storage.EntityFilter{EntryType: domain.EntryWallet})
	if err != nil {
		return fmt.Errorf("offspring: list roots: %w", err)
	}
	all, err := src.ListAllOffspring(ctx)
	if err != nil {
		return fmt.Errorf("offspring: list offspring: %w", err)
	}

	added := 0
	for _, r := range roots {
		if x.AddRoot(r.ID, r.Identifier) {
			added++
		}
	}
	for _, rec := range all {
		if x.AddOffspring(rec) {
			added++
		}
	}
	if added > 0 {
		log.Info().Int("added", added).Int("roots", len(roots)).Int("offspring", len(all)).
			Int("tracked", x.Len()).Msg("offspring: index refreshed")
	}
	return nil
}
