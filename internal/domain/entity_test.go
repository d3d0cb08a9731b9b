package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergeSet_UnionKeepsInsertionOrder(t *testing.T) {
	got := MergeSet([]string{"a", "b"}, []string{"b", "c", "a", "d"}, 0)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMergeSet_TruncatesTail(t *testing.T) {
	got := MergeSet([]string{"a", "b", "c"}, []string{"d", "e"}, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMergeSet_SkipsEmpty(t *testing.T) {
	got := MergeSet(nil, []string{"", "x", ""}, 10)
	assert.Equal(t, []string{"x"}, got)
}

func TestEntityPatch_Apply(t *testing.T) {
	now := time.Now()
	e := &EntityRecord{
		ID:               "e1",
		LinkedWallets:    []string{"w1"},
		Tags:             []string{TagCEXFunded},
		EnrichmentStatus: StatusEnriching,
		EnrichmentError:  "old",
	}
	EntityPatch{
		Wallets:    []string{"w1", "w2"},
		Tokens:     []string{"m1"},
		Tags:       []string{TagCEXFunded, TagSerialLauncher},
		CrossLinks: []string{"e2"},
		EnrichedAt: now,
	}.Apply(e, DefaultCaps())

	assert.Equal(t, []string{"w1", "w2"}, e.LinkedWallets)
	assert.Equal(t, []string{"m1"}, e.LinkedTokenMints)
	assert.Equal(t, []string{TagCEXFunded, TagSerialLauncher}, e.Tags)
	assert.Equal(t, []string{"e2"}, e.CrossLinkedEntries)
	assert.Equal(t, StatusComplete, e.EnrichmentStatus)
	assert.Empty(t, e.EnrichmentError)
	assert.Equal(t, now, *e.EnrichedAt)
}

func TestEntityRecord_CloneIsDeep(t *testing.T) {
	e := &EntityRecord{LinkedWallets: []string{"w1"}}
	c := e.Clone()
	c.LinkedWallets[0] = "changed"
	assert.Equal(t, "w1", e.LinkedWallets[0])
}

func TestFundingNode_WalkAndSize(t *testing.T) {
	tree := &FundingNode{Address: "root", Children: []*FundingNode{
		{Address: "a", Depth: 1, Children: []*FundingNode{{Address: "c", Depth: 2}}},
		{Address: "b", Depth: 1},
	}}

	var order []string
	tree.Walk(func(n *FundingNode) bool {
		order = append(order, n.Address)
		return true
	})
	assert.Equal(t, []string{"root", "a", "c", "b"}, order)
	assert.Equal(t, 4, tree.Size())
	assert.True(t, SourceMaxDepth.IsTerminal())
	assert.False(t, SourceWallet.IsTerminal())
}
