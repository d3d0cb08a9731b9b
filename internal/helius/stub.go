package helius

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-trading/provenance/internal/solana"
)

// StubClient serves canned histories from memory. Used in tests and in
// -stub mode.
type StubClient struct {
	mu      sync.Mutex
	history map[string][]solana.Transaction
	bySig   map[string]solana.Transaction
	assets  map[string]*Asset
	fail    map[string]error
	calls   map[string]int
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{
		history: make(map[string][]solana.Transaction),
		bySig:   make(map[string]solana.Transaction),
		assets:  make(map[string]*Asset),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// AddTransactions indexes txs under every account they touch, newest first.
func (s *StubClient) AddTransactions(txs ...solana.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.bySig[tx.Signature] = tx
		seen := map[string]bool{}
		touch := func(a string) {
			if a == "" || seen[a] {
				return
			}
			seen[a] = true
			s.history[a] = append(s.history[a], tx)
		}
		touch(tx.FeePayer)
		for _, nt := range tx.NativeTransfers {
			touch(nt.From)
			touch(nt.To)
		}
		for _, tt := range tx.TokenTransfers {
			touch(tt.From)
			touch(tt.To)
		}
	}
	for a := range s.history {
		h := s.history[a]
		sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp > h[j].Timestamp })
	}
}

// SetAsset registers DAS metadata for a mint.
func (s *StubClient) SetAsset(mint string, asset *Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[mint] = asset
}

// SetFail makes every fetch for address fail with err. A nil err clears it.
func (s *StubClient) SetFail(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, address)
		return
	}
	s.fail[address] = err
}

// Calls returns how many times address was fetched.
func (s *StubClient) Calls(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[address]
}

func (s *StubClient) FetchTransactions(ctx context.Context, address string, limit int) ([]solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Op: "fetch_transactions", Address: address, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[address]++
	if err, ok := s.fail[address]; ok {
		return nil, &FetchError{Op: "fetch_transactions", Address: address, Attempts: 1, Err: err}
	}
	h := s.history[address]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]solana.Transaction, len(h))
	copy(out, h)
	return out, nil
}

func (s *StubClient) GetTransactions(ctx context.Context, signatures []string) ([]solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Op: "get_transactions", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]solana.Transaction, 0, len(signatures))
	for _, sig := range signatures {
		if tx, ok := s.bySig[sig]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *StubClient) GetAsset(ctx context.Context, mint string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[mint]++
	if err, ok := s.fail[mint]; ok {
		return nil, &FetchError{Op: "get_asset", Address: mint, Attempts: 1, Err: err}
	}
	a, ok := s.assets[mint]
	if !ok {
		return nil, &FetchError{Op: "get_asset", Address: mint, Attempts: 1, Err: fmt.Errorf("asset not found")}
	}
	return a, nil
}
