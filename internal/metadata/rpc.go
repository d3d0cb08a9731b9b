package metadata

import (
	"context"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCCreatorLookup finds a mint's creator as the fee payer of its oldest
// transaction.
type RPCCreatorLookup struct {
	client   *rpc.Client
	maxPages int
}

// NewRPCCreatorLookup connects to a Solana JSON-RPC endpoint. maxPages bounds
// how far back history is paged; each page holds up to 1000 signatures.
func NewRPCCreatorLookup(endpoint string, maxPages int) *RPCCreatorLookup {
	if maxPages <= 0 {
		maxPages = 3
	}
	return &RPCCreatorLookup{client: rpc.New(endpoint), maxPages: maxPages}
}

func (l *RPCCreatorLookup) FirstSigner(ctx context.Context, mint string) (string, error) {
	pk, err := solanago.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("metadata: bad mint %q: %w", mint, err)
	}

	limit := 1000
	var oldest solanago.Signature
	var before solanago.Signature
	for page := 0; page < l.maxPages; page++ {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Commitment: rpc.CommitmentConfirmed,
		}
		sigs, err := l.client.GetSignaturesForAddressWithOpts(ctx, pk, opts)
		if err != nil {
			return "", fmt.Errorf("metadata: signatures for %s: %w", mint, err)
		}
		if len(sigs) == 0 {
			break
		}
		oldest = sigs[len(sigs)-1].Signature
		before = oldest
		if len(sigs) < limit {
			break
		}
	}
	if oldest.IsZero() {
		return "", fmt.Errorf("%w: no history for %s", ErrCreatorUnknown, mint)
	}

	version := uint64(0)
	res, err := l.client.GetTransaction(ctx, oldest, &rpc.GetTransactionOpts{
		Encoding:                       solanago.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return "", fmt.Errorf("metadata: get transaction %s: %w", oldest, err)
	}
	if res == nil || res.Transaction == nil {
		return "", fmt.Errorf("%w: empty transaction %s", ErrCreatorUnknown, oldest)
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return "", fmt.Errorf("metadata: decode transaction %s: %w", oldest, err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return "", fmt.Errorf("%w: no account keys in %s", ErrCreatorUnknown, oldest)
	}
	return tx.Message.AccountKeys[0].String(), nil
}
