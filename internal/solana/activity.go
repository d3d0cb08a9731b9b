package solana

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SwapSide is the direction of a token trade relative to a wallet.
type SwapSide string

const (
	SideBuy  SwapSide = "buy"
	SideSell SwapSide = "sell"
)

// creation transaction types reported by the enhanced-transaction provider.
var creationTypes = map[string]bool{
	"CREATE":          true,
	"TOKEN_MINT":      true,
	"CREATE_POOL":     true,
	"INITIALIZE_MINT": true,
}

// DetectTokenCreation reports the mint created by tx when it invokes one of the
// launch programs. The call counts when the transaction is typed as a creation,
// or when it is untyped and the fee payer receives a new mint. Swaps through a
// launch program are never creations.
func DetectTokenCreation(tx Transaction, launchPrograms []string) (string, bool) {
	ix, ok := findProgram(tx.Instructions, launchPrograms)
	if !ok {
		return "", false
	}

	var received string
	for _, tt := range tx.TokenTransfers {
		if tt.To == tx.FeePayer && tt.Mint != string(SOLMint) {
			received = tt.Mint
			break
		}
	}

	typ := strings.ToUpper(tx.Type)
	switch {
	case creationTypes[typ]:
	case (typ == "" || typ == "UNKNOWN") && received != "":
	default:
		return "", false
	}

	if received != "" {
		return received, true
	}
	if len(ix.Accounts) > 0 && ix.Accounts[0] != "" {
		return ix.Accounts[0], true
	}
	return "", false
}

func findProgram(ixs []Instruction, programs []string) (Instruction, bool) {
	for _, ix := range ixs {
		for _, p := range programs {
			if ix.ProgramID == p {
				return ix, true
			}
		}
		if inner, ok := findProgram(ix.InnerInstructions, programs); ok {
			return inner, true
		}
	}
	return Instruction{}, false
}

// Swap is a token trade by a wallet, priced in SOL.
type Swap struct {
	Side      SwapSide
	Mint      string
	Tokens    decimal.Decimal
	AmountSOL decimal.Decimal
}

// ClassifySwap detects a buy or sell of a non-SOL token by wallet. The SOL
// amount is the native and wrapped-SOL flow in the opposite direction; a
// token movement with no SOL coming back the other way is a plain transfer,
// not a trade.
func ClassifySwap(tx Transaction, wallet string) (Swap, bool) {
	var (
		mint      string
		side      SwapSide
		tokens    = decimal.Zero
		solIn     = decimal.Zero
		solOut    = decimal.Zero
		wsolMint  = string(SOLMint)
		conflicts bool
	)

	for _, tt := range tx.TokenTransfers {
		if tt.Mint == wsolMint {
			if tt.To == wallet {
				solIn = solIn.Add(tt.Amount)
			} else if tt.From == wallet {
				solOut = solOut.Add(tt.Amount)
			}
			continue
		}
		var s SwapSide
		switch {
		case tt.To == wallet && tt.From != wallet:
			s = SideBuy
		case tt.From == wallet && tt.To != wallet:
			s = SideSell
		default:
			continue
		}
		if mint == "" {
			mint, side = tt.Mint, s
		} else if tt.Mint != mint || s != side {
			conflicts = true
			continue
		}
		tokens = tokens.Add(tt.Amount)
	}
	if mint == "" || conflicts {
		return Swap{}, false
	}

	for _, nt := range tx.NativeTransfers {
		switch {
		case nt.To == wallet && nt.From != wallet:
			solIn = solIn.Add(nt.SOL())
		case nt.From == wallet && nt.To != wallet:
			solOut = solOut.Add(nt.SOL())
		}
	}

	amount := solOut
	if side == SideSell {
		amount = solIn
	}
	if !amount.IsPositive() {
		return Swap{}, false
	}
	return Swap{Side: side, Mint: mint, Tokens: tokens, AmountSOL: amount}, true
}

// infrastructure programs whose instruction accounts are never trade venues.
var coreProgramIDs = map[string]bool{
	string(SystemProgram):                 true,
	string(TokenProgram):                  true,
	string(AssociatedTokenAccountProgram): true,
	string(ComputeBudgetProgram):          true,
}

// VenueAccounts returns the accounts that take the other side of a trade or
// launch by wallet: counterparties of its mint and wrapped-SOL legs, and the
// accounts of every non-core program instruction. SOL sent to one of them
// pays a pool or curve rather than funding a wallet.
func VenueAccounts(tx Transaction, wallet, mint string) map[string]bool {
	out := make(map[string]bool)
	for _, tt := range tx.TokenTransfers {
		if tt.Mint != mint && tt.Mint != string(SOLMint) {
			continue
		}
		switch {
		case tt.From == wallet && tt.To != "":
			out[tt.To] = true
		case tt.To == wallet && tt.From != "":
			out[tt.From] = true
		}
	}
	var walk func(ixs []Instruction)
	walk = func(ixs []Instruction) {
		for _, ix := range ixs {
			if !coreProgramIDs[ix.ProgramID] {
				for _, a := range ix.Accounts {
					out[a] = true
				}
			}
			walk(ix.InnerInstructions)
		}
	}
	walk(tx.Instructions)
	delete(out, wallet)
	return out
}
