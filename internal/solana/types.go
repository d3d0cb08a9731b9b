package solana

import (
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// LamportsToSOL converts a lamport amount to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL)
}

// SOLToLamports converts a SOL amount to lamports, truncating dust.
func SOLToLamports(sol decimal.Decimal) uint64 {
	return uint64(sol.Mul(lamportsPerSOL).IntPart())
}

// IsValidAddress reports whether s decodes to a 32-byte public key.
func IsValidAddress(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

// Well-known mints and programs.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	PumpFunProgram Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

	SystemProgram                 Pubkey = "11111111111111111111111111111111"
	TokenProgram                  Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenAccountProgram Pubkey = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	ComputeBudgetProgram          Pubkey = "ComputeBudget111111111111111111111111111111"
)

// DefaultLaunchPrograms are the token launch programs recognised as creations.
func DefaultLaunchPrograms() []string {
	return []string{string(PumpFunProgram)}
}

// ---------------------------------------------------------------------------
// Transaction shape: strict internal form of an enhanced transaction
// ---------------------------------------------------------------------------

// Transaction is a confirmed transaction as seen by the tracers.
type Transaction struct {
	Signature       string           `json:"signature"`
	Timestamp       int64            `json:"timestamp"` // unix seconds
	Type            string           `json:"type"`
	Source          string           `json:"source"`
	Fee             uint64           `json:"fee"`
	FeePayer        string           `json:"feePayer"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
	Instructions    []Instruction    `json:"instructions"`
}

// NativeTransfer moves lamports between two accounts.
type NativeTransfer struct {
	From   string `json:"fromUserAccount"`
	To     string `json:"toUserAccount"`
	Amount uint64 `json:"amount"` // lamports
}

// SOL returns the transfer amount in SOL.
func (n NativeTransfer) SOL() decimal.Decimal {
	return LamportsToSOL(n.Amount)
}

// TokenTransfer moves an SPL token between two owners.
type TokenTransfer struct {
	From   string          `json:"fromUserAccount"`
	To     string          `json:"toUserAccount"`
	Mint   string          `json:"mint"`
	Amount decimal.Decimal `json:"tokenAmount"`
}

// Instruction is a program invocation inside a transaction.
type Instruction struct {
	ProgramID         string        `json:"programId"`
	Accounts          []string      `json:"accounts"`
	Data              string        `json:"data"`
	InnerInstructions []Instruction `json:"innerInstructions,omitempty"`
}

// IncomingNative returns the native transfers into address from other accounts.
func (tx Transaction) IncomingNative(address string) []NativeTransfer {
	var out []NativeTransfer
	for _, nt := range tx.NativeTransfers {
		if nt.To == address && nt.From != address && nt.From != "" {
			out = append(out, nt)
		}
	}
	return out
}
