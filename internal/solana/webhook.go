package solana

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrEmptyPayload is returned for an empty webhook body.
var ErrEmptyPayload = errors.New("solana: empty payload")

// MalformedEventError describes one transaction in a batch that failed validation.
type MalformedEventError struct {
	Index     int
	Signature string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("solana: malformed transaction %d (%s): %s", e.Index, e.Signature, e.Reason)
	}
	return fmt.Sprintf("solana: malformed transaction %d: %s", e.Index, e.Reason)
}

// rawTransaction mirrors the provider payload loosely so that every field can be
// checked before it becomes a Transaction.
type rawTransaction struct {
	Signature       *string             `json:"signature"`
	Timestamp       *int64              `json:"timestamp"`
	Type            string              `json:"type"`
	Source          string              `json:"source"`
	Fee             uint64              `json:"fee"`
	FeePayer        *string             `json:"feePayer"`
	NativeTransfers []rawNativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []rawTokenTransfer  `json:"tokenTransfers"`
	Instructions    []rawInstruction    `json:"instructions"`
}

type rawNativeTransfer struct {
	From   string      `json:"fromUserAccount"`
	To     string      `json:"toUserAccount"`
	Amount json.Number `json:"amount"`
}

type rawTokenTransfer struct {
	From   string      `json:"fromUserAccount"`
	To     string      `json:"toUserAccount"`
	Mint   string      `json:"mint"`
	Amount json.Number `json:"tokenAmount"`
}

type rawInstruction struct {
	ProgramID         string           `json:"programId"`
	Accounts          []string         `json:"accounts"`
	Data              string           `json:"data"`
	InnerInstructions []rawInstruction `json:"innerInstructions"`
}

// ParseWebhook decodes a webhook body holding either a JSON array of
// transactions or a single transaction object. Invalid elements are returned
// as MalformedEventErrors and left out of the batch.
func ParseWebhook(body []byte) ([]Transaction, []*MalformedEventError, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, ErrEmptyPayload
	}

	var elems []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, nil, fmt.Errorf("solana: decode batch: %w", err)
		}
	case '{':
		elems = []json.RawMessage{trimmed}
	default:
		return nil, nil, fmt.Errorf("solana: payload is neither an array nor an object")
	}

	txs, malformed := DecodeTransactions(elems)
	return txs, malformed, nil
}

// DecodeTransactions validates each raw element independently.
func DecodeTransactions(elems []json.RawMessage) ([]Transaction, []*MalformedEventError) {
	txs := make([]Transaction, 0, len(elems))
	var malformed []*MalformedEventError
	for i, raw := range elems {
		tx, err := decodeTransaction(i, raw)
		if err != nil {
			malformed = append(malformed, err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, malformed
}

func decodeTransaction(index int, data json.RawMessage) (Transaction, *MalformedEventError) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw rawTransaction
	if err := dec.Decode(&raw); err != nil {
		return Transaction{}, &MalformedEventError{Index: index, Reason: err.Error()}
	}

	if raw.Signature == nil || *raw.Signature == "" {
		return Transaction{}, &MalformedEventError{Index: index, Reason: "missing signature"}
	}
	sig := *raw.Signature
	if raw.FeePayer == nil || !IsValidAddress(*raw.FeePayer) {
		return Transaction{}, &MalformedEventError{Index: index, Signature: sig, Reason: "missing or invalid feePayer"}
	}
	if raw.Timestamp == nil || *raw.Timestamp <= 0 {
		return Transaction{}, &MalformedEventError{Index: index, Signature: sig, Reason: "missing timestamp"}
	}

	tx := Transaction{
		Signature: sig,
		Timestamp: *raw.Timestamp,
		Type:      raw.Type,
		Source:    raw.Source,
		Fee:       raw.Fee,
		FeePayer:  *raw.FeePayer,
	}

	for _, nt := range raw.NativeTransfers {
		if !IsValidAddress(nt.From) || !IsValidAddress(nt.To) {
			continue
		}
		amount, err := nt.Amount.Int64()
		if err != nil || amount <= 0 {
			continue
		}
		tx.NativeTransfers = append(tx.NativeTransfers, NativeTransfer{From: nt.From, To: nt.To, Amount: uint64(amount)})
	}

	for _, tt := range raw.TokenTransfers {
		if tt.Mint == "" || (tt.From == "" && tt.To == "") {
			continue
		}
		amount, err := decimal.NewFromString(tt.Amount.String())
		if err != nil {
			continue
		}
		tx.TokenTransfers = append(tx.TokenTransfers, TokenTransfer{From: tt.From, To: tt.To, Mint: tt.Mint, Amount: amount})
	}

	tx.Instructions = convertInstructions(raw.Instructions)
	return tx, nil
}

func convertInstructions(raw []rawInstruction) []Instruction {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Instruction, 0, len(raw))
	for _, ix := range raw {
		if ix.ProgramID == "" {
			continue
		}
		out = append(out, Instruction{
			ProgramID:         ix.ProgramID,
			Accounts:          ix.Accounts,
			Data:              ix.Data,
			InnerInstructions: convertInstructions(ix.InnerInstructions),
		})
	}
	return out
}
