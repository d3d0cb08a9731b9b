package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

func (s *Store) AppendAlert(ctx context.Context, a domain.Alert) (bool, error) {
	if a.ID == "" || a.RootEntityID == "" || a.OffspringID == "" {
		return false, fmt.Errorf("%w: alert missing ids", storage.ErrInvalidInput)
	}
	chain := a.FundingChainSnapshot
	if chain == nil {
		chain = []domain.ChainLink{}
	}
	snapshot, err := json.Marshal(chain)
	if err != nil {
		return false, fmt.Errorf("encode chain snapshot: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, root_entity_id, offspring_id, alert_type, token_identifier,
			amount_sol, signature, detected_at, funding_chain_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9)
		ON CONFLICT (signature, offspring_id, alert_type, token_identifier) DO NOTHING`,
		a.ID, a.RootEntityID, a.OffspringID, string(a.AlertType), a.TokenIdentifier,
		a.AmountSol.String(), a.Signature, a.DetectedAt, snapshot,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAlerts returns the newest alerts of rootID first.
func (s *Store) ListAlerts(ctx context.Context, rootID string, limit int) ([]domain.Alert, error) {
	query := `
		SELECT id, root_entity_id, offspring_id, alert_type, token_identifier,
			amount_sol::text, signature, detected_at, funding_chain_snapshot
		FROM alerts
		WHERE root_entity_id = $1
		ORDER BY detected_at DESC, id DESC`
	args := []any{rootID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a        domain.Alert
			amount   string
			snapshot []byte
		)
		if err := rows.Scan(&a.ID, &a.RootEntityID, &a.OffspringID, &a.AlertType, &a.TokenIdentifier,
			&amount, &a.Signature, &a.DetectedAt, &snapshot); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if a.AmountSol, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount_sol %q: %w", amount, err)
		}
		if err := json.Unmarshal(snapshot, &a.FundingChainSnapshot); err != nil {
			return nil, fmt.Errorf("decode chain snapshot: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}
