package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

// Numerics cross the wire as text so decimal.Decimal needs no pgx codec.
const offspringColumns = `
	id, root_entity_id, wallet_address, depth_level, parent_offspring_id,
	first_funded_at, total_sol_received::text, is_pump_fun_dev, is_active_trader, last_activity_at`

// ApplyFunding records the ledger row first. A conflicting ledger row means
// the event was applied before and nothing else is written.
func (s *Store) ApplyFunding(ctx context.Context, ev domain.FundingEvent) (domain.FundingResult, error) {
	if ev.Signature == "" || ev.RootEntityID == "" || ev.WalletAddress == "" || ev.DepthLevel < 1 {
		return domain.FundingResult{}, fmt.Errorf("%w: funding event %+v", storage.ErrInvalidInput, ev)
	}

	var res domain.FundingResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO funding_events (signature, transfer_index, root_entity_id, wallet_address, amount, funded_at)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6)
			ON CONFLICT DO NOTHING`,
			ev.Signature, ev.TransferIndex, ev.RootEntityID, ev.WalletAddress, ev.Amount.String(), ev.FundedAt,
		)
		if err != nil {
			if isForeignKeyError(err) {
				return fmt.Errorf("root %s: %w", ev.RootEntityID, storage.ErrNotFound)
			}
			return fmt.Errorf("insert funding event: %w", err)
		}

		if tag.RowsAffected() == 0 {
			row := tx.QueryRow(ctx, `SELECT `+offspringColumns+` FROM offspring
				WHERE root_entity_id = $1 AND wallet_address = $2`, ev.RootEntityID, ev.WalletAddress)
			rec, err := scanOffspring(row)
			if err != nil && !isNotFoundError(err) {
				return fmt.Errorf("load offspring: %w", err)
			}
			if rec != nil {
				res.Offspring = *rec
			}
			return nil
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO offspring (id, root_entity_id, wallet_address, depth_level, parent_offspring_id,
				first_funded_at, total_sol_received, last_activity_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $6)
			ON CONFLICT (root_entity_id, wallet_address) DO UPDATE SET
				total_sol_received = offspring.total_sol_received + EXCLUDED.total_sol_received,
				last_activity_at = GREATEST(offspring.last_activity_at, EXCLUDED.last_activity_at)
			RETURNING `+offspringColumns+`, (xmax = 0) AS inserted`,
			uuid.NewString(), ev.RootEntityID, ev.WalletAddress, ev.DepthLevel, ev.ParentOffspringID,
			ev.FundedAt, ev.Amount.String(),
		)
		var inserted bool
		rec, err := scanOffspring(row, &inserted)
		if err != nil {
			return fmt.Errorf("upsert offspring: %w", err)
		}
		res.Offspring, res.Applied, res.Created = *rec, true, inserted

		if inserted {
			if _, err := tx.Exec(ctx, `
				UPDATE entities SET total_offspring_count = total_offspring_count + 1, updated_at = now()
				WHERE id = $1`, ev.RootEntityID); err != nil {
				return fmt.Errorf("increment offspring count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.FundingResult{}, err
	}
	return res, nil
}

func (s *Store) GetOffspring(ctx context.Context, id string) (*domain.OffspringRecord, error) {
	rec, err := scanOffspring(s.pool.QueryRow(ctx, `SELECT `+offspringColumns+` FROM offspring WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get offspring: %w", err)
	}
	return rec, nil
}

func (s *Store) GetOffspringByWallet(ctx context.Context, rootID, wallet string) (*domain.OffspringRecord, error) {
	rec, err := scanOffspring(s.pool.QueryRow(ctx, `SELECT `+offspringColumns+` FROM offspring
		WHERE root_entity_id = $1 AND wallet_address = $2`, rootID, wallet))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get offspring by wallet: %w", err)
	}
	return rec, nil
}

func (s *Store) ListOffspring(ctx context.Context, rootID string) ([]domain.OffspringRecord, error) {
	return s.queryOffspring(ctx, `SELECT `+offspringColumns+` FROM offspring
		WHERE root_entity_id = $1 ORDER BY depth_level ASC, first_funded_at ASC, id ASC`, rootID)
}

func (s *Store) ListAllOffspring(ctx context.Context) ([]domain.OffspringRecord, error) {
	return s.queryOffspring(ctx, `SELECT `+offspringColumns+` FROM offspring ORDER BY first_funded_at ASC, id ASC`)
}

func (s *Store) MarkActivity(ctx context.Context, id string, act domain.Activity) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offspring SET
			is_pump_fun_dev = is_pump_fun_dev OR $2,
			is_active_trader = is_active_trader OR $3,
			last_activity_at = GREATEST(last_activity_at, $4)
		WHERE id = $1`, id, act.PumpFunDev, act.ActiveTrader, act.At)
	if err != nil {
		return fmt.Errorf("mark offspring activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) queryOffspring(ctx context.Context, query string, args ...any) ([]domain.OffspringRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offspring: %w", err)
	}
	defer rows.Close()

	var out []domain.OffspringRecord
	for rows.Next() {
		rec, err := scanOffspring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offspring: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offspring: %w", err)
	}
	return out, nil
}

func scanOffspring(row pgx.Row, extra ...any) (*domain.OffspringRecord, error) {
	var (
		rec   domain.OffspringRecord
		total string
	)
	dest := append([]any{
		&rec.ID, &rec.RootEntityID, &rec.WalletAddress, &rec.DepthLevel, &rec.ParentOffspringID,
		&rec.FirstFundedAt, &total, &rec.IsPumpFunDev, &rec.IsActiveTrader, &rec.LastActivityAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total_sol_received %q: %w", total, err)
	}
	rec.TotalSolReceived = amount
	return &rec, nil
}
