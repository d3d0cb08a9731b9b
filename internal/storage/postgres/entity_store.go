package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/storage"
)

const entityColumns = `
	id, entry_type, identifier, linked_wallets, linked_token_mints, tags,
	funding_trace, cross_linked_entries, enrichment_status, enrichment_error,
	enriched_at, total_offspring_count, created_at, updated_at`

func (s *Store) Get(ctx context.Context, id string) (*domain.EntityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *Store) GetByIdentifier(ctx context.Context, identifier string) (*domain.EntityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE identifier = $1`, identifier)
	e, err := scanEntity(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get entity by identifier: %w", err)
	}
	return e, nil
}

// Upsert inserts a pending record or returns the existing one. The no-op
// update lets RETURNING yield the row on conflict.
func (s *Store) Upsert(ctx context.Context, entryType domain.EntryType, identifier string) (*domain.EntityRecord, bool, error) {
	if !entryType.Valid() || identifier == "" {
		return nil, false, fmt.Errorf("%w: entry type %q identifier %q", storage.ErrInvalidInput, entryType, identifier)
	}
	query := `
		INSERT INTO entities (id, entry_type, identifier)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET identifier = EXCLUDED.identifier
		RETURNING ` + entityColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query, uuid.NewString(), string(entryType), identifier)
	var (
		e        domain.EntityRecord
		trace    []byte
		inserted bool
	)
	err := row.Scan(entityDest(&e, &trace, &inserted)...)
	if err != nil {
		return nil, false, fmt.Errorf("upsert entity: %w", err)
	}
	if err := decodeTrace(&e, trace); err != nil {
		return nil, false, err
	}
	return &e, inserted, nil
}

func (s *Store) List(ctx context.Context, filter storage.EntityFilter) ([]*domain.EntityRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntryType != "" {
		args = append(args, string(filter.EntryType))
		where = append(where, fmt.Sprintf("entry_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("enrichment_status = $%d", len(args)))
	}
	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*domain.EntityRecord
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status domain.EnrichmentStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET enrichment_status = $2, enrichment_error = $3, updated_at = now()
		WHERE id = $1`, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("set entity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, id string, patch domain.EntityPatch, caps domain.Caps) (*domain.EntityRecord, error) {
	if patch.EnrichedAt.IsZero() {
		patch.EnrichedAt = time.Now().UTC()
	}
	var merged *domain.EntityRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		e, err := lockEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(e, caps)
		if err := writeEntity(ctx, tx, e); err != nil {
			return err
		}
		merged = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Link locks both rows in id order so concurrent links cannot deadlock.
func (s *Store) Link(ctx context.Context, fromID, toID string, caps domain.Caps) error {
	if fromID == toID {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		first, second := fromID, toID
		if second < first {
			first, second = second, first
		}
		a, err := lockEntity(ctx, tx, first)
		if err != nil {
			return err
		}
		b, err := lockEntity(ctx, tx, second)
		if err != nil {
			return err
		}
		from, to := a, b
		if from.ID != fromID {
			from, to = b, a
		}

		now := time.Now().UTC()
		from.CrossLinkedEntries = domain.MergeSet(from.CrossLinkedEntries, []string{toID}, caps.CrossLinks)
		to.CrossLinkedEntries = domain.MergeSet(to.CrossLinkedEntries, []string{fromID}, caps.CrossLinks)
		to.LinkedWallets = domain.MergeSet(to.LinkedWallets, []string{from.Identifier}, caps.LinkedWallets)
		from.UpdatedAt, to.UpdatedAt = now, now

		if err := writeEntity(ctx, tx, from); err != nil {
			return err
		}
		return writeEntity(ctx, tx, to)
	})
}

func lockEntity(ctx context.Context, tx pgx.Tx, id string) (*domain.EntityRecord, error) {
	row := tx.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEntity(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("lock entity %s: %w", id, err)
	}
	return e, nil
}

func writeEntity(ctx context.Context, tx pgx.Tx, e *domain.EntityRecord) error {
	var trace []byte
	if e.FundingTrace != nil {
		var err error
		if trace, err = json.Marshal(e.FundingTrace); err != nil {
			return fmt.Errorf("encode funding trace: %w", err)
		}
	}
	_, err := tx.Exec(ctx, `
		UPDATE entities SET
			linked_wallets = $2, linked_token_mints = $3, tags = $4, funding_trace = $5,
			cross_linked_entries = $6, enrichment_status = $7, enrichment_error = $8,
			enriched_at = $9, updated_at = $10
		WHERE id = $1`,
		e.ID, nonNil(e.LinkedWallets), nonNil(e.LinkedTokenMints), nonNil(e.Tags), trace,
		nonNil(e.CrossLinkedEntries), string(e.EnrichmentStatus), e.EnrichmentError,
		e.EnrichedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.ID, err)
	}
	return nil
}

func entityDest(e *domain.EntityRecord, trace *[]byte, extra ...any) []any {
	dest := []any{
		&e.ID, &e.EntryType, &e.Identifier, &e.LinkedWallets, &e.LinkedTokenMints, &e.Tags,
		trace, &e.CrossLinkedEntries, &e.EnrichmentStatus, &e.EnrichmentError,
		&e.EnrichedAt, &e.TotalOffspringCount, &e.CreatedAt, &e.UpdatedAt,
	}
	return append(dest, extra...)
}

func scanEntity(row pgx.Row) (*domain.EntityRecord, error) {
	var (
		e     domain.EntityRecord
		trace []byte
	)
	if err := row.Scan(entityDest(&e, &trace)...); err != nil {
		return nil, err
	}
	if err := decodeTrace(&e, trace); err != nil {
		return nil, err
	}
	return &e, nil
}

func decodeTrace(e *domain.EntityRecord, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var node domain.FundingNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("decode funding trace of %s: %w", e.ID, err)
	}
	e.FundingTrace = &node
	return nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
