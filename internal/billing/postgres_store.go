package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (org_id, request_id, feature, model, input_tokens, output_tokens, cost_usd, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.OrgID, rec.RequestID, rec.Feature, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Metadata,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("%w: failed to append usage: %w", ErrLedgerUnavailable, err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, org_id, request_id, feature, model, input_tokens, output_tokens, cost_usd, metadata, created_at
		FROM usage_records
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query usage: %w", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.OrgID, &r.RequestID, &r.Feature, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.Metadata, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating usage: %w", ErrLedgerUnavailable, err)
	}

	return records, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, orgID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, orgID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get total cost: %w", ErrLedgerUnavailable, err)
	}

	return total, nil
}
