package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a single-node ledger for local runs and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id            TEXT PRIMARY KEY,
			org_id        TEXT NOT NULL,
			request_id    TEXT NOT NULL DEFAULT '',
			feature       TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd      REAL NOT NULL,
			metadata      TEXT,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_org_created ON usage_records (org_id, created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, rec *UsageRecord) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode usage metadata: %w", err)
		}
	}

	id := uuid.NewString()
	createdAt := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, org_id, request_id, feature, model, input_tokens, output_tokens, cost_usd, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.OrgID, rec.RequestID, rec.Feature, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, nullable(meta), createdAt.Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: append usage: %w", ErrLedgerUnavailable, err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, request_id, feature, model, input_tokens, output_tokens, cost_usd, metadata, created_at
		FROM usage_records
		WHERE org_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC`,
		orgID, from.UTC().Format(sqliteTimeLayout), to.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query usage: %w", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var (
			r         UsageRecord
			meta      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.RequestID, &r.Feature, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode usage metadata %s: %w", r.ID, err)
			}
		}
		if r.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse usage timestamp %s: %w", r.ID, err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate usage: %w", ErrLedgerUnavailable, err)
	}
	return records, nil
}

func (s *SQLiteStore) TotalCost(ctx context.Context, orgID string, from, to time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE org_id = ? AND created_at >= ? AND created_at < ?`,
		orgID, from.UTC().Format(sqliteTimeLayout), to.UTC().Format(sqliteTimeLayout),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: total cost: %w", ErrLedgerUnavailable, err)
	}
	return total, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
